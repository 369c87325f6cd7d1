package auction

import (
	"errors"
	"fmt"
)

// Code identifies why a bid was rejected.
type Code string

const (
	CodeNotActive           Code = "AUCTION_NOT_ACTIVE"
	CodeClosed              Code = "AUCTION_CLOSED"
	CodeTooLow              Code = "BID_TOO_LOW"
	CodeSelfOutbid          Code = "SELF_OUTBID"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeBusy                Code = "AUCTION_BUSY"
)

// Rejection is a client error: the bid was refused and no state changed.
type Rejection struct {
	Code    Code
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("bid rejected: %s: %s", r.Code, r.Message)
}

func reject(code Code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsRejection extracts a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

var (
	// ErrInvalidTransition is returned by Cancel on an ENDED auction.
	ErrInvalidTransition = errors.New("auction: invalid transition")

	// ErrInvalidAuction is returned by CreateAuction for malformed input.
	ErrInvalidAuction = errors.New("auction: invalid auction")

	// ErrInvalidBid is returned by PlaceBid for a malformed request.
	ErrInvalidBid = errors.New("auction: invalid bid")
)
