// Package api provides the HTTP surface of the auction engine: admin
// create/cancel, snapshot and history reads, bid placement and the live
// update WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/store"
)

// Viewers subscribes a WebSocket client to one auction's updates.
type Viewers interface {
	ServeAuction(w http.ResponseWriter, r *http.Request, auctionID string)
}

// Service holds the HTTP handlers.
type Service struct {
	engine  *auction.Engine
	viewers Viewers
	logger  zerolog.Logger
}

// NewService creates the handlers. Pass nil viewers to disable live updates.
func NewService(engine *auction.Engine, viewers Viewers, logger zerolog.Logger) *Service {
	return &Service{engine: engine, viewers: viewers, logger: logger}
}

// --- Request/Response types ---

// CreateAuctionRequest is the JSON body for POST /auctions.
type CreateAuctionRequest struct {
	ID             string    `json:"id,omitempty"`
	Title          string    `json:"title"`
	StartingPrice  int64     `json:"starting_price"`
	StartTime      time.Time `json:"start_time"`
	RegularEndTime time.Time `json:"regular_end_time"`
}

// PlaceBidRequest is the JSON body for POST /auctions/{auctionID}/bids.
type PlaceBidRequest struct {
	BidderID string `json:"bidder_id"`
	Amount   int64  `json:"amount"`
}

// CancelRequest is the JSON body for POST /auctions/{auctionID}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ErrorResponse is returned on every failure. Code is set for bid
// rejections.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// --- HTTP Handlers ---

// CreateAuction handles POST /api/v1/auctions
func (s *Service) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req CreateAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := s.engine.CreateAuction(r.Context(), auction.CreateParams{
		ID:             req.ID,
		Title:          req.Title,
		StartingPrice:  req.StartingPrice,
		StartTime:      req.StartTime,
		RegularEndTime: req.RegularEndTime,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.Snapshot())
}

// GetAuction handles GET /api/v1/auctions/{auctionID}
func (s *Service) GetAuction(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListBids handles GET /api/v1/auctions/{auctionID}/bids
func (s *Service) ListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.engine.ListBids(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bids)
}

// PlaceBid handles POST /api/v1/auctions/{auctionID}/bids
func (s *Service) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req PlaceBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.engine.PlaceBid(r.Context(), auction.BidRequest{
		AuctionID: chi.URLParam(r, "auctionID"),
		BidderID:  req.BidderID,
		Amount:    req.Amount,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelAuction handles POST /api/v1/auctions/{auctionID}/cancel
func (s *Service) CancelAuction(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	auctionID := chi.URLParam(r, "auctionID")
	if _, err := s.engine.Cancel(r.Context(), auctionID, req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	s.GetAuction(w, r)
}

// WatchAuction handles GET /api/v1/auctions/{auctionID}/ws
func (s *Service) WatchAuction(w http.ResponseWriter, r *http.Request) {
	if s.viewers == nil {
		writeError(w, "live updates are disabled", http.StatusNotImplemented)
		return
	}
	auctionID := chi.URLParam(r, "auctionID")
	if _, err := s.engine.Get(r.Context(), auctionID); err != nil {
		s.fail(w, err)
		return
	}
	s.viewers.ServeAuction(w, r, auctionID)
}

// --- Helpers ---

// fail maps engine errors to HTTP responses. Rejections are client
// errors; anything unrecognised means the ledger is unavailable.
func (s *Service) fail(w http.ResponseWriter, err error) {
	if rej, ok := auction.AsRejection(err); ok {
		if rej.Code == auction.CodeBusy {
			w.Header().Set("Retry-After", "1")
		}
		writeJSON(w, rejectionStatus(rej.Code), ErrorResponse{Error: rej.Message, Code: string(rej.Code)})
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "auction not found", http.StatusNotFound)
	case errors.Is(err, store.ErrAlreadyExists):
		writeError(w, "auction already exists", http.StatusConflict)
	case errors.Is(err, auction.ErrInvalidAuction), errors.Is(err, auction.ErrInvalidBid):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, auction.ErrInvalidTransition):
		writeError(w, "auction has already ended", http.StatusConflict)
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, "service unavailable", http.StatusServiceUnavailable)
	}
}

func rejectionStatus(code auction.Code) int {
	switch code {
	case auction.CodeTooLow:
		return http.StatusUnprocessableEntity
	case auction.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case auction.CodeBusy:
		return http.StatusTooManyRequests
	default:
		return http.StatusConflict
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
