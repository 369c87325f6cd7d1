// Package wallet is the point-balance collaborator of the bid engine.
// A bid's amount is held (reserved) when the bid is placed and handed back
// (released) when it is outbid or its auction is cancelled.
//
// Every hold is keyed by a reference (the bid id), which makes both
// operations idempotent: a second Reserve or Release for the same
// reference has no effect.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInsufficientBalance is returned by Reserve when the user's available
// balance is below the requested amount.
var ErrInsufficientBalance = errors.New("wallet: insufficient balance")

// Wallet debits and credits user point balances.
type Wallet interface {
	// Reserve holds amount from userID's balance under ref.
	Reserve(ctx context.Context, userID string, amount int64, ref string) error

	// Release returns the amount held under ref to userID. Releasing an
	// unknown or already released ref is a no-op.
	Release(ctx context.Context, userID string, amount int64, ref string) error
}

type hold struct {
	userID   string
	amount   int64
	released bool
}

// MemoryWallet implements Wallet with in-memory balances. Used for
// testing and development.
type MemoryWallet struct {
	mu       sync.Mutex
	balances map[string]int64
	holds    map[string]*hold
	opening  int64
}

// NewMemoryWallet creates an empty in-memory wallet.
func NewMemoryWallet() *MemoryWallet {
	return &MemoryWallet{
		balances: make(map[string]int64),
		holds:    make(map[string]*hold),
	}
}

// SetOpeningBalance credits every user not seen before with amount on
// first use. Meant for local development.
func (w *MemoryWallet) SetOpeningBalance(amount int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.opening = amount
}

// account returns userID's balance, opening it if needed. Callers hold mu.
func (w *MemoryWallet) account(userID string) int64 {
	bal, ok := w.balances[userID]
	if !ok {
		bal = w.opening
		w.balances[userID] = bal
	}
	return bal
}

// Deposit credits amount to userID.
func (w *MemoryWallet) Deposit(userID string, amount int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[userID] = w.account(userID) + amount
}

// Balance returns userID's available (unreserved) balance.
func (w *MemoryWallet) Balance(userID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.account(userID)
}

// Held returns the total amount currently reserved for userID.
func (w *MemoryWallet) Held(userID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	var total int64
	for _, h := range w.holds {
		if h.userID == userID && !h.released {
			total += h.amount
		}
	}
	return total
}

func (w *MemoryWallet) Reserve(_ context.Context, userID string, amount int64, ref string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.holds[ref]; ok {
		return nil
	}
	if w.account(userID) < amount {
		return fmt.Errorf("reserve %d for %s: %w", amount, userID, ErrInsufficientBalance)
	}
	w.balances[userID] -= amount
	w.holds[ref] = &hold{userID: userID, amount: amount}
	return nil
}

func (w *MemoryWallet) Release(_ context.Context, userID string, _ int64, ref string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	h, ok := w.holds[ref]
	if !ok || h.released {
		return nil
	}
	if h.userID != userID {
		return fmt.Errorf("release %s: held for %s, not %s", ref, h.userID, userID)
	}
	h.released = true
	w.balances[userID] += h.amount
	return nil
}
