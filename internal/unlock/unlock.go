// Package unlock drives the credit-gated purchase flow for one watch attempt:
// balance check, viewer confirmation, a single deduction, and the authoritative
// post-charge balance. One Attempt instance per viewer interaction.
package unlock

import (
	"context"
	"sync"

	"github.com/reelgate/reelgate/internal/classify"
	"github.com/reelgate/reelgate/internal/wallet"
)

// Status enumerates the attempt lifecycle. success, insufficient_funds, and
// failed are terminal; a retry is a new Attempt instance.
type Status string

const (
	StatusIdle              Status = "idle"
	StatusConfirming        Status = "confirming"
	StatusProcessing        Status = "processing"
	StatusSuccess           Status = "success"
	StatusInsufficientFunds Status = "insufficient_funds"
	StatusFailed            Status = "failed"
)

// Terminal reports whether the attempt has resolved.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusInsufficientFunds || s == StatusFailed
}

// CreditBackend is the wallet surface the flow needs. *wallet.Client
// satisfies it.
type CreditBackend interface {
	Balance(ctx context.Context) (int64, error)
	Unlock(ctx context.Context, identifier string) (*wallet.UnlockResult, error)
}

// Attempt is the per-interaction state machine. Methods are safe for
// concurrent use; the status transition itself is the duplicate-deduction
// guard.
type Attempt struct {
	backend    CreditBackend
	identifier string
	unitCost   int64

	mu        sync.Mutex
	status    Status
	balance   int64
	shortfall int64
	err       *classify.Error
}

func NewAttempt(backend CreditBackend, identifier string, unitCost int64) *Attempt {
	return &Attempt{
		backend:    backend,
		identifier: identifier,
		unitCost:   unitCost,
		status:     StatusIdle,
	}
}

// Begin moves idle → confirming after fetching a fresh balance. No cached
// balance is ever trusted for a purchase decision.
func (a *Attempt) Begin(ctx context.Context) Status {
	a.mu.Lock()
	if a.status != StatusIdle {
		defer a.mu.Unlock()
		return a.status
	}
	a.mu.Unlock()

	balance, err := a.backend.Balance(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.err = classify.As(err)
		a.status = StatusFailed
		return a.status
	}
	a.balance = balance
	a.status = StatusConfirming
	return a.status
}

// Confirm moves confirming → processing and issues exactly one deduction.
// Calling Confirm while another confirm is processing is a no-op; calling it
// in any state other than confirming returns the current status unchanged.
// A balance already short of the unit cost resolves to insufficient_funds
// without issuing a deduction at all.
func (a *Attempt) Confirm(ctx context.Context) Status {
	a.mu.Lock()
	if a.status != StatusConfirming {
		defer a.mu.Unlock()
		return a.status
	}
	if a.balance < a.unitCost {
		a.shortfall = a.unitCost - a.balance
		a.status = StatusInsufficientFunds
		a.err = insufficientFundsError(a.shortfall)
		defer a.mu.Unlock()
		return a.status
	}
	a.status = StatusProcessing
	a.mu.Unlock()

	result, err := a.backend.Unlock(ctx, a.identifier)
	if err != nil {
		return a.resolveFailure(err)
	}

	balance := result.Balance
	if result.RefetchBalance {
		if fresh, balErr := a.backend.Balance(ctx); balErr == nil {
			balance = fresh
		} else {
			// Deduction already succeeded; a failed read only leaves the
			// displayed balance stale until the next fetch.
			balance = a.balance
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = balance
	a.status = StatusSuccess
	return a.status
}

func (a *Attempt) resolveFailure(err error) Status {
	ce := classify.As(err)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = ce
	if ce.RequiresCredits {
		a.shortfall = ce.CreditShortfall
		if a.shortfall == 0 && a.unitCost > a.balance {
			a.shortfall = a.unitCost - a.balance
		}
		a.status = StatusInsufficientFunds
	} else {
		a.status = StatusFailed
	}
	return a.status
}

func insufficientFundsError(shortfall int64) *classify.Error {
	return &classify.Error{
		Kind:            classify.KindAccessDenied,
		Message:         "not enough credits",
		RequiresCredits: true,
		CreditShortfall: shortfall,
	}
}

// Status returns the current state.
func (a *Attempt) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Balance is the most recent authoritative balance seen by this attempt.
func (a *Attempt) Balance() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// Shortfall is the missing credit amount once the attempt resolved to
// insufficient_funds, zero otherwise.
func (a *Attempt) Shortfall() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shortfall
}

// Err returns the classified failure for failed or insufficient_funds
// attempts, nil otherwise.
func (a *Attempt) Err() *classify.Error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// UnitCost returns the price this attempt was created for.
func (a *Attempt) UnitCost() int64 {
	return a.unitCost
}
