// Package watch coordinates one viewer's path from identifier to playback:
// descriptor resolution, the guest free-watch gate for zero-cost content, and
// the credit unlock flow for paid content. The presentation layer consumes
// the Result values and never sees a raw error.
package watch

import (
	"context"
	"sync"

	"github.com/reelgate/reelgate/internal/access"
	"github.com/reelgate/reelgate/internal/classify"
	"github.com/reelgate/reelgate/internal/guest"
	"github.com/reelgate/reelgate/internal/plans"
	"github.com/reelgate/reelgate/internal/unlock"
)

// Decision tells the presentation layer which surface to render.
type Decision string

const (
	DecisionPlayback         Decision = "playback"
	DecisionPurchaseRequired Decision = "purchase_required"
	DecisionGuestLimit       Decision = "guest_limit"
	DecisionError            Decision = "error"
)

// Result is the controller's answer after Load, Retry, or a resolved unlock.
type Result struct {
	Decision    Decision
	Descriptor  *access.Descriptor
	PlaybackURL string
	Err         *classify.Error
	CopyFlavor  access.CopyFlavor
}

// Retryable reports whether the result exposes a retry affordance.
func (r *Result) Retryable() bool {
	return r.Err != nil && r.Err.Retryable
}

// DescriptorResolver fetches the access descriptor; *access.Resolver
// satisfies it.
type DescriptorResolver interface {
	Resolve(ctx context.Context, identifier string) (*access.Descriptor, error)
}

type step int

const (
	stepNone step = iota
	stepResolve
	stepUnlock
)

// Session sequences the pipeline for a single identifier. One instance per
// page/session; discarded on navigation.
type Session struct {
	resolver      DescriptorResolver
	gate          *guest.Gate
	backend       unlock.CreditBackend
	identifier    string
	authenticated func() bool

	mu            sync.Mutex
	descriptor    *access.Descriptor
	attempt       *unlock.Attempt
	unlockCtx     context.Context
	cancelUnlock  context.CancelFunc
	failedStep    step
	unlockRetries int
}

func NewSession(resolver DescriptorResolver, gate *guest.Gate, backend unlock.CreditBackend, identifier string, authenticated func() bool) *Session {
	if authenticated == nil {
		authenticated = func() bool { return false }
	}
	return &Session{
		resolver:      resolver,
		gate:          gate,
		backend:       backend,
		identifier:    identifier,
		authenticated: authenticated,
	}
}

// Load resolves the descriptor and derives the initial decision.
func (s *Session) Load(ctx context.Context) *Result {
	d, err := s.resolver.Resolve(ctx, s.identifier)
	if err != nil {
		ce := classify.As(err)
		s.mu.Lock()
		s.failedStep = stepResolve
		s.mu.Unlock()
		return &Result{
			Decision:   DecisionError,
			Err:        ce,
			CopyFlavor: access.FlavorFor(nil, s.identifier),
		}
	}

	s.mu.Lock()
	s.descriptor = d
	s.failedStep = stepNone
	s.mu.Unlock()

	res := s.decide(d)
	// Recording happens here, not in decide: Load is the one watch request,
	// and re-deriving a decision later must not touch the counter again.
	if res.Decision == DecisionPlayback && !d.HasAccess && !s.authenticated() {
		s.gate.RecordFreeWatch()
	}
	return res
}

// decide derives the surface to render from a descriptor. Pure: no counter
// writes, no wallet calls.
func (s *Session) decide(d *access.Descriptor) *Result {
	flavor := access.FlavorFor(d, s.identifier)

	if d.HasAccess {
		return &Result{Decision: DecisionPlayback, Descriptor: d, PlaybackURL: d.PlaybackURL, CopyFlavor: flavor}
	}

	if d.RequiresPurchase {
		return &Result{Decision: DecisionPurchaseRequired, Descriptor: d, CopyFlavor: flavor}
	}

	// Free content without a server grant: the guest allowance decides.
	if d.UnitCost == 0 {
		if !s.gate.CanWatchFree(s.authenticated(), d.UnitCost) {
			return &Result{Decision: DecisionGuestLimit, Descriptor: d, CopyFlavor: flavor}
		}
		return &Result{Decision: DecisionPlayback, Descriptor: d, PlaybackURL: d.PlaybackURL, CopyFlavor: flavor}
	}

	// Paid content that the server neither granted nor flagged for purchase;
	// treat it as requiring purchase rather than silently denying.
	return &Result{Decision: DecisionPurchaseRequired, Descriptor: d, CopyFlavor: flavor}
}

// BeginUnlock starts a new purchase attempt for the loaded descriptor and
// fetches the fresh balance. A non-terminal attempt already in flight is
// returned as-is; a new attempt is only constructible after the previous one
// resolved or was canceled.
func (s *Session) BeginUnlock(ctx context.Context) (*unlock.Attempt, *classify.Error) {
	s.mu.Lock()
	d := s.descriptor
	if d == nil || !d.RequiresPurchase {
		s.mu.Unlock()
		return nil, &classify.Error{Kind: classify.KindInvalidLink, Message: "nothing to unlock"}
	}
	if s.attempt != nil && !s.attempt.Status().Terminal() {
		a := s.attempt
		s.mu.Unlock()
		return a, nil
	}
	// The derived context spans the whole attempt, Begin through Confirm, so
	// CancelUnlock can abort a deduction already on the wire.
	unlockCtx, cancel := context.WithCancel(ctx)
	a := unlock.NewAttempt(s.backend, s.identifier, d.UnitCost)
	s.attempt = a
	s.unlockCtx = unlockCtx
	s.cancelUnlock = cancel
	s.mu.Unlock()

	if a.Begin(unlockCtx) == unlock.StatusFailed {
		s.noteFailure(stepUnlock)
	}
	return a, nil
}

// ConfirmUnlock confirms the active attempt. On success it re-resolves the
// descriptor once so playback state comes from the server, not from local
// assumptions.
func (s *Session) ConfirmUnlock(ctx context.Context) *Result {
	s.mu.Lock()
	a := s.attempt
	uctx := s.unlockCtx
	s.mu.Unlock()
	if a == nil {
		return &Result{Decision: DecisionError, Err: &classify.Error{Kind: classify.KindUnknown, Message: "no purchase in progress"}}
	}
	if uctx == nil {
		uctx = ctx
	}

	switch a.Confirm(uctx) {
	case unlock.StatusSuccess:
		return s.reloadAfterPurchase(ctx, a)
	case unlock.StatusInsufficientFunds:
		s.noteFailure(stepUnlock)
		return &Result{Decision: DecisionError, Descriptor: s.snapshotDescriptor(), Err: a.Err()}
	case unlock.StatusFailed:
		s.noteFailure(stepUnlock)
		return &Result{Decision: DecisionError, Descriptor: s.snapshotDescriptor(), Err: a.Err()}
	default:
		// Still confirming or processing; nothing to report yet.
		return &Result{Decision: DecisionPurchaseRequired, Descriptor: s.snapshotDescriptor()}
	}
}

func (s *Session) reloadAfterPurchase(ctx context.Context, a *unlock.Attempt) *Result {
	d, err := s.resolver.Resolve(ctx, s.identifier)
	if err != nil {
		// The charge went through; only the refreshed descriptor failed.
		s.noteFailure(stepResolve)
		return &Result{Decision: DecisionError, Err: classify.As(err)}
	}
	s.mu.Lock()
	s.descriptor = d
	s.failedStep = stepNone
	s.attempt = nil
	if s.cancelUnlock != nil {
		s.cancelUnlock()
	}
	s.unlockCtx = nil
	s.cancelUnlock = nil
	s.unlockRetries = 0
	s.mu.Unlock()
	// The server's word, not the charge, decides what renders next. If the
	// refreshed descriptor still withholds the grant, say so.
	return s.decide(d)
}

// CancelUnlock abandons an in-flight attempt before it succeeded. The
// attempt is discarded and the session returns to its pre-purchase state.
func (s *Session) CancelUnlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt == nil || s.attempt.Status() == unlock.StatusSuccess {
		return
	}
	if s.cancelUnlock != nil {
		s.cancelUnlock()
	}
	s.attempt = nil
	s.unlockCtx = nil
	s.cancelUnlock = nil
	s.failedStep = stepNone
	s.unlockRetries = 0
}

// Retry re-runs only the step that failed, preserving already-resolved
// state: a resolver failure re-resolves, an unlock failure starts a fresh
// attempt against the existing descriptor. Unlock retries are bounded; past
// the limit the session stops offering the purchase prompt.
func (s *Session) Retry(ctx context.Context) *Result {
	s.mu.Lock()
	failed := s.failedStep
	d := s.descriptor
	s.mu.Unlock()

	switch {
	case failed == stepResolve || d == nil:
		return s.Load(ctx)
	case failed == stepUnlock:
		s.mu.Lock()
		s.unlockRetries++
		if s.unlockRetries > plans.Guest.MaxUnlockRetries {
			s.mu.Unlock()
			// Deliberately not server_error: that kind always carries a retry
			// affordance, and the whole point here is to stop offering one.
			return &Result{
				Decision:   DecisionError,
				Descriptor: d,
				Err:        &classify.Error{Kind: classify.KindUnknown, Message: "purchase keeps failing, try again later"},
				CopyFlavor: access.FlavorFor(d, s.identifier),
			}
		}
		s.attempt = nil
		s.unlockCtx = nil
		s.cancelUnlock = nil
		s.failedStep = stepNone
		s.mu.Unlock()
		return &Result{Decision: DecisionPurchaseRequired, Descriptor: d, CopyFlavor: access.FlavorFor(d, s.identifier)}
	default:
		return s.decide(d)
	}
}

// Descriptor returns the last resolved descriptor, nil before a successful
// Load.
func (s *Session) Descriptor() *access.Descriptor {
	return s.snapshotDescriptor()
}

// Attempt exposes the active unlock attempt for status display.
func (s *Session) Attempt() *unlock.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Session) snapshotDescriptor() *access.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descriptor
}

func (s *Session) noteFailure(st step) {
	s.mu.Lock()
	s.failedStep = st
	s.mu.Unlock()
}
