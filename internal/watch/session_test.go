package watch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reelgate/reelgate/internal/access"
	"github.com/reelgate/reelgate/internal/classify"
	"github.com/reelgate/reelgate/internal/guest"
	"github.com/reelgate/reelgate/internal/unlock"
	"github.com/reelgate/reelgate/internal/wallet"
)

type fakeResolver struct {
	descriptor *access.Descriptor
	err        error
	calls      int
	// after an unlock the server reports ownership; swapped in on demand
	afterPurchase *access.Descriptor
	purchased     bool
}

func (f *fakeResolver) Resolve(ctx context.Context, identifier string) (*access.Descriptor, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.purchased && f.afterPurchase != nil {
		return f.afterPurchase, nil
	}
	return f.descriptor, nil
}

type fakeWallet struct {
	balance      int64
	balanceErr   error
	unlockErr    error
	unlockCalls  int
	balanceCalls int
	onUnlock     func()
}

func (f *fakeWallet) Balance(ctx context.Context) (int64, error) {
	f.balanceCalls++
	return f.balance, f.balanceErr
}

func (f *fakeWallet) Unlock(ctx context.Context, identifier string) (*wallet.UnlockResult, error) {
	f.unlockCalls++
	if f.unlockErr != nil {
		return nil, f.unlockErr
	}
	if f.onUnlock != nil {
		f.onUnlock()
	}
	return &wallet.UnlockResult{Balance: f.balance}, nil
}

func newGate(count, limit int) *guest.Gate {
	store := &guest.MemStore{}
	for i := 0; i < count; i++ {
		_ = store.Increment()
	}
	return guest.NewGate(store, limit)
}

func TestLoad_OwnedContentGrantsPlaybackImmediately(t *testing.T) {
	resolver := &fakeResolver{descriptor: &access.Descriptor{
		ContentID: "vid-1", HasAccess: true, AccessType: access.AccessOwned, PlaybackURL: "https://cdn/v.m3u8",
	}}
	w := &fakeWallet{}
	s := NewSession(resolver, newGate(0, 2), w, "vid-1", func() bool { return true })

	res := s.Load(context.Background())
	if res.Decision != DecisionPlayback {
		t.Fatalf("expected playback, got %s", res.Decision)
	}
	if res.PlaybackURL == "" {
		t.Error("expected playback URL")
	}
	if w.balanceCalls != 0 || w.unlockCalls != 0 {
		t.Error("owned content must not touch the wallet")
	}
}

func TestLoad_ResolveFailureClassified(t *testing.T) {
	resolver := &fakeResolver{err: classify.Classify("video not found", 404)}
	s := NewSession(resolver, newGate(0, 2), &fakeWallet{}, "vid-1", nil)

	res := s.Load(context.Background())
	if res.Decision != DecisionError {
		t.Fatalf("expected error decision, got %s", res.Decision)
	}
	if res.Err == nil || res.Err.Kind != classify.KindNotFound {
		t.Errorf("expected not_found, got %+v", res.Err)
	}
	if res.Retryable() {
		t.Error("not_found must not offer retry")
	}
}

func TestLoad_GuestFreeWatchGrantsAndRecords(t *testing.T) {
	resolver := &fakeResolver{descriptor: &access.Descriptor{
		ContentID: "vid-free", UnitCost: 0, PlaybackURL: "https://cdn/free.m3u8",
	}}
	gate := newGate(1, 2)
	s := NewSession(resolver, gate, &fakeWallet{}, "vid-free", nil)

	res := s.Load(context.Background())
	if res.Decision != DecisionPlayback {
		t.Fatalf("expected playback, got %s", res.Decision)
	}
	if gate.Remaining() != 0 {
		t.Errorf("expected counter to advance to the limit, remaining=%d", gate.Remaining())
	}

	// Same viewer comes back for another free watch: limit reached.
	second := NewSession(resolver, gate, &fakeWallet{}, "vid-free", nil)
	res = second.Load(context.Background())
	if res.Decision != DecisionGuestLimit {
		t.Fatalf("expected guest_limit on repeat, got %s", res.Decision)
	}
	if resolver.calls != 2 {
		t.Errorf("expected no network calls beyond descriptor fetches, got %d", resolver.calls)
	}
}

func TestLoad_AuthenticatedViewerIgnoresGuestCounter(t *testing.T) {
	resolver := &fakeResolver{descriptor: &access.Descriptor{ContentID: "vid-free", UnitCost: 0}}
	gate := newGate(5, 2)
	s := NewSession(resolver, gate, &fakeWallet{}, "vid-free", func() bool { return true })

	if res := s.Load(context.Background()); res.Decision != DecisionPlayback {
		t.Fatalf("expected playback for authenticated viewer, got %s", res.Decision)
	}
}

func TestUnlock_FullPurchaseFlow(t *testing.T) {
	resolver := &fakeResolver{
		descriptor: &access.Descriptor{
			ContentID: "vid-paid", RequiresPurchase: true,
			AccessType: access.AccessRequiresPurchase, UnitCost: 10,
		},
		afterPurchase: &access.Descriptor{
			ContentID: "vid-paid", HasAccess: true,
			AccessType: access.AccessOwned, PlaybackURL: "https://cdn/paid.m3u8",
		},
	}
	w := &fakeWallet{balance: 25}
	w.onUnlock = func() {
		resolver.purchased = true
		w.balance = 15
	}
	s := NewSession(resolver, newGate(0, 2), w, "vid-paid", func() bool { return true })

	if res := s.Load(context.Background()); res.Decision != DecisionPurchaseRequired {
		t.Fatalf("expected purchase_required, got %s", res.Decision)
	}

	a, cerr := s.BeginUnlock(context.Background())
	if cerr != nil {
		t.Fatalf("unexpected error: %v", cerr)
	}
	if a.Status() != unlock.StatusConfirming {
		t.Fatalf("expected confirming, got %s", a.Status())
	}
	if a.Balance() != 25 {
		t.Errorf("expected fresh balance 25, got %d", a.Balance())
	}

	res := s.ConfirmUnlock(context.Background())
	if res.Decision != DecisionPlayback {
		t.Fatalf("expected playback after purchase, got %s (err=%v)", res.Decision, res.Err)
	}
	if res.PlaybackURL != "https://cdn/paid.m3u8" {
		t.Errorf("expected the re-resolved playback URL, got %q", res.PlaybackURL)
	}
	if w.unlockCalls != 1 {
		t.Errorf("expected exactly one deduction, got %d", w.unlockCalls)
	}
	// Load + post-purchase re-resolve, nothing more.
	if resolver.calls != 2 {
		t.Errorf("expected exactly one re-resolve after purchase, got %d total resolves", resolver.calls)
	}
}

func TestConfirm_ChargeWithoutServerGrantStaysLocked(t *testing.T) {
	// The deduction succeeded but the refreshed descriptor still withholds
	// the grant; the session must report the server's verdict, not assume
	// playback from local state.
	resolver := &fakeResolver{
		descriptor: &access.Descriptor{
			ContentID: "vid-paid", RequiresPurchase: true, UnitCost: 10,
		},
		afterPurchase: &access.Descriptor{
			ContentID: "vid-paid", RequiresPurchase: true, UnitCost: 10,
		},
	}
	w := &fakeWallet{balance: 25}
	w.onUnlock = func() { resolver.purchased = true }
	s := NewSession(resolver, newGate(0, 2), w, "vid-paid", func() bool { return true })
	s.Load(context.Background())
	s.BeginUnlock(context.Background())

	res := s.ConfirmUnlock(context.Background())
	if res.Decision != DecisionPurchaseRequired {
		t.Fatalf("expected purchase_required from the refreshed descriptor, got %s", res.Decision)
	}
	if res.PlaybackURL != "" {
		t.Errorf("no grant means no playback URL, got %q", res.PlaybackURL)
	}
}

// hangingWallet parks the deduction until its context resolves.
type hangingWallet struct {
	balance int64
	started chan struct{}
	ctxErr  chan error
}

func (w *hangingWallet) Balance(ctx context.Context) (int64, error) {
	return w.balance, nil
}

func (w *hangingWallet) Unlock(ctx context.Context, identifier string) (*wallet.UnlockResult, error) {
	close(w.started)
	<-ctx.Done()
	w.ctxErr <- ctx.Err()
	return nil, ctx.Err()
}

func TestCancel_AbortsInFlightDeduction(t *testing.T) {
	resolver := &fakeResolver{descriptor: &access.Descriptor{
		ContentID: "vid-paid", RequiresPurchase: true, UnitCost: 10,
	}}
	w := &hangingWallet{balance: 25, started: make(chan struct{}), ctxErr: make(chan error, 1)}
	s := NewSession(resolver, newGate(0, 2), w, "vid-paid", func() bool { return true })
	s.Load(context.Background())
	s.BeginUnlock(context.Background())

	results := make(chan *Result, 1)
	go func() { results <- s.ConfirmUnlock(context.Background()) }()

	<-w.started
	s.CancelUnlock()

	select {
	case err := <-w.ctxErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled at the wallet, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel never reached the in-flight deduction")
	}

	if res := <-results; res.Decision == DecisionPlayback {
		t.Errorf("canceled purchase must not grant playback, got %s", res.Decision)
	}
}

func TestUnlock_InsufficientFundsWithoutDeduction(t *testing.T) {
	resolver := &fakeResolver{descriptor: &access.Descriptor{
		ContentID: "vid-paid", RequiresPurchase: true, UnitCost: 10,
	}}
	w := &fakeWallet{balance: 3}
	s := NewSession(resolver, newGate(0, 2), w, "vid-paid", func() bool { return true })
	s.Load(context.Background())

	a, _ := s.BeginUnlock(context.Background())
	res := s.ConfirmUnlock(context.Background())

	if a.Status() != unlock.StatusInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %s", a.Status())
	}
	if a.Shortfall() != 7 {
		t.Errorf("expected shortfall 7 (10-3), got %d", a.Shortfall())
	}
	if w.unlockCalls != 0 {
		t.Errorf("expected no deduction request, got %d", w.unlockCalls)
	}
	if res.Err == nil || !res.Err.RequiresCredits {
		t.Error("expected a RequiresCredits classified error at the boundary")
	}
}

func TestUnlock_BeginWithoutPurchaseRequirement(t *testing.T) {
	resolver := &fakeResolver{descriptor: &access.Descriptor{ContentID: "vid-free", UnitCost: 0}}
	s := NewSession(resolver, newGate(0, 2), &fakeWallet{}, "vid-free", func() bool { return true })
	s.Load(context.Background())

	if _, cerr := s.BeginUnlock(context.Background()); cerr == nil {
		t.Fatal("expected an error when nothing requires purchase")
	}
}

func TestUnlock_SecondBeginReturnsActiveAttempt(t *testing.T) {
	resolver := &fakeResolver{descriptor: &access.Descriptor{
		ContentID: "vid-paid", RequiresPurchase: true, UnitCost: 10,
	}}
	w := &fakeWallet{balance: 25}
	s := NewSession(resolver, newGate(0, 2), w, "vid-paid", func() bool { return true })
	s.Load(context.Background())

	first, _ := s.BeginUnlock(context.Background())
	second, _ := s.BeginUnlock(context.Background())
	if first != second {
		t.Error("expected the active attempt to be reused while non-terminal")
	}
	if w.balanceCalls != 1 {
		t.Errorf("expected a single balance fetch, got %d", w.balanceCalls)
	}
}

func TestUnlock_CancelDiscardsAttempt(t *testing.T) {
	resolver := &fakeResolver{descriptor: &access.Descriptor{
		ContentID: "vid-paid", RequiresPurchase: true, UnitCost: 10,
	}}
	w := &fakeWallet{balance: 25}
	s := NewSession(resolver, newGate(0, 2), w, "vid-paid", func() bool { return true })
	s.Load(context.Background())

	s.BeginUnlock(context.Background())
	s.CancelUnlock()

	if s.Attempt() != nil {
		t.Error("expected the attempt to be discarded")
	}
	if w.unlockCalls != 0 {
		t.Error("cancel before confirm must not deduct")
	}

	// The viewer can start over afterwards.
	a, cerr := s.BeginUnlock(context.Background())
	if cerr != nil || a == nil {
		t.Fatalf("expected a fresh attempt after cancel, got %v", cerr)
	}
}

func TestRetry_UnlockFailurePreservesDescriptor(t *testing.T) {
	resolver := &fakeResolver{descriptor: &access.Descriptor{
		ContentID: "vid-paid", RequiresPurchase: true, UnitCost: 10,
	}}
	w := &fakeWallet{
		balance:   25,
		unlockErr: &classify.Error{Kind: classify.KindServerError, Retryable: true, Message: "something went wrong on our side"},
	}
	s := NewSession(resolver, newGate(0, 2), w, "vid-paid", func() bool { return true })
	s.Load(context.Background())
	s.BeginUnlock(context.Background())

	res := s.ConfirmUnlock(context.Background())
	if res.Decision != DecisionError || !res.Retryable() {
		t.Fatalf("expected retryable error, got %+v", res)
	}

	retry := s.Retry(context.Background())
	if retry.Decision != DecisionPurchaseRequired {
		t.Fatalf("expected to land back at the purchase prompt, got %s", retry.Decision)
	}
	if resolver.calls != 1 {
		t.Errorf("retry of the unlock step must not re-fetch the descriptor; resolves=%d", resolver.calls)
	}
}

func TestRetry_UnlockRetriesAreBounded(t *testing.T) {
	resolver := &fakeResolver{descriptor: &access.Descriptor{
		ContentID: "vid-paid", RequiresPurchase: true, UnitCost: 10,
	}}
	w := &fakeWallet{
		balance:   25,
		unlockErr: &classify.Error{Kind: classify.KindServerError, Retryable: true, Message: "something went wrong on our side"},
	}
	s := NewSession(resolver, newGate(0, 2), w, "vid-paid", func() bool { return true })
	s.Load(context.Background())

	for i := 0; i < 3; i++ {
		s.BeginUnlock(context.Background())
		s.ConfirmUnlock(context.Background())
		retry := s.Retry(context.Background())
		if retry.Decision != DecisionPurchaseRequired {
			t.Fatalf("retry %d: expected purchase prompt, got %s", i+1, retry.Decision)
		}
	}

	s.BeginUnlock(context.Background())
	s.ConfirmUnlock(context.Background())
	final := s.Retry(context.Background())
	if final.Decision != DecisionError {
		t.Fatalf("expected retry budget exhaustion, got %s", final.Decision)
	}
	// server_error always means "worth retrying"; an exhausted budget is the
	// opposite, so it must surface as a non-retryable unknown.
	if final.Err == nil || final.Err.Kind != classify.KindUnknown {
		t.Errorf("expected unknown kind, got %+v", final.Err)
	}
	if final.Retryable() {
		t.Error("exhausted retry budget must not offer another retry")
	}
}

func TestRetry_ResolveFailureReresolves(t *testing.T) {
	resolver := &fakeResolver{err: classify.Classify("service unavailable", 503)}
	s := NewSession(resolver, newGate(0, 2), &fakeWallet{}, "vid-1", nil)

	res := s.Load(context.Background())
	if !res.Retryable() {
		t.Fatal("expected retryable server error")
	}

	resolver.err = nil
	resolver.descriptor = &access.Descriptor{ContentID: "vid-1", HasAccess: true, PlaybackURL: "u"}
	retry := s.Retry(context.Background())
	if retry.Decision != DecisionPlayback {
		t.Fatalf("expected playback after successful retry, got %s", retry.Decision)
	}
}

func TestRetry_AfterFreeWatchDoesNotRecount(t *testing.T) {
	resolver := &fakeResolver{descriptor: &access.Descriptor{
		ContentID: "vid-free", UnitCost: 0, PlaybackURL: "https://cdn/free.m3u8",
	}}
	store := &guest.MemStore{}
	s := NewSession(resolver, guest.NewGate(store, 2), &fakeWallet{}, "vid-free", nil)

	if res := s.Load(context.Background()); res.Decision != DecisionPlayback {
		t.Fatalf("expected playback, got %s", res.Decision)
	}

	// A stray Retry with nothing failed re-derives the decision but must not
	// spend the allowance again.
	for i := 0; i < 3; i++ {
		if res := s.Retry(context.Background()); res.Decision != DecisionPlayback {
			t.Fatalf("retry %d: expected playback, got %s", i+1, res.Decision)
		}
	}

	if n, _ := store.Load(); n != 1 {
		t.Errorf("expected exactly one recorded watch, got %d", n)
	}
}

func TestConfirm_WithoutBeginReportsNoPurchase(t *testing.T) {
	resolver := &fakeResolver{descriptor: &access.Descriptor{ContentID: "v", RequiresPurchase: true, UnitCost: 5}}
	s := NewSession(resolver, newGate(0, 2), &fakeWallet{balance: 10}, "v", func() bool { return true })
	s.Load(context.Background())

	res := s.ConfirmUnlock(context.Background())
	if res.Decision != DecisionError {
		t.Fatalf("expected error, got %s", res.Decision)
	}
}

func TestLoad_LinkFlavoredCopyForShareTokens(t *testing.T) {
	resolver := &fakeResolver{descriptor: &access.Descriptor{
		ContentID: "vid-1", HasAccess: true, ShareToken: "tok-abc", PlaybackURL: "u",
	}}
	s := NewSession(resolver, newGate(0, 2), &fakeWallet{}, "tok-abc", nil)
	res := s.Load(context.Background())
	if res.CopyFlavor != access.CopyFlavorLink {
		t.Errorf("expected link copy flavor, got %s", res.CopyFlavor)
	}
}

func TestLoad_LengthHeuristicOnlyWhenResolutionFailed(t *testing.T) {
	resolver := &fakeResolver{err: classify.Classify("not found", 404)}
	s := NewSession(resolver, newGate(0, 2), &fakeWallet{}, "a-very-long-share-token-identifier", nil)
	res := s.Load(context.Background())
	if res.CopyFlavor != access.CopyFlavorLink {
		t.Errorf("expected link copy from length fallback, got %s", res.CopyFlavor)
	}
}
