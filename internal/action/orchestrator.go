package action

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Banner is the single transient error surfaced to the UI. Source
// routes auto-clearing (a later success of the same kind removes the
// banner) and Retry, when present, enables the user-facing retry
// action.
type Banner struct {
	Message string
	Retry   Retry
	Source  Kind
}

// Dispatch re-invokes the unit of work for a retry ledger entry. The
// controller registers one; it switches on the entry's Kind and calls
// back into Run.
type Dispatch func(ctx context.Context, r Retry)

// Orchestrator wraps units of work with in-flight deduplication and
// error bookkeeping. All mutation of the in-flight set and banner goes
// through its methods under one mutex, so re-entrant calls of the same
// Kind can never race past the check-then-set.
type Orchestrator struct {
	mu       sync.Mutex
	inflight map[Kind]struct{}
	banner   *Banner

	onAuthExpired func(ctx context.Context)
	dispatch      Dispatch
	logger        *slog.Logger
}

// New creates an Orchestrator. onAuthExpired is invoked when a unit of
// work fails with an authorization-expired error, before any banner
// would be set; it is expected to drive the global sign-out cascade.
func New(onAuthExpired func(ctx context.Context), logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		inflight:      make(map[Kind]struct{}),
		onAuthExpired: onAuthExpired,
		logger:        logger,
	}
}

// SetDispatch registers the retry dispatcher. Called once by the
// controller after construction (the controller needs the orchestrator
// to build its units of work, so this cannot be a New parameter).
func (o *Orchestrator) SetDispatch(d Dispatch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatch = d
}

// Run executes fn under the single-flight guard for kind. If kind is
// already in flight the call returns immediately without invoking fn
// (rapid repeated taps must not duplicate network calls). On failure
// the banner is populated with retry, except for authorization-expired
// errors, which trigger the sign-out cascade and surface nothing.
func (o *Orchestrator) Run(ctx context.Context, kind Kind, retry Retry, fn func(context.Context) error) error {
	o.mu.Lock()
	if _, busy := o.inflight[kind]; busy {
		o.mu.Unlock()
		o.logger.Debug("action already in flight", "kind", kind)
		return nil
	}
	o.inflight[kind] = struct{}{}
	o.mu.Unlock()

	err := fn(ctx)

	o.mu.Lock()
	delete(o.inflight, kind)
	if err == nil {
		// A stale banner from a now-succeeded action kind must not linger.
		if o.banner != nil && o.banner.Source == kind {
			o.banner = nil
		}
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	if isAuthExpired(err) {
		o.logger.Info("authorization expired", "kind", kind)
		if o.onAuthExpired != nil {
			o.onAuthExpired(ctx)
		}
		return err
	}

	if isNonRetryable(err) {
		retry = nil
	}
	o.logger.Warn("action failed", "kind", kind, "error", err)
	o.mu.Lock()
	o.banner = &Banner{Message: humanMessage(err), Retry: retry, Source: kind}
	o.mu.Unlock()
	return err
}

// InFlight reports whether kind currently has a running unit of work.
func (o *Orchestrator) InFlight(kind Kind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.inflight[kind]
	return busy
}

// Banner returns the current error banner, or nil.
func (o *Orchestrator) Banner() *Banner {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.banner == nil {
		return nil
	}
	b := *o.banner
	return &b
}

// Dismiss clears the banner without retrying.
func (o *Orchestrator) Dismiss() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.banner = nil
}

// ClearBanner is Dismiss under its cascade-facing name: entering the
// signed-out state drops any banner for a screen that no longer exists.
func (o *Orchestrator) ClearBanner() { o.Dismiss() }

// RetryLast re-invokes the action recorded in the current banner's
// retry ledger. No-op when there is no banner, no ledger, or no
// dispatcher registered.
func (o *Orchestrator) RetryLast(ctx context.Context) {
	o.mu.Lock()
	var (
		retry    Retry
		dispatch Dispatch
	)
	if o.banner != nil {
		retry = o.banner.Retry
	}
	dispatch = o.dispatch
	o.mu.Unlock()

	if retry == nil || dispatch == nil {
		return
	}
	dispatch(ctx, retry)
}

func isAuthExpired(err error) bool {
	var ae interface{ AuthExpired() bool }
	if errors.As(err, &ae) {
		return ae.AuthExpired()
	}
	return false
}

func isNonRetryable(err error) bool {
	var nr interface{ NonRetryable() bool }
	if errors.As(err, &nr) {
		return nr.NonRetryable()
	}
	return false
}

// humanMessage derives the banner text. Typed API errors carry a
// server-authored message; everything else falls back to the error
// string, which for local validation failures is already user-facing.
func humanMessage(err error) string {
	var hm interface{ HumanMessage() string }
	if errors.As(err, &hm) {
		return hm.HumanMessage()
	}
	return err.Error()
}
