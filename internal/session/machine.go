package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Hooks are the machine's side effects, injected by the controller so
// this package stays free of API and cache dependencies.
type Hooks struct {
	// Bootstrap runs the dependent loads for a fresh sign-in
	// (preferences, connector snapshot, first activity page). The
	// returned error's message is the bootstrap-failed message shown
	// to the user.
	Bootstrap func(ctx context.Context, ident Identity) error

	// OnSignIn runs after a successful bootstrap: cache reconciliation,
	// device/notification registration. Best-effort.
	OnSignIn func(ctx context.Context, ident Identity)

	// OnSignOut tears down per-user state: connect flow, status
	// strings, in-memory caches, persisted snapshot purge.
	OnSignOut func(ctx context.Context, userID string)
}

// Machine is the session lifecycle state machine. It consumes the
// identity provider's event stream one event at a time and owns the
// published State.
type Machine struct {
	provider Provider
	hooks    Hooks
	logger   *slog.Logger

	mu           sync.Mutex
	state        State
	activeUserID string

	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

// NewMachine creates a Machine in the Bootstrapping phase.
func NewMachine(provider Provider, hooks Hooks, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		provider: provider,
		hooks:    hooks,
		logger:   logger,
		state:    State{Phase: PhaseBootstrapping},
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveUserID returns the user id recorded by the last successful
// bootstrap, or empty.
func (m *Machine) ActiveUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeUserID
}

// Start runs the initial bootstrap and (re)starts the event listener.
// A previous listener is cancelled and drained first so two listeners
// can never double-drive transitions.
func (m *Machine) Start(ctx context.Context) error {
	m.stopListener()

	listenCtx, cancel := context.WithCancel(ctx)
	events, err := m.provider.Listen(listenCtx)
	if err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.listenCancel = cancel
	m.listenDone = done
	m.mu.Unlock()

	m.bootstrap(ctx)

	go func() {
		defer close(done)
		for ev := range events {
			m.handleEvent(ctx, ev)
		}
	}()
	return nil
}

// Stop cancels the event listener and waits for it to drain.
func (m *Machine) Stop() {
	m.stopListener()
}

func (m *Machine) stopListener() {
	m.mu.Lock()
	cancel := m.listenCancel
	done := m.listenDone
	m.listenCancel = nil
	m.listenDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// bootstrap asks the provider for the current identity and runs the
// dependent loads.
func (m *Machine) bootstrap(ctx context.Context) {
	m.setState(State{Phase: PhaseBootstrapping})

	ident, err := m.provider.CurrentIdentity(ctx)
	if err != nil {
		m.logger.Warn("reading current identity", "error", err)
		m.failBootstrap(err)
		return
	}
	if ident == nil {
		m.setState(State{Phase: PhaseSignedOut})
		return
	}
	m.bootstrapIdentity(ctx, *ident)
}

func (m *Machine) bootstrapIdentity(ctx context.Context, ident Identity) {
	m.setState(State{Phase: PhaseBootstrapping})

	if m.hooks.Bootstrap != nil {
		if err := m.hooks.Bootstrap(ctx, ident); err != nil {
			m.logger.Warn("bootstrap failed", "user", ident.UserID, "error", err)
			m.failBootstrap(err)
			return
		}
	}

	m.mu.Lock()
	m.activeUserID = ident.UserID
	m.state = State{Phase: PhaseSignedIn}
	m.mu.Unlock()
	m.logger.Info("signed in", "user", ident.UserID)

	if m.hooks.OnSignIn != nil {
		go m.hooks.OnSignIn(ctx, ident)
	}
}

// RetryBootstrap re-runs the bootstrap after an explicit user retry.
func (m *Machine) RetryBootstrap(ctx context.Context) {
	m.bootstrap(ctx)
}

// SignOut is the explicit user-initiated sign-out.
func (m *Machine) SignOut(ctx context.Context) {
	m.enterSignedOut(ctx)
}

// AuthExpired is the cascade entry point for the action orchestrator:
// any action failing with authorization-expired lands here before a
// banner could be shown.
func (m *Machine) AuthExpired(ctx context.Context) {
	m.logger.Info("session expired, signing out")
	m.enterSignedOut(ctx)
}

func (m *Machine) enterSignedOut(ctx context.Context) {
	m.mu.Lock()
	userID := m.activeUserID
	m.activeUserID = ""
	m.state = State{Phase: PhaseSignedOut}
	m.mu.Unlock()

	if m.hooks.OnSignOut != nil {
		m.hooks.OnSignOut(ctx, userID)
	}
}

// handleEvent processes one provider event. Events arrive on a single
// goroutine, in order.
func (m *Machine) handleEvent(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case SignInCompleted:
		if m.suppressRefresh(e.Identity) {
			m.logger.Debug("sign-in event for already-bootstrapped identity, skipping", "user", e.Identity.UserID)
			return
		}
		m.bootstrapIdentity(ctx, e.Identity)

	case SessionChanged:
		if !e.HasSession {
			m.enterSignedOut(ctx)
			return
		}
		if m.suppressRefresh(e.Identity) {
			m.logger.Debug("session-changed for already-bootstrapped identity, skipping", "user", e.Identity.UserID)
			return
		}
		m.bootstrapIdentity(ctx, e.Identity)

	case SignedOut:
		m.enterSignedOut(ctx)

	case TokenRefreshed:
		m.logger.Debug("token refreshed")

	default:
		m.logger.Warn("unknown session event", "event", ev)
	}
}

// suppressRefresh reports whether a duplicate provider event for the
// already-bootstrapped identity can be skipped. An empty recorded user
// id never suppresses: if the event races ahead of the previous
// bootstrap recording its id, re-bootstrapping is the safe side.
func (m *Machine) suppressRefresh(ident Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != PhaseSignedIn {
		return false
	}
	return m.activeUserID != "" && m.activeUserID == ident.UserID
}

// failBootstrap records a bootstrap failure. An authorization-expired
// load triggers the sign-out cascade from inside the bootstrap, moving
// the phase to SignedOut before the load error propagates back here;
// that transition wins, so the failure is recorded only while the
// machine is still bootstrapping.
func (m *Machine) failBootstrap(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != PhaseBootstrapping {
		return
	}
	m.state = State{Phase: PhaseBootstrapFailed, Message: failureMessage(err)}
}

// failureMessage mirrors the banner's text derivation: typed API errors
// carry a server-authored message, everything else shows its error
// string.
func failureMessage(err error) string {
	var hm interface{ HumanMessage() string }
	if errors.As(err, &hm) {
		return hm.HumanMessage()
	}
	return err.Error()
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
