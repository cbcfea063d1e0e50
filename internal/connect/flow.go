// Package connect implements the OAuth connect sub-flow: start,
// external browser hand-off, callback verification with CSRF-style
// state matching, and completion through the action orchestrator.
package connect

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/ottohq/otto/internal/action"
	"github.com/ottohq/otto/internal/api"
)

// errRedirectRequired is a local validation failure; it never reaches
// the network and its text is the banner message verbatim.
var errRedirectRequired = errors.New("Redirect URI is required.")

// CallbackParseError is a structurally invalid callback URL: not
// parseable, or carrying neither a code nor a provider error.
type CallbackParseError struct {
	Reason string
}

func (e *CallbackParseError) Error() string {
	return "invalid connect callback: " + e.Reason
}

// ProviderError is a consent failure reported by the OAuth provider
// (the user denied, or the provider rejected the request). Replaying
// the completion would fail identically, so it carries no retry ledger.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Description)
	}
	return "provider error " + e.Code
}

func (e *ProviderError) HumanMessage() string {
	if e.Description != "" {
		return e.Description
	}
	return "The provider rejected the connection request."
}

func (e *ProviderError) NonRetryable() bool { return true }

// Backend is the slice of the API client the flow needs.
type Backend interface {
	StartConnect(ctx context.Context, redirectURI string) (api.StartConnectResult, error)
	CompleteConnect(ctx context.Context, req api.CompleteConnectRequest) (api.CompleteConnectResult, error)
}

// Runner is the action orchestrator contract.
type Runner interface {
	Run(ctx context.Context, kind action.Kind, retry action.Retry, fn func(context.Context) error) error
}

// Flow holds the connect sub-flow's correlation state. The state token
// is single-use: a callback is accepted only when its state parameter
// equals the most recently issued token, and all one-time fields are
// cleared on successful completion so nothing is replayable.
type Flow struct {
	backend Backend
	runner  Runner
	logger  *slog.Logger

	// onConnected runs after a successful completion, outside the lock.
	onConnected func(ctx context.Context, res api.CompleteConnectResult)

	mu                       sync.Mutex
	redirectURI              string
	authURL                  string
	state                    string
	code                     string
	providerError            string
	providerErrorDescription string
}

// NewFlow creates a Flow. onConnected may be nil.
func NewFlow(backend Backend, runner Runner, onConnected func(ctx context.Context, res api.CompleteConnectResult), logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{backend: backend, runner: runner, onConnected: onConnected, logger: logger}
}

// Start begins the flow: validates the redirect URI locally, then asks
// the server for an authorization URL and correlation token. The
// caller opens AuthURL in an external browser afterwards.
func (f *Flow) Start(ctx context.Context, redirectURI string) error {
	return f.runner.Run(ctx, action.KindStartConnect, action.RetryStartConnect{RedirectURI: redirectURI}, func(ctx context.Context) error {
		if strings.TrimSpace(redirectURI) == "" {
			return errRedirectRequired
		}
		res, err := f.backend.StartConnect(ctx, redirectURI)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.redirectURI = redirectURI
		f.authURL = res.AuthURL
		f.state = res.State
		f.code = ""
		f.providerError = ""
		f.providerErrorDescription = ""
		f.mu.Unlock()
		return nil
	})
}

// AuthURL returns the authorization URL issued by the last Start, or
// empty when no flow is pending.
func (f *Flow) AuthURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authURL
}

// Pending reports whether a started flow is awaiting its callback.
func (f *Flow) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authURL != ""
}

// Reset discards all flow state. Entering the signed-out phase calls
// this so a stale flow can never complete against a new session.
func (f *Flow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirectURI = ""
	f.clearOneTimeLocked()
}

// HandleCallback processes a callback URL delivered to the redirect
// endpoint. Unrelated callbacks (wrong redirect prefix, mismatched or
// unexpected state token) are silently ignored, because the same URL
// scheme receives callbacks for other flows too. A structurally
// invalid URL is a parse error. An accepted callback immediately runs
// completion through the orchestrator.
func (f *Flow) HandleCallback(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &CallbackParseError{Reason: err.Error()}
	}
	q := u.Query()
	code := q.Get("code")
	provErr := q.Get("error")
	if code == "" && provErr == "" {
		return &CallbackParseError{Reason: "missing code and error parameters"}
	}

	f.mu.Lock()
	if f.redirectURI != "" && !strings.HasPrefix(raw, f.redirectURI) {
		f.mu.Unlock()
		f.logger.Debug("ignoring callback for unrelated redirect", "url", u.Path)
		return nil
	}
	// First contact: when no token was ever issued the callback itself
	// initiates the flow. Otherwise the state must match exactly.
	if f.state != "" && subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(f.state)) != 1 {
		f.mu.Unlock()
		f.logger.Debug("ignoring callback with mismatched state")
		return nil
	}
	f.code = code
	f.providerError = provErr
	f.providerErrorDescription = q.Get("error_description")
	f.mu.Unlock()

	return f.Complete(ctx)
}

// Complete relays the callback result to the server through the
// orchestrator. The retry ledger captures all four fields so a
// transient network failure can be retried without replaying the
// browser hand-off. A provider consent error is surfaced immediately
// after informing the server.
func (f *Flow) Complete(ctx context.Context) error {
	f.mu.Lock()
	req := api.CompleteConnectRequest{
		Code:                     f.code,
		State:                    f.state,
		ProviderError:            f.providerError,
		ProviderErrorDescription: f.providerErrorDescription,
	}
	f.mu.Unlock()

	retry := action.RetryCompleteConnect{
		Code:                     req.Code,
		State:                    req.State,
		ProviderError:            req.ProviderError,
		ProviderErrorDescription: req.ProviderErrorDescription,
	}
	return f.runner.Run(ctx, action.KindCompleteConnect, retry, func(ctx context.Context) error {
		return f.complete(ctx, req)
	})
}

// CompleteFromLedger replays a completion from a retry ledger entry.
func (f *Flow) CompleteFromLedger(ctx context.Context, r action.RetryCompleteConnect) error {
	req := api.CompleteConnectRequest{
		Code:                     r.Code,
		State:                    r.State,
		ProviderError:            r.ProviderError,
		ProviderErrorDescription: r.ProviderErrorDescription,
	}
	return f.runner.Run(ctx, action.KindCompleteConnect, r, func(ctx context.Context) error {
		return f.complete(ctx, req)
	})
}

func (f *Flow) complete(ctx context.Context, req api.CompleteConnectRequest) error {
	res, err := f.backend.CompleteConnect(ctx, req)
	if err != nil {
		return err
	}
	if req.ProviderError != "" {
		// The server has recorded the denial; surface it now rather
		// than waiting for a manual retry.
		return &ProviderError{Code: req.ProviderError, Description: req.ProviderErrorDescription}
	}

	f.mu.Lock()
	f.clearOneTimeLocked()
	f.mu.Unlock()

	f.logger.Info("connector linked", "connector", res.ConnectorID, "status", res.Status)
	if f.onConnected != nil {
		f.onConnected(ctx, res)
	}
	return nil
}

func (f *Flow) clearOneTimeLocked() {
	f.authURL = ""
	f.state = ""
	f.code = ""
	f.providerError = ""
	f.providerErrorDescription = ""
}
