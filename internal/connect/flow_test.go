package connect

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ottohq/otto/internal/action"
	"github.com/ottohq/otto/internal/api"
)

type stubBackend struct {
	mu sync.Mutex

	startErr    error
	completeErr error

	startCalls    int
	completeCalls int
	lastComplete  api.CompleteConnectRequest
}

func (b *stubBackend) StartConnect(ctx context.Context, redirectURI string) (api.StartConnectResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startCalls++
	if b.startErr != nil {
		return api.StartConnectResult{}, b.startErr
	}
	return api.StartConnectResult{AuthURL: "https://provider.example.com/auth", State: "state-token"}, nil
}

func (b *stubBackend) CompleteConnect(ctx context.Context, req api.CompleteConnectRequest) (api.CompleteConnectResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completeCalls++
	b.lastComplete = req
	if b.completeErr != nil {
		return api.CompleteConnectResult{}, b.completeErr
	}
	return api.CompleteConnectResult{ConnectorID: "conn-1", Status: "active"}, nil
}

func newTestFlow(t *testing.T, backend *stubBackend) (*Flow, *action.Orchestrator) {
	t.Helper()
	orch := action.New(nil, nil)
	flow := NewFlow(backend, orch, nil, nil)
	return flow, orch
}

const redirect = "http://127.0.0.1:8765/oauth/callback"

func startFlow(t *testing.T, flow *Flow) {
	t.Helper()
	if err := flow.Start(context.Background(), redirect); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestStartRequiresRedirectURI(t *testing.T) {
	backend := &stubBackend{}
	flow, orch := newTestFlow(t, backend)

	flow.Start(context.Background(), "   ")

	b := orch.Banner()
	if b == nil {
		t.Fatal("expected banner for missing redirect URI")
	}
	if b.Message != "Redirect URI is required." {
		t.Errorf("banner message = %q", b.Message)
	}
	if backend.startCalls != 0 {
		t.Error("validation failure must not reach the network")
	}
}

func TestStartRecordsAuthURLAndState(t *testing.T) {
	flow, _ := newTestFlow(t, &stubBackend{})
	startFlow(t, flow)

	if flow.AuthURL() != "https://provider.example.com/auth" {
		t.Errorf("auth url = %q", flow.AuthURL())
	}
	if !flow.Pending() {
		t.Error("flow should be pending after start")
	}
}

func TestCallbackCompletesFlow(t *testing.T) {
	backend := &stubBackend{}
	orch := action.New(nil, nil)

	var connected []api.CompleteConnectResult
	flow := NewFlow(backend, orch, func(ctx context.Context, res api.CompleteConnectResult) {
		connected = append(connected, res)
	}, nil)

	startFlow(t, flow)

	err := flow.HandleCallback(context.Background(), redirect+"?code=abc&state=state-token")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	if backend.completeCalls != 1 {
		t.Fatalf("complete called %d times", backend.completeCalls)
	}
	if backend.lastComplete.Code != "abc" || backend.lastComplete.State != "state-token" {
		t.Errorf("unexpected completion request: %+v", backend.lastComplete)
	}
	if len(connected) != 1 || connected[0].ConnectorID != "conn-1" {
		t.Errorf("onConnected not invoked correctly: %v", connected)
	}
	if flow.Pending() {
		t.Error("flow still pending after completion")
	}
}

func TestCallbackStateMismatchSilentlyIgnored(t *testing.T) {
	backend := &stubBackend{}
	flow, _ := newTestFlow(t, backend)
	startFlow(t, flow)

	err := flow.HandleCallback(context.Background(), redirect+"?code=abc&state=forged-token")
	if err != nil {
		t.Fatalf("mismatched state must be silently ignored, got %v", err)
	}
	if backend.completeCalls != 0 {
		t.Error("mismatched state must not reach the server")
	}
	if !flow.Pending() {
		t.Error("flow should remain pending for the genuine callback")
	}
}

func TestCallbackUnrelatedRedirectIgnored(t *testing.T) {
	backend := &stubBackend{}
	flow, _ := newTestFlow(t, backend)
	startFlow(t, flow)

	err := flow.HandleCallback(context.Background(), "http://127.0.0.1:9999/other?code=abc&state=state-token")
	if err != nil {
		t.Fatalf("unrelated callback must be silently ignored, got %v", err)
	}
	if backend.completeCalls != 0 {
		t.Error("unrelated callback must not reach the server")
	}
}

func TestCallbackMissingCodeAndError(t *testing.T) {
	flow, _ := newTestFlow(t, &stubBackend{})
	startFlow(t, flow)

	err := flow.HandleCallback(context.Background(), redirect+"?state=state-token")
	var pe *CallbackParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected CallbackParseError, got %v", err)
	}
}

func TestProviderErrorSurfacesAfterInformingServer(t *testing.T) {
	backend := &stubBackend{}
	flow, orch := newTestFlow(t, backend)
	startFlow(t, flow)

	err := flow.HandleCallback(context.Background(),
		redirect+"?error=access_denied&error_description=User+declined&state=state-token")
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}

	// The server was told about the denial first.
	if backend.completeCalls != 1 {
		t.Errorf("server not informed of denial")
	}
	if backend.lastComplete.ProviderError != "access_denied" {
		t.Errorf("denial not relayed: %+v", backend.lastComplete)
	}

	// Consent denials are not retryable.
	b := orch.Banner()
	if b == nil {
		t.Fatal("expected banner")
	}
	if b.Message != "User declined" {
		t.Errorf("banner message = %q", b.Message)
	}
	if b.Retry != nil {
		t.Error("consent denial must not carry a retry ledger")
	}
}

func TestCompleteFailureRetryable(t *testing.T) {
	backend := &stubBackend{completeErr: errors.New("gateway timeout")}
	flow, orch := newTestFlow(t, backend)
	startFlow(t, flow)

	flow.HandleCallback(context.Background(), redirect+"?code=abc&state=state-token")

	b := orch.Banner()
	if b == nil {
		t.Fatal("expected banner")
	}
	ledger, ok := b.Retry.(action.RetryCompleteConnect)
	if !ok {
		t.Fatalf("retry ledger = %T", b.Retry)
	}
	if ledger.Code != "abc" || ledger.State != "state-token" {
		t.Errorf("ledger missing callback fields: %+v", ledger)
	}

	// A later retry from the ledger succeeds and clears everything.
	backend.mu.Lock()
	backend.completeErr = nil
	backend.mu.Unlock()

	if err := flow.CompleteFromLedger(context.Background(), ledger); err != nil {
		t.Fatalf("CompleteFromLedger: %v", err)
	}
	if orch.Banner() != nil {
		t.Error("banner survived successful retry")
	}
	if flow.Pending() {
		t.Error("flow still pending after successful retry")
	}
}

func TestFirstContactCallbackAccepted(t *testing.T) {
	// No Start ran, so no state token was ever issued: the callback
	// itself initiates the flow and is accepted.
	backend := &stubBackend{}
	flow, _ := newTestFlow(t, backend)

	err := flow.HandleCallback(context.Background(), redirect+"?code=abc")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if backend.completeCalls != 1 {
		t.Error("first-contact callback should reach completion")
	}
	if backend.lastComplete.Code != "abc" {
		t.Errorf("completion request = %+v", backend.lastComplete)
	}
}

func TestResetDiscardsFlowState(t *testing.T) {
	backend := &stubBackend{}
	flow, _ := newTestFlow(t, backend)
	startFlow(t, flow)

	flow.Reset()

	if flow.Pending() {
		t.Error("flow pending after reset")
	}
	if flow.AuthURL() != "" {
		t.Error("auth url survived reset")
	}
}
