package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ottohq/otto/internal/api"
	"github.com/ottohq/otto/internal/model"
	"github.com/ottohq/otto/internal/session"
)

type fakeProvider struct {
	mu     sync.Mutex
	ident  *session.Identity
	events chan session.Event
}

func newFakeProvider(ident *session.Identity) *fakeProvider {
	return &fakeProvider{ident: ident, events: make(chan session.Event)}
}

func (p *fakeProvider) CurrentIdentity(ctx context.Context) (*session.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ident, nil
}

func (p *fakeProvider) Listen(ctx context.Context) (<-chan session.Event, error) {
	out := make(chan session.Event)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-p.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type fakeRemote struct {
	mu sync.Mutex

	prefs      model.Preferences
	connectors []model.Connector
	activity   api.ActivityPage
	threads    []model.Thread
	rules      []model.RuleSummary
	queryRes   api.QueryResult

	failWith       error
	failKinds      map[string]bool
	deletedThreads   []string
	revoked          []string
	savedRules       []api.RuleRequest
	listThreadsCalls int
	listRulesCalls   int
}

func (r *fakeRemote) fail(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil && (r.failKinds == nil || r.failKinds[op]) {
		return r.failWith
	}
	return nil
}

func (r *fakeRemote) StartConnect(ctx context.Context, redirectURI string) (api.StartConnectResult, error) {
	if err := r.fail("start-connect"); err != nil {
		return api.StartConnectResult{}, err
	}
	return api.StartConnectResult{AuthURL: "https://auth.example.com", State: "tok"}, nil
}

func (r *fakeRemote) CompleteConnect(ctx context.Context, req api.CompleteConnectRequest) (api.CompleteConnectResult, error) {
	if err := r.fail("complete-connect"); err != nil {
		return api.CompleteConnectResult{}, err
	}
	return api.CompleteConnectResult{ConnectorID: "conn-1", Status: "active"}, nil
}

func (r *fakeRemote) GetPreferences(ctx context.Context) (model.Preferences, error) {
	if err := r.fail("load-preferences"); err != nil {
		return model.Preferences{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefs, nil
}

func (r *fakeRemote) PutPreferences(ctx context.Context, p model.Preferences) error {
	if err := r.fail("save-preferences"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefs = p
	return nil
}

func (r *fakeRemote) ListConnectors(ctx context.Context) ([]model.Connector, error) {
	if err := r.fail("load-connectors"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectors, nil
}

func (r *fakeRemote) RevokeConnector(ctx context.Context, id string) error {
	if err := r.fail("revoke-connector"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = append(r.revoked, id)
	return nil
}

func (r *fakeRemote) RequestDeleteAll(ctx context.Context) (api.DeleteAllResult, error) {
	if err := r.fail("request-delete-all"); err != nil {
		return api.DeleteAllResult{}, err
	}
	return api.DeleteAllResult{RequestID: "req-1", Status: "pending"}, nil
}

func (r *fakeRemote) ListActivity(ctx context.Context, cursor string) (api.ActivityPage, error) {
	if err := r.fail("load-activity"); err != nil {
		return api.ActivityPage{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activity, nil
}

func (r *fakeRemote) Query(ctx context.Context, text, sessionID string) (api.QueryResult, error) {
	if err := r.fail("query-assistant"); err != nil {
		return api.QueryResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.queryRes
	if res.SessionID == "" {
		res.SessionID = "sess-new"
	}
	return res, nil
}

func (r *fakeRemote) ListThreads(ctx context.Context) ([]model.Thread, error) {
	r.mu.Lock()
	r.listThreadsCalls++
	r.mu.Unlock()
	if err := r.fail("load-threads"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threads, nil
}

func (r *fakeRemote) DeleteThread(ctx context.Context, id string) error {
	if err := r.fail("delete-thread"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletedThreads = append(r.deletedThreads, id)
	return nil
}

func (r *fakeRemote) DeleteAllThreads(ctx context.Context) error {
	if err := r.fail("delete-thread"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletedThreads = append(r.deletedThreads, "*")
	return nil
}

func (r *fakeRemote) ListRules(ctx context.Context) ([]model.RuleSummary, error) {
	r.mu.Lock()
	r.listRulesCalls++
	r.mu.Unlock()
	if err := r.fail("load-rules"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rules, nil
}

func (r *fakeRemote) CreateRule(ctx context.Context, req api.RuleRequest) (model.RuleSummary, error) {
	if err := r.fail("save-rule"); err != nil {
		return model.RuleSummary{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.savedRules = append(r.savedRules, req)
	return model.RuleSummary{ID: "r-new", Name: req.Name, UpdatedAt: time.Now()}, nil
}

func (r *fakeRemote) UpdateRule(ctx context.Context, id string, req api.RuleRequest) (model.RuleSummary, error) {
	if err := r.fail("save-rule"); err != nil {
		return model.RuleSummary{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.savedRules = append(r.savedRules, req)
	return model.RuleSummary{ID: id, Name: req.Name, UpdatedAt: time.Now()}, nil
}

func (r *fakeRemote) DeleteRule(ctx context.Context, id string) error {
	return r.fail("delete-rule")
}

type fakeStore struct {
	mu     sync.Mutex
	purged []string
}

func (s *fakeStore) LoadThreads(userID string) ([]model.Thread, error)        { return nil, nil }
func (s *fakeStore) SaveThreads(userID string, ths []model.Thread) error      { return nil }
func (s *fakeStore) LoadRuleCache(userID string) ([]model.RuleCacheEntry, error) { return nil, nil }
func (s *fakeStore) SaveRuleCache(userID string, es []model.RuleCacheEntry) error { return nil }

func (s *fakeStore) Purge(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged = append(s.purged, userID)
	return nil
}

type authExpiredErr struct{}

func (authExpiredErr) Error() string     { return "authorization expired" }
func (authExpiredErr) AuthExpired() bool { return true }

func startController(t *testing.T, provider *fakeProvider, remote *fakeRemote, store *fakeStore) *Controller {
	t.Helper()
	c := New(provider, remote, store, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)

	// Sign-in side effects run on their own goroutine; wait for the
	// initial thread refresh so tests don't race it.
	if c.State().Phase == session.PhaseSignedIn {
		waitFor(t, func() bool {
			remote.mu.Lock()
			defer remote.mu.Unlock()
			return remote.listThreadsCalls >= 1 && remote.listRulesCalls >= 1
		}, "initial cache refresh never ran")
	}
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBootstrapSignedOut(t *testing.T) {
	c := startController(t, newFakeProvider(nil), &fakeRemote{}, &fakeStore{})
	if got := c.State().Phase; got != session.PhaseSignedOut {
		t.Errorf("phase = %v, want signed-out", got)
	}
}

func TestBootstrapSignedIn(t *testing.T) {
	remote := &fakeRemote{
		prefs:      model.Preferences{DisplayName: "Ada"},
		connectors: []model.Connector{{ID: "c-1", Provider: "calendar"}},
	}
	c := startController(t, newFakeProvider(&session.Identity{UserID: "u-1"}), remote, &fakeStore{})

	if got := c.State().Phase; got != session.PhaseSignedIn {
		t.Fatalf("phase = %v, want signed-in", got)
	}
	if got := c.Preferences().DisplayName; got != "Ada" {
		t.Errorf("preferences not loaded: %q", got)
	}
	waitFor(t, func() bool { return len(c.Connectors()) == 1 }, "connectors never loaded")
}

func TestBootstrapFailureCarriesMessageNotBanner(t *testing.T) {
	remote := &fakeRemote{
		failWith:  errors.New("service unavailable"),
		failKinds: map[string]bool{"load-preferences": true},
	}
	c := startController(t, newFakeProvider(&session.Identity{UserID: "u-1"}), remote, &fakeStore{})

	st := c.State()
	if st.Phase != session.PhaseBootstrapFailed {
		t.Fatalf("phase = %v, want bootstrap-failed", st.Phase)
	}
	if st.Message == "" {
		t.Error("expected failure message in lifecycle state")
	}
	if c.Banner() != nil {
		t.Error("bootstrap failure must not leave a banner")
	}
}

// Authorization expiring while the bootstrap loads are running must end
// in signed-out, not bootstrap-failed: the cascade's transition wins
// over the load error propagating back to the machine.
func TestAuthExpiredDuringBootstrapSignsOut(t *testing.T) {
	remote := &fakeRemote{
		failWith:  authExpiredErr{},
		failKinds: map[string]bool{"load-preferences": true},
	}
	c := startController(t, newFakeProvider(&session.Identity{UserID: "u-1"}), remote, &fakeStore{})

	st := c.State()
	if st.Phase != session.PhaseSignedOut {
		t.Fatalf("phase = %v (message %q), want signed-out", st.Phase, st.Message)
	}
	if c.Banner() != nil {
		t.Error("auth-expired bootstrap must not surface a banner")
	}
}

// An authorization-expired failure on any action signs the user out and
// surfaces nothing: no banner, caches emptied, snapshot purged.
func TestAuthExpiredCascade(t *testing.T) {
	now := time.Now()
	remote := &fakeRemote{
		threads: []model.Thread{{ID: "t-1", CreatedAt: now, UpdatedAt: now}},
	}
	store := &fakeStore{}
	c := startController(t, newFakeProvider(&session.Identity{UserID: "u-1"}), remote, store)

	waitFor(t, func() bool { return len(c.Threads()) == 1 }, "threads never loaded")

	remote.mu.Lock()
	remote.failWith = authExpiredErr{}
	remote.failKinds = map[string]bool{"load-preferences": true}
	remote.mu.Unlock()

	c.LoadPreferences(context.Background())

	if got := c.State().Phase; got != session.PhaseSignedOut {
		t.Fatalf("phase = %v, want signed-out", got)
	}
	if c.Banner() != nil {
		t.Error("auth-expired must not surface a banner")
	}
	if got := c.Threads(); len(got) != 0 {
		t.Errorf("threads survived sign-out: %d", len(got))
	}
	store.mu.Lock()
	purged := append([]string(nil), store.purged...)
	store.mu.Unlock()
	if len(purged) != 1 || purged[0] != "u-1" {
		t.Errorf("expected purge of u-1, got %v", purged)
	}
}

func TestQueryCreatesThreadAndRecordsExchange(t *testing.T) {
	remote := &fakeRemote{
		queryRes: api.QueryResult{SessionID: "sess-1", ResponseText: "42", ToolSummaries: []string{"calc"}},
	}
	c := startController(t, newFakeProvider(&session.Identity{UserID: "u-1"}), remote, &fakeStore{})

	if err := c.Query(context.Background(), "meaning of life?"); err != nil {
		t.Fatalf("Query: %v", err)
	}

	th, ok := c.SelectedThread()
	if !ok {
		t.Fatal("no selected thread after query")
	}
	if th.SessionID != "sess-1" {
		t.Errorf("session id = %q, want sess-1", th.SessionID)
	}
	if len(th.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(th.Messages))
	}
	if th.Messages[0].Text != "meaning of life?" || th.Messages[1].Text != "42" {
		t.Errorf("unexpected exchange: %+v", th.Messages)
	}
}

func TestQueryContinuesSelectedThread(t *testing.T) {
	remote := &fakeRemote{queryRes: api.QueryResult{SessionID: "sess-1", ResponseText: "first"}}
	c := startController(t, newFakeProvider(&session.Identity{UserID: "u-1"}), remote, &fakeStore{})

	if err := c.Query(context.Background(), "one"); err != nil {
		t.Fatalf("Query: %v", err)
	}
	first, _ := c.SelectedThread()

	if err := c.Query(context.Background(), "two"); err != nil {
		t.Fatalf("Query: %v", err)
	}
	second, _ := c.SelectedThread()

	if second.ID != first.ID {
		t.Errorf("query started a new thread instead of continuing %s", first.ID)
	}
	if len(second.Messages) != 4 {
		t.Errorf("expected 4 messages after two turns, got %d", len(second.Messages))
	}
}

func TestDeleteThreadWinsOverRefresh(t *testing.T) {
	now := time.Now()
	remote := &fakeRemote{
		threads: []model.Thread{{ID: "t-1", CreatedAt: now, UpdatedAt: now}},
	}
	c := startController(t, newFakeProvider(&session.Identity{UserID: "u-1"}), remote, &fakeStore{})
	waitFor(t, func() bool { return len(c.Threads()) == 1 }, "threads never loaded")

	if err := c.DeleteThread(context.Background(), "t-1"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	// Server still returns the thread; the tombstone must keep it gone.
	if err := c.LoadThreads(context.Background()); err != nil {
		t.Fatalf("LoadThreads: %v", err)
	}
	if got := c.Threads(); len(got) != 0 {
		t.Errorf("deleted thread resurrected by refresh: %v", got)
	}

	remote.mu.Lock()
	deleted := append([]string(nil), remote.deletedThreads...)
	remote.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "t-1" {
		t.Errorf("server delete not propagated: %v", deleted)
	}
}

func TestSaveRuleCachesPrompt(t *testing.T) {
	c := startController(t, newFakeProvider(&session.Identity{UserID: "u-1"}), &fakeRemote{}, &fakeStore{})

	if err := c.SaveRule(context.Background(), "", api.RuleRequest{Name: "digest", Prompt: "summarize email"}); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}

	rules := c.Rules()
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if !rules[0].HasPrompt() || rules[0].Prompt != "summarize email" {
		t.Errorf("prompt not cached: %+v", rules[0])
	}
}

func TestRetryLastReplaysFailedAction(t *testing.T) {
	remote := &fakeRemote{
		failWith:  errors.New("flaky network"),
		failKinds: map[string]bool{"revoke-connector": true},
	}
	c := startController(t, newFakeProvider(&session.Identity{UserID: "u-1"}), remote, &fakeStore{})

	c.RevokeConnector(context.Background(), "c-1")

	banner := c.Banner()
	if banner == nil {
		t.Fatal("expected banner after failure")
	}
	if banner.Message != "flaky network" {
		t.Errorf("banner message = %q", banner.Message)
	}
	if banner.Retry == nil {
		t.Fatal("expected retry ledger entry")
	}

	remote.mu.Lock()
	remote.failWith = nil
	remote.mu.Unlock()

	c.RetryLast(context.Background())

	remote.mu.Lock()
	revoked := append([]string(nil), remote.revoked...)
	remote.mu.Unlock()
	if len(revoked) != 1 || revoked[0] != "c-1" {
		t.Errorf("retry did not replay revoke: %v", revoked)
	}
	if c.Banner() != nil {
		t.Error("banner should clear after successful retry")
	}
}

func TestSignOutClearsEverything(t *testing.T) {
	remote := &fakeRemote{prefs: model.Preferences{DisplayName: "Ada"}}
	store := &fakeStore{}
	c := startController(t, newFakeProvider(&session.Identity{UserID: "u-1"}), remote, store)

	c.SignOut(context.Background())

	if got := c.State().Phase; got != session.PhaseSignedOut {
		t.Fatalf("phase = %v, want signed-out", got)
	}
	if got := c.Preferences(); got != (model.Preferences{}) {
		t.Errorf("preferences survived sign-out: %+v", got)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.purged) != 1 {
		t.Errorf("expected local purge on sign-out, got %v", store.purged)
	}
}
