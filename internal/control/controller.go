// Package control composes the control plane: the action orchestrator,
// the session lifecycle machine, the OAuth connect flow, the cache
// reconcilers, and the local store. The UI (CLI, MCP surface) talks
// only to the Controller.
package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ottohq/otto/internal/action"
	"github.com/ottohq/otto/internal/api"
	"github.com/ottohq/otto/internal/connect"
	"github.com/ottohq/otto/internal/model"
	"github.com/ottohq/otto/internal/reconcile"
	"github.com/ottohq/otto/internal/session"
)

// Remote is the slice of the API client the controller drives.
type Remote interface {
	StartConnect(ctx context.Context, redirectURI string) (api.StartConnectResult, error)
	CompleteConnect(ctx context.Context, req api.CompleteConnectRequest) (api.CompleteConnectResult, error)
	GetPreferences(ctx context.Context) (model.Preferences, error)
	PutPreferences(ctx context.Context, p model.Preferences) error
	ListConnectors(ctx context.Context) ([]model.Connector, error)
	RevokeConnector(ctx context.Context, connectorID string) error
	RequestDeleteAll(ctx context.Context) (api.DeleteAllResult, error)
	ListActivity(ctx context.Context, cursor string) (api.ActivityPage, error)
	Query(ctx context.Context, text, sessionID string) (api.QueryResult, error)
	ListThreads(ctx context.Context) ([]model.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	DeleteAllThreads(ctx context.Context) error
	ListRules(ctx context.Context) ([]model.RuleSummary, error)
	CreateRule(ctx context.Context, req api.RuleRequest) (model.RuleSummary, error)
	UpdateRule(ctx context.Context, ruleID string, req api.RuleRequest) (model.RuleSummary, error)
	DeleteRule(ctx context.Context, ruleID string) error
}

// Store is the persistence the controller needs beyond what the
// reconcilers hold themselves.
type Store interface {
	reconcile.ThreadStore
	reconcile.RuleStore
	Purge(userID string) error
}

// Registrar registers the device for push notifications after sign-in.
// Optional; best-effort.
type Registrar interface {
	RegisterDevice(ctx context.Context, userID string) error
}

// Controller is the application control plane.
type Controller struct {
	remote    Remote
	store     Store
	registrar Registrar
	logger    *slog.Logger

	orch    *action.Orchestrator
	machine *session.Machine
	flow    *connect.Flow
	threads *reconcile.Threads
	rules   *reconcile.Rules

	mu              sync.Mutex
	preferences     model.Preferences
	connectors      []model.Connector
	activity        []model.ActivityItem
	activityCursor  string
	deleteAllStatus string
}

// New creates a Controller wired to the given identity provider,
// remote API, and store. registrar may be nil.
func New(provider session.Provider, remote Remote, store Store, registrar Registrar, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		remote:    remote,
		store:     store,
		registrar: registrar,
		logger:    logger,
	}

	c.threads = reconcile.NewThreads(remote, store, logger)
	c.rules = reconcile.NewRules(remote, store, logger)

	c.machine = session.NewMachine(provider, session.Hooks{
		Bootstrap: c.bootstrap,
		OnSignIn:  c.onSignIn,
		OnSignOut: c.onSignOut,
	}, logger)

	c.orch = action.New(c.machine.AuthExpired, logger)
	c.orch.SetDispatch(c.dispatchRetry)

	c.flow = connect.NewFlow(remote, c.orch, c.onConnected, logger)

	return c
}

// Start runs the initial bootstrap and starts the session event
// listener.
func (c *Controller) Start(ctx context.Context) error {
	return c.machine.Start(ctx)
}

// Stop stops the session event listener.
func (c *Controller) Stop() {
	c.machine.Stop()
}

// bootstrap loads the dependent state for a fresh sign-in. The loads
// run concurrently; any failure fails the bootstrap as a whole, and the
// lifecycle state carries the message, so no banner should linger.
func (c *Controller) bootstrap(ctx context.Context, ident session.Identity) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.LoadPreferences(ctx) })
	g.Go(func() error { return c.LoadConnectors(ctx) })
	g.Go(func() error { return c.LoadActivity(ctx, "") })
	if err := g.Wait(); err != nil {
		c.orch.ClearBanner()
		return err
	}
	return nil
}

// onSignIn reconciles caches and registers the device. Best-effort:
// failures surface through the banner, not the lifecycle state.
func (c *Controller) onSignIn(ctx context.Context, ident session.Identity) {
	c.threads.SetUser(ident.UserID)
	c.rules.SetUser(ident.UserID)

	c.orch.Run(ctx, action.KindLoadThreads, action.RetryLoadThreads{}, c.threads.Refresh)
	c.orch.Run(ctx, action.KindLoadRules, action.RetryLoadRules{}, c.rules.Refresh)

	if c.registrar != nil {
		if err := c.registrar.RegisterDevice(ctx, ident.UserID); err != nil {
			c.logger.Warn("registering device", "user", ident.UserID, "error", err)
		}
	}
}

// onSignOut tears down all per-user state. Anything that can fail is
// best-effort: the user is signed out regardless.
func (c *Controller) onSignOut(ctx context.Context, userID string) {
	c.flow.Reset()
	c.threads.Reset()
	c.rules.Reset()

	c.mu.Lock()
	c.preferences = model.Preferences{}
	c.connectors = nil
	c.activity = nil
	c.activityCursor = ""
	c.deleteAllStatus = ""
	c.mu.Unlock()

	if userID != "" {
		if err := c.store.Purge(userID); err != nil {
			c.logger.Warn("purging local data", "user", userID, "error", err)
		}
	}

	c.orch.ClearBanner()
}

func (c *Controller) onConnected(ctx context.Context, res api.CompleteConnectResult) {
	// Refresh the connector list so the new link shows without a manual
	// reload.
	c.LoadConnectors(ctx)
}

// dispatchRetry replays a retry ledger entry through the matching
// operation.
func (c *Controller) dispatchRetry(ctx context.Context, r action.Retry) {
	switch e := r.(type) {
	case action.RetryStartConnect:
		c.flow.Start(ctx, e.RedirectURI)
	case action.RetryCompleteConnect:
		c.flow.CompleteFromLedger(ctx, e)
	case action.RetryLoadPreferences:
		c.LoadPreferences(ctx)
	case action.RetrySavePreferences:
		c.SavePreferences(ctx, e.Preferences)
	case action.RetryLoadConnectors:
		c.LoadConnectors(ctx)
	case action.RetryRevokeConnector:
		c.RevokeConnector(ctx, e.ConnectorID)
	case action.RetryRequestDeleteAll:
		c.RequestDeleteAll(ctx)
	case action.RetryLoadActivity:
		c.LoadActivity(ctx, e.Cursor)
	case action.RetryQuery:
		c.retryQuery(ctx, e)
	case action.RetryLoadThreads:
		c.LoadThreads(ctx)
	case action.RetryDeleteThread:
		if e.All {
			c.DeleteAllThreads(ctx)
		} else {
			c.DeleteThread(ctx, e.ThreadID)
		}
	case action.RetryLoadRules:
		c.LoadRules(ctx)
	case action.RetrySaveRule:
		c.SaveRule(ctx, e.RuleID, api.RuleRequest{
			Name: e.Name, Schedule: e.Schedule, Enabled: e.Enabled, Prompt: e.Prompt,
		})
	case action.RetryDeleteRule:
		c.DeleteRule(ctx, e.RuleID)
	default:
		c.logger.Warn("unknown retry entry", "kind", r.Kind())
	}
}

// --- Connect flow ---

// Connect starts the OAuth connect flow. The caller opens AuthURL in an
// external browser afterwards.
func (c *Controller) Connect(ctx context.Context, redirectURI string) error {
	return c.flow.Start(ctx, redirectURI)
}

// AuthURL returns the pending flow's authorization URL, or empty.
func (c *Controller) AuthURL() string { return c.flow.AuthURL() }

// HandleCallback processes an OAuth callback URL.
func (c *Controller) HandleCallback(ctx context.Context, raw string) error {
	return c.flow.HandleCallback(ctx, raw)
}

// Flow exposes the connect flow for the callback server.
func (c *Controller) Flow() *connect.Flow { return c.flow }

// --- Preferences ---

// LoadPreferences fetches the user's preferences.
func (c *Controller) LoadPreferences(ctx context.Context) error {
	return c.orch.Run(ctx, action.KindLoadPreferences, action.RetryLoadPreferences{}, func(ctx context.Context) error {
		prefs, err := c.remote.GetPreferences(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.preferences = prefs
		c.mu.Unlock()
		return nil
	})
}

// SavePreferences writes preferences to the server, then records them
// locally on success.
func (c *Controller) SavePreferences(ctx context.Context, p model.Preferences) error {
	return c.orch.Run(ctx, action.KindSavePreferences, action.RetrySavePreferences{Preferences: p}, func(ctx context.Context) error {
		if err := c.remote.PutPreferences(ctx, p); err != nil {
			return err
		}
		c.mu.Lock()
		c.preferences = p
		c.mu.Unlock()
		return nil
	})
}

// Preferences returns the last loaded preferences.
func (c *Controller) Preferences() model.Preferences {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferences
}

// --- Connectors ---

// LoadConnectors fetches the linked connector list.
func (c *Controller) LoadConnectors(ctx context.Context) error {
	return c.orch.Run(ctx, action.KindLoadConnectors, action.RetryLoadConnectors{}, func(ctx context.Context) error {
		conns, err := c.remote.ListConnectors(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.connectors = conns
		c.mu.Unlock()
		return nil
	})
}

// RevokeConnector unlinks a connector and removes it locally.
func (c *Controller) RevokeConnector(ctx context.Context, connectorID string) error {
	return c.orch.Run(ctx, action.KindRevokeConnector, action.RetryRevokeConnector{ConnectorID: connectorID}, func(ctx context.Context) error {
		if err := c.remote.RevokeConnector(ctx, connectorID); err != nil {
			return err
		}
		c.mu.Lock()
		for i, conn := range c.connectors {
			if conn.ID == connectorID {
				c.connectors = append(c.connectors[:i], c.connectors[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return nil
	})
}

// Connectors returns the last loaded connector list.
func (c *Controller) Connectors() []model.Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Connector(nil), c.connectors...)
}

// --- Account deletion ---

// RequestDeleteAll asks the backend to delete all server-side data and
// records the acknowledged request status.
func (c *Controller) RequestDeleteAll(ctx context.Context) error {
	return c.orch.Run(ctx, action.KindRequestDeleteAll, action.RetryRequestDeleteAll{}, func(ctx context.Context) error {
		res, err := c.remote.RequestDeleteAll(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.deleteAllStatus = res.Status
		c.mu.Unlock()
		c.logger.Info("delete-all requested", "request", res.RequestID, "status", res.Status)
		return nil
	})
}

// DeleteAllStatus returns the last acknowledged delete-all status, or
// empty.
func (c *Controller) DeleteAllStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteAllStatus
}

// --- Activity feed ---

// LoadActivity fetches a page of the activity feed. An empty cursor
// resets to the first page; a non-empty one appends.
func (c *Controller) LoadActivity(ctx context.Context, cursor string) error {
	return c.orch.Run(ctx, action.KindLoadActivity, action.RetryLoadActivity{Cursor: cursor}, func(ctx context.Context) error {
		page, err := c.remote.ListActivity(ctx, cursor)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if cursor == "" {
			c.activity = page.Items
		} else {
			c.activity = append(c.activity, page.Items...)
		}
		c.activityCursor = page.NextCursor
		c.mu.Unlock()
		return nil
	})
}

// LoadMoreActivity fetches the next page, if any.
func (c *Controller) LoadMoreActivity(ctx context.Context) error {
	c.mu.Lock()
	cursor := c.activityCursor
	c.mu.Unlock()
	if cursor == "" {
		return nil
	}
	return c.LoadActivity(ctx, cursor)
}

// Activity returns the loaded activity items.
func (c *Controller) Activity() []model.ActivityItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ActivityItem(nil), c.activity...)
}

// --- Assistant queries and threads ---

// Query sends a query turn to the assistant, continuing the selected
// thread's session if one is active, and records the exchange in the
// thread cache.
func (c *Controller) Query(ctx context.Context, text string) error {
	selected, hasSelected := c.threads.Selected()
	threadID := ""
	if hasSelected {
		threadID = selected.ID
	}
	return c.runQuery(ctx, action.RetryQuery{Text: text, ThreadID: threadID})
}

func (c *Controller) retryQuery(ctx context.Context, r action.RetryQuery) {
	c.runQuery(ctx, r)
}

func (c *Controller) runQuery(ctx context.Context, r action.RetryQuery) error {
	return c.orch.Run(ctx, action.KindQuery, r, func(ctx context.Context) error {
		sessionID := ""
		var thread model.Thread
		haveThread := false
		if r.ThreadID != "" {
			for _, th := range c.threads.Snapshot() {
				if th.ID == r.ThreadID {
					thread = th
					haveThread = true
					sessionID = th.SessionID
					break
				}
			}
		}

		res, err := c.remote.Query(ctx, r.Text, sessionID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if !haveThread {
			thread = model.NewThread(res.SessionID, now)
		}
		thread.AppendExchange(r.Text, res.ResponseText, res.ToolSummaries, now)
		c.threads.Upsert(thread)
		return nil
	})
}

// LoadThreads refreshes the thread cache from the server.
func (c *Controller) LoadThreads(ctx context.Context) error {
	return c.orch.Run(ctx, action.KindLoadThreads, action.RetryLoadThreads{}, c.threads.Refresh)
}

// DeleteThread removes a thread locally at once (delete wins over any
// in-flight refresh) and propagates to the server.
func (c *Controller) DeleteThread(ctx context.Context, threadID string) error {
	c.threads.Delete(threadID)
	return c.orch.Run(ctx, action.KindDeleteThread, action.RetryDeleteThread{ThreadID: threadID}, func(ctx context.Context) error {
		return c.remote.DeleteThread(ctx, threadID)
	})
}

// DeleteAllThreads removes every thread locally and server-side.
func (c *Controller) DeleteAllThreads(ctx context.Context) error {
	c.threads.DeleteAll()
	return c.orch.Run(ctx, action.KindDeleteThread, action.RetryDeleteThread{All: true}, func(ctx context.Context) error {
		return c.remote.DeleteAllThreads(ctx)
	})
}

// SelectThread makes threadID the active thread.
func (c *Controller) SelectThread(threadID string) { c.threads.Select(threadID) }

// SelectedThread returns the active thread, if any.
func (c *Controller) SelectedThread() (model.Thread, bool) { return c.threads.Selected() }

// Threads returns the current thread list, newest first.
func (c *Controller) Threads() []model.Thread { return c.threads.Snapshot() }

// --- Automation rules ---

// LoadRules refreshes the rule cache from the server.
func (c *Controller) LoadRules(ctx context.Context) error {
	return c.orch.Run(ctx, action.KindLoadRules, action.RetryLoadRules{}, c.rules.Refresh)
}

// SaveRule creates (empty ruleID) or updates an automation rule and
// caches the submitted prompt against its fingerprint.
func (c *Controller) SaveRule(ctx context.Context, ruleID string, req api.RuleRequest) error {
	retry := action.RetrySaveRule{
		RuleID: ruleID, Name: req.Name, Schedule: req.Schedule, Enabled: req.Enabled, Prompt: req.Prompt,
	}
	return c.orch.Run(ctx, action.KindSaveRule, retry, func(ctx context.Context) error {
		var (
			summary model.RuleSummary
			err     error
		)
		if ruleID == "" {
			summary, err = c.remote.CreateRule(ctx, req)
		} else {
			summary, err = c.remote.UpdateRule(ctx, ruleID, req)
		}
		if err != nil {
			return err
		}
		c.rules.Upsert(summary, req.Prompt)
		return nil
	})
}

// DeleteRule deletes an automation rule server-side and drops it from
// the cache.
func (c *Controller) DeleteRule(ctx context.Context, ruleID string) error {
	return c.orch.Run(ctx, action.KindDeleteRule, action.RetryDeleteRule{RuleID: ruleID}, func(ctx context.Context) error {
		if err := c.remote.DeleteRule(ctx, ruleID); err != nil {
			return err
		}
		c.rules.Delete(ruleID)
		return nil
	})
}

// Rules returns the current rule cache, most recently updated first.
func (c *Controller) Rules() []model.RuleCacheEntry { return c.rules.Snapshot() }

// --- Lifecycle and banner surface ---

// State returns the session lifecycle state.
func (c *Controller) State() session.State { return c.machine.State() }

// SignOut performs the user-initiated sign-out.
func (c *Controller) SignOut(ctx context.Context) { c.machine.SignOut(ctx) }

// RetryBootstrap re-runs the bootstrap after a failure.
func (c *Controller) RetryBootstrap(ctx context.Context) { c.machine.RetryBootstrap(ctx) }

// Banner returns the current error banner, or nil.
func (c *Controller) Banner() *action.Banner { return c.orch.Banner() }

// DismissBanner clears the banner without retrying.
func (c *Controller) DismissBanner() { c.orch.Dismiss() }

// RetryLast re-invokes the failed action recorded in the banner.
func (c *Controller) RetryLast(ctx context.Context) { c.orch.RetryLast(ctx) }
