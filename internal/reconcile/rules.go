package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/ottohq/otto/internal/model"
)

// RuleLister is the server fetch for automation rule summaries.
type RuleLister interface {
	ListRules(ctx context.Context) ([]model.RuleSummary, error)
}

// RuleStore is the persisted per-user rule cache.
type RuleStore interface {
	LoadRuleCache(userID string) ([]model.RuleCacheEntry, error)
	SaveRuleCache(userID string, entries []model.RuleCacheEntry) error
}

// Rules reconciles the automation rule cache. The sensitive cached
// prompt for a rule survives a refresh only while the server's
// fingerprint for that rule is byte-equal to the fingerprint recorded
// when the prompt was cached; any change drops the plaintext.
type Rules struct {
	lister RuleLister
	store  RuleStore
	logger *slog.Logger

	mu      sync.Mutex
	userID  string
	entries []model.RuleCacheEntry
}

// NewRules creates a rule reconciler.
func NewRules(lister RuleLister, store RuleStore, logger *slog.Logger) *Rules {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rules{lister: lister, store: store, logger: logger}
}

// SetUser binds the reconciler to a signed-in user and loads the
// persisted cache for instant display.
func (r *Rules) SetUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userID = userID
	r.entries = nil

	snap, err := r.store.LoadRuleCache(userID)
	if err != nil {
		r.logger.Warn("loading rule cache", "user", userID, "error", err)
		return
	}
	r.entries = snap
	r.sortLocked()
}

// Refresh fetches rule summaries and merges them against the cache.
func (r *Rules) Refresh(ctx context.Context) error {
	fetched, err := r.lister.ListRules(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	cached := make(map[string]model.RuleCacheEntry, len(r.entries))
	for _, e := range r.entries {
		cached[e.Summary.ID] = e
	}

	merged := make([]model.RuleCacheEntry, 0, len(fetched))
	for _, summary := range fetched {
		entry := model.RuleCacheEntry{Summary: summary}
		if prev, ok := cached[summary.ID]; ok && prev.HasPrompt() && prev.CachedFingerprint == summary.PromptFingerprint {
			entry.Prompt = prev.Prompt
			entry.CachedFingerprint = prev.CachedFingerprint
		}
		merged = append(merged, entry)
	}
	r.entries = merged
	r.sortLocked()
	userID := r.userID
	snap := append([]model.RuleCacheEntry(nil), r.entries...)
	r.mu.Unlock()

	if err := r.store.SaveRuleCache(userID, snap); err != nil {
		r.logger.Warn("persisting rule cache", "user", userID, "error", err)
	}
	return nil
}

// CachePrompt records a prompt plaintext for a rule, fingerprinting it
// so the next refresh can validate retention. Used when the user
// authors or views a prompt through a privileged path.
func (r *Rules) CachePrompt(ruleID, prompt string) {
	fp := Fingerprint(prompt)

	r.mu.Lock()
	for i := range r.entries {
		if r.entries[i].Summary.ID == ruleID {
			r.entries[i].Prompt = prompt
			r.entries[i].CachedFingerprint = fp
			break
		}
	}
	userID := r.userID
	snap := append([]model.RuleCacheEntry(nil), r.entries...)
	r.mu.Unlock()

	if err := r.store.SaveRuleCache(userID, snap); err != nil {
		r.logger.Warn("persisting rule cache", "user", userID, "error", err)
	}
}

// Upsert applies a server-returned summary after a create or update,
// caching the prompt the user just submitted.
func (r *Rules) Upsert(summary model.RuleSummary, prompt string) {
	r.mu.Lock()
	entry := model.RuleCacheEntry{Summary: summary}
	if prompt != "" {
		entry.Prompt = prompt
		entry.CachedFingerprint = Fingerprint(prompt)
	}
	replaced := false
	for i := range r.entries {
		if r.entries[i].Summary.ID == summary.ID {
			r.entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		r.entries = append(r.entries, entry)
	}
	r.sortLocked()
	userID := r.userID
	snap := append([]model.RuleCacheEntry(nil), r.entries...)
	r.mu.Unlock()

	if err := r.store.SaveRuleCache(userID, snap); err != nil {
		r.logger.Warn("persisting rule cache", "user", userID, "error", err)
	}
}

// Delete removes a rule from the cache.
func (r *Rules) Delete(ruleID string) {
	r.mu.Lock()
	for i := range r.entries {
		if r.entries[i].Summary.ID == ruleID {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	userID := r.userID
	snap := append([]model.RuleCacheEntry(nil), r.entries...)
	r.mu.Unlock()

	if err := r.store.SaveRuleCache(userID, snap); err != nil {
		r.logger.Warn("persisting rule cache", "user", userID, "error", err)
	}
}

// Snapshot returns a copy of the cache, most recently updated first.
func (r *Rules) Snapshot() []model.RuleCacheEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.RuleCacheEntry(nil), r.entries...)
}

// Reset discards all in-memory state on sign-out.
func (r *Rules) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userID = ""
	r.entries = nil
}

func (r *Rules) sortLocked() {
	sort.Slice(r.entries, func(i, j int) bool {
		a, b := r.entries[i].Summary, r.entries[j].Summary
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}
