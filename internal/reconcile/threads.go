// Package reconcile merges server-fetched collections with locally
// persisted snapshots: conversation threads and automation rules. The
// local snapshot gives instant UI population; server state is the
// source of truth and persistence is best-effort.
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/ottohq/otto/internal/model"
)

// ThreadLister is the server fetch for conversation threads.
type ThreadLister interface {
	ListThreads(ctx context.Context) ([]model.Thread, error)
}

// ThreadStore is the persisted per-user snapshot.
type ThreadStore interface {
	LoadThreads(userID string) ([]model.Thread, error)
	SaveThreads(userID string, threads []model.Thread) error
}

// Threads reconciles the in-memory thread list against the persisted
// snapshot and the server. All mutation is serialized under one mutex:
// a user deleting a thread while a refresh is in flight cannot race
// the merge, and a tombstone keeps the merge from resurrecting the
// deleted id.
type Threads struct {
	lister ThreadLister
	store  ThreadStore
	logger *slog.Logger

	mu         sync.Mutex
	userID     string
	threads    []model.Thread
	selectedID string
	deleted    map[string]struct{}
}

// NewThreads creates a thread reconciler.
func NewThreads(lister ThreadLister, store ThreadStore, logger *slog.Logger) *Threads {
	if logger == nil {
		logger = slog.Default()
	}
	return &Threads{
		lister:  lister,
		store:   store,
		logger:  logger,
		deleted: make(map[string]struct{}),
	}
}

// SetUser binds the reconciler to a signed-in user and loads the
// persisted snapshot for instant display. A load failure is logged,
// not surfaced; the server refresh will repopulate.
func (t *Threads) SetUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userID = userID
	t.threads = nil
	t.selectedID = ""
	t.deleted = make(map[string]struct{})

	snap, err := t.store.LoadThreads(userID)
	if err != nil {
		t.logger.Warn("loading thread snapshot", "user", userID, "error", err)
		return
	}
	t.threads = snap
	t.sortLocked()
	t.reselectLocked()
}

// Refresh fetches the server's thread list and merges it in. The
// caller runs this through the orchestrator so fetch failures surface
// as a non-blocking banner while the snapshot keeps showing.
func (t *Threads) Refresh(ctx context.Context) error {
	fetched, err := t.lister.ListThreads(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.mergeLocked(fetched)
	userID := t.userID
	merged := t.cloneLocked()
	t.mu.Unlock()

	if err := t.store.SaveThreads(userID, merged); err != nil {
		t.logger.Warn("persisting thread snapshot", "user", userID, "error", err)
	}
	return nil
}

// mergeLocked merges the server list with in-memory state:
// tombstoned ids never come back, the newer UpdatedAt wins per id, and
// local-only threads (not yet propagated) survive.
func (t *Threads) mergeLocked(fetched []model.Thread) {
	byID := make(map[string]model.Thread, len(fetched))
	serverIDs := make(map[string]struct{}, len(fetched))
	for _, th := range fetched {
		serverIDs[th.ID] = struct{}{}
		if _, dead := t.deleted[th.ID]; dead {
			continue
		}
		byID[th.ID] = th
	}
	for _, th := range t.threads {
		if _, dead := t.deleted[th.ID]; dead {
			continue
		}
		cur, ok := byID[th.ID]
		if !ok || th.UpdatedAt.After(cur.UpdatedAt) {
			byID[th.ID] = th
		}
	}

	// A tombstone has done its job once the server stops returning the id.
	for id := range t.deleted {
		if _, still := serverIDs[id]; !still {
			delete(t.deleted, id)
		}
	}

	t.threads = t.threads[:0]
	for _, th := range byID {
		t.threads = append(t.threads, th)
	}
	t.sortLocked()
	t.reselectLocked()
}

func (t *Threads) sortLocked() {
	sort.Slice(t.threads, func(i, j int) bool {
		a, b := t.threads[i], t.threads[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

// reselectLocked preserves the active selection when it survived the
// merge, otherwise falls back to the most recent thread, otherwise none.
func (t *Threads) reselectLocked() {
	if t.selectedID != "" {
		for _, th := range t.threads {
			if th.ID == t.selectedID {
				return
			}
		}
	}
	if len(t.threads) > 0 {
		t.selectedID = t.threads[0].ID
		return
	}
	t.selectedID = ""
}

// Upsert records a local mutation (new thread or appended exchange)
// and persists the snapshot best-effort.
func (t *Threads) Upsert(th model.Thread) {
	t.mu.Lock()
	replaced := false
	for i := range t.threads {
		if t.threads[i].ID == th.ID {
			t.threads[i] = th
			replaced = true
			break
		}
	}
	if !replaced {
		t.threads = append(t.threads, th)
	}
	t.sortLocked()
	t.selectedID = th.ID
	userID := t.userID
	snap := t.cloneLocked()
	t.mu.Unlock()

	if err := t.store.SaveThreads(userID, snap); err != nil {
		t.logger.Warn("persisting thread snapshot", "user", userID, "error", err)
	}
}

// Delete removes a thread locally and tombstones its id so an
// in-flight refresh cannot resurrect it. Server-side propagation is
// the caller's job.
func (t *Threads) Delete(id string) {
	t.mu.Lock()
	t.deleted[id] = struct{}{}
	for i := range t.threads {
		if t.threads[i].ID == id {
			t.threads = append(t.threads[:i], t.threads[i+1:]...)
			break
		}
	}
	if t.selectedID == id {
		t.selectedID = ""
	}
	t.reselectLocked()
	userID := t.userID
	snap := t.cloneLocked()
	t.mu.Unlock()

	if err := t.store.SaveThreads(userID, snap); err != nil {
		t.logger.Warn("persisting thread snapshot", "user", userID, "error", err)
	}
}

// DeleteAll removes every thread locally, tombstoning all current ids.
func (t *Threads) DeleteAll() {
	t.mu.Lock()
	for _, th := range t.threads {
		t.deleted[th.ID] = struct{}{}
	}
	t.threads = nil
	t.selectedID = ""
	userID := t.userID
	t.mu.Unlock()

	if err := t.store.SaveThreads(userID, nil); err != nil {
		t.logger.Warn("persisting thread snapshot", "user", userID, "error", err)
	}
}

// Select makes id the active thread if it exists.
func (t *Threads) Select(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, th := range t.threads {
		if th.ID == id {
			t.selectedID = id
			return
		}
	}
}

// Selected returns the active thread, if any.
func (t *Threads) Selected() (model.Thread, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, th := range t.threads {
		if th.ID == t.selectedID {
			return th.Clone(), true
		}
	}
	return model.Thread{}, false
}

// Snapshot returns a copy of the current thread list, newest first.
func (t *Threads) Snapshot() []model.Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cloneLocked()
}

// Reset discards all in-memory state on sign-out.
func (t *Threads) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userID = ""
	t.threads = nil
	t.selectedID = ""
	t.deleted = make(map[string]struct{})
}

func (t *Threads) cloneLocked() []model.Thread {
	out := make([]model.Thread, len(t.threads))
	for i, th := range t.threads {
		out[i] = th.Clone()
	}
	return out
}
