package model

import (
	"testing"
	"time"
)

func TestAppendExchange(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	th := NewThread("s-1", created)

	turn := created.Add(5 * time.Minute)
	th.AppendExchange("what's on my calendar?", "Two meetings today.", []string{"calendar.list"}, turn)

	if len(th.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(th.Messages))
	}
	if th.Messages[0].Role != RoleUser || th.Messages[1].Role != RoleAssistant {
		t.Errorf("roles = %v/%v", th.Messages[0].Role, th.Messages[1].Role)
	}
	if th.Messages[1].ToolSummaries[0] != "calendar.list" {
		t.Errorf("tool summaries = %v", th.Messages[1].ToolSummaries)
	}
	if !th.UpdatedAt.Equal(turn) {
		t.Errorf("UpdatedAt = %v, want the turn time", th.UpdatedAt)
	}
	if !th.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt moved to %v", th.CreatedAt)
	}
	if th.Messages[0].ID == th.Messages[1].ID {
		t.Error("message ids must be unique")
	}
}

func TestNewThreadAssignsID(t *testing.T) {
	a := NewThread("s-1", time.Now())
	b := NewThread("s-1", time.Now())
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("thread ids = %q / %q", a.ID, b.ID)
	}
	if a.SessionID != "s-1" {
		t.Errorf("session id = %q", a.SessionID)
	}
}

func TestCloneIsDeep(t *testing.T) {
	th := NewThread("s-1", time.Now())
	th.AppendExchange("hi", "hello", []string{"noop"}, time.Now())

	cp := th.Clone()
	cp.Messages[0].Text = "mutated"
	cp.Messages[1].ToolSummaries[0] = "mutated"

	if th.Messages[0].Text != "hi" {
		t.Error("clone shares message backing array")
	}
	if th.Messages[1].ToolSummaries[0] != "noop" {
		t.Error("clone shares tool summary backing array")
	}
}

func TestRuleCacheEntryHasPrompt(t *testing.T) {
	if (RuleCacheEntry{}).HasPrompt() {
		t.Error("empty entry reports a prompt")
	}
	if (RuleCacheEntry{Prompt: "p"}).HasPrompt() {
		t.Error("prompt without a recorded fingerprint is not a valid cache")
	}
	if !(RuleCacheEntry{Prompt: "p", CachedFingerprint: "fp"}).HasPrompt() {
		t.Error("prompt with fingerprint should report cached")
	}
}
