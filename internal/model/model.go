// Package model holds the domain types shared by the control plane:
// conversation threads, automation rule cache entries, preferences,
// connectors, and activity items.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation thread.
type Message struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"created_at"`
	ToolSummaries []string  `json:"tool_summaries,omitempty"`
}

// Thread is a conversation thread owned by the signed-in user's device.
// SessionID correlates the thread with the server-side assistant session.
type Thread struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// NewThread creates an empty thread bound to a server session.
func NewThread(sessionID string, now time.Time) Thread {
	return Thread{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendExchange appends a user/assistant message pair and bumps
// UpdatedAt to now.
func (t *Thread) AppendExchange(userText, assistantText string, toolSummaries []string, now time.Time) {
	t.Messages = append(t.Messages,
		Message{
			ID:        uuid.New().String(),
			Role:      RoleUser,
			Text:      userText,
			CreatedAt: now,
		},
		Message{
			ID:            uuid.New().String(),
			Role:          RoleAssistant,
			Text:          assistantText,
			CreatedAt:     now,
			ToolSummaries: toolSummaries,
		},
	)
	t.UpdatedAt = now
}

// Clone returns a deep copy. Reconcilers publish snapshots by copy so
// the UI can never mutate reconciler-owned state.
func (t Thread) Clone() Thread {
	out := t
	out.Messages = make([]Message, len(t.Messages))
	copy(out.Messages, t.Messages)
	for i := range out.Messages {
		if len(t.Messages[i].ToolSummaries) > 0 {
			out.Messages[i].ToolSummaries = append([]string(nil), t.Messages[i].ToolSummaries...)
		}
	}
	return out
}

// RuleSummary is the server-authoritative view of an automation rule.
// The private prompt itself never travels on the list path; only its
// content fingerprint does.
type RuleSummary struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Schedule          string    `json:"schedule"`
	Enabled           bool      `json:"enabled"`
	UpdatedAt         time.Time `json:"updated_at"`
	PromptFingerprint string    `json:"prompt_fingerprint"`
}

// RuleCacheEntry pairs a rule summary with an optionally cached prompt
// plaintext. CachedFingerprint records the fingerprint at cache time;
// the prompt survives a refresh only while the server's fingerprint
// still equals it.
type RuleCacheEntry struct {
	Summary           RuleSummary `json:"summary"`
	Prompt            string      `json:"prompt,omitempty"`
	CachedFingerprint string      `json:"cached_fingerprint,omitempty"`
}

// HasPrompt reports whether a prompt plaintext is cached for this rule.
func (e RuleCacheEntry) HasPrompt() bool {
	return e.Prompt != "" && e.CachedFingerprint != ""
}

// Preferences are the user's assistant preferences.
type Preferences struct {
	DisplayName          string `json:"display_name"`
	Language             string `json:"language"`
	VoiceEnabled         bool   `json:"voice_enabled"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
}

// Connector is a linked external account (calendar, mail, ...).
type Connector struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	Status      string    `json:"status"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ActivityItem is one entry in the user's activity feed.
type ActivityItem struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Summary    string    `json:"summary"`
	OccurredAt time.Time `json:"occurred_at"`
}
