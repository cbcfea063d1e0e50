// Package identity implements the session provider against the
// hosted identity service: a JSON endpoint for the current session and
// a websocket stream for session events.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ottohq/otto/internal/session"
)

// TokenSource returns the current bearer token, or "" when signed out.
type TokenSource func() string

// Provider talks to the identity service. It satisfies the session
// machine's provider contract.
type Provider struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Provider. baseURL is the identity service root, e.g.
// "https://id.example.com".
func New(baseURL string, token TokenSource, httpClient *http.Client, logger *slog.Logger) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

type sessionResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// CurrentIdentity fetches the active session. A 204 or an empty user
// id means signed out (nil identity, no error).
func (p *Provider) CurrentIdentity(ctx context.Context) (*session.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/session", nil)
	if err != nil {
		return nil, fmt.Errorf("creating session request: %w", err)
	}
	if tok := p.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("session endpoint returned %d", resp.StatusCode)
	}

	var body sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if body.UserID == "" {
		return nil, nil
	}
	return &session.Identity{UserID: body.UserID, Email: body.Email}, nil
}

// wireEvent is the websocket frame the identity service pushes.
type wireEvent struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	HasSession bool   `json:"has_session"`
}

// mapEvent translates a wire frame into a session event. Unknown
// types are skipped (ok=false) so the service can add event types
// without breaking older clients.
func mapEvent(w wireEvent) (session.Event, bool) {
	switch w.Type {
	case "sign_in_completed":
		return session.SignInCompleted{Identity: session.Identity{UserID: w.UserID, Email: w.Email}}, true
	case "session_changed":
		ev := session.SessionChanged{HasSession: w.HasSession}
		if w.HasSession {
			ev.Identity = session.Identity{UserID: w.UserID, Email: w.Email}
		}
		return ev, true
	case "signed_out":
		return session.SignedOut{}, true
	case "token_refreshed":
		return session.TokenRefreshed{}, true
	default:
		return nil, false
	}
}

// Listen opens the identity event stream over a websocket. The
// returned channel is closed when ctx is cancelled or the stream ends.
func (p *Provider) Listen(ctx context.Context) (<-chan session.Event, error) {
	wsURL := strings.Replace(p.baseURL, "http", "ws", 1) + "/v1/session/events"

	opts := &websocket.DialOptions{HTTPClient: p.httpClient}
	if tok := p.token(); tok != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + tok}}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("dialing event stream: %w", err)
	}

	events := make(chan session.Event)
	go func() {
		defer close(events)
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			var frame wireEvent
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("identity event stream ended", "error", err)
				}
				return
			}
			ev, ok := mapEvent(frame)
			if !ok {
				p.logger.Debug("skipping unknown identity event", "type", frame.Type)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}
