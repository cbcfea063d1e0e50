// Package api is the outbound client for the otto backend. Every
// remote operation the control plane performs goes through it; errors
// come back classified (auth-expired, decode failure, plain HTTP
// error) so the action orchestrator can route them.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ottohq/otto/internal/model"
)

// TokenSource supplies the current bearer token for a request. The
// identity layer refreshes tokens out of band; the client just asks
// for the latest one each call.
type TokenSource func() string

// Client talks to the otto backend API.
type Client struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
}

// New creates a Client. baseURL is trimmed of trailing slashes; a nil
// httpClient gets a 30s-timeout default.
func New(baseURL string, token TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      token,
		httpClient: httpClient,
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if c.token != nil {
		if t := c.token(); t != "" {
			req.Header.Set("Authorization", "Bearer "+t)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		he := &HTTPError{StatusCode: resp.StatusCode}
		var eb errorBody
		if data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16)); err == nil {
			if json.Unmarshal(data, &eb) == nil {
				he.Code = eb.Code
				he.Message = eb.Message
			}
		}
		if he.Message == "" {
			he.Message = http.StatusText(resp.StatusCode)
		}
		return he
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{Op: method + " " + path, Err: err}
	}
	return nil
}

// StartConnectResult is the server's answer to start-connect: the URL
// to open in an external browser and the opaque correlation token the
// callback must echo.
type StartConnectResult struct {
	AuthURL string `json:"auth_url"`
	State   string `json:"state"`
}

// StartConnect begins the OAuth connect flow for a connector.
func (c *Client) StartConnect(ctx context.Context, redirectURI string) (StartConnectResult, error) {
	var out StartConnectResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/connect/start",
		map[string]string{"redirect_uri": redirectURI}, &out)
	return out, err
}

// CompleteConnectRequest carries the callback results back to the
// server. ProviderError fields are set when the user denied consent.
type CompleteConnectRequest struct {
	Code                     string `json:"code,omitempty"`
	State                    string `json:"state"`
	ProviderError            string `json:"provider_error,omitempty"`
	ProviderErrorDescription string `json:"provider_error_description,omitempty"`
}

// CompleteConnectResult reports the connector created by the exchange.
type CompleteConnectResult struct {
	ConnectorID string `json:"connector_id"`
	Status      string `json:"status"`
}

// CompleteConnect finishes the OAuth connect flow. The code/state
// exchange happens server-side; the client only relays what the
// callback delivered.
func (c *Client) CompleteConnect(ctx context.Context, req CompleteConnectRequest) (CompleteConnectResult, error) {
	var out CompleteConnectResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/connect/complete", req, &out)
	return out, err
}

// GetPreferences fetches the user's assistant preferences.
func (c *Client) GetPreferences(ctx context.Context) (model.Preferences, error) {
	var out model.Preferences
	err := c.doJSON(ctx, http.MethodGet, "/v1/preferences", nil, &out)
	return out, err
}

// PutPreferences replaces the user's assistant preferences.
func (c *Client) PutPreferences(ctx context.Context, p model.Preferences) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/preferences", p, nil)
}

// ListConnectors returns the user's linked external accounts.
func (c *Client) ListConnectors(ctx context.Context) ([]model.Connector, error) {
	var out []model.Connector
	err := c.doJSON(ctx, http.MethodGet, "/v1/connectors", nil, &out)
	return out, err
}

// RevokeConnector unlinks an external account.
func (c *Client) RevokeConnector(ctx context.Context, connectorID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/connectors/"+url.PathEscape(connectorID), nil, nil)
}

// DeleteAllResult acknowledges a full-account deletion request.
type DeleteAllResult struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// RequestDeleteAll asks the backend to delete all server-side user data.
func (c *Client) RequestDeleteAll(ctx context.Context) (DeleteAllResult, error) {
	var out DeleteAllResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/data/delete-all", nil, &out)
	return out, err
}

// ActivityPage is one page of the activity feed.
type ActivityPage struct {
	Items      []model.ActivityItem `json:"items"`
	NextCursor string               `json:"next_cursor"`
}

// ListActivity fetches a page of the activity feed. An empty cursor
// requests the first page.
func (c *Client) ListActivity(ctx context.Context, cursor string) (ActivityPage, error) {
	path := "/v1/activity"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	var out ActivityPage
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// QueryResult is the assistant's answer to a query turn.
type QueryResult struct {
	SessionID     string   `json:"session_id"`
	ResponseText  string   `json:"response_text"`
	ToolSummaries []string `json:"tool_summaries,omitempty"`
}

// Query sends a query turn to the assistant. sessionID is empty on the
// first turn of a new conversation; the server allocates one and
// returns it.
func (c *Client) Query(ctx context.Context, text, sessionID string) (QueryResult, error) {
	req := map[string]string{"text": text}
	if sessionID != "" {
		req["session_id"] = sessionID
	}
	var out QueryResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/assistant/query", req, &out)
	return out, err
}

// ListThreads fetches the server's view of the user's conversation
// threads, messages included.
func (c *Client) ListThreads(ctx context.Context) ([]model.Thread, error) {
	var out []model.Thread
	err := c.doJSON(ctx, http.MethodGet, "/v1/threads", nil, &out)
	return out, err
}

// DeleteThread deletes one thread server-side.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/threads/"+url.PathEscape(threadID), nil, nil)
}

// DeleteAllThreads deletes every thread server-side.
func (c *Client) DeleteAllThreads(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/threads", nil, nil)
}

// ListRules fetches automation rule summaries. Prompts never travel on
// this path, only their fingerprints.
func (c *Client) ListRules(ctx context.Context) ([]model.RuleSummary, error) {
	var out []model.RuleSummary
	err := c.doJSON(ctx, http.MethodGet, "/v1/rules", nil, &out)
	return out, err
}

// RuleRequest creates or updates an automation rule.
type RuleRequest struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Enabled  bool   `json:"enabled"`
	Prompt   string `json:"prompt"`
}

// CreateRule creates an automation rule and returns its summary.
func (c *Client) CreateRule(ctx context.Context, req RuleRequest) (model.RuleSummary, error) {
	var out model.RuleSummary
	err := c.doJSON(ctx, http.MethodPost, "/v1/rules", req, &out)
	return out, err
}

// UpdateRule updates an automation rule and returns the new summary.
func (c *Client) UpdateRule(ctx context.Context, ruleID string, req RuleRequest) (model.RuleSummary, error) {
	var out model.RuleSummary
	err := c.doJSON(ctx, http.MethodPut, "/v1/rules/"+url.PathEscape(ruleID), req, &out)
	return out, err
}

// DeleteRule deletes an automation rule.
func (c *Client) DeleteRule(ctx context.Context, ruleID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/rules/"+url.PathEscape(ruleID), nil, nil)
}
