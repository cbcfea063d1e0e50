// Package mcptools exposes the control plane to MCP clients: a tool
// surface for queries and cache inspection, and the session lifecycle
// state as a resource.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ottohq/otto/internal/action"
	"github.com/ottohq/otto/internal/model"
	"github.com/ottohq/otto/internal/session"
)

// Core is the slice of the controller the MCP surface consumes.
type Core interface {
	Query(ctx context.Context, text string) error
	SelectedThread() (model.Thread, bool)
	Threads() []model.Thread
	Rules() []model.RuleCacheEntry
	Connectors() []model.Connector
	State() session.State
	Banner() *action.Banner
}

// NewServer creates an MCP server exposing the control plane.
func NewServer(core Core) *server.MCPServer {
	s := server.NewMCPServer(
		"otto",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("otto — control plane for the otto assistant: queries, conversation threads, automation rules, and connector status."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("query_assistant",
			mcp.WithDescription("Send a query turn to the assistant and return its response. Continues the selected conversation thread."),
			mcp.WithString("text", mcp.Description("The query text"), mcp.Required()),
		),
		mcpQueryAssistant(core),
	)

	s.AddTool(
		mcp.NewTool("list_threads",
			mcp.WithDescription("List cached conversation threads, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of threads (default 20)")),
		),
		mcpListThreads(core),
	)

	s.AddTool(
		mcp.NewTool("list_rules",
			mcp.WithDescription("List automation rules. Prompts are private; only whether a prompt is cached locally is reported."),
		),
		mcpListRules(core),
	)

	s.AddTool(
		mcp.NewTool("connector_status",
			mcp.WithDescription("List linked external accounts and their status."),
		),
		mcpConnectorStatus(core),
	)

	s.AddResource(
		mcp.NewResource(
			"session://state",
			"Session State",
			mcp.WithResourceDescription("Current session lifecycle state and error banner as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceState(core),
	)

	return s
}

func mcpQueryAssistant(core Core) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		if st := core.State(); st.Phase != session.PhaseSignedIn {
			return mcpError(fmt.Sprintf("not signed in (state: %s)", st.Phase)), nil
		}

		if err := core.Query(ctx, text); err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}

		th, ok := core.SelectedThread()
		if !ok || len(th.Messages) == 0 {
			return mcpError("query produced no response"), nil
		}
		last := th.Messages[len(th.Messages)-1]
		if last.Role != model.RoleAssistant {
			return mcpError("query produced no response"), nil
		}
		return mcpText(last.Text), nil
	}
}

func mcpListThreads(core Core) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}

		threads := core.Threads()
		if len(threads) > limit {
			threads = threads[:limit]
		}

		type threadSummary struct {
			ID        string `json:"id"`
			UpdatedAt string `json:"updated_at"`
			Messages  int    `json:"messages"`
			FirstLine string `json:"first_line,omitempty"`
		}

		summaries := make([]threadSummary, len(threads))
		for i, th := range threads {
			ts := threadSummary{
				ID:        th.ID,
				UpdatedAt: th.UpdatedAt.Format(time.RFC3339),
				Messages:  len(th.Messages),
			}
			if len(th.Messages) > 0 {
				ts.FirstLine = th.Messages[0].Text
			}
			summaries[i] = ts
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal threads: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListRules(core Core) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		type ruleSummary struct {
			ID              string `json:"id"`
			Name            string `json:"name"`
			Schedule        string `json:"schedule,omitempty"`
			Enabled         bool   `json:"enabled"`
			UpdatedAt       string `json:"updated_at"`
			HasCachedPrompt bool   `json:"has_cached_prompt"`
		}

		rules := core.Rules()
		summaries := make([]ruleSummary, len(rules))
		for i, e := range rules {
			summaries[i] = ruleSummary{
				ID:              e.Summary.ID,
				Name:            e.Summary.Name,
				Schedule:        e.Summary.Schedule,
				Enabled:         e.Summary.Enabled,
				UpdatedAt:       e.Summary.UpdatedAt.Format(time.RFC3339),
				HasCachedPrompt: e.HasPrompt(),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal rules: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpConnectorStatus(core Core) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		type connectorStatus struct {
			ID          string `json:"id"`
			Provider    string `json:"provider"`
			Status      string `json:"status"`
			ConnectedAt string `json:"connected_at"`
		}

		conns := core.Connectors()
		statuses := make([]connectorStatus, len(conns))
		for i, conn := range conns {
			statuses[i] = connectorStatus{
				ID:          conn.ID,
				Provider:    conn.Provider,
				Status:      conn.Status,
				ConnectedAt: conn.ConnectedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(statuses)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal connectors: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceState(core Core) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st := core.State()

		out := map[string]any{
			"phase": st.Phase.String(),
		}
		if st.Message != "" {
			out["message"] = st.Message
		}
		if banner := core.Banner(); banner != nil {
			out["banner"] = map[string]any{
				"message":   banner.Message,
				"retryable": banner.Retry != nil,
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal state: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
