package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/researchd/internal/quota"
	"github.com/kalambet/researchd/internal/storage"
)

// NewMCPServer exposes the research operations as MCP tools, mirroring
// the HTTP surface for agent clients.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"researchd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("researchd — shared research feed backed by a language-model pipeline."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("start_research",
			mcp.WithDescription("Submit a research query. Returns the record id; progress is observable via get_research."),
			mcp.WithString("query", mcp.Description("Free-text research query"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Identity of the requesting user"), mcp.Required()),
			mcp.WithString("username", mcp.Description("Display handle shown on the public feed")),
		),
		mcpStartResearch(deps),
	)

	s.AddTool(
		mcp.NewTool("get_research",
			mcp.WithDescription("Fetch one research record with its current progress, stages, and result."),
			mcp.WithString("id", mcp.Description("Research record id"), mcp.Required()),
		),
		mcpGetResearch(deps),
	)

	s.AddTool(
		mcp.NewTool("list_research",
			mcp.WithDescription("List the most recent research records, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 50)")),
		),
		mcpListResearch(deps),
	)

	s.AddTool(
		mcp.NewTool("toggle_star",
			mcp.WithDescription("Flip the user's star on a research record. Returns the new starred state."),
			mcp.WithString("research_id", mcp.Description("Research record id"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Identity of the starring user"), mcp.Required()),
		),
		mcpToggleStar(deps),
	)

	return s
}

func mcpStartResearch(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		username := req.GetString("username", "")

		id, err := startResearch(deps, query, userID, username)
		if errors.Is(err, quota.ErrDailyLimitExceeded) {
			return mcpError("daily request limit reached (5 per day)"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start research: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{"success": true, "id": id})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetResearch(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		rec, err := deps.Store.GetResearch(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("research not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load research: %v", err)), nil
		}

		b, err := json.Marshal(rec)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal record: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListResearch(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", feedWindow)
		if limit <= 0 || limit > feedWindow {
			limit = feedWindow
		}

		records, err := deps.Store.ListRecent(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list research: %v", err)), nil
		}
		if records == nil {
			records = []storage.Research{}
		}

		b, err := json.Marshal(records)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal records: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpToggleStar(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		researchID, err := req.RequireString("research_id")
		if err != nil {
			return mcpError("research_id is required"), nil
		}
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		starred, err := deps.Store.ToggleStar(researchID, userID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("research not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to toggle star: %v", err)), nil
		}

		if deps.Hub != nil {
			if rec, err := deps.Store.GetResearch(researchID); err == nil {
				deps.Hub.Publish(rec)
			}
		}

		b, err := json.Marshal(map[string]any{"success": true, "isStarred": starred})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
