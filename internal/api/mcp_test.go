package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/researchd/internal/quota"
	"github.com/kalambet/researchd/internal/storage"
)

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", result.Content[0])
	}
	return tc.Text
}

func TestMCPStartResearch(t *testing.T) {
	deps := newTestDeps(t)
	handler := mcpStartResearch(deps)

	result, err := handler(context.Background(), makeCallToolRequest("start_research", map[string]interface{}{
		"query":    "bioluminescence",
		"user_id":  "u1",
		"username": "ada",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var out struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !out.Success || out.ID == "" {
		t.Errorf("result = %+v", out)
	}

	rec, err := deps.Store.GetResearch(out.ID)
	if err != nil {
		t.Fatalf("GetResearch: %v", err)
	}
	if rec.Query != "bioluminescence" || rec.Status != storage.StatusRunning {
		t.Errorf("record = %+v", rec)
	}
}

func TestMCPStartResearchMissingArgs(t *testing.T) {
	handler := mcpStartResearch(newTestDeps(t))

	result, err := handler(context.Background(), makeCallToolRequest("start_research", map[string]interface{}{
		"user_id": "u1",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Error("missing query should be a tool error")
	}
}

func TestMCPStartResearchQuota(t *testing.T) {
	deps := newTestDeps(t)
	handler := mcpStartResearch(deps)

	for i := 0; i < quota.DailyLimit; i++ {
		result, err := handler(context.Background(), makeCallToolRequest("start_research", map[string]interface{}{
			"query":   "query",
			"user_id": "u1",
		}))
		if err != nil || result.IsError {
			t.Fatalf("request %d failed: %v / %v", i, err, result)
		}
	}

	result, err := handler(context.Background(), makeCallToolRequest("start_research", map[string]interface{}{
		"query":   "one too many",
		"user_id": "u1",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Error("exhausted quota should be a tool error")
	}
}

func TestMCPGetResearch(t *testing.T) {
	deps := newTestDeps(t)
	seedAPIRecord(t, deps.Store, "r1", storage.StatusCompleted)
	handler := mcpGetResearch(deps)

	result, err := handler(context.Background(), makeCallToolRequest("get_research", map[string]interface{}{
		"id": "r1",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var rec storage.Research
	if err := json.Unmarshal([]byte(toolText(t, result)), &rec); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if rec.ID != "r1" {
		t.Errorf("record = %+v", rec)
	}

	result, err = handler(context.Background(), makeCallToolRequest("get_research", map[string]interface{}{
		"id": "missing",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Error("unknown id should be a tool error")
	}
}

func TestMCPListResearch(t *testing.T) {
	deps := newTestDeps(t)
	handler := mcpListResearch(deps)

	// Empty store yields an empty JSON array.
	result, err := handler(context.Background(), makeCallToolRequest("list_research", nil))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got := toolText(t, result); got != "[]" {
		t.Errorf("empty list = %s", got)
	}

	seedAPIRecord(t, deps.Store, "r1", storage.StatusCompleted)
	seedAPIRecord(t, deps.Store, "r2", storage.StatusRunning)

	result, err = handler(context.Background(), makeCallToolRequest("list_research", map[string]interface{}{
		"limit": 1,
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var list []storage.Research
	if err := json.Unmarshal([]byte(toolText(t, result)), &list); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("len = %d, want 1", len(list))
	}
}

func TestMCPToggleStar(t *testing.T) {
	deps := newTestDeps(t)
	seedAPIRecord(t, deps.Store, "r1", storage.StatusCompleted)
	handler := mcpToggleStar(deps)

	result, err := handler(context.Background(), makeCallToolRequest("toggle_star", map[string]interface{}{
		"research_id": "r1",
		"user_id":     "u2",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var out struct {
		IsStarred bool `json:"isStarred"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !out.IsStarred {
		t.Error("first toggle should star")
	}

	result, err = handler(context.Background(), makeCallToolRequest("toggle_star", map[string]interface{}{
		"research_id": "missing",
		"user_id":     "u2",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Error("unknown record should be a tool error")
	}
}
