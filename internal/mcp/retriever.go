package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voice-agent-lab/internal/policy"
)

// ToolCaller invokes an MCP tool and returns its text result.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// PolicyRetriever searches a remote policy knowledge base through the
// search_policies tool.
type PolicyRetriever struct {
	caller ToolCaller
}

// NewPolicyRetriever returns a retriever calling through caller.
func NewPolicyRetriever(caller ToolCaller) *PolicyRetriever {
	return &PolicyRetriever{caller: caller}
}

// Search returns up to k hits for query.
func (r *PolicyRetriever) Search(ctx context.Context, query string, k int) ([]policy.Hit, error) {
	text, err := r.caller.CallTool(ctx, SearchPoliciesTool, map[string]any{"query": query, "limit": k})
	if err != nil {
		return nil, err
	}
	var hits []policy.Hit
	if err := json.Unmarshal([]byte(text), &hits); err != nil {
		return nil, fmt.Errorf("mcp: decode %s result: %w", SearchPoliciesTool, err)
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
