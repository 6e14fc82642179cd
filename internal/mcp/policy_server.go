package mcp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voice-agent-lab/internal/logging"
	"github.com/voice-agent-lab/internal/policy"
)

// SearchPoliciesTool is the tool name the policy server registers.
const SearchPoliciesTool = "search_policies"

const defaultSearchLimit = 3

// Searcher ranks policy chunks for a query.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]policy.Hit, error)
}

// SearchArgs are the search_policies tool arguments.
type SearchArgs struct {
	Query string `json:"query" jsonschema:"customer question to look up"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of chunks to return"`
}

// NewPolicyServer returns an MCP server exposing store through the
// search_policies tool. The tool result is a JSON array of hits.
func NewPolicyServer(name, version string, store Searcher) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: name, Version: version}, nil)
	sdk.AddTool(server, &sdk.Tool{
		Name:        SearchPoliciesTool,
		Description: "Search company policy documents (returns, shipping, warranties, payments) for passages relevant to a question.",
	}, func(ctx context.Context, req *sdk.CallToolRequest, args SearchArgs) (*sdk.CallToolResult, any, error) {
		limit := args.Limit
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		hits, err := store.Search(ctx, args.Query, limit)
		if err != nil {
			logging.Warnw("mcp: policy search failed", "err", err)
			return &sdk.CallToolResult{
				IsError: true,
				Content: []sdk.Content{&sdk.TextContent{Text: err.Error()}},
			}, nil, nil
		}
		if hits == nil {
			hits = []policy.Hit{}
		}
		b, err := json.Marshal(hits)
		if err != nil {
			return nil, nil, err
		}
		logging.Debugw("mcp: policy search", "query", args.Query, "hits", len(hits))
		return &sdk.CallToolResult{
			Content: []sdk.Content{&sdk.TextContent{Text: string(b)}},
		}, nil, nil
	})
	return server
}

// WebSocketHandler upgrades requests and runs one MCP server session per
// websocket until the peer disconnects.
func WebSocketHandler(server *sdk.Server) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("mcp: ws upgrade failed", "err", err)
			return
		}
		go func() {
			session, err := server.Connect(context.Background(), newWebSocketTransport(conn), nil)
			if err != nil {
				logging.Warnw("mcp: server connect error", "err", err)
				_ = conn.Close()
				return
			}
			if err := session.Wait(); err != nil {
				logging.Debugw("mcp: server session ended with error", "err", err)
			} else {
				logging.Debugw("mcp: server session ended")
			}
		}()
	})
}
