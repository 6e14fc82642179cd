package main

import (
	"context"
	"log"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voice-agent-lab/internal/mcp"
	"github.com/voice-agent-lab/internal/policy"
)

func main() {
	store, err := policy.Open(":memory:")
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if _, err := store.Ingest(context.Background(), "warranty", "All electronics carry a one year limited warranty covering manufacturing defects."); err != nil {
		log.Fatalf("ingest: %v", err)
	}

	server := mcp.NewPolicyServer("test-command", "1.0.0", store)
	if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
		log.Printf("server exited: %v", err)
	}
}
