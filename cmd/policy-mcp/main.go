// Command policy-mcp serves the policy knowledge base over MCP, on a
// websocket at /mcp/ws or on stdio when MCP_STDIO is set.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voice-agent-lab/internal/config"
	"github.com/voice-agent-lab/internal/logging"
	"github.com/voice-agent-lab/internal/mcp"
	"github.com/voice-agent-lab/internal/policy"
)

func main() {
	logging.Init(envOr("LOG_LEVEL", config.DefaultLogLevel))
	defer logging.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := policy.Open(envOr("POLICY_DB_PATH", config.DefaultPolicyDBPath))
	if err != nil {
		logging.FatalExitf("open policy store failed", "err", err)
	}
	defer store.Close()
	if dir := os.Getenv("POLICY_DIR"); dir != "" {
		n, err := store.IngestDir(ctx, dir)
		if err != nil {
			logging.FatalExitf("policy ingest failed", "dir", dir, "err", err)
		}
		logging.Infow("ingested policy documents", "dir", dir, "chunks", n)
	}

	server := mcp.NewPolicyServer("policy-mcp", "v0.0.0", store)

	if stdio, _ := strconv.ParseBool(os.Getenv("MCP_STDIO")); stdio {
		if err := server.Run(ctx, &sdk.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			logging.Errorw("stdio server exited", "err", err)
		}
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp/ws", mcp.WebSocketHandler(server))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	port := envOr("PORT", "9001")
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Infow("policy mcp server listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.FatalExitf("http server failed", "err", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
