package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/voice-agent-lab/internal/cache"
	"github.com/voice-agent-lab/internal/config"
	"github.com/voice-agent-lab/internal/logging"
	"github.com/voice-agent-lab/internal/mcp"
	mcpconfig "github.com/voice-agent-lab/internal/mcp/config"
	"github.com/voice-agent-lab/internal/pipeline"
	"github.com/voice-agent-lab/internal/policy"
	"github.com/voice-agent-lab/internal/recorder"
	"github.com/voice-agent-lab/internal/respond"
	"github.com/voice-agent-lab/internal/stage"
	"github.com/voice-agent-lab/internal/transcribe"
	"github.com/voice-agent-lab/internal/transport"
	"github.com/voice-agent-lab/internal/tts"
	"github.com/voice-agent-lab/internal/vad"
	"github.com/voice-agent-lab/llm"
)

const (
	serviceName     = "voice-agent"
	shutdownTimeout = 10 * time.Second
	cleanInterval   = time.Hour
)

func main() {
	cfg, err := config.Loader{}.Load()
	if err != nil {
		logging.Init(config.DefaultLogLevel)
		logging.FatalExitf("invalid configuration", "err", err)
	}
	logging.Init(cfg.LogLevel)
	defer logging.Sync()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	retriever, closeRetriever, err := buildRetriever(rootCtx, cfg.RAG)
	if err != nil {
		logging.FatalExitf("policy knowledge base unavailable", "err", err)
	}
	defer closeRetriever()

	llmClient := llm.NewClient(llm.Options{
		BaseURL:       cfg.LLM.BaseURL,
		APIKey:        cfg.LLM.APIKey,
		Model:         cfg.LLM.Model,
		FallbackModel: cfg.LLM.FallbackModel,
		MaxTokens:     cfg.LLM.MaxTokens,
	})
	responder := respond.NewRAG(retriever, llmClient, respond.Options{
		TopK:       cfg.RAG.TopK,
		MinScore:   cfg.RAG.MinScore,
		ScopeCheck: cfg.RAG.ScopeCheck,
	})

	model := transcribe.NewWhisperModel(transcribe.WhisperConfig{
		URL:          cfg.ASR.WhisperURL,
		Language:     cfg.ASR.Language,
		FastBeam:     cfg.ASR.FastBeamSize,
		ThoroughBeam: cfg.ASR.ThoroughBeam,
		Timeout:      cfg.ASR.WhisperTimeout,
	}, nil)
	if cfg.ASR.WhisperURL == "" {
		logging.Warnw("WHISPER_URL not set; transcription will fail")
	}
	if cfg.TTS.URL == "" {
		logging.Warnw("TTS_URL not set; speech synthesis disabled")
	}

	var wg sync.WaitGroup
	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec = recorder.New(cfg.Recorder.Dir)
		retention := time.Duration(cfg.Recorder.RetentionHours) * time.Hour
		rec.StartCleaner(rootCtx, &wg, retention, cleanInterval, cfg.Recorder.MaxFiles)
		logging.Infow("saving utterances", "dir", rec.Dir(), "retention_hours", cfg.Recorder.RetentionHours)
	}

	pool := stage.NewPool()
	p, err := pipeline.New(pipeline.Deps{
		Model:         model,
		Responder:     responder,
		Synthesizer:   tts.NewClient(cfg.TTS.URL, cfg.TTS.AuthToken, cfg.TTS.Timeout),
		Cache:         cache.New(cfg.CacheSize),
		Pool:          pool,
		NewClassifier: classifierFactory(cfg.VAD),
		Recorder:      rec,
	}, pipeline.OptionsFromConfig(cfg))
	if err != nil {
		logging.FatalExitf("pipeline setup failed", "err", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           transport.NewServer(p),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Infow("listening", "addr", cfg.ListenAddr, "profile", cfg.Profile.Name, "mode", string(cfg.Profile.Mode), "vad", cfg.VAD.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.FatalExitf("http server failed", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logging.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnw("http shutdown failed", "err", err)
	}
	rootCancel()
	pool.Close()
	wg.Wait()
}

// classifierFactory builds one classifier per session. The silero backend
// falls back to the energy classifier when the model cannot be loaded.
func classifierFactory(cfg config.VAD) func() (vad.Classifier, error) {
	if !strings.EqualFold(cfg.Backend, "silero") {
		return func() (vad.Classifier, error) {
			return vad.NewEnergyClassifier(cfg.FrameSamples, 0), nil
		}
	}
	return func() (vad.Classifier, error) {
		c, err := vad.NewSileroClassifier(cfg.SileroModelPath, cfg.ORTLibPath)
		if err != nil {
			logging.Warnw("silero classifier unavailable, using energy", "err", err)
			return vad.NewEnergyClassifier(cfg.FrameSamples, 0), nil
		}
		return c, nil
	}
}

// buildRetriever prefers a remote MCP policy server: MCP_SERVER_URL first,
// then the usable entries of the knowledge server list in order. Without
// one the policy store is opened locally.
func buildRetriever(ctx context.Context, cfg config.RAG) (respond.Retriever, func(), error) {
	if client := connectMCP(ctx, cfg); client != nil {
		return mcp.NewPolicyRetriever(client), func() {
			if err := client.Close(); err != nil {
				logging.Warnw("mcp client close failed", "err", err)
			}
		}, nil
	}

	store, err := policy.Open(cfg.PolicyDBPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.PolicyDir != "" {
		n, err := store.IngestDir(ctx, cfg.PolicyDir)
		if err != nil {
			logging.Warnw("policy ingest failed", "dir", cfg.PolicyDir, "err", err)
		} else {
			logging.Infow("ingested policy documents", "dir", cfg.PolicyDir, "chunks", n)
		}
	}
	return store, func() { _ = store.Close() }, nil
}

func connectMCP(ctx context.Context, cfg config.RAG) *mcp.ClientWrapper {
	if cfg.MCPServerURL != "" {
		client := mcp.NewClientWrapper(serviceName, "v0.0.0")
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.ConnectWebSocket(connectCtx, websocketURL(cfg.MCPServerURL))
		cancel()
		if err == nil {
			logging.Infow("connected mcp websocket server", "url", cfg.MCPServerURL)
			return client
		}
		logging.Warnw("mcp websocket connect failed", "url", cfg.MCPServerURL, "err", err)
	}

	set, err := mcpconfig.Load(mcpconfig.Locations{File: cfg.MCPConfigPath})
	if err != nil {
		logging.Warnw("failed to load knowledge server list", "err", err)
		return nil
	}
	if len(set.Servers) > 0 {
		logging.Infow("loaded knowledge server list", "sources", set.Sources, "servers", len(set.Servers))
	}
	for _, server := range set.Usable() {
		client := mcp.NewClientWrapper(serviceName, "v0.0.0")
		connectCtx, cancel := context.WithTimeout(ctx, server.ConnectTimeout())
		if server.Kind() == mcpconfig.KindWebSocket {
			err = client.ConnectWebSocket(connectCtx, websocketURL(server.URL))
		} else {
			err = client.ConnectCommand(connectCtx, server.Name, server.Command, server.Args, server.Env)
		}
		cancel()
		if err != nil {
			logging.Warnw("mcp connect failed", "server", server.Name, "kind", string(server.Kind()), "err", err)
			continue
		}
		logging.Infow("connected mcp server", "server", server.Name, "kind", string(server.Kind()))
		return client
	}
	return nil
}

// websocketURL normalizes an http(s) or bare host URL to the /mcp/ws endpoint.
func websocketURL(raw string) string {
	u := raw
	switch {
	case strings.HasPrefix(u, "ws://"), strings.HasPrefix(u, "wss://"):
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	default:
		u = "ws://" + u
	}
	if !strings.HasSuffix(u, "/mcp/ws") {
		u = strings.TrimRight(u, "/") + "/mcp/ws"
	}
	return u
}
