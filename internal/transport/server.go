// Package transport exposes the voice pipeline over HTTP: a websocket audio
// stream per caller plus health, text-to-speech and stats endpoints.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voice-agent-lab/internal/logging"
	"github.com/voice-agent-lab/internal/pipeline"
	"github.com/voice-agent-lab/internal/tts"
)

const (
	// ConnectedMessage is the status sent when a caller connects.
	ConnectedMessage = "Connected and ready"

	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20
	maxTTSBody     = 64 << 10
)

// Server routes HTTP requests to the pipeline.
type Server struct {
	pipe     *pipeline.Pipeline
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	now      func() time.Time
}

// NewServer returns a server for p.
func NewServer(p *pipeline.Pipeline) *Server {
	s := &Server{
		pipe: p,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
		now: time.Now,
	}
	s.mux.HandleFunc("/ws/audio", s.handleAudio)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /tts", s.handleTTS)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": float64(s.now().UnixNano()) / 1e9,
	})
}

type ttsRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if text == "" && r.Body != nil {
		var req ttsRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTTSBody)).Decode(&req); err == nil {
			text = req.Text
		}
	}
	logging.InfowCtx(r.Context(), "transport: tts request", "chars", len(text))

	audio, err := s.pipe.Speak(r.Context(), text)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrEmptyText):
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	case errors.Is(err, tts.ErrNotConfigured):
		http.Error(w, "speech synthesis is not configured", http.StatusServiceUnavailable)
		return
	default:
		logging.WarnwCtx(r.Context(), "transport: tts failed", "err", err)
		http.Error(w, "speech synthesis failed", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache":           s.pipe.Cache().Stats(),
		"active_sessions": s.pipe.ActiveSessions(),
		"profile":         s.pipe.Profile().Name,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debugw("transport: failed to write response", "err", err)
	}
}

func isTextCommand(mt int, data []byte) bool {
	return mt == websocket.TextMessage && strings.TrimSpace(string(data)) != ""
}
