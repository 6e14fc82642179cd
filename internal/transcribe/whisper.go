package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voice-agent-lab/internal/audio"
	"github.com/voice-agent-lab/internal/logging"
)

// ErrNoEndpoint is returned when the Whisper URL is not configured.
var ErrNoEndpoint = errors.New("transcribe: WHISPER_URL not set")

// WhisperConfig configures a WhisperModel.
type WhisperConfig struct {
	URL          string
	Language     string
	FastBeam     int
	ThoroughBeam int
	Timeout      time.Duration
	// Attempts bounds retries on network errors and 5xx responses.
	Attempts int
	Backoff  time.Duration
}

// WhisperModel posts WAV-wrapped PCM to a Whisper-compatible HTTP service
// and reads the "text" field of the JSON reply.
type WhisperModel struct {
	cfg    WhisperConfig
	client *http.Client
}

// NewWhisperModel returns a model for cfg. A nil client gets one with
// cfg.Timeout.
func NewWhisperModel(cfg WhisperConfig, client *http.Client) *WhisperModel {
	if cfg.FastBeam <= 0 {
		cfg.FastBeam = 1
	}
	if cfg.ThoroughBeam <= 0 {
		cfg.ThoroughBeam = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WhisperModel{cfg: cfg, client: client}
}

func (m *WhisperModel) endpoint(pass Pass) (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("transcribe: parse WHISPER_URL: %w", err)
	}
	q := u.Query()
	beam := m.cfg.FastBeam
	if pass == Thorough {
		beam = m.cfg.ThoroughBeam
	}
	q.Set("beam_size", strconv.Itoa(beam))
	if m.cfg.Language != "" {
		q.Set("language", m.cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Transcribe implements Model.
func (m *WhisperModel) Transcribe(ctx context.Context, samples []float32, sampleRate int, pass Pass) (string, error) {
	if m.cfg.URL == "" {
		return "", ErrNoEndpoint
	}
	target, err := m.endpoint(pass)
	if err != nil {
		return "", err
	}
	wav := audio.MonoWAV(audio.FromFloat32(samples), sampleRate)

	var lastErr error
	for attempt := 0; attempt < m.cfg.Attempts; attempt++ {
		if attempt > 0 {
			backoff := m.cfg.Backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
		text, retry, err := m.post(ctx, target, wav)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		logging.Warnw("transcribe: whisper request failed", "err", err, "attempt", attempt, "pass", pass.String())
	}
	return "", lastErr
}

func (m *WhisperModel) post(ctx context.Context, target string, wav []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(wav))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "audio/wav")
	sent := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("transcribe: whisper request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return "", true, fmt.Errorf("transcribe: whisper server error status=%d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", false, fmt.Errorf("transcribe: whisper status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, fmt.Errorf("transcribe: decode whisper response: %w", err)
	}
	serverMs := resp.Header.Get("X-Processing-Time-ms")
	logging.Debugw("transcribe: whisper response", "status", resp.StatusCode, "latency_ms", time.Since(sent).Milliseconds(), "server_ms", serverMs, "bytes", len(wav))
	return strings.TrimSpace(out.Text), false, nil
}
