// Package tts is the HTTP speech synthesis client.
package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voice-agent-lab/internal/logging"
)

// ErrNotConfigured is returned when no TTS URL is set.
var ErrNotConfigured = errors.New("tts: client not configured")

// Client posts {"text": ...} to a TTS service and returns the WAV body.
type Client struct {
	URL       string
	AuthToken string
	HTTP      *http.Client
	Timeout   time.Duration
	Attempts  int
}

// NewClient returns a client with two attempts per request.
func NewClient(url, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		URL:       url,
		AuthToken: authToken,
		HTTP:      &http.Client{},
		Timeout:   timeout,
		Attempts:  2,
	}
}

// Synthesize renders text to audio bytes.
func (t *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if t == nil || t.URL == "" {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	correlationID := logging.CorrelationID(ctx)
	start := time.Now()
	resp, err := PostWithRetries(ctx, t.HTTP, t.URL, body, t.AuthToken, t.Timeout, t.Attempts, correlationID)
	if err != nil {
		logging.Debugw("tts: POST failed", "err", err, "correlation_id", correlationID)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		logging.Warnw("tts: returned non-2xx", "status", resp.StatusCode, "correlation_id", correlationID)
		return nil, fmt.Errorf("tts returned status %d", resp.StatusCode)
	}
	audioBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		logging.Debugw("tts: failed to read response body", "err", err, "correlation_id", correlationID)
		return nil, err
	}
	logging.Debugw("tts: synthesized", "bytes", len(audioBytes), "chars", len(text), "elapsed_ms", time.Since(start).Milliseconds(), "correlation_id", correlationID)
	return audioBytes, nil
}
