package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voice-agent-lab/internal/logging"
)

// cancelBody releases the per-attempt context when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// PostWithRetries posts JSON to url with retry/backoff and returns the response.
// Each attempt is bounded by timeout and by ctx. Caller must close resp.Body.
func PostWithRetries(ctx context.Context, client *http.Client, url string, body []byte, authToken string, timeout time.Duration, attempts int, correlationID string) (*http.Response, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if client == nil {
		client = http.DefaultClient
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		ctxReq, cancelReq := context.WithTimeout(ctx, timeout)
		req, rerr := http.NewRequestWithContext(ctxReq, http.MethodPost, url, bytes.NewReader(body))
		if rerr != nil {
			logging.Debugw("postWithRetries: new request error", "err", rerr, "correlation_id", correlationID)
			cancelReq()
			return nil, rerr
		}
		req.Header.Set("Content-Type", "application/json")
		if authToken != "" {
			req.Header.Set("Authorization", "Bearer "+authToken)
		}
		if correlationID != "" {
			req.Header.Set("X-Correlation-ID", correlationID)
		}

		resp, err := client.Do(req)
		if err != nil {
			cancelReq()
			lastErr = err
			logging.Debugw("postWithRetries: POST attempt failed", "attempt", i+1, "err", err, "correlation_id", correlationID)
			if i < attempts-1 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(200*(1<<i)) * time.Millisecond):
				}
				continue
			}
			return nil, err
		}
		resp.Body = cancelBody{ReadCloser: resp.Body, cancel: cancelReq}
		return resp, nil
	}
	return nil, fmt.Errorf("no response from postWithRetries: %w", lastErr)
}
