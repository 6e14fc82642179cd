package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voice-agent-lab/internal/logging"
)

// Options configures a Client.
type Options struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	// MaxTokens caps every request regardless of what the caller asks for.
	MaxTokens int
	Timeout   time.Duration
	// FallbackDelay is slept before retrying with the fallback model.
	FallbackDelay time.Duration
}

type Client struct {
	opts Options
	HTTP *http.Client
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type ChatResponse struct {
	Model   string `json:"model,omitempty"`
	Content string `json:"content,omitempty"`
}

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://127.0.0.1:8000/v1"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Model == "" {
		opts.Model = "local"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.FallbackDelay <= 0 {
		opts.FallbackDelay = 250 * time.Millisecond
	}
	return &Client{opts: opts, HTTP: &http.Client{Timeout: opts.Timeout}}
}

// CreateChatCompletion sends req to the chat completions endpoint. Network
// errors, 5xx and 429 are transient and retried once with the fallback
// model when one is configured; other 4xx responses are permanent.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.opts.Model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 512
	}
	if req.MaxTokens > c.opts.MaxTokens {
		req.MaxTokens = c.opts.MaxTokens
	}

	resp, err := c.do(ctx, req)
	if err == nil || !errors.Is(err, ErrTransient) {
		return resp, err
	}
	fallback := c.opts.FallbackModel
	if fallback == "" || fallback == req.Model {
		return resp, err
	}
	logging.Warnw("llm: primary model failed, trying fallback", "model", req.Model, "fallback", fallback, "err", err)
	select {
	case <-ctx.Done():
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
	case <-time.After(c.opts.FallbackDelay):
	}
	req.Model = fallback
	resp, ferr := c.do(ctx, req)
	if ferr != nil {
		return ChatResponse{}, fmt.Errorf("fallback: %w", ferr)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: encode request: %v", ErrPermanent, err)
	}
	url := c.opts.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return ChatResponse{}, fmt.Errorf("%w: decode error: %v", ErrTransient, err)
		}
		content := ""
		if len(out.Choices) > 0 {
			content = strings.TrimSpace(out.Choices[0].Message.Content)
		}
		logging.Debugw("llm: completion", "model", req.Model, "elapsed_ms", time.Since(start).Milliseconds(), "chars", len(content))
		return ChatResponse{Model: req.Model, Content: content}, nil
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return ChatResponse{}, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	return ChatResponse{}, fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
}

// Complete sends prompt as a single user message and returns the reply text.
func (c *Client) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	resp, err := c.CreateChatCompletion(ctx, ChatRequest{
		Messages:    []Message{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
