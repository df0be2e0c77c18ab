package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/backlog-assistant/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"

	defaultMaxTokens = 4096
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. An empty baseURL
// selects the public API endpoint.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = anthropicAPIURL
	}
	return &AnthropicClient{
		apiKey: apiKey,
		url:    baseURL,
		logger: logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			// No global timeout; streams are long-lived and callers
			// bound each invocation with a context deadline.
			httpkit.WithTimeout(0),
			// Replies can take a long time before headers arrive.
			httpkit.WithResponseHeaderTimeout(120*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	System    string    `json:"system,omitempty"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream,omitempty"`
	Tools     []Tool    `json:"tools,omitempty"`
}

type anthropicErrorResponse struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

// Complete sends a non-streaming request.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	c.logger.Debug("response received",
		"model", out.Model,
		"stop_reason", out.StopReason,
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens,
		"blocks", len(out.Content),
	)
	return &out, nil
}

// Stream sends a streaming request and returns the frame stream.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (Stream, error) {
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return &frameStream{
		ctx:    ctx,
		body:   resp.Body,
		events: newSSEReader(resp.Body),
		logger: c.logger,
	}, nil
}

func (c *AnthropicClient) do(ctx context.Context, req *Request, stream bool) (*http.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"stream", stream,
		"system_len", len(req.System),
	)

	body, err := json.Marshal(anthropicRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		System:    req.System,
		MaxTokens: maxTokens,
		Stream:    stream,
		Tools:     req.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)

		apiErr := &APIError{StatusCode: resp.StatusCode, Type: "http_error", Message: errBody}
		var parsed anthropicErrorResponse
		if json.Unmarshal([]byte(errBody), &parsed) == nil && parsed.Error.Type != "" {
			apiErr.Type = parsed.Error.Type
			apiErr.Message = parsed.Error.Message
		}
		return nil, apiErr
	}
	return resp, nil
}

// frameStream decodes Messages API frames from an SSE body.
type frameStream struct {
	ctx     context.Context
	body    io.ReadCloser
	events  *sseReader
	logger  *slog.Logger
	stopped bool
}

func (s *frameStream) Next() (Frame, error) {
	for {
		if s.stopped {
			return Frame{}, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return Frame{}, err
		}

		ev, err := s.events.Next()
		if errors.Is(err, io.EOF) {
			return Frame{}, fmt.Errorf("stream ended before message_stop: %w", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return Frame{}, fmt.Errorf("read stream: %w", err)
		}

		s.logger.Log(s.ctx, LevelTrace, "stream frame", "event", ev.Name, "data", ev.Data)

		var f Frame
		if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
			return Frame{}, fmt.Errorf("decode frame %q: %w", ev.Name, err)
		}

		switch f.Type {
		case FramePing:
			continue
		case FrameError:
			apiErr := &APIError{Type: "stream_error"}
			if f.Error != nil {
				apiErr.Type = f.Error.Type
				apiErr.Message = f.Error.Message
			}
			return Frame{}, apiErr
		case FrameMessageStop:
			s.stopped = true
		}
		return f, nil
	}
}

func (s *frameStream) Close() error {
	httpkit.DrainAndClose(s.body, 4096)
	return nil
}
