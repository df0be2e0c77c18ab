package llm

import (
	"context"
	"fmt"
)

// Client is the subset of the Messages API the engine relies on.
type Client interface {
	// Complete sends a request and waits for the whole reply.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream sends a request and returns its reply as a frame stream.
	// The caller must Close the stream.
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// Stream yields the frames of one streamed reply in arrival order.
// Next returns io.EOF after the message_stop frame has been delivered.
// Ping frames are consumed internally; error frames are returned as
// *APIError.
type Stream interface {
	Next() (Frame, error)
	Close() error
}

// APIError is a failure reported by the upstream API, either as a
// non-success HTTP status or as an error frame mid-stream.
type APIError struct {
	StatusCode int // zero for mid-stream error frames
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("anthropic API error %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("anthropic stream error: %s: %s", e.Type, e.Message)
}
