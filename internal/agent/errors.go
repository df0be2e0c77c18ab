package agent

import (
	"errors"
	"fmt"
)

// InputError is a request the engine refuses before touching the
// session or the model. Its message is safe to show to the caller.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

// ErrBlankMessage rejects empty or whitespace-only user text.
var ErrBlankMessage = &InputError{Message: "Message cannot be blank"}

// ErrSessionBusy means another request is already working on the
// session.
var ErrSessionBusy = errors.New("session is busy with another request")

// ProtocolError is a conversation the engine cannot continue: frames out
// of order, tool input that does not parse, or a tool the registry does
// not know. Nothing from the failing round is recorded.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

var errNotObject = errors.New("input is not a JSON object")

// upstreamError wraps a failure of the model endpoint: transport, status,
// decoding, stream error frames and timeouts.
type upstreamError struct {
	err error
}

func (e *upstreamError) Error() string { return "upstream: " + e.err.Error() }
func (e *upstreamError) Unwrap() error { return e.err }

// deliveryError means the caller stopped accepting events.
type deliveryError struct {
	err error
}

func (e *deliveryError) Error() string { return "deliver event: " + e.err.Error() }
func (e *deliveryError) Unwrap() error { return e.err }
