package tools

import (
	"encoding/json"
	"fmt"
)

// ErrToolUnavailable is returned when the model calls a tool that is not
// in the registry. This is a manifest mismatch, not a tool failure, and
// ends the current turn.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.ToolName)
}

// Failure codes carried in failure payloads.
const (
	CodeInvalidInput = "invalid_input"
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeTimeout      = "timeout"
	CodeInternal     = "internal"
)

// Failure is an expected, reportable tool failure. It is handed back to
// the model as data rather than aborting the turn.
type Failure struct {
	Code    string
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Payload renders the failure as the JSON the model receives.
func (f *Failure) Payload() json.RawMessage {
	data, _ := json.Marshal(struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Code    string `json:"code"`
	}{false, f.Message, f.Code})
	return data
}

func failure(code, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}
