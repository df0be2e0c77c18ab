// Package tools defines the tools the assistant can call on a user's
// behalf and runs them.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nugget/backlog-assistant/internal/llm"
	"github.com/nugget/backlog-assistant/internal/policy"
	"github.com/nugget/backlog-assistant/internal/profile"
)

// Caller identifies whose data a tool call acts on.
type Caller struct {
	UserID     string
	Visibility profile.Visibility
}

// Handler runs a tool. Returning a *Failure reports an expected failure
// to the model; any other error is logged and reported generically.
//
// Handlers must return promptly once ctx is done and pass ctx to every
// store or HTTP call they make. Execute stops waiting at the deadline,
// but it cannot stop the handler goroutine, which keeps its database
// connection or request until it returns on its own.
type Handler func(ctx context.Context, caller Caller, args map[string]any) (any, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema for the input object
	Handler     Handler

	schema *gojsonschema.Schema
}

// Result is the outcome of one tool call, ready to hand back to the
// model.
type Result struct {
	Payload json.RawMessage
	IsError bool
}

// Policy decides whether a call may run.
type Policy interface {
	Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error)
}

// Registry holds available tools in manifest order.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	policy Policy
	logger *slog.Logger
}

// NewRegistry creates an empty registry. p may be nil, which allows
// every call.
func NewRegistry(p Policy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		policy: p,
		logger: logger,
	}
}

// Register adds a tool, compiling its input schema.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" || t.Handler == nil {
		return errors.New("tool needs a name and a handler")
	}
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.Parameters))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", t.Name, err)
	}
	t.schema = schema
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Manifest returns the tool definitions advertised to the model.
func (r *Registry) Manifest() []llm.Tool {
	manifest := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		schema, err := json.Marshal(t.Parameters)
		if err != nil {
			r.logger.Error("tool schema not serializable", "tool", name, "error", err)
			continue
		}
		manifest = append(manifest, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return manifest
}

// Execute runs a tool by name. The only error it returns is
// *ErrToolUnavailable; every other failure is folded into a Result
// with IsError set.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage, caller Caller) (Result, error) {
	tool := r.tools[name]
	if tool == nil {
		return Result{}, &ErrToolUnavailable{ToolName: name}
	}

	log := r.logger.With("tool", name, "user_id", caller.UserID)
	if sid := SessionIDFromContext(ctx); sid != "" {
		log = log.With("session_id", sid)
	}

	value, err := r.run(ctx, tool, input, caller)
	if err != nil {
		var f *Failure
		if !errors.As(err, &f) {
			log.Error("tool execution failed", "error", err)
			f = failure(CodeInternal, "The %s tool failed to run.", name)
		} else {
			log.Warn("tool reported failure", "code", f.Code, "message", f.Message)
		}
		return Result{Payload: f.Payload(), IsError: true}, nil
	}

	payload, err := json.Marshal(value)
	if err != nil {
		log.Error("tool result not serializable", "error", err)
		f := failure(CodeInternal, "The %s tool returned an unreadable result.", name)
		return Result{Payload: f.Payload(), IsError: true}, nil
	}
	log.Debug("tool executed", "result_len", len(payload))
	return Result{Payload: payload}, nil
}

func (r *Registry) run(ctx context.Context, tool *Tool, input json.RawMessage, caller Caller) (any, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage(`{}`)
	}

	verdict, err := tool.schema.Validate(gojsonschema.NewBytesLoader(input))
	if err != nil {
		return nil, failure(CodeInvalidInput, "Input is not valid JSON: %v", err)
	}
	if !verdict.Valid() {
		var problems []string
		for _, e := range verdict.Errors() {
			problems = append(problems, e.String())
		}
		return nil, failure(CodeInvalidInput, "Invalid input: %s", strings.Join(problems, "; "))
	}

	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, failure(CodeInvalidInput, "Input must be a JSON object")
	}

	if r.policy != nil {
		d, err := r.policy.Evaluate(ctx, policy.Input{
			ToolName:          tool.Name,
			Args:              args,
			UserID:            caller.UserID,
			ProfileVisibility: string(caller.Visibility),
		})
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		if !d.Allowed {
			reason := d.Reason
			if reason == "" {
				reason = "This action is not permitted for your account."
			}
			return nil, failure(CodeForbidden, "%s", reason)
		}
	}

	type outcome struct {
		value any
		err   error
	}
	// Buffered so a handler that finishes after the deadline does not
	// block. The goroutine itself only ends when the handler honors ctx.
	done := make(chan outcome, 1)
	go func() {
		v, err := tool.Handler(ctx, caller, args)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, failure(CodeTimeout, "The %s tool timed out.", tool.Name)
		}
		return out.value, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, failure(CodeTimeout, "The %s tool timed out.", tool.Name)
		}
		return nil, ctx.Err()
	}
}

// intArg reads an optional integer argument. JSON numbers decode as
// float64; the schema has already rejected non-integers.
func intArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key].(float64)
	if !ok {
		return 0, false
	}
	return int(v), true
}

// stringArg reads an optional string argument.
func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}
