// Package policy decides whether a tool call may run for a given user,
// using an OPA rego policy.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values a policy may return.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Input is what the policy sees about a tool call.
type Input struct {
	ToolName          string
	Args              map[string]any
	UserID            string
	ProfileVisibility string
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares the policy in module. The module must define
// data.tool_policy.decision and data.tool_policy.reason.
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	r := rego.New(
		rego.Query("decision = data.tool_policy.decision; reason = data.tool_policy.reason"),
		rego.Module("tool_policy.rego", module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy module at path. An empty path
// selects DefaultPolicy.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return NewEngine(ctx, string(data))
}

// Evaluate checks a tool call against the policy. Anything other than
// an explicit "allow" blocks the call.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	args := in.Args
	if args == nil {
		args = map[string]any{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]any{
		"tool_name":          in.ToolName,
		"args":               args,
		"user_id":            in.UserID,
		"profile_visibility": in.ProfileVisibility,
	}))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate policy: %w", err)
	}

	if len(results) == 0 {
		return Decision{Reason: "policy produced no decision"}, nil
	}

	decision, _ := results[0].Bindings["decision"].(string)
	reason, _ := results[0].Bindings["reason"].(string)
	switch decision {
	case DecisionAllow:
		return Decision{Allowed: true}, nil
	case DecisionBlock:
		return Decision{Reason: reason}, nil
	default:
		return Decision{Reason: fmt.Sprintf("unexpected policy decision %q", decision)}, nil
	}
}

// DefaultPolicy keeps history-based recommendations away from users
// whose platform profile is private.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

default reason = ""

decision = "block" {
	input.tool_name == "get_recommendations"
	input.profile_visibility == "private"
}

reason = "Your Steam profile is private, so recommendations based on your play history are unavailable. Make your game details public on Steam and try again." {
	input.tool_name == "get_recommendations"
	input.profile_visibility == "private"
}
`
