package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/backlog-assistant/internal/events"
	"github.com/nugget/backlog-assistant/internal/llm"
	"github.com/nugget/backlog-assistant/internal/tools"
)

// runToolRound executes calls one at a time in model order and returns
// one result per call, in the same order. A failing tool produces a
// failure result and the round carries on. A tool the registry does not
// know ends the round with a *ProtocolError.
func (e *Engine) runToolRound(ctx context.Context, log *slog.Logger, sessionID string, caller tools.Caller, calls []llm.ToolCall) ([]llm.ToolResult, error) {
	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		e.bus.Emit(events.SourceEngine, events.KindToolCall, map[string]any{
			"session_id": sessionID,
			"user_id":    caller.UserID,
			"tool":       call.Name,
		})

		start := time.Now()
		tctx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
		res, err := e.tools.Execute(tctx, call.Name, call.Input, caller)
		cancel()

		if err != nil {
			var unknown *tools.ErrToolUnavailable
			if errors.As(err, &unknown) {
				return nil, &ProtocolError{Reason: "model called a tool outside the manifest", Err: err}
			}
			log.Error("tool executor failed", "tool", call.Name, "error", err)
			res = tools.Result{
				Payload: (&tools.Failure{Code: tools.CodeInternal, Message: "The " + call.Name + " tool failed to run."}).Payload(),
				IsError: true,
			}
		}

		log.Debug("tool call finished", "tool", call.Name, "call_id", call.ID, "is_error", res.IsError,
			"elapsed", time.Since(start).Round(time.Millisecond))
		e.bus.Emit(events.SourceEngine, events.KindToolDone, map[string]any{
			"session_id":  sessionID,
			"user_id":     caller.UserID,
			"tool":        call.Name,
			"ok":          !res.IsError,
			"duration_ms": time.Since(start).Milliseconds(),
		})

		results = append(results, llm.ToolResult{
			ToolUseID: call.ID,
			Payload:   res.Payload,
			IsError:   res.IsError,
		})
	}
	return results, nil
}
