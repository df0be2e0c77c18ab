package agent

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/backlog-assistant/internal/llm"
)

func start() llm.Frame {
	return llm.Frame{Type: llm.FrameMessageStart, Message: &llm.Response{Model: "m", Usage: llm.Usage{InputTokens: 7}}}
}

func textStart(i int) llm.Frame {
	return llm.Frame{Type: llm.FrameBlockStart, Index: i, ContentBlock: &llm.Block{Type: llm.BlockText}}
}

func toolStart(i int, id, name string) llm.Frame {
	return llm.Frame{Type: llm.FrameBlockStart, Index: i, ContentBlock: &llm.Block{Type: llm.BlockToolUse, ID: id, Name: name}}
}

func textDelta(i int, s string) llm.Frame {
	return llm.Frame{Type: llm.FrameBlockDelta, Index: i, Delta: &llm.Delta{Type: llm.DeltaText, Text: s}}
}

func inputDelta(i int, s string) llm.Frame {
	return llm.Frame{Type: llm.FrameBlockDelta, Index: i, Delta: &llm.Delta{Type: llm.DeltaInputJSON, PartialJSON: s}}
}

func stop(i int) llm.Frame {
	return llm.Frame{Type: llm.FrameBlockStop, Index: i}
}

func messageStop() llm.Frame {
	return llm.Frame{Type: llm.FrameMessageStop}
}

func feed(d *driver, frames ...llm.Frame) error {
	for _, f := range frames {
		if err := d.handle(f); err != nil {
			return err
		}
	}
	return nil
}

func TestDriver_TextForwardedInOrder(t *testing.T) {
	var forwarded []string
	d := newDriver(func(s string) error {
		forwarded = append(forwarded, s)
		return nil
	})

	deltas := []string{"Hel", "lo, ", "", "play ", "Hades", "!"}
	frames := []llm.Frame{start(), {Type: llm.FramePing}, textStart(0)}
	for _, s := range deltas {
		frames = append(frames, textDelta(0, s))
	}
	frames = append(frames, stop(0),
		llm.Frame{Type: llm.FrameMessageDelta, Delta: &llm.Delta{StopReason: "end_turn"}, Usage: &llm.Usage{OutputTokens: 12}},
		messageStop())
	require.NoError(t, feed(d, frames...))

	assert.Equal(t, []string{"Hel", "lo, ", "play ", "Hades", "!"}, forwarded)

	turn, err := d.result()
	require.NoError(t, err)
	assert.Equal(t, "Hello, play Hades!", turn.text)
	assert.Empty(t, turn.calls)
	assert.Equal(t, "end_turn", turn.stopReason)
	assert.Equal(t, llm.Usage{InputTokens: 7, OutputTokens: 12}, turn.usage)
	assert.Equal(t, "m", turn.model)
}

func TestDriver_InterleavedToolInput(t *testing.T) {
	d := newDriver(nil)
	require.NoError(t, feed(d,
		start(),
		textStart(0),
		textDelta(0, "Checking."),
		stop(0),
		toolStart(1, "toolu_a", "get_user_backlog"),
		toolStart(2, "toolu_b", "update_game_status"),
		inputDelta(2, `{"entry_id":`),
		inputDelta(1, `{"status":`),
		inputDelta(2, `4,"notes":""}`),
		inputDelta(1, `"playing"}`),
		stop(2),
		stop(1),
		messageStop(),
	))

	turn, err := d.result()
	require.NoError(t, err)
	require.Len(t, turn.calls, 2)
	assert.Equal(t, "toolu_a", turn.calls[0].ID)
	assert.JSONEq(t, `{"status":"playing"}`, string(turn.calls[0].Input))
	assert.Equal(t, "toolu_b", turn.calls[1].ID)
	assert.JSONEq(t, `{"entry_id":4,"notes":""}`, string(turn.calls[1].Input))
	assert.Equal(t, "Checking.", turn.text)
}

func TestDriver_EmptyToolInput(t *testing.T) {
	d := newDriver(nil)
	require.NoError(t, feed(d, start(), toolStart(0, "toolu_1", "get_user_backlog"), stop(0), messageStop()))

	turn, err := d.result()
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(turn.calls[0].Input))
}

func TestDriver_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name   string
		frames []llm.Frame
	}{
		{"delta before message_start", []llm.Frame{textDelta(0, "x")}},
		{"second message_start", []llm.Frame{start(), start()}},
		{"delta for unknown block", []llm.Frame{start(), textDelta(3, "x")}},
		{"delta for closed block", []llm.Frame{start(), textStart(0), stop(0), textDelta(0, "x")}},
		{"input delta for text block", []llm.Frame{start(), textStart(0), inputDelta(0, "{}")}},
		{"text delta for tool block", []llm.Frame{start(), toolStart(0, "t", "x"), textDelta(0, "hi")}},
		{"stop for unknown block", []llm.Frame{start(), stop(1)}},
		{"block reopened", []llm.Frame{start(), textStart(0), textStart(0)}},
		{"tool block without id", []llm.Frame{start(), toolStart(0, "", "get_user_backlog")}},
		{"duplicate call id", []llm.Frame{start(), toolStart(0, "t", "a"), stop(0), toolStart(1, "t", "b")}},
		{"malformed tool input", []llm.Frame{start(), toolStart(0, "t", "a"), inputDelta(0, `{"status":`), stop(0)}},
		{"tool input not an object", []llm.Frame{start(), toolStart(0, "t", "a"), inputDelta(0, `[1,2]`), stop(0)}},
		{"null tool input", []llm.Frame{start(), toolStart(0, "t", "a"), inputDelta(0, `null`), stop(0)}},
		{"message_stop with open block", []llm.Frame{start(), toolStart(0, "t", "a"), messageStop()}},
		{"frame after message_stop", []llm.Frame{start(), messageStop(), textStart(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := feed(newDriver(nil), tt.frames...)
			var proto *ProtocolError
			require.True(t, errors.As(err, &proto), "got %v", err)
		})
	}
}

func TestDriver_ResultBeforeComplete(t *testing.T) {
	d := newDriver(nil)
	require.NoError(t, feed(d, start(), toolStart(0, "t", "get_user_backlog"), inputDelta(0, `{}`)))

	_, err := d.result()
	var proto *ProtocolError
	assert.True(t, errors.As(err, &proto))
}

func TestDriver_ErrorFrameIsUpstream(t *testing.T) {
	d := newDriver(nil)
	err := feed(d, start(), llm.Frame{Type: llm.FrameError, Error: &llm.ErrorBody{Type: "overloaded_error", Message: "busy"}})

	var upstream *upstreamError
	require.True(t, errors.As(err, &upstream))
	var apiErr *llm.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "overloaded_error", apiErr.Type)
}

func TestDriver_EmitFailure(t *testing.T) {
	gone := errors.New("connection reset")
	d := newDriver(func(string) error { return gone })

	err := feed(d, start(), textStart(0), textDelta(0, "hi"))
	var delivery *deliveryError
	require.True(t, errors.As(err, &delivery))
	assert.ErrorIs(t, err, gone)
}

func TestDriver_IgnoresUnusedBlockKinds(t *testing.T) {
	d := newDriver(nil)
	require.NoError(t, feed(d,
		start(),
		llm.Frame{Type: llm.FrameBlockStart, Index: 0, ContentBlock: &llm.Block{Type: "thinking"}},
		llm.Frame{Type: llm.FrameBlockDelta, Index: 0, Delta: &llm.Delta{Type: "thinking_delta"}},
		stop(0),
		textStart(1), textDelta(1, "ok"), stop(1),
		messageStop(),
	))
	turn, err := d.result()
	require.NoError(t, err)
	assert.Equal(t, "ok", turn.text)
}

func TestDriver_Replay(t *testing.T) {
	resp := toolResponse("Let me look.", call("toolu_1", "get_user_backlog", `{"limit":3}`))
	resp.Content = append(resp.Content, llm.Block{Type: llm.BlockToolUse, ID: "toolu_2", Name: "search_games", Input: json.RawMessage(`{"query":"zelda"}`)})

	var forwarded []string
	d := newDriver(func(s string) error {
		forwarded = append(forwarded, s)
		return nil
	})
	require.NoError(t, d.replay(resp))

	turn, err := d.result()
	require.NoError(t, err)
	assert.Equal(t, "Let me look.", turn.text)
	assert.Equal(t, []string{"Let me look."}, forwarded)
	require.Len(t, turn.calls, 2)
	assert.Equal(t, "search_games", turn.calls[1].Name)
	assert.JSONEq(t, `{"query":"zelda"}`, string(turn.calls[1].Input))
	assert.Equal(t, "tool_use", turn.stopReason)
	assert.Equal(t, resp.Usage, turn.usage)
}
