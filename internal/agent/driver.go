package agent

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/nugget/backlog-assistant/internal/llm"
)

// driverState is where the driver stands within one model reply.
type driverState int

const (
	stateAwaitingMessage driverState = iota
	stateAwaitingBlock
	stateAccumulatingText
	stateAccumulatingToolInput
	stateMessageComplete
)

func (s driverState) String() string {
	switch s {
	case stateAwaitingMessage:
		return "awaiting_message"
	case stateAwaitingBlock:
		return "awaiting_block"
	case stateAccumulatingText:
		return "accumulating_text"
	case stateAccumulatingToolInput:
		return "accumulating_tool_input"
	case stateMessageComplete:
		return "message_complete"
	default:
		return "unknown"
	}
}

// openBlock is a content block that has started but not stopped.
type openBlock struct {
	kind   llm.BlockType
	callID string // tool_use only
}

// turn is one finished model reply.
type turn struct {
	text       string
	calls      []llm.ToolCall
	model      string
	stopReason string
	usage      llm.Usage
}

// driver folds the frames of one model reply into a turn. Text deltas
// are forwarded to emit as they arrive; tool input fragments are
// collected per call ID and parsed only when their block stops.
type driver struct {
	emit  func(string) error
	state driverState

	text   strings.Builder
	open   map[int]*openBlock          // block index -> block
	inputs map[string]*strings.Builder // call ID -> input fragments
	calls  []llm.ToolCall              // in block start order
	byID   map[string]int              // call ID -> position in calls
	closed map[string]bool             // call IDs whose input is final

	model      string
	stopReason string
	usage      llm.Usage
}

// newDriver returns a driver. emit may be nil when nobody is listening.
func newDriver(emit func(string) error) *driver {
	return &driver{
		emit:   emit,
		open:   make(map[int]*openBlock),
		inputs: make(map[string]*strings.Builder),
		byID:   make(map[string]int),
		closed: make(map[string]bool),
	}
}

func (d *driver) inMessage() bool {
	switch d.state {
	case stateAwaitingBlock, stateAccumulatingText, stateAccumulatingToolInput:
		return true
	}
	return false
}

// handle applies one frame.
func (d *driver) handle(f llm.Frame) error {
	switch f.Type {
	case llm.FramePing:
		return nil

	case llm.FrameError:
		apiErr := &llm.APIError{Type: "stream_error"}
		if f.Error != nil {
			apiErr.Type, apiErr.Message = f.Error.Type, f.Error.Message
		}
		return &upstreamError{err: apiErr}

	case llm.FrameMessageStart:
		if d.state != stateAwaitingMessage {
			return protocolErrorf("message_start in state %s", d.state)
		}
		if f.Message != nil {
			d.model = f.Message.Model
			d.usage = f.Message.Usage
		}
		d.state = stateAwaitingBlock
		return nil

	case llm.FrameBlockStart:
		return d.startBlock(f)

	case llm.FrameBlockDelta:
		return d.delta(f)

	case llm.FrameBlockStop:
		return d.stopBlock(f)

	case llm.FrameMessageDelta:
		if !d.inMessage() {
			return protocolErrorf("message_delta in state %s", d.state)
		}
		if f.Delta != nil && f.Delta.StopReason != "" {
			d.stopReason = f.Delta.StopReason
		}
		if f.Usage != nil {
			d.usage.OutputTokens = f.Usage.OutputTokens
			if f.Usage.InputTokens > 0 {
				d.usage.InputTokens = f.Usage.InputTokens
			}
		}
		return nil

	case llm.FrameMessageStop:
		if !d.inMessage() {
			return protocolErrorf("message_stop in state %s", d.state)
		}
		if len(d.open) > 0 {
			return protocolErrorf("message_stop with %d open block(s)", len(d.open))
		}
		d.state = stateMessageComplete
		return nil
	}

	// Frame types added to the API later carry nothing we act on.
	return nil
}

func (d *driver) startBlock(f llm.Frame) error {
	if !d.inMessage() {
		return protocolErrorf("content_block_start in state %s", d.state)
	}
	if _, dup := d.open[f.Index]; dup {
		return protocolErrorf("content_block_start for already open block %d", f.Index)
	}
	cb := f.ContentBlock
	if cb == nil {
		return protocolErrorf("content_block_start %d without a block", f.Index)
	}

	switch cb.Type {
	case llm.BlockText:
		d.open[f.Index] = &openBlock{kind: llm.BlockText}
		d.state = stateAccumulatingText
		return d.appendText(cb.Text)

	case llm.BlockToolUse:
		if cb.ID == "" || cb.Name == "" {
			return protocolErrorf("tool_use block %d missing id or name", f.Index)
		}
		if _, dup := d.byID[cb.ID]; dup {
			return protocolErrorf("duplicate tool call id %s", cb.ID)
		}
		d.open[f.Index] = &openBlock{kind: llm.BlockToolUse, callID: cb.ID}
		d.inputs[cb.ID] = &strings.Builder{}
		d.byID[cb.ID] = len(d.calls)
		d.calls = append(d.calls, llm.ToolCall{ID: cb.ID, Name: cb.Name})
		d.state = stateAccumulatingToolInput
		return nil

	default:
		// Kinds we do not use still have to balance their stop frame.
		d.open[f.Index] = &openBlock{kind: cb.Type}
		return nil
	}
}

func (d *driver) delta(f llm.Frame) error {
	if !d.inMessage() {
		return protocolErrorf("content_block_delta in state %s", d.state)
	}
	block := d.open[f.Index]
	if block == nil {
		return protocolErrorf("content_block_delta for unknown or closed block %d", f.Index)
	}
	if f.Delta == nil {
		return protocolErrorf("content_block_delta %d without a delta", f.Index)
	}

	switch f.Delta.Type {
	case llm.DeltaText:
		if block.kind != llm.BlockText {
			return protocolErrorf("text delta for %s block %d", block.kind, f.Index)
		}
		d.state = stateAccumulatingText
		return d.appendText(f.Delta.Text)

	case llm.DeltaInputJSON:
		if block.kind != llm.BlockToolUse {
			return protocolErrorf("input delta for %s block %d", block.kind, f.Index)
		}
		d.state = stateAccumulatingToolInput
		d.inputs[block.callID].WriteString(f.Delta.PartialJSON)
		return nil
	}
	return nil
}

func (d *driver) stopBlock(f llm.Frame) error {
	if !d.inMessage() {
		return protocolErrorf("content_block_stop in state %s", d.state)
	}
	block := d.open[f.Index]
	if block == nil {
		return protocolErrorf("content_block_stop for unknown or closed block %d", f.Index)
	}
	delete(d.open, f.Index)
	if len(d.open) == 0 {
		d.state = stateAwaitingBlock
	}

	if block.kind != llm.BlockToolUse {
		return nil
	}
	input, err := parseToolInput(d.inputs[block.callID].String())
	if err != nil {
		call := d.calls[d.byID[block.callID]]
		return &ProtocolError{Reason: "tool input for " + call.Name + " (" + call.ID + ") is not a JSON object", Err: err}
	}
	d.calls[d.byID[block.callID]].Input = input
	d.closed[block.callID] = true
	delete(d.inputs, block.callID)
	return nil
}

func (d *driver) appendText(s string) error {
	if s == "" {
		return nil
	}
	d.text.WriteString(s)
	if d.emit == nil {
		return nil
	}
	if err := d.emit(s); err != nil {
		return &deliveryError{err: err}
	}
	return nil
}

// result returns the finished turn. Asking before message_stop is a
// protocol error.
func (d *driver) result() (*turn, error) {
	if d.state != stateMessageComplete {
		return nil, protocolErrorf("reply ended in state %s", d.state)
	}
	for _, c := range d.calls {
		if !d.closed[c.ID] {
			return nil, protocolErrorf("tool call %s never completed", c.ID)
		}
	}
	return &turn{
		text:       d.text.String(),
		calls:      d.calls,
		model:      d.model,
		stopReason: d.stopReason,
		usage:      d.usage,
	}, nil
}

// replay feeds a complete response through the same frame handling a
// streamed reply gets.
func (d *driver) replay(resp *llm.Response) error {
	frames := []llm.Frame{{
		Type:    llm.FrameMessageStart,
		Message: &llm.Response{ID: resp.ID, Model: resp.Model, Role: resp.Role, Usage: resp.Usage},
	}}
	for i, b := range resp.Content {
		switch b.Type {
		case llm.BlockText:
			frames = append(frames,
				llm.Frame{Type: llm.FrameBlockStart, Index: i, ContentBlock: &llm.Block{Type: llm.BlockText}},
				llm.Frame{Type: llm.FrameBlockDelta, Index: i, Delta: &llm.Delta{Type: llm.DeltaText, Text: b.Text}},
			)
		case llm.BlockToolUse:
			frames = append(frames,
				llm.Frame{Type: llm.FrameBlockStart, Index: i, ContentBlock: &llm.Block{Type: llm.BlockToolUse, ID: b.ID, Name: b.Name}},
				llm.Frame{Type: llm.FrameBlockDelta, Index: i, Delta: &llm.Delta{Type: llm.DeltaInputJSON, PartialJSON: string(b.Input)}},
			)
		default:
			frames = append(frames, llm.Frame{Type: llm.FrameBlockStart, Index: i, ContentBlock: &llm.Block{Type: b.Type}})
		}
		frames = append(frames, llm.Frame{Type: llm.FrameBlockStop, Index: i})
	}
	frames = append(frames,
		llm.Frame{Type: llm.FrameMessageDelta, Delta: &llm.Delta{StopReason: resp.StopReason}},
		llm.Frame{Type: llm.FrameMessageStop},
	)

	for _, f := range frames {
		if err := d.handle(f); err != nil {
			return err
		}
	}
	return nil
}

// parseToolInput checks that raw is a JSON object. Empty input means
// no arguments.
func parseToolInput(raw string) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errNotObject
	}
	return json.RawMessage(trimmed), nil
}
