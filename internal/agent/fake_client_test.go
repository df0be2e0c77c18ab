package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/nugget/backlog-assistant/internal/llm"
)

// step is one scripted model invocation.
type step struct {
	resp      *llm.Response
	frames    []llm.Frame // streamed instead of resp when set
	err       error       // returned instead of a reply
	failAfter error       // stream: returned once frames run out
	hang      bool        // block until the context ends
}

type fakeClient struct {
	mu       sync.Mutex
	steps    []step
	requests []*llm.Request
}

func newFakeClient(steps ...step) *fakeClient {
	return &fakeClient{steps: steps}
}

func (c *fakeClient) next(req *llm.Request) (step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.steps) == 0 {
		return step{}, errors.New("script exhausted")
	}
	s := c.steps[0]
	c.steps = c.steps[1:]
	return s, nil
}

func (c *fakeClient) calls() []*llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*llm.Request(nil), c.requests...)
}

func (c *fakeClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	s, err := c.next(req)
	if err != nil {
		return nil, err
	}
	if s.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (c *fakeClient) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	s, err := c.next(req)
	if err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	frames := s.frames
	if frames == nil && s.resp != nil {
		frames = framesFor(s.resp)
	}
	return &fakeStream{ctx: ctx, frames: frames, failAfter: s.failAfter, hang: s.hang}, nil
}

type fakeStream struct {
	ctx       context.Context
	frames    []llm.Frame
	failAfter error
	hang      bool
	closed    bool
}

func (s *fakeStream) Next() (llm.Frame, error) {
	if s.hang {
		<-s.ctx.Done()
		return llm.Frame{}, s.ctx.Err()
	}
	if len(s.frames) == 0 {
		if s.failAfter != nil {
			return llm.Frame{}, s.failAfter
		}
		return llm.Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// framesFor streams resp the way the API does: text in small deltas and
// tool input in two fragments.
func framesFor(resp *llm.Response) []llm.Frame {
	frames := []llm.Frame{{
		Type:    llm.FrameMessageStart,
		Message: &llm.Response{Model: resp.Model, Role: llm.RoleAssistant, Usage: llm.Usage{InputTokens: resp.Usage.InputTokens}},
	}}
	for i, b := range resp.Content {
		switch b.Type {
		case llm.BlockText:
			frames = append(frames, llm.Frame{Type: llm.FrameBlockStart, Index: i, ContentBlock: &llm.Block{Type: llm.BlockText}})
			for _, chunk := range chunks(b.Text, 3) {
				frames = append(frames, llm.Frame{Type: llm.FrameBlockDelta, Index: i, Delta: &llm.Delta{Type: llm.DeltaText, Text: chunk}})
			}
		case llm.BlockToolUse:
			frames = append(frames, llm.Frame{Type: llm.FrameBlockStart, Index: i, ContentBlock: &llm.Block{Type: llm.BlockToolUse, ID: b.ID, Name: b.Name, Input: json.RawMessage(`{}`)}})
			half := len(b.Input) / 2
			for _, part := range []string{string(b.Input[:half]), string(b.Input[half:])} {
				frames = append(frames, llm.Frame{Type: llm.FrameBlockDelta, Index: i, Delta: &llm.Delta{Type: llm.DeltaInputJSON, PartialJSON: part}})
			}
		}
		frames = append(frames, llm.Frame{Type: llm.FrameBlockStop, Index: i})
	}
	return append(frames,
		llm.Frame{Type: llm.FrameMessageDelta, Delta: &llm.Delta{StopReason: resp.StopReason}, Usage: &llm.Usage{OutputTokens: resp.Usage.OutputTokens}},
		llm.Frame{Type: llm.FrameMessageStop},
	)
}

func chunks(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Model:      "test-model",
		Role:       llm.RoleAssistant,
		Content:    []llm.Block{{Type: llm.BlockText, Text: text}},
		StopReason: "end_turn",
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolResponse(text string, calls ...llm.ToolCall) *llm.Response {
	resp := &llm.Response{
		Model:      "test-model",
		Role:       llm.RoleAssistant,
		StopReason: "tool_use",
		Usage:      llm.Usage{InputTokens: 20, OutputTokens: 8},
	}
	if text != "" {
		resp.Content = append(resp.Content, llm.Block{Type: llm.BlockText, Text: text})
	}
	for _, c := range calls {
		resp.Content = append(resp.Content, llm.Block{Type: llm.BlockToolUse, ID: c.ID, Name: c.Name, Input: c.Input})
	}
	return resp
}

func call(id, name, input string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}
}
