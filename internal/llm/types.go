// Package llm provides the Anthropic Messages API client and the
// conversation data model shared by the orchestration engine and the
// session stores.
package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role identifies who contributed a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType is the kind of a structured content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one element of structured message content. Which fields are
// meaningful depends on Type.
type Block struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one turn of a conversation. Content is either plain text
// (Blocks is nil) or a list of structured blocks. Messages are never
// modified once they have been recorded in a session.
type Message struct {
	Role   Role
	Text   string
	Blocks []Block
}

// ToolCall is a model-issued request to run a named tool.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult answers exactly one ToolCall, referenced by its ID. Payload
// is JSON; failures carry IsError and a structured failure object.
type ToolResult struct {
	ToolUseID string
	Payload   json.RawMessage
	IsError   bool
}

// UserText returns a plain-text user message.
func UserText(s string) Message {
	return Message{Role: RoleUser, Text: s}
}

// AssistantText returns a plain-text assistant message.
func AssistantText(s string) Message {
	return Message{Role: RoleAssistant, Text: s}
}

// AssistantWithCalls returns an assistant message carrying any leading
// text followed by one tool_use block per call, in call order.
func AssistantWithCalls(text string, calls []ToolCall) Message {
	blocks := make([]Block, 0, len(calls)+1)
	if text != "" {
		blocks = append(blocks, Block{Type: BlockText, Text: text})
	}
	for _, c := range calls {
		blocks = append(blocks, Block{
			Type:  BlockToolUse,
			ID:    c.ID,
			Name:  c.Name,
			Input: normalizeInput(c.Input),
		})
	}
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// ToolResults returns the user message that carries results back to the
// model, one tool_result block per result, in the given order.
func ToolResults(results []ToolResult) Message {
	blocks := make([]Block, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, Block{
			Type:      BlockToolResult,
			ToolUseID: r.ToolUseID,
			Content:   string(r.Payload),
			IsError:   r.IsError,
		})
	}
	return Message{Role: RoleUser, Blocks: blocks}
}

// ToolCalls returns the tool_use blocks of the message as calls.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			calls = append(calls, ToolCall{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return calls
}

// PlainText returns the text content of the message. Multiple text
// blocks are joined with newlines.
func (m Message) PlainText() string {
	if m.Blocks == nil {
		return m.Text
	}
	var parts []string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

type wireMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON encodes the message in Messages API form: content is a
// JSON string for plain text and an array of blocks otherwise.
func (m Message) MarshalJSON() ([]byte, error) {
	var (
		content []byte
		err     error
	)
	if m.Blocks == nil {
		content, err = json.Marshal(m.Text)
	} else {
		content, err = json.Marshal(m.Blocks)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Role: m.Role, Content: content})
}

// UnmarshalJSON accepts either content form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{Role: w.Role}

	content := bytes.TrimSpace(w.Content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return nil
	}
	switch content[0] {
	case '"':
		return json.Unmarshal(content, &m.Text)
	case '[':
		m.Blocks = []Block{}
		return json.Unmarshal(content, &m.Blocks)
	default:
		return fmt.Errorf("message content must be a string or an array, got %q", content[:1])
	}
}

// normalizeInput makes sure a tool_use block always carries an object.
func normalizeInput(in json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(in)) == 0 {
		return json.RawMessage(`{}`)
	}
	return in
}

// Tool describes a callable tool advertised to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is one model invocation.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []Tool
	MaxTokens int
}

// Usage reports token consumption for one invocation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a complete, non-streamed model reply.
type Response struct {
	ID         string  `json:"id"`
	Model      string  `json:"model"`
	Role       Role    `json:"role"`
	Content    []Block `json:"content"`
	StopReason string  `json:"stop_reason"`
	Usage      Usage   `json:"usage"`
}

// Message returns the reply as an assistant message.
func (r *Response) Message() Message {
	return Message{Role: RoleAssistant, Blocks: r.Content}
}

// FrameType names a streaming event frame.
type FrameType string

const (
	FrameMessageStart FrameType = "message_start"
	FrameBlockStart   FrameType = "content_block_start"
	FrameBlockDelta   FrameType = "content_block_delta"
	FrameBlockStop    FrameType = "content_block_stop"
	FrameMessageDelta FrameType = "message_delta"
	FrameMessageStop  FrameType = "message_stop"
	FramePing         FrameType = "ping"
	FrameError        FrameType = "error"
)

// Delta types carried by content_block_delta frames.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
)

// Frame is one decoded event of a streamed reply.
type Frame struct {
	Type         FrameType  `json:"type"`
	Index        int        `json:"index"`
	Message      *Response  `json:"message,omitempty"`
	ContentBlock *Block     `json:"content_block,omitempty"`
	Delta        *Delta     `json:"delta,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	Error        *ErrorBody `json:"error,omitempty"`
}

// Delta is the incremental payload of a delta frame.
type Delta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// ErrorBody is the error object the API returns in error responses and
// error frames.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
