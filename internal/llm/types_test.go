package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSON_PlainText(t *testing.T) {
	data, err := json.Marshal(UserText("hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hi"}`, string(data))

	var m Message
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, UserText("hi"), m)
}

func TestMessageJSON_Blocks(t *testing.T) {
	msg := AssistantWithCalls("Let me look.", []ToolCall{
		{ID: "toolu_1", Name: "get_user_backlog", Input: json.RawMessage(`{"status":"playing"}`)},
		{ID: "toolu_2", Name: "get_recommendations"},
	})

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"assistant","content":[
		{"type":"text","text":"Let me look."},
		{"type":"tool_use","id":"toolu_1","name":"get_user_backlog","input":{"status":"playing"}},
		{"type":"tool_use","id":"toolu_2","name":"get_recommendations","input":{}}
	]}`, string(data))

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, RoleAssistant, decoded.Role)
	require.Len(t, decoded.Blocks, 3)

	calls := decoded.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "toolu_1", calls[0].ID)
	assert.Equal(t, "get_user_backlog", calls[0].Name)
	assert.JSONEq(t, `{"status":"playing"}`, string(calls[0].Input))
	assert.JSONEq(t, `{}`, string(calls[1].Input))
}

func TestMessageJSON_ToolResults(t *testing.T) {
	msg := ToolResults([]ToolResult{
		{ToolUseID: "toolu_1", Payload: json.RawMessage(`{"games":[]}`)},
		{ToolUseID: "toolu_2", Payload: json.RawMessage(`{"success":false}`), IsError: true},
	})

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"toolu_1","content":"{\"games\":[]}"},
		{"type":"tool_result","tool_use_id":"toolu_2","content":"{\"success\":false}","is_error":true}
	]}`, string(data))
}

func TestMessageJSON_RejectsObjectContent(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"role":"user","content":{"text":"x"}}`), &m)
	assert.Error(t, err)
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"plain", AssistantText("hello"), "hello"},
		{"blocks", Message{Role: RoleAssistant, Blocks: []Block{
			{Type: BlockText, Text: "one"},
			{Type: BlockToolUse, ID: "x", Name: "y"},
			{Type: BlockText, Text: "two"},
		}}, "one\ntwo"},
		{"no text", AssistantWithCalls("", []ToolCall{{ID: "a", Name: "b"}}), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.PlainText())
		})
	}
}

func TestResponseMessage(t *testing.T) {
	resp := &Response{Content: []Block{
		{Type: BlockText, Text: "checking"},
		{Type: BlockToolUse, ID: "toolu_9", Name: "search_games", Input: json.RawMessage(`{"query":"zelda"}`)},
	}}

	msg := resp.Message()
	assert.Equal(t, RoleAssistant, msg.Role)
	assert.Equal(t, "checking", msg.PlainText())
	require.Len(t, msg.ToolCalls(), 1)
	assert.Equal(t, "search_games", msg.ToolCalls()[0].Name)
}
