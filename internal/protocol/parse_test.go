package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventInit(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"abc-123","cwd":"/repo","tools":["Bash","Edit"],"model":"claude-sonnet-4-5"}`

	ev, ok := ParseEvent([]byte(line))
	require.True(t, ok)
	assert.Equal(t, MessageTypeSystem, ev.Type)
	assert.Equal(t, SubtypeInit, ev.Subtype)
	assert.Equal(t, "abc-123", ev.SessionID)
	assert.Equal(t, "/repo", ev.CWD)
	assert.Equal(t, []string{"Bash", "Edit"}, ev.Tools)
	assert.Equal(t, "claude-sonnet-4-5", ev.Model)
}

func TestParseEventAPIError(t *testing.T) {
	line := `{"type":"system","subtype":"api_error","status":529,"retryAttempt":2,"maxRetries":10,"message":"overloaded"}`

	ev, ok := ParseEvent([]byte(line))
	require.True(t, ok)
	assert.Equal(t, SubtypeAPIError, ev.Subtype)
	assert.Equal(t, 529, ev.Status)
	assert.Equal(t, 2, ev.RetryAttempt)
	assert.Equal(t, "overloaded", ev.ErrorMessage)
	assert.Nil(t, ev.Message)
}

func TestParseEventAssistant(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","model":"claude-sonnet-4-5","stop_reason":"tool_use","content":[{"type":"text","text":"hi"},{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}}],"usage":{"input_tokens":10,"output_tokens":5}}}`

	ev, ok := ParseEvent([]byte(line))
	require.True(t, ok)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "tool_use", ev.Message.StopReason)

	blocks := ev.Message.ContentBlocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, BlockText, blocks[0].Type)
	assert.Equal(t, "hi", blocks[0].Text)
	assert.Equal(t, BlockToolUse, blocks[1].Type)
	assert.Equal(t, "Bash", blocks[1].Name)
	assert.Equal(t, "ls", blocks[1].Input["command"])
	require.NotNil(t, ev.Message.Usage)
	assert.Equal(t, int64(10), ev.Message.Usage.InputTokens)
}

func TestParseEventUserToolResult(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":[{"type":"text","text":"done"}]}]},"tool_use_result":{"status":"async_launched","agentName":"worker","outputFile":"/tmp/out.md"}}`

	ev, ok := ParseEvent([]byte(line))
	require.True(t, ok)
	blocks := ev.Message.ContentBlocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, "tool_result", blocks[0].Type)
	assert.Equal(t, "tu_1", blocks[0].ToolUseID)
	assert.Equal(t, "done", blocks[0].ResultText())

	meta := ev.ToolUseResultMeta()
	require.NotNil(t, meta)
	assert.Equal(t, "async_launched", meta.Status)
	assert.Equal(t, "worker", meta.AgentName)
	assert.Equal(t, "/tmp/out.md", meta.OutputFile)
}

func TestParseEventStreamDeltas(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind string
	}{
		{
			name: "message_start",
			line: `{"type":"stream_event","event":{"type":"message_start","message":{"role":"assistant","usage":{"input_tokens":3,"output_tokens":0}}}}`,
			kind: StreamMessageStart,
		},
		{
			name: "text block start",
			line: `{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}}`,
			kind: StreamContentBlockStart,
		},
		{
			name: "text delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}`,
			kind: StreamContentBlockDelta,
		},
		{
			name: "input json delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"descri"}}}`,
			kind: StreamContentBlockDelta,
		},
		{
			name: "stop",
			line: `{"type":"stream_event","event":{"type":"message_stop"}}`,
			kind: StreamMessageStop,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := ParseEvent([]byte(tt.line))
			require.True(t, ok)
			require.NotNil(t, ev.Event)
			assert.Equal(t, tt.kind, ev.Event.Type)
		})
	}
}

func TestParseEventResult(t *testing.T) {
	line := `{"type":"result","subtype":"success","is_error":false,"num_turns":3,"duration_ms":1500,"total_cost_usd":0.0421,"usage":{"input_tokens":100,"output_tokens":50,"cache_read_input_tokens":2000}}`

	ev, ok := ParseEvent([]byte(line))
	require.True(t, ok)
	assert.Equal(t, ResultSuccess, ev.Subtype)
	assert.False(t, ev.IsError)
	assert.Equal(t, 0.0421, ev.CostUSD)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, int64(2100), ev.Usage.ContextTokens())
}

func TestParseEventControlRequest(t *testing.T) {
	line := `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf /tmp/x"},"tool_use_id":"tu_9"}}`

	ev, ok := ParseEvent([]byte(line))
	require.True(t, ok)
	assert.Equal(t, "req-1", ev.RequestID)
	require.NotNil(t, ev.Request)
	assert.Equal(t, SubtypeCanUseTool, ev.Request.Subtype)
	assert.Equal(t, "Bash", ev.Request.ToolName)
	assert.Equal(t, "tu_9", ev.Request.ToolUseID)
}

func TestParseEventBadInput(t *testing.T) {
	for _, line := range []string{"", "   ", "not json", `{"no_type":true}`, `{"type":""}`} {
		ev, ok := ParseEvent([]byte(line))
		assert.False(t, ok, "line %q should yield no event", line)
		assert.Nil(t, ev)
	}
}

func TestUserMessageRoundTrip(t *testing.T) {
	msg := NewUserMessage("hello there")

	data, err := Marshal(msg)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])

	var decoded UserMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.UUID, decoded.UUID)
	assert.Equal(t, "user", decoded.Message.Role)
	assert.Equal(t, "hello there", decoded.Message.Content)
}

func TestUserMessageBlocksRoundTrip(t *testing.T) {
	msg := NewUserMessageBlocks([]InputBlock{
		{Type: "text", Text: "see attached"},
		{Type: "image", Source: &ImageSource{Type: "base64", MediaType: "image/png", Data: "aGk="}},
	})

	data, err := Marshal(msg)
	require.NoError(t, err)

	var decoded struct {
		Message struct {
			Content []InputBlock `json:"content"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Message.Content, 2)
	assert.Equal(t, "see attached", decoded.Message.Content[0].Text)
	assert.Equal(t, "image/png", decoded.Message.Content[1].Source.MediaType)
}

func TestPermissionResponse(t *testing.T) {
	resp := NewPermissionResponse("req-7", false, "user denied")

	data, err := Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "control_response", decoded["type"])
	inner := decoded["response"].(map[string]any)
	assert.Equal(t, "success", inner["subtype"])
	assert.Equal(t, "req-7", inner["request_id"])
	result := inner["response"].(map[string]any)
	assert.Equal(t, "deny", result["behavior"])
	assert.Equal(t, "user denied", result["message"])
}
