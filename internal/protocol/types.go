// Package protocol provides types and codec for the Claude Code CLI stream-json protocol.
// The CLI reads newline-terminated JSON on stdin and writes the same on stdout,
// with control requests riding the same channel as streaming events.
package protocol

import "encoding/json"

// Message types on the wire.
const (
	// MessageTypeSystem carries session lifecycle info (init, api_error, compact, task_*)
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains a full assistant message with content blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeUser is a user-facing message as replayed by the CLI (tool results)
	MessageTypeUser = "user"
	// MessageTypeToolResult is a direct synchronous tool result event
	MessageTypeToolResult = "tool_result"
	// MessageTypeResult terminates a turn
	MessageTypeResult = "result"
	// MessageTypeStreamEvent wraps the fine-grained delta union
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeControlRequest is a control request (permission prompt)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
)

// System message subtypes.
const (
	SubtypeInit            = "init"
	SubtypeAPIError        = "api_error"
	SubtypeCompactBoundary = "compact_boundary"
	SubtypeTaskStarted     = "task_started"
	SubtypeTaskProgress    = "task_progress"
	SubtypeTaskCompleted   = "task_completed"
)

// Result subtypes.
const (
	ResultSuccess       = "success"
	ResultError         = "error"
	ResultErrorMaxTurns = "error_max_turns"
	ResultErrorInput    = "error_input"
)

// Control request subtypes.
const (
	SubtypeCanUseTool = "can_use_tool"
	SubtypeInitialize = "initialize"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Stream event types (the fine-grained delta union).
const (
	StreamMessageStart      = "message_start"
	StreamContentBlockStart = "content_block_start"
	StreamContentBlockDelta = "content_block_delta"
	StreamContentBlockStop  = "content_block_stop"
	StreamMessageStop       = "message_stop"
)

// Content block and delta variants.
const (
	BlockText     = "text"
	BlockThinking = "thinking"
	BlockToolUse  = "tool_use"
	BlockImage    = "image"

	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaImage     = "image_delta"
)

// Event represents one newline-delimited JSON message from the CLI's stdout.
// The type (and subtype, where applicable) determines which fields are populated.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system/init
	SessionID string   `json:"session_id,omitempty"`
	CWD       string   `json:"cwd,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Model     string   `json:"model,omitempty"`

	// For system/api_error
	Status       int `json:"status,omitempty"`
	RetryAttempt int `json:"retryAttempt,omitempty"`
	MaxRetries   int `json:"maxRetries,omitempty"`

	// For system/compact_boundary
	Trigger   string `json:"trigger,omitempty"` // auto, manual
	PreTokens int64  `json:"pre_tokens,omitempty"`

	// For system/task_*
	TaskID       string `json:"task_id,omitempty"`
	Description  string `json:"description,omitempty"`
	LastToolName string `json:"last_tool_name,omitempty"`

	// The "message" field is a string for system/api_error and an object for
	// assistant/user events. ParseEvent resolves MessageRaw into whichever of
	// Message or ErrorMessage applies.
	MessageRaw   json.RawMessage `json:"message,omitempty"`
	Message      *MessageBody    `json:"-"`
	ErrorMessage string          `json:"-"`

	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
	ToolUseResult   json.RawMessage `json:"tool_use_result,omitempty"`

	// For direct tool_result events and system/task_* (tool_use_id)
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// For result events (is_error also flags direct tool_result errors)
	IsError    bool    `json:"is_error,omitempty"`
	Result     string  `json:"result,omitempty"`
	CostUSD    float64 `json:"total_cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`

	// For stream_event wrappers
	Event *StreamEvent `json:"event,omitempty"`

	// For control_request / control_response
	RequestID string           `json:"request_id,omitempty"`
	Request   *ControlRequest  `json:"request,omitempty"`
	Response  *ControlResponse `json:"response,omitempty"`

	// Raw line, retained for diagnostics and tracing.
	Raw json.RawMessage `json:"-"`
}

// MessageBody is the message object inside assistant and user events.
// Content may be a plain string or an array of content blocks.
type MessageBody struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// ContentString returns the content as a string if it is a JSON string, else "".
func (m *MessageBody) ContentString() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return ""
	}
	return s
}

// ContentBlocks returns the content as a block slice if it is a JSON array, else nil.
func (m *MessageBody) ContentBlocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// ContentBlock represents one block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// For image blocks
	Source *ImageSource `json:"source,omitempty"`
}

// ResultText flattens a tool_result content payload to plain text.
// The payload may be a string or an array of {type:"text",text} blocks.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return ""
	}
	var out string
	for _, inner := range blocks {
		if inner.Type == BlockText && inner.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += inner.Text
		}
	}
	return out
}

// ImageSource is a base64 image payload.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ContextTokens returns the total tokens counted against the context window.
func (u *Usage) ContextTokens() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// StreamEvent is one element of the fine-grained content_block_* delta union.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// For content_block_start
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// For content_block_delta
	Delta *Delta `json:"delta,omitempty"`

	// For message_start
	Message *MessageBody `json:"message,omitempty"`
}

// Delta carries one incremental content update.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Data        string `json:"data,omitempty"` // base64 fragment for image_delta
}

// ControlRequest is a control request arriving from the CLI (permission prompt).
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponse is the response object inside a control_response message.
type ControlResponse struct {
	Subtype   string            `json:"subtype"` // success, error
	RequestID string            `json:"request_id,omitempty"`
	Response  *PermissionResult `json:"response,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// PermissionResult is the behavior payload for a can_use_tool answer.
type PermissionResult struct {
	Behavior     string `json:"behavior"` // allow, deny
	UpdatedInput any    `json:"updatedInput,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Tool names the bridge treats specially.
const (
	ToolBash     = "Bash"
	ToolTask     = "Task"
	ToolDispatch = "dispatch_agent"
)
