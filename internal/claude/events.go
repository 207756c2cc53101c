package claude

import "github.com/tgcc/tgcc/internal/protocol"

// EventType identifies one supervisor event.
type EventType string

const (
	EventInit              EventType = "init"
	EventStream            EventType = "stream_event"
	EventAssistant         EventType = "assistant"
	EventUser              EventType = "user"
	EventToolResult        EventType = "tool_result"
	EventResult            EventType = "result"
	EventCompact           EventType = "compact"
	EventAPIError          EventType = "api_error"
	EventTaskStarted       EventType = "task_started"
	EventTaskProgress      EventType = "task_progress"
	EventTaskCompleted     EventType = "task_completed"
	EventPermissionRequest EventType = "permission_request"
	EventHang              EventType = "hang"
	EventTakeover          EventType = "takeover"
	EventExit              EventType = "exit"
	EventError             EventType = "error"
)

// Event is one typed event emitted by the supervisor to its consumer.
type Event struct {
	Type EventType

	// Proto carries the originating wire event where one exists.
	Proto *protocol.Event

	// For permission_request
	RequestID string
	ToolName  string
	ToolInput map[string]any

	// For exit
	ExitCode int

	// For error
	Err error
}
