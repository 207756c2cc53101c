// Package adminsock serves the daemon's local administrative surface:
// newline-delimited JSON over unix sockets, one control socket per agent.
// A plain connection speaks request/response; a connection that registers
// as supervisor switches to a command envelope and receives pushed events.
package adminsock

import "encoding/json"

// Request is one incoming admin line. Type selects which fields apply.
type Request struct {
	Type string `json:"type"`

	// For "message" and "status"
	Agent   string `json:"agent,omitempty"`
	Text    string `json:"text,omitempty"`
	Session string `json:"session,omitempty"`

	// For "register_supervisor"
	AgentID      string   `json:"agentId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// For "command"
	RequestID string          `json:"requestId,omitempty"`
	Action    string          `json:"action,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response is one outgoing admin line.
type Response struct {
	Type string `json:"type"` // ack, status, error, response, event

	// For ack/status/error
	Error  string         `json:"error,omitempty"`
	Status map[string]any `json:"status,omitempty"`

	// For command responses
	RequestID string `json:"requestId,omitempty"`
	Result    any    `json:"result,omitempty"`

	// For pushed events
	Event     string         `json:"event,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Supervisor command actions.
const (
	ActionPing        = "ping"
	ActionSendMessage = "send_message"
	ActionSendToCC    = "send_to_cc"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionStatus      = "status"
	ActionKillCC      = "kill_cc"
)

// CommandParams carries the parameters shared by the supervisor actions.
type CommandParams struct {
	Text   string `json:"text,omitempty"`
	Line   string `json:"line,omitempty"`
	Filter string `json:"filter,omitempty"`
}
