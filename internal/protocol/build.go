package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// UserMessage is one newline-delimited JSON message written to the CLI's stdin.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
	UUID    string          `json:"uuid"`
}

// UserMessageBody holds the role and content of a user message.
// Content is either a plain string or an array of input blocks.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content any    `json:"content"`
}

// InputBlock is one element of a structured user-message content array.
type InputBlock struct {
	Type   string       `json:"type"` // text, image
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// NewUserMessage builds a plain-text user message with a fresh uuid.
func NewUserMessage(text string) *UserMessage {
	return &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: text,
		},
		UUID: uuid.New().String(),
	}
}

// NewUserMessageBlocks builds a user message from structured content blocks
// (text and base64 images).
func NewUserMessageBlocks(blocks []InputBlock) *UserMessage {
	return &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: blocks,
		},
		UUID: uuid.New().String(),
	}
}

// NewDocumentMessage builds the "document" variant: a text message naming a
// file path for the assistant to open itself.
func NewDocumentMessage(path, filename string) *UserMessage {
	text := fmt.Sprintf("The user sent a file named %q. It has been saved to %s — open it from there.", filename, path)
	return NewUserMessage(text)
}

// OutgoingControlRequest is a control request written to the CLI's stdin.
type OutgoingControlRequest struct {
	Type      string             `json:"type"` // "control_request"
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody is the body of an outgoing control request.
type ControlRequestBody struct {
	Subtype string `json:"subtype"`
}

// NewInitializeRequest builds the initialize handshake sent once after spawn.
func NewInitializeRequest() *OutgoingControlRequest {
	return &OutgoingControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   ControlRequestBody{Subtype: SubtypeInitialize},
	}
}

// OutgoingControlResponse answers a control request the CLI sent us.
type OutgoingControlResponse struct {
	Type     string          `json:"type"` // "control_response"
	Response ControlResponse `json:"response"`
}

// NewPermissionResponse builds the control response answering a can_use_tool
// permission prompt.
func NewPermissionResponse(requestID string, allow bool, message string) *OutgoingControlResponse {
	behavior := BehaviorDeny
	if allow {
		behavior = BehaviorAllow
	}
	return &OutgoingControlResponse{
		Type: MessageTypeControlResponse,
		Response: ControlResponse{
			Subtype:   "success",
			RequestID: requestID,
			Response: &PermissionResult{
				Behavior: behavior,
				Message:  message,
			},
		},
	}
}

// Marshal serializes any outgoing message as a newline-terminated JSON line.
func Marshal(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, '\n'), nil
}
