package protocol

import (
	"bytes"
	"encoding/json"
)

// ParseEvent parses one newline-delimited JSON line from the CLI's stdout.
// Returns (nil, false) for empty or malformed lines: the parser never fails
// hard, a bad line simply yields no event.
func ParseEvent(line []byte) (*Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}

	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, false
	}
	if ev.Type == "" {
		return nil, false
	}

	// Resolve the polymorphic "message" field.
	if len(ev.MessageRaw) > 0 {
		switch {
		case ev.MessageRaw[0] == '{':
			var body MessageBody
			if err := json.Unmarshal(ev.MessageRaw, &body); err == nil {
				ev.Message = &body
			}
		case ev.MessageRaw[0] == '"':
			var s string
			if err := json.Unmarshal(ev.MessageRaw, &s); err == nil {
				ev.ErrorMessage = s
			}
		}
	}

	ev.Raw = append(json.RawMessage(nil), line...)
	return &ev, true
}

// ToolUseResultMeta is the structured metadata an optional tool_use_result
// sibling carries next to tool_result content blocks in user events.
type ToolUseResultMeta struct {
	Status     string `json:"status,omitempty"` // completed, async_launched, teammate_spawned
	AgentID    string `json:"agentId,omitempty"`
	AgentName  string `json:"agentName,omitempty"`
	OutputFile string `json:"outputFile,omitempty"`
	TeamName   string `json:"teamName,omitempty"`
}

// ToolUseResultMeta decodes the tool_use_result sibling, if present.
func (e *Event) ToolUseResultMeta() *ToolUseResultMeta {
	if len(e.ToolUseResult) == 0 || e.ToolUseResult[0] != '{' {
		return nil
	}
	var meta ToolUseResultMeta
	if err := json.Unmarshal(e.ToolUseResult, &meta); err != nil {
		return nil
	}
	return &meta
}

// IsTaskEvent reports whether the event is a background sub-task lifecycle event.
func (e *Event) IsTaskEvent() bool {
	if e.Type != MessageTypeSystem {
		return false
	}
	switch e.Subtype {
	case SubtypeTaskStarted, SubtypeTaskProgress, SubtypeTaskCompleted:
		return true
	}
	return false
}
