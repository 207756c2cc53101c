// Package bus fans daemon lifecycle events out to supervisor subscribers.
// The in-process implementation serves a single daemon; the NATS
// implementation lets an external supervisor follow several daemons.
package bus

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Event types mirrored to supervisors.
const (
	TypeResult            = "result"
	TypeSessionTakeover   = "session_takeover"
	TypeProcessExit       = "process_exit"
	TypePermissionRequest = "permission_request"
)

// Event is one mirrored lifecycle event.
type Event struct {
	Type      string         `json:"type"`
	AgentID   string         `json:"agent_id"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Time      time.Time      `json:"time"`
}

// Handler consumes one event. Handlers must not block; slow subscribers
// lose events rather than stall the publisher.
type Handler func(Event)

// Subscription is a handle to cancel a subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes events to filtered subscribers.
type Bus interface {
	Publish(ctx context.Context, ev Event) error

	// Subscribe registers a handler for a filter of the form
	// "<agentId>:*" or "<agentId>:<sessionId>".
	Subscribe(filter string, h Handler) (Subscription, error)

	Close() error
}

// matchFilter reports whether an event satisfies a subscription filter.
func matchFilter(filter string, ev Event) bool {
	agentID, sessionID, ok := splitFilter(filter)
	if !ok {
		return false
	}
	if agentID != ev.AgentID {
		return false
	}
	return sessionID == "*" || sessionID == ev.SessionID
}

func splitFilter(filter string) (agentID, sessionID string, ok bool) {
	idx := strings.IndexByte(filter, ':')
	if idx <= 0 || idx == len(filter)-1 {
		return "", "", false
	}
	return filter[:idx], filter[idx+1:], true
}

// ValidateFilter rejects malformed subscription filters up front.
func ValidateFilter(filter string) error {
	if _, _, ok := splitFilter(filter); !ok {
		return fmt.Errorf("invalid filter %q, want \"agentId:sessionId\" or \"agentId:*\"", filter)
	}
	return nil
}
