package shiken

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiken/internal/model"
)

// Role is an API client's role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleReader   Role = "reader"
)

// EventKind names a workflow event.
type EventKind string

const (
	EventNodeCreated    EventKind = "node-created"
	EventNodeUpdated    EventKind = "node-updated"
	EventEdgeCreated    EventKind = "edge-created"
	EventWorkflowStatus EventKind = "workflow-status"
)

// WorkflowEvent is the public form of a broadcast event. Payload is the
// JSON body sent to SSE and WebSocket subscribers.
type WorkflowEvent struct {
	WorkflowID uuid.UUID
	Kind       EventKind
	Payload    json.RawMessage
	Timestamp  time.Time
}

func toPublicEvent(ev model.BroadcastEvent) WorkflowEvent {
	return WorkflowEvent{
		WorkflowID: ev.WorkflowID,
		Kind:       EventKind(ev.Kind),
		Payload:    ev.Payload,
		Timestamp:  ev.Timestamp,
	}
}
