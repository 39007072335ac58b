package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind is the kind of a broadcast event.
type EventKind string

const (
	EventNodeCreated    EventKind = "node-created"
	EventNodeUpdated    EventKind = "node-updated"
	EventEdgeCreated    EventKind = "edge-created"
	EventWorkflowStatus EventKind = "workflow-status"
)

// BroadcastEvent is delivered to subscribers of a workflow topic.
type BroadcastEvent struct {
	WorkflowID uuid.UUID       `json:"workflow_id"`
	Kind       EventKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NodePayload describes a stage node in the pipeline graph.
type NodePayload struct {
	Stage  Stage       `json:"stage"`
	Status StageStatus `json:"status"`
	Error  *string     `json:"error,omitempty"`
}

// EdgePayload links two consecutive stages.
type EdgePayload struct {
	From Stage `json:"from"`
	To   Stage `json:"to"`
}

// StatusPayload carries the workflow-level status.
type StatusPayload struct {
	Status WorkflowStatus `json:"status"`
	Error  *string        `json:"error,omitempty"`
}
