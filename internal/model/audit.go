package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEventType enumerates the kinds of state-affecting events.
type AuditEventType string

const (
	EventReviewStatus        AuditEventType = "review-status"
	EventTestExecution       AuditEventType = "test-execution"
	EventRewardComputation   AuditEventType = "reward-computation"
	EventWorkflowStateChange AuditEventType = "workflow-state-change"
	EventMetricUpdate        AuditEventType = "metric-update"
)

// Valid reports whether t is a known event type.
func (t AuditEventType) Valid() bool {
	switch t {
	case EventReviewStatus, EventTestExecution, EventRewardComputation,
		EventWorkflowStateChange, EventMetricUpdate:
		return true
	}
	return false
}

// DefaultActor is recorded when no caller identity is known.
const DefaultActor = "system"

// AuditEntry is an immutable record of one state-affecting event.
// ID is assigned by the store on append.
type AuditEntry struct {
	ID            uuid.UUID       `json:"id"`
	WorkflowID    uuid.UUID       `json:"workflow_id"`
	Timestamp     time.Time       `json:"timestamp"`
	EventType     AuditEventType  `json:"event_type"`
	Actor         string          `json:"actor"`
	Snapshot      json.RawMessage `json:"snapshot"`
	Changes       json.RawMessage `json:"changes,omitempty"`
	IntegrityHash string          `json:"integrity_hash"`
}

// AuditVerification is the result of verifying a workflow's audit trail.
type AuditVerification struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	Verified   bool      `json:"verified"`
	Entries    int       `json:"entries"`
	MerkleRoot string    `json:"merkle_root"`
}
