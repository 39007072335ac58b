package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiken/internal/model"
)

// Store is the persistence contract shared by the Postgres and SQLite
// backends.
//
// The audit log is append-only at this layer: entries are inserted, read and
// listed, and there is deliberately no method that modifies or removes one.
// Both schemas additionally reject UPDATE and DELETE on audit_log.
type Store interface {
	Driver() string
	Ping(ctx context.Context) error
	Close(ctx context.Context)

	CreateWorkflow(ctx context.Context, wf model.Workflow) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (model.Workflow, error)
	ListWorkflows(ctx context.Context, f WorkflowFilter) ([]model.Workflow, error)

	// ClaimWorkflow persists wf (already moved to running) only if the stored
	// row is still pending, together with its audit entries. Returns
	// ErrNotClaimable if another run got there first.
	ClaimWorkflow(ctx context.Context, wf model.Workflow, entries ...model.AuditEntry) error

	// RecordTransition persists wf and appends entries in one transaction.
	// Returns ErrTerminal if the stored row is no longer running.
	RecordTransition(ctx context.Context, wf model.Workflow, entries ...model.AuditEntry) error

	InsertAuditEntry(ctx context.Context, e model.AuditEntry) (uuid.UUID, error)
	GetAuditEntry(ctx context.Context, id uuid.UUID) (model.AuditEntry, error)
	ListAuditEntries(ctx context.Context, workflowID uuid.UUID) ([]model.AuditEntry, error)

	CreateAPIClient(ctx context.Context, c model.APIClient) error
	GetAPIClient(ctx context.Context, clientID string) (model.APIClient, error)
	CountAPIClients(ctx context.Context) (int, error)
}

// WorkflowFilter narrows ListWorkflows. Results are newest first.
type WorkflowFilter struct {
	Status       *model.WorkflowStatus
	RewardedOnly bool
	Limit        int
}

// DefaultListLimit applies when a filter has no limit.
const DefaultListLimit = 50

// EffectiveLimit returns the limit to apply.
func (f WorkflowFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

var _ Store = (*DB)(nil)
