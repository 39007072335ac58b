// Package audit is the append-only, tamper-evident record of every
// state-affecting workflow event.
//
// Entries are built with NewEntry, which assigns the id and timestamp and
// seals the entry with an integrity hash. Once stored they cannot be changed:
// Update and Delete exist only to reject the attempt, and both database
// schemas refuse UPDATE and DELETE on the underlying table.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiken/internal/integrity"
	"github.com/ashita-ai/shiken/internal/model"
)

// Backend is the storage surface the log needs. It has no mutation path.
type Backend interface {
	InsertAuditEntry(ctx context.Context, e model.AuditEntry) (uuid.UUID, error)
	GetAuditEntry(ctx context.Context, id uuid.UUID) (model.AuditEntry, error)
	ListAuditEntries(ctx context.Context, workflowID uuid.UUID) ([]model.AuditEntry, error)
}

// NewEntry builds a sealed entry. snapshot and changes are marshaled to JSON;
// a nil changes value is omitted. An empty actor becomes "system".
// Timestamps are truncated to microseconds, the precision both backends keep.
func NewEntry(workflowID uuid.UUID, eventType model.AuditEventType, actor string, snapshot, changes any, now time.Time) (model.AuditEntry, error) {
	if !eventType.Valid() {
		return model.AuditEntry{}, model.Errorf(model.KindValidation, "audit: unknown event type %q", eventType)
	}
	if actor == "" {
		actor = model.DefaultActor
	}
	snap, err := json.Marshal(snapshot)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("audit: marshal snapshot: %w", err)
	}
	var diff json.RawMessage
	if changes != nil {
		if diff, err = json.Marshal(changes); err != nil {
			return model.AuditEntry{}, fmt.Errorf("audit: marshal changes: %w", err)
		}
	}
	ts := now.UTC().Truncate(time.Microsecond)
	return model.AuditEntry{
		ID:            uuid.New(),
		WorkflowID:    workflowID,
		Timestamp:     ts,
		EventType:     eventType,
		Actor:         actor,
		Snapshot:      snap,
		Changes:       diff,
		IntegrityHash: integrity.AuditHash(workflowID, ts, string(eventType), snap),
	}, nil
}

// Verify recomputes an entry's hash. A mismatch is an integrity_violation.
func Verify(e model.AuditEntry) error {
	if !integrity.VerifyAuditHash(e.IntegrityHash, e.WorkflowID, e.Timestamp, string(e.EventType), e.Snapshot) {
		return model.Errorf(model.KindIntegrityViolation,
			"audit: entry %s failed integrity verification", e.ID)
	}
	return nil
}

// Log is the audit log API over a storage backend.
type Log struct {
	backend Backend
}

// New creates a Log.
func New(backend Backend) *Log {
	return &Log{backend: backend}
}

// Append stores a sealed entry and returns its id. Entries whose hash does
// not match their content are refused. Identical content appended twice
// yields two entries.
func (l *Log) Append(ctx context.Context, e model.AuditEntry) (uuid.UUID, error) {
	if err := Verify(e); err != nil {
		return uuid.Nil, err
	}
	return l.backend.InsertAuditEntry(ctx, e)
}

// Update always fails: audit entries are immutable.
func (l *Log) Update(_ context.Context, id uuid.UUID, _ model.AuditEntry) error {
	return model.Errorf(model.KindImmutable, "audit: entry %s is immutable and cannot be updated", id)
}

// Delete always fails: audit entries are immutable.
func (l *Log) Delete(_ context.Context, id uuid.UUID) error {
	return model.Errorf(model.KindImmutable, "audit: entry %s is immutable and cannot be deleted", id)
}

// Get returns one entry.
func (l *Log) Get(ctx context.Context, id uuid.UUID) (model.AuditEntry, error) {
	return l.backend.GetAuditEntry(ctx, id)
}

// List returns a workflow's entries in append order.
func (l *Log) List(ctx context.Context, workflowID uuid.UUID) ([]model.AuditEntry, error) {
	return l.backend.ListAuditEntries(ctx, workflowID)
}

// VerifyEntry loads an entry and verifies it.
func (l *Log) VerifyEntry(ctx context.Context, id uuid.UUID) error {
	e, err := l.backend.GetAuditEntry(ctx, id)
	if err != nil {
		return err
	}
	return Verify(e)
}

// VerifyWorkflow verifies every entry of a workflow and returns a Merkle root
// over their hashes in append order. The first failing entry aborts with an
// integrity_violation.
func (l *Log) VerifyWorkflow(ctx context.Context, workflowID uuid.UUID) (model.AuditVerification, error) {
	entries, err := l.backend.ListAuditEntries(ctx, workflowID)
	if err != nil {
		return model.AuditVerification{}, err
	}
	leaves := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := Verify(e); err != nil {
			return model.AuditVerification{WorkflowID: workflowID, Entries: len(entries)}, err
		}
		leaves = append(leaves, e.IntegrityHash)
	}
	return model.AuditVerification{
		WorkflowID: workflowID,
		Verified:   true,
		Entries:    len(entries),
		MerkleRoot: integrity.BuildMerkleRoot(leaves),
	}, nil
}
