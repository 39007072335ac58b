package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/shiken/internal/model"
)

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertAuditEntry appends one entry outside of a workflow transition.
func (db *DB) InsertAuditEntry(ctx context.Context, e model.AuditEntry) (uuid.UUID, error) {
	if err := insertAudit(ctx, db.pool, e); err != nil {
		return uuid.Nil, err
	}
	return e.ID, nil
}

func insertAudit(ctx context.Context, q execer, e model.AuditEntry) error {
	var changes *string
	if len(e.Changes) > 0 {
		c := string(e.Changes)
		changes = &c
	}
	_, err := q.Exec(ctx,
		`INSERT INTO audit_log (id, workflow_id, ts, event_type, actor, snapshot, changes, integrity_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.WorkflowID, e.Timestamp, string(e.EventType), e.Actor,
		string(e.Snapshot), changes, e.IntegrityHash,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit entry: %w", err)
	}
	return nil
}

const auditColumns = `id, workflow_id, ts, event_type, actor, snapshot, changes, integrity_hash`

// GetAuditEntry retrieves one entry by ID.
func (db *DB) GetAuditEntry(ctx context.Context, id uuid.UUID) (model.AuditEntry, error) {
	e, err := scanAudit(db.pool.QueryRow(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AuditEntry{}, fmt.Errorf("storage: audit entry %s: %w", id, ErrNotFound)
		}
		return model.AuditEntry{}, fmt.Errorf("storage: get audit entry: %w", err)
	}
	return e, nil
}

// ListAuditEntries returns a workflow's entries in append order.
func (db *DB) ListAuditEntries(ctx context.Context, workflowID uuid.UUID) ([]model.AuditEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE workflow_id = $1 ORDER BY seq`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit entries: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAudit(row pgx.Row) (model.AuditEntry, error) {
	var (
		e         model.AuditEntry
		eventType string
		snapshot  string
		changes   *string
	)
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.Timestamp, &eventType, &e.Actor,
		&snapshot, &changes, &e.IntegrityHash); err != nil {
		return model.AuditEntry{}, err
	}
	e.EventType = model.AuditEventType(eventType)
	e.Timestamp = e.Timestamp.UTC()
	e.Snapshot = []byte(snapshot)
	if changes != nil {
		e.Changes = []byte(*changes)
	}
	return e, nil
}
