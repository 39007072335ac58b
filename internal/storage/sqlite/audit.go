package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiken/internal/model"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// InsertAuditEntry appends one entry outside of a workflow transition.
func (db *DB) InsertAuditEntry(ctx context.Context, e model.AuditEntry) (uuid.UUID, error) {
	if err := insertAudit(ctx, db.conn, e); err != nil {
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
	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (id, workflow_id, ts, event_type, actor, snapshot, changes, integrity_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.WorkflowID.String(), formatTime(e.Timestamp), string(e.EventType), e.Actor,
		string(e.Snapshot), changes, e.IntegrityHash,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert audit entry: %w", err)
	}
	return nil
}

const auditColumns = `id, workflow_id, ts, event_type, actor, snapshot, changes, integrity_hash`

// GetAuditEntry retrieves one entry by ID.
func (db *DB) GetAuditEntry(ctx context.Context, id uuid.UUID) (model.AuditEntry, error) {
	e, err := scanAudit(db.conn.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE id = ?`, id.String()))
	if err != nil {
		return model.AuditEntry{}, notFound("audit entry "+id.String(), err)
	}
	return e, nil
}

// ListAuditEntries returns a workflow's entries in append order.
func (db *DB) ListAuditEntries(ctx context.Context, workflowID uuid.UUID) ([]model.AuditEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE workflow_id = ? ORDER BY seq`, workflowID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAudit(row scanner) (model.AuditEntry, error) {
	var (
		e                model.AuditEntry
		id, wfID, ts, et string
		snapshot         string
		changes          sql.NullString
	)
	if err := row.Scan(&id, &wfID, &ts, &et, &e.Actor, &snapshot, &changes, &e.IntegrityHash); err != nil {
		return model.AuditEntry{}, err
	}
	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return model.AuditEntry{}, fmt.Errorf("sqlite: parse audit id: %w", err)
	}
	if e.WorkflowID, err = uuid.Parse(wfID); err != nil {
		return model.AuditEntry{}, fmt.Errorf("sqlite: parse workflow id: %w", err)
	}
	if e.Timestamp, err = parseTime(ts); err != nil {
		return model.AuditEntry{}, err
	}
	e.EventType = model.AuditEventType(et)
	e.Snapshot = []byte(snapshot)
	if changes.Valid {
		e.Changes = []byte(changes.String)
	}
	return e, nil
}
