package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/storage"
)

// CreateWorkflow inserts a new pending workflow.
func (db *DB) CreateWorkflow(ctx context.Context, wf model.Workflow) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("sqlite: marshal workflow: %w", err)
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO workflows (id, status, stage, ticket_key, ticket_project_key,
		     combined_reward, error, document, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID.String(), string(wf.Status), string(wf.Stage), wf.TicketKey, wf.TicketProjectKey,
		combinedReward(wf), wf.Error, string(doc),
		formatTime(wf.CreatedAt), formatTime(wf.UpdatedAt), formatTimePtr(wf.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (db *DB) GetWorkflow(ctx context.Context, id uuid.UUID) (model.Workflow, error) {
	var doc string
	err := db.conn.QueryRowContext(ctx,
		`SELECT document FROM workflows WHERE id = ?`, id.String()).Scan(&doc)
	if err != nil {
		return model.Workflow{}, notFound("workflow "+id.String(), err)
	}
	return decodeWorkflow(doc)
}

// ListWorkflows returns workflows newest first.
func (db *DB) ListWorkflows(ctx context.Context, f storage.WorkflowFilter) ([]model.Workflow, error) {
	query := `SELECT document FROM workflows WHERE 1=1`
	var args []any
	if f.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*f.Status))
	}
	if f.RewardedOnly {
		query += " AND combined_reward IS NOT NULL"
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, f.EffectiveLimit())

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.Workflow, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("sqlite: scan workflow: %w", err)
		}
		wf, err := decodeWorkflow(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// ClaimWorkflow moves a pending row to running together with its audit entries.
func (db *DB) ClaimWorkflow(ctx context.Context, wf model.Workflow, entries ...model.AuditEntry) error {
	return db.writeWorkflow(ctx, wf, model.WorkflowPending, storage.ErrNotClaimable, entries)
}

// RecordTransition persists a running workflow's new state and its audit
// entries atomically.
func (db *DB) RecordTransition(ctx context.Context, wf model.Workflow, entries ...model.AuditEntry) error {
	return db.writeWorkflow(ctx, wf, model.WorkflowRunning, storage.ErrTerminal, entries)
}

func (db *DB) writeWorkflow(ctx context.Context, wf model.Workflow, expect model.WorkflowStatus, mismatch error, entries []model.AuditEntry) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("sqlite: marshal workflow: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE workflows
		 SET status = ?, stage = ?, ticket_key = ?, ticket_project_key = ?,
		     combined_reward = ?, error = ?, document = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(wf.Status), string(wf.Stage), wf.TicketKey, wf.TicketProjectKey,
		combinedReward(wf), wf.Error, string(doc), formatTime(wf.UpdatedAt), formatTimePtr(wf.CompletedAt),
		wf.ID.String(), string(expect),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: workflow %s: %w", wf.ID, mismatch)
	}

	for _, e := range entries {
		if err := insertAudit(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit transition: %w", err)
	}
	return nil
}

func combinedReward(wf model.Workflow) sql.NullFloat64 {
	latest, ok := wf.RLTraining.Latest()
	if !ok {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: latest.CombinedReward, Valid: true}
}

func decodeWorkflow(doc string) (model.Workflow, error) {
	var wf model.Workflow
	if err := json.Unmarshal([]byte(doc), &wf); err != nil {
		return model.Workflow{}, fmt.Errorf("sqlite: decode workflow: %w", err)
	}
	return wf, nil
}
