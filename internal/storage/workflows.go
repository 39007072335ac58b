package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shiken/internal/model"
)

// CreateWorkflow inserts a new pending workflow.
func (db *DB) CreateWorkflow(ctx context.Context, wf model.Workflow) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("storage: marshal workflow: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO workflows (id, status, stage, ticket_key, ticket_project_key,
		     combined_reward, error, document, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		wf.ID, string(wf.Status), string(wf.Stage), wf.TicketKey, wf.TicketProjectKey,
		combinedReward(wf), wf.Error, doc, wf.CreatedAt, wf.UpdatedAt, wf.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (db *DB) GetWorkflow(ctx context.Context, id uuid.UUID) (model.Workflow, error) {
	var doc []byte
	err := db.pool.QueryRow(ctx, `SELECT document FROM workflows WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workflow{}, fmt.Errorf("storage: workflow %s: %w", id, ErrNotFound)
		}
		return model.Workflow{}, fmt.Errorf("storage: get workflow: %w", err)
	}
	return decodeWorkflow(doc)
}

// ListWorkflows returns workflows newest first.
func (db *DB) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]model.Workflow, error) {
	query := `SELECT document FROM workflows WHERE 1=1`
	var args []any
	if f.Status != nil {
		args = append(args, string(*f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.RewardedOnly {
		query += " AND combined_reward IS NOT NULL"
	}
	args = append(args, f.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list workflows: %w", err)
	}
	defer rows.Close()

	out := make([]model.Workflow, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("storage: scan workflow: %w", err)
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
	return db.writeWorkflow(ctx, wf, model.WorkflowPending, ErrNotClaimable, entries)
}

// RecordTransition persists a running workflow's new state and its audit
// entries atomically.
func (db *DB) RecordTransition(ctx context.Context, wf model.Workflow, entries ...model.AuditEntry) error {
	return db.writeWorkflow(ctx, wf, model.WorkflowRunning, ErrTerminal, entries)
}

func (db *DB) writeWorkflow(ctx context.Context, wf model.Workflow, expect model.WorkflowStatus, mismatch error, entries []model.AuditEntry) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("storage: marshal workflow: %w", err)
	}

	return db.retryTransition(ctx, wf.ID.String(), func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx,
			`UPDATE workflows
			 SET status = $2, stage = $3, ticket_key = $4, ticket_project_key = $5,
			     combined_reward = $6, error = $7, document = $8, updated_at = $9, completed_at = $10
			 WHERE id = $1 AND status = $11`,
			wf.ID, string(wf.Status), string(wf.Stage), wf.TicketKey, wf.TicketProjectKey,
			combinedReward(wf), wf.Error, doc, wf.UpdatedAt, wf.CompletedAt, string(expect),
		)
		if err != nil {
			return fmt.Errorf("storage: update workflow: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: workflow %s: %w", wf.ID, mismatch)
		}

		for _, e := range entries {
			if err := insertAudit(ctx, tx, e); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit transition: %w", err)
		}
		return nil
	})
}

func combinedReward(wf model.Workflow) *float64 {
	latest, ok := wf.RLTraining.Latest()
	if !ok {
		return nil
	}
	return &latest.CombinedReward
}

func decodeWorkflow(doc []byte) (model.Workflow, error) {
	var wf model.Workflow
	if err := json.Unmarshal(doc, &wf); err != nil {
		return model.Workflow{}, fmt.Errorf("storage: decode workflow: %w", err)
	}
	return wf, nil
}
