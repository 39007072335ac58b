package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/shiken/internal/model"
)

// CreateAPIClient inserts a new API client. Returns ErrDuplicate if the
// client_id is taken.
func (db *DB) CreateAPIClient(ctx context.Context, c model.APIClient) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_clients (id, client_id, name, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.ClientID, c.Name, string(c.Role), c.APIKeyHash, c.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("storage: api client %s: %w", c.ClientID, ErrDuplicate)
		}
		return fmt.Errorf("storage: create api client: %w", err)
	}
	return nil
}

// GetAPIClient looks up a client by its public client_id.
func (db *DB) GetAPIClient(ctx context.Context, clientID string) (model.APIClient, error) {
	var (
		c    model.APIClient
		role string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, client_id, name, role, api_key_hash, created_at
		 FROM api_clients WHERE client_id = $1`, clientID,
	).Scan(&c.ID, &c.ClientID, &c.Name, &role, &c.APIKeyHash, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIClient{}, fmt.Errorf("storage: api client %s: %w", clientID, ErrNotFound)
		}
		return model.APIClient{}, fmt.Errorf("storage: get api client: %w", err)
	}
	c.Role = model.Role(role)
	return c, nil
}

// CountAPIClients returns the number of registered clients.
func (db *DB) CountAPIClients(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM api_clients`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count api clients: %w", err)
	}
	return n, nil
}
