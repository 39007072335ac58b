package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/storage"
)

// CreateAPIClient inserts a new API client.
func (db *DB) CreateAPIClient(ctx context.Context, c model.APIClient) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO api_clients (id, client_id, name, role, api_key_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.ClientID, c.Name, string(c.Role), c.APIKeyHash, formatTime(c.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("sqlite: api client %s: %w", c.ClientID, storage.ErrDuplicate)
		}
		return fmt.Errorf("sqlite: create api client: %w", err)
	}
	return nil
}

// GetAPIClient looks up a client by its public client_id.
func (db *DB) GetAPIClient(ctx context.Context, clientID string) (model.APIClient, error) {
	var (
		c               model.APIClient
		id, role, added string
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, client_id, name, role, api_key_hash, created_at
		 FROM api_clients WHERE client_id = ?`, clientID,
	).Scan(&id, &c.ClientID, &c.Name, &role, &c.APIKeyHash, &added)
	if err != nil {
		return model.APIClient{}, notFound("api client "+clientID, err)
	}
	if c.ID, err = uuid.Parse(id); err != nil {
		return model.APIClient{}, fmt.Errorf("sqlite: parse client id: %w", err)
	}
	if c.CreatedAt, err = parseTime(added); err != nil {
		return model.APIClient{}, err
	}
	c.Role = model.Role(role)
	return c, nil
}

// CountAPIClients returns the number of registered clients.
func (db *DB) CountAPIClients(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_clients`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count api clients: %w", err)
	}
	return n, nil
}
