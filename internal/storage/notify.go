package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelWorkflowEvents carries broadcast events between instances.
const ChannelWorkflowEvents = "shiken_workflow_events"

// maxNotifyPayload is the Postgres NOTIFY payload limit in bytes.
const maxNotifyPayload = 8000

var (
	// ErrNotifyUnavailable is returned when no notify DSN was configured.
	ErrNotifyUnavailable = errors.New("storage: notify connection not configured")

	// ErrNotifyPayloadTooLarge is returned for events Postgres would reject.
	ErrNotifyPayloadTooLarge = errors.New("storage: notify payload too large")
)

// Listen subscribes the notify connection to channel. A closed connection is
// redialled first, so the relay recovers from a dropped session by calling
// Listen again.
func (db *DB) Listen(ctx context.Context, channel string) error {
	conn, err := db.notifySession(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a workflow event arrives on a listened
// channel and returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	db.notifyMu.Lock()
	conn := db.notifyConn
	db.notifyMu.Unlock()
	if conn == nil {
		return "", "", ErrNotifyUnavailable
	}
	n, err := conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify publishes payload on channel through the pool.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if len(payload) >= maxNotifyPayload {
		return fmt.Errorf("storage: notify %s (%d bytes): %w", channel, len(payload), ErrNotifyPayloadTooLarge)
	}
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// notifySession returns the live notify connection, dialling a new one when
// the previous session was closed.
func (db *DB) notifySession(ctx context.Context) (*pgx.Conn, error) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyDSN == "" {
		return nil, ErrNotifyUnavailable
	}
	if db.notifyConn != nil && !db.notifyConn.IsClosed() {
		return db.notifyConn, nil
	}
	conn, err := pgx.Connect(ctx, db.notifyDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: reconnect notify: %w", err)
	}
	if db.notifyConn != nil {
		db.logger.Info("storage: notify connection re-established")
	}
	db.notifyConn = conn
	return conn, nil
}
