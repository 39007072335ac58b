package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/storage"
)

// Notifier is the LISTEN/NOTIFY surface of the Postgres store.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	Notify(ctx context.Context, channel, payload string) error
}

// PGRelay forwards hub events between instances over a Postgres channel.
// Each instance tags what it sends with its own origin id and ignores its
// own notifications, since local subscribers were served at publish time.
type PGRelay struct {
	db     Notifier
	hub    *Hub
	origin uuid.UUID
	logger *slog.Logger
}

type relayEnvelope struct {
	Origin uuid.UUID            `json:"origin"`
	Event  model.BroadcastEvent `json:"event"`
}

// NewPGRelay creates a relay and attaches it to hub as its forwarder.
func NewPGRelay(db Notifier, hub *Hub, logger *slog.Logger) *PGRelay {
	r := &PGRelay{db: db, hub: hub, origin: uuid.New(), logger: logger}
	hub.SetForwarder(r)
	return r
}

// Forward implements Forwarder.
func (r *PGRelay) Forward(ctx context.Context, ev model.BroadcastEvent) error {
	payload, err := json.Marshal(relayEnvelope{Origin: r.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("broadcast: marshal relay envelope: %w", err)
	}
	return r.db.Notify(ctx, storage.ChannelWorkflowEvents, string(payload))
}

// Reconnect backoff for the LISTEN loop. It doubles per consecutive failure
// and resets after the next delivered notification.
const (
	relayMinBackoff = 100 * time.Millisecond
	relayMaxBackoff = 10 * time.Second
)

// Start listens for events from other instances and delivers them locally.
// A failed listen or wait backs off and re-issues LISTEN, since the notify
// connection may have been replaced. It blocks until ctx is cancelled.
func (r *PGRelay) Start(ctx context.Context) {
	backoff := relayMinBackoff
	listening := false
	for ctx.Err() == nil {
		if !listening {
			if err := r.db.Listen(ctx, storage.ChannelWorkflowEvents); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("relay: listen failed", "error", err, "retry_in", backoff)
				if !sleepCtx(ctx, backoff) {
					return
				}
				backoff = min(backoff*2, relayMaxBackoff)
				continue
			}
			listening = true
			r.logger.Info("relay: listening for workflow events", "channel", storage.ChannelWorkflowEvents)
		}

		_, payload, err := r.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("relay: notification wait failed", "error", err, "retry_in", backoff)
			listening = false
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, relayMaxBackoff)
			continue
		}
		backoff = relayMinBackoff
		r.handle(payload)
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *PGRelay) handle(payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("relay: malformed notification", "error", err)
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.hub.Deliver(env.Event)
}
