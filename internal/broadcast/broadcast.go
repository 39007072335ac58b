// Package broadcast fans workflow events out to live subscribers.
//
// Delivery is best-effort: there is no queueing for absent subscribers and a
// subscriber whose buffer is full misses events rather than blocking the
// publisher. With a Relay attached, events also travel to other instances
// over Postgres LISTEN/NOTIFY.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiken/internal/model"
)

// BufferSize is the per-subscriber channel depth.
const BufferSize = 64

// Publisher is what the orchestrator needs from a broadcaster.
type Publisher interface {
	Publish(ctx context.Context, workflowID uuid.UUID, kind model.EventKind, payload any) error
}

// Forwarder sends locally published events to other instances.
type Forwarder interface {
	Forward(ctx context.Context, ev model.BroadcastEvent) error
}

// Subscription receives events for one workflow, or for all workflows when
// WorkflowID is uuid.Nil. C is closed by Unsubscribe.
type Subscription struct {
	WorkflowID uuid.UUID
	C          <-chan model.BroadcastEvent

	ch   chan model.BroadcastEvent
	once sync.Once
}

// Hub is an in-process topic broadcaster keyed by workflow id.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[uuid.UUID]map[*Subscription]struct{}

	forwarder Forwarder
	published atomic.Int64
	dropped   atomic.Int64
	now       func() time.Time
}

// NewHub creates a Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		topics: make(map[uuid.UUID]map[*Subscription]struct{}),
		now:    time.Now,
	}
}

// SetForwarder attaches a cross-instance forwarder. Call before publishing.
func (h *Hub) SetForwarder(f Forwarder) {
	h.forwarder = f
}

// Subscribe registers a subscriber. Pass uuid.Nil to receive every workflow.
func (h *Hub) Subscribe(workflowID uuid.UUID) *Subscription {
	ch := make(chan model.BroadcastEvent, BufferSize)
	sub := &Subscription{WorkflowID: workflowID, C: ch, ch: ch}
	h.mu.Lock()
	subs, ok := h.topics[workflowID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[workflowID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		if subs, ok := h.topics[sub.WorkflowID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.topics, sub.WorkflowID)
			}
		}
		h.mu.Unlock()
		close(sub.ch)
	})
}

// Publish delivers an event to current subscribers and, when a forwarder is
// attached, to other instances. A forwarding failure is returned but local
// delivery has already happened.
func (h *Hub) Publish(ctx context.Context, workflowID uuid.UUID, kind model.EventKind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broadcast: marshal payload: %w", err)
	}
	ev := model.BroadcastEvent{
		WorkflowID: workflowID,
		Kind:       kind,
		Payload:    raw,
		Timestamp:  h.now().UTC(),
	}
	h.Deliver(ev)
	if h.forwarder != nil {
		if err := h.forwarder.Forward(ctx, ev); err != nil {
			return fmt.Errorf("broadcast: forward: %w", err)
		}
	}
	return nil
}

// Deliver hands an already-built event to local subscribers.
func (h *Hub) Deliver(ev model.BroadcastEvent) {
	h.published.Add(1)
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.send(h.topics[ev.WorkflowID], ev)
	if ev.WorkflowID != uuid.Nil {
		h.send(h.topics[uuid.Nil], ev)
	}
}

func (h *Hub) send(subs map[*Subscription]struct{}, ev model.BroadcastEvent) {
	for sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
			h.logger.Debug("broadcast: subscriber buffer full, event dropped",
				"workflow_id", ev.WorkflowID, "kind", ev.Kind)
		}
	}
}

// Stats reports counters for health output.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	h.mu.RUnlock()
	return Stats{Subscribers: n, Published: h.published.Load(), Dropped: h.dropped.Load()}
}

// FormatSSE renders an event as a Server-Sent Events message.
func FormatSSE(ev model.BroadcastEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("broadcast: marshal event: %w", err)
	}
	return []byte("event: " + string(ev.Kind) + "\ndata: " + string(data) + "\n\n"), nil
}
