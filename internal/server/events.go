package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/shiken/internal/broadcast"
	"github.com/ashita-ai/shiken/internal/model"
)

const (
	keepaliveInterval = 15 * time.Second
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
)

// The default origin check applies: browsers must be same-origin, other
// clients send no Origin header.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// subscribe checks the workflow exists and registers a subscription for it.
// On failure the error response has been written and ok is false.
func (h *Handlers) subscribe(w http.ResponseWriter, r *http.Request) (*broadcast.Subscription, bool) {
	if h.hub == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "live events are not available")
		return nil, false
	}
	id, err := parseWorkflowID(r)
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return nil, false
	}
	if _, err := h.engine.Get(r.Context(), id); err != nil {
		writeKindError(w, r, h.logger, err)
		return nil, false
	}
	return h.hub.Subscribe(id), true
}

// HandleWorkflowEvents handles GET /v1/workflows/{id}/events (SSE).
func (h *Handlers) HandleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	sub, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	defer h.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	// Idle streams outlive the server's WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			frame, err := broadcast.FormatSSE(ev)
			if err != nil {
				h.logger.Warn("sse: format event", "workflow_id", ev.WorkflowID, "error", err)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleWorkflowSocket handles GET /v1/workflows/{id}/ws. Each broadcast
// event is sent as one JSON text message; client messages are ignored.
func (h *Handlers) HandleWorkflowSocket(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	defer h.hub.Unsubscribe(sub)

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// The read pump only exists to process control frames and notice when
	// the client goes away.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPongWait * 9 / 10)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed", "workflow_id", ev.WorkflowID, "error", err)
				return
			}
		}
	}
}
