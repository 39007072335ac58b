package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/webhook"
)

// HandleTrackerWebhook handles POST /v1/webhooks/tracker. The signature is
// checked over the raw body before anything is decoded.
func (h *Handlers) HandleTrackerWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhook == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "webhook intake is not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "webhook body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read body")
		return
	}

	res, err := h.webhook.Handle(r.Context(), body, r.Header.Get(webhook.SignatureHeader))
	if err != nil {
		if model.IsKind(err, model.KindUnauthorized) {
			h.logger.Warn("webhook rejected", "reason", err.Error(), "remote_addr", r.RemoteAddr)
		}
		writeKindError(w, r, h.logger, err)
		return
	}

	ack := model.WebhookAck{Accepted: res.Accepted, WorkflowID: res.WorkflowID, Reason: res.Reason}
	if res.Accepted {
		writeJSON(w, r, http.StatusAccepted, ack)
		return
	}
	writeJSON(w, r, http.StatusOK, ack)
}
