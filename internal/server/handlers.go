package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ashita-ai/shiken/internal/auth"
	"github.com/ashita-ai/shiken/internal/broadcast"
	"github.com/ashita-ai/shiken/internal/ctxutil"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/orchestrator"
	"github.com/ashita-ai/shiken/internal/storage"
	"github.com/ashita-ai/shiken/internal/webhook"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              orchestrator.Engine
	store               storage.Store
	jwtMgr              *auth.JWTManager
	hub                 *broadcast.Hub
	webhook             *webhook.Intake
	validate            *validator.Validate
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): JWTMgr, Hub, Webhook, OpenAPISpec.
type HandlersDeps struct {
	Engine              orchestrator.Engine
	Store               storage.Store
	JWTMgr              *auth.JWTManager
	Hub                 *broadcast.Hub
	Webhook             *webhook.Intake
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		engine:              d.Engine,
		store:               d.Store,
		jwtMgr:              d.JWTMgr,
		hub:                 d.Hub,
		webhook:             d.Webhook,
		validate:            validator.New(validator.WithRequiredStructEnabled()),
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleStartWorkflow handles POST /v1/workflows.
func (h *Handlers) HandleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req model.StartWorkflowRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	id, err := h.engine.Start(r.Context(), req.Trigger(ctxutil.Actor(r.Context())))
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Location", "/v1/workflows/"+id.String())
	writeJSON(w, r, http.StatusAccepted, model.StartWorkflowResponse{
		WorkflowID: id,
		Status:     model.WorkflowPending,
	})
}

// HandleRunWorkflow handles POST /v1/workflows/{id}/run.
func (h *Handlers) HandleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := parseWorkflowID(r)
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	if err := h.engine.Run(r.Context(), id); err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.StartWorkflowResponse{
		WorkflowID: id,
		Status:     model.WorkflowPending,
	})
}

// HandleGetWorkflow handles GET /v1/workflows/{id}.
func (h *Handlers) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := parseWorkflowID(r)
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	wf, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, wf)
}

// HandleListWorkflows handles GET /v1/workflows.
func (h *Handlers) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	f := storage.WorkflowFilter{Limit: queryLimit(r, storage.DefaultListLimit)}
	if v := r.URL.Query().Get("status"); v != "" {
		status := model.WorkflowStatus(v)
		switch status {
		case model.WorkflowPending, model.WorkflowRunning, model.WorkflowCompleted, model.WorkflowFailed:
			f.Status = &status
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("invalid status %q: expected pending, running, completed or failed", v))
			return
		}
	}
	f.RewardedOnly = r.URL.Query().Get("rewarded") == "true"

	wfs, err := h.engine.List(r.Context(), f)
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	if wfs == nil {
		wfs = []model.Workflow{}
	}
	writeList(w, r, wfs, f.Limit)
}

// HandleRewardMetrics handles GET /v1/metrics/rewards.
func (h *Handlers) HandleRewardMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Metrics(r.Context(), queryLimit(r, 100))
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

// HandleAuditTrail handles GET /v1/workflows/{id}/audit.
func (h *Handlers) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, err := parseWorkflowID(r)
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	entries, err := h.engine.AuditTrail(r.Context(), id)
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// HandleVerifyAudit handles GET /v1/workflows/{id}/audit/verify. A broken
// chain is reported as 409 integrity_violation.
func (h *Handlers) HandleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseWorkflowID(r)
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	v, err := h.engine.VerifyAudit(r.Context(), id)
	if err != nil {
		if model.IsKind(err, model.KindIntegrityViolation) {
			h.logger.Warn("audit verification failed", "workflow_id", id, "error", err)
		}
		writeKindError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, v)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:     status,
		Version:    h.version,
		Storage:    storageStatus,
		Driver:     h.store.Driver(),
		ActiveRuns: h.engine.ActiveRuns(),
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	}
	if h.hub != nil {
		resp.Broadcast = "running"
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

func parseWorkflowID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, model.Errorf(model.KindValidation, "invalid workflow id: %q", raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
