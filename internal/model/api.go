package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data  any          `json:"data"`
	Limit int          `json:"limit"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error codes for API responses.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeIntegrityViolation = "INTEGRITY_VIOLATION"
	ErrCodeImmutable          = "IMMUTABLE_RECORD"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
)

// StartWorkflowRequest is the request body for POST /v1/workflows.
type StartWorkflowRequest struct {
	PullRequestURL string  `json:"pull_request_url,omitempty"`
	Repository     string  `json:"repository,omitempty"`
	Branch         string  `json:"branch,omitempty"`
	TicketKey      *string `json:"ticket_key,omitempty"`
	ProjectKey     *string `json:"project_key,omitempty"`
	Assignee       *string `json:"assignee,omitempty"`
	Summary        *string `json:"summary,omitempty"`
	ModelVersion   string  `json:"model_version,omitempty"`
}

// Trigger converts the request into orchestrator input on behalf of actor.
func (r StartWorkflowRequest) Trigger(actor string) TriggerInput {
	return TriggerInput{
		CodeRef: CodeRef{
			PullRequestURL: r.PullRequestURL,
			Repository:     r.Repository,
			Branch:         r.Branch,
		},
		TicketKey:    r.TicketKey,
		ProjectKey:   r.ProjectKey,
		Assignee:     r.Assignee,
		Summary:      r.Summary,
		ModelVersion: r.ModelVersion,
		Actor:        actor,
	}
}

// StartWorkflowResponse is returned by POST /v1/workflows.
type StartWorkflowResponse struct {
	WorkflowID uuid.UUID      `json:"workflow_id"`
	Status     WorkflowStatus `json:"status"`
}

// WebhookAck is returned for webhook deliveries that do not start a workflow.
type WebhookAck struct {
	Accepted   bool       `json:"accepted"`
	WorkflowID *uuid.UUID `json:"workflow_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	ClientID string `json:"client_id" validate:"required,max=200"`
	APIKey   string `json:"api_key" validate:"required"`
}

// AuthTokenResponse is returned by POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateClientRequest is the request body for POST /v1/clients.
type CreateClientRequest struct {
	ClientID string `json:"client_id" validate:"required,max=200"`
	Name     string `json:"name" validate:"max=200"`
	Role     Role   `json:"role" validate:"required,oneof=admin operator reader"`
	APIKey   string `json:"api_key" validate:"required,min=16"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Storage    string `json:"storage"`
	Driver     string `json:"driver"`
	ActiveRuns int    `json:"active_runs"`
	Broadcast  string `json:"broadcast,omitempty"`
	Uptime     int64  `json:"uptime_seconds"`
}
