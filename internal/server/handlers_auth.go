package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiken/internal/auth"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/storage"
)

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.jwtMgr == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "authentication is disabled")
		return
	}
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id and api_key are required")
		return
	}

	client, err := h.store.GetAPIClient(r.Context(), req.ClientID)
	if err != nil {
		if !isNotFound(err) {
			writeKindError(w, r, h.logger, err)
			return
		}
		// Equalize timing with the found-client path.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, err := auth.VerifyAPIKey(req.APIKey, client.APIKeyHash)
	if err != nil || !valid {
		if err != nil {
			h.logger.Warn("stored api key hash is unreadable", "client_id", client.ClientID, "error", err)
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(client)
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	h.logger.Info("token issued", "client_id", client.ClientID, "role", client.Role)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleCreateClient handles POST /v1/clients (admin-only).
func (h *Handlers) HandleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req model.CreateClientRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	client, err := h.createClient(r.Context(), req)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
				fmt.Sprintf("client %q already exists", req.ClientID))
			return
		}
		writeKindError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, client)
}

func (h *Handlers) createClient(ctx context.Context, req model.CreateClientRequest) (model.APIClient, error) {
	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		return model.APIClient{}, err
	}
	name := req.Name
	if name == "" {
		name = req.ClientID
	}
	client := model.APIClient{
		ID:         uuid.New(),
		ClientID:   req.ClientID,
		Name:       name,
		Role:       req.Role,
		APIKeyHash: hash,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.CreateAPIClient(ctx, client); err != nil {
		return model.APIClient{}, err
	}
	return client, nil
}

// SeedAdmin creates the bootstrap admin client when no clients exist.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	count, err := h.store.CountAPIClients(ctx)
	if err != nil {
		return fmt.Errorf("seed admin: count clients: %w", err)
	}
	if count > 0 {
		h.logger.Info("api clients exist, skipping admin seed", "clients", count)
		return nil
	}
	if adminAPIKey == "" {
		return errors.New("seed admin: SHIKEN_ADMIN_API_KEY is empty and no clients exist; set it to bootstrap admin access")
	}
	if _, err := h.createClient(ctx, model.CreateClientRequest{
		ClientID: "admin",
		Name:     "System Admin",
		Role:     model.RoleAdmin,
		APIKey:   adminAPIKey,
	}); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	h.logger.Info("seeded initial admin client")
	return nil
}
