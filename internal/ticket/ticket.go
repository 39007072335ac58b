// Package ticket pushes generated test results to the issue tracker through a
// deterministic fallback chain: subtask of the given parent, then standalone
// item in the target project, then (optionally) a synthetic placeholder.
package ticket

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/tracker"
)

var errProjectValidation = errors.New("project validation failed")

// Tracker is the subset of the tracker client the pusher needs.
type Tracker interface {
	GetProject(ctx context.Context, creds tracker.Credentials, key string) (tracker.Project, error)
	GetIssue(ctx context.Context, creds tracker.Credentials, key string) (tracker.Issue, error)
	CreateIssue(ctx context.Context, creds tracker.Credentials, req tracker.CreateIssueRequest) (tracker.CreatedIssue, error)
}

// Config controls fallback behavior.
type Config struct {
	// DefaultProject is used when the payload names no project.
	DefaultProject string
	// SyntheticFallback enables the degraded tier: when standalone creation
	// fails recoverably, a local SYNTH- placeholder is returned instead of
	// an error.
	SyntheticFallback bool
}

// Pusher implements the fallback chain.
type Pusher struct {
	tracker Tracker
	cfg     Config
	logger  *slog.Logger
}

// NewPusher creates a Pusher.
func NewPusher(t Tracker, cfg Config, logger *slog.Logger) *Pusher {
	return &Pusher{tracker: t, cfg: cfg, logger: logger}
}

// Push creates the ticket for payload. With a parentKey it first tries a
// subtask; without one, or when the parent is missing or inaccessible, it
// creates a standalone item with a nil ParentKey. unauthorized and
// no_credentials end the chain immediately.
func (p *Pusher) Push(ctx context.Context, creds tracker.Credentials, parentKey *string, payload model.TicketPayload) (model.TicketResult, error) {
	if parentKey != nil && *parentKey != "" {
		res, err := p.pushSubtask(ctx, creds, *parentKey, payload)
		if err == nil {
			return res, nil
		}
		if !fallsThrough(err) {
			return p.degrade(err, payload)
		}
		p.logger.Info("ticket: subtask unavailable, creating standalone item",
			"parent", *parentKey, "kind", model.KindOf(err), "error", err)
	}

	res, err := p.pushStandalone(ctx, creds, payload)
	if err == nil {
		return res, nil
	}
	return p.degrade(err, payload)
}

func (p *Pusher) pushSubtask(ctx context.Context, creds tracker.Credentials, parentKey string, payload model.TicketPayload) (model.TicketResult, error) {
	parent, err := p.tracker.GetIssue(ctx, creds, parentKey)
	if err != nil {
		return model.TicketResult{}, err
	}
	projectKey := parent.Fields.Project.Key
	if projectKey == "" {
		projectKey = p.projectFor(payload)
	}
	if err := p.validateProject(ctx, creds, projectKey); err != nil {
		return model.TicketResult{}, err
	}
	created, err := p.tracker.CreateIssue(ctx, creds, tracker.CreateIssueRequest{
		ProjectKey:  projectKey,
		Summary:     payload.Summary,
		Description: payload.Description,
		ParentKey:   parent.Key,
		Assignee:    payload.Assignee,
		Labels:      payload.Labels,
	})
	if err != nil {
		return model.TicketResult{}, err
	}
	pk := parent.Key
	return model.TicketResult{
		Key:        created.Key,
		URL:        tracker.BrowseURL(creds, created.Key),
		ParentKey:  &pk,
		ProjectKey: projectKey,
	}, nil
}

func (p *Pusher) pushStandalone(ctx context.Context, creds tracker.Credentials, payload model.TicketPayload) (model.TicketResult, error) {
	projectKey := p.projectFor(payload)
	if err := p.validateProject(ctx, creds, projectKey); err != nil {
		return model.TicketResult{}, err
	}
	created, err := p.tracker.CreateIssue(ctx, creds, tracker.CreateIssueRequest{
		ProjectKey:  projectKey,
		Summary:     payload.Summary,
		Description: payload.Description,
		Assignee:    payload.Assignee,
		Labels:      payload.Labels,
	})
	if err != nil {
		return model.TicketResult{}, err
	}
	return model.TicketResult{
		Key:        created.Key,
		URL:        tracker.BrowseURL(creds, created.Key),
		ProjectKey: projectKey,
	}, nil
}

// validateProject checks the target project exists and is accessible. A 404
// becomes project_not_found; both it and no_permission are marked so the
// chain skips straight to the degraded tier.
func (p *Pusher) validateProject(ctx context.Context, creds tracker.Credentials, key string) error {
	if key == "" {
		return &model.Error{
			Kind:    model.KindProjectNotFound,
			Message: "ticket: no target project and no default project configured",
			Err:     errProjectValidation,
		}
	}
	_, err := p.tracker.GetProject(ctx, creds, key)
	if err == nil {
		return nil
	}
	switch model.KindOf(err) {
	case model.KindNotFound:
		return &model.Error{
			Kind:    model.KindProjectNotFound,
			Message: fmt.Sprintf("ticket: project %s not found", key),
			Err:     fmt.Errorf("%w: %w", errProjectValidation, err),
		}
	case model.KindNoPermission:
		return &model.Error{
			Kind:    model.KindNoPermission,
			Message: fmt.Sprintf("ticket: no permission on project %s", key),
			Err:     fmt.Errorf("%w: %w", errProjectValidation, err),
		}
	}
	return err
}

// degrade returns a synthetic placeholder when the degraded tier is enabled
// and err is recoverable, and err otherwise. api_error and timeout propagate.
func (p *Pusher) degrade(err error, payload model.TicketPayload) (model.TicketResult, error) {
	if !p.cfg.SyntheticFallback || !recoverable(err) {
		return model.TicketResult{}, err
	}
	key, kerr := syntheticKey()
	if kerr != nil {
		return model.TicketResult{}, err
	}
	p.logger.Warn("ticket: no reachable target, returning synthetic ticket",
		"key", key, "kind", model.KindOf(err), "error", err)
	return model.TicketResult{
		Key:        key,
		ProjectKey: p.projectFor(payload),
		Synthetic:  true,
	}, nil
}

func (p *Pusher) projectFor(payload model.TicketPayload) string {
	if payload.ProjectKey != "" {
		return payload.ProjectKey
	}
	return p.cfg.DefaultProject
}

// fallsThrough reports whether a subtask failure should move on to the
// standalone tier.
func fallsThrough(err error) bool {
	if errors.Is(err, errProjectValidation) {
		return false
	}
	switch model.KindOf(err) {
	case model.KindNotFound, model.KindNoPermission:
		return true
	}
	return false
}

// recoverable reports whether err may be absorbed by the synthetic tier: the
// target issue or project is missing or off limits.
func recoverable(err error) bool {
	switch model.KindOf(err) {
	case model.KindNotFound, model.KindNoPermission, model.KindProjectNotFound:
		return true
	}
	return false
}

// IsSynthetic reports whether key is a locally fabricated placeholder.
func IsSynthetic(key string) bool {
	return len(key) > len(model.SyntheticKeyPrefix) && key[:len(model.SyntheticKeyPrefix)] == model.SyntheticKeyPrefix
}

func syntheticKey() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("ticket: generate synthetic key: %w", err)
	}
	return model.SyntheticKeyPrefix + hex.EncodeToString(b[:]), nil
}
