// Package tracker is a client for a Jira-style issue tracker (REST API v2).
//
// Every call takes explicit Credentials. Expected failures come back as
// *model.Error with a kind (unauthorized, no_permission, not_found,
// no_credentials, timeout, api_error) so callers can branch on the class
// without inspecting HTTP details. Outbound requests are throttled
// client-side with a token bucket.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashita-ai/shiken/internal/model"
)

// Config holds client settings.
type Config struct {
	// RequestsPerSecond caps outbound calls. Zero means 5.
	RequestsPerSecond float64
	// Burst is the token bucket size. Zero means 5.
	Burst int
	// HTTPClient overrides the default client (30s timeout).
	HTTPClient *http.Client
}

// Client calls the tracker's REST API. Safe for concurrent use.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

// BrowseURL returns the human-facing URL of an issue.
func BrowseURL(creds Credentials, key string) string {
	return strings.TrimRight(creds.BaseURL, "/") + "/browse/" + key
}

// GetProject fetches a project by key.
func (c *Client) GetProject(ctx context.Context, creds Credentials, key string) (Project, error) {
	var p Project
	err := c.do(ctx, creds, http.MethodGet, "/rest/api/2/project/"+url.PathEscape(key), nil, &p)
	return p, err
}

// GetIssue fetches an issue by key.
func (c *Client) GetIssue(ctx context.Context, creds Credentials, key string) (Issue, error) {
	var is Issue
	err := c.do(ctx, creds, http.MethodGet, "/rest/api/2/issue/"+url.PathEscape(key), nil, &is)
	return is, err
}

// CreateIssue creates an issue, or a subtask when req.ParentKey is set.
func (c *Client) CreateIssue(ctx context.Context, creds Credentials, req CreateIssueRequest) (CreatedIssue, error) {
	issueType := req.IssueType
	if issueType == "" {
		issueType = IssueTypeTask
		if req.ParentKey != "" {
			issueType = IssueTypeSubtask
		}
	}
	body := issueCreateBody{Fields: issueCreateFields{
		Project:     IssueRef{Key: req.ProjectKey},
		Summary:     req.Summary,
		Description: req.Description,
		IssueType:   IssueType{Name: issueType},
		Labels:      req.Labels,
	}}
	if req.ParentKey != "" {
		body.Fields.Parent = &IssueRef{Key: req.ParentKey}
	}
	if req.Assignee != "" {
		body.Fields.Assignee = &assignee{Name: req.Assignee}
	}
	var out CreatedIssue
	err := c.do(ctx, creds, http.MethodPost, "/rest/api/2/issue", body, &out)
	return out, err
}

// CreateProject creates a project.
func (c *Client) CreateProject(ctx context.Context, creds Credentials, req CreateProjectRequest) (Project, error) {
	if req.ProjectTypeKey == "" {
		req.ProjectTypeKey = "software"
	}
	var p Project
	if err := c.do(ctx, creds, http.MethodPost, "/rest/api/2/project", req, &p); err != nil {
		return Project{}, err
	}
	if p.Key == "" {
		p.Key = req.Key
	}
	if p.Name == "" {
		p.Name = req.Name
	}
	return p, nil
}

// ListIssues returns up to limit issues of a project, most recently created first.
func (c *Client) ListIssues(ctx context.Context, creds Credentials, projectKey string, limit int) ([]Issue, error) {
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{}
	q.Set("jql", fmt.Sprintf("project=%s ORDER BY created DESC", projectKey))
	q.Set("maxResults", fmt.Sprint(limit))
	var resp searchResponse
	if err := c.do(ctx, creds, http.MethodGet, "/rest/api/2/search?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Issues, nil
}

// TransitionIssue moves an issue to the transition whose name or target
// status matches status (case-insensitive). An unavailable transition is
// not_found.
func (c *Client) TransitionIssue(ctx context.Context, creds Credentials, key, status string) error {
	path := "/rest/api/2/issue/" + url.PathEscape(key) + "/transitions"
	var resp transitionsResponse
	if err := c.do(ctx, creds, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	for _, t := range resp.Transitions {
		if strings.EqualFold(t.Name, status) || strings.EqualFold(t.To.Name, status) {
			return c.do(ctx, creds, http.MethodPost, path, transitionBody{Transition: transitionID{ID: t.ID}}, nil)
		}
	}
	return model.Errorf(model.KindNotFound, "tracker: issue %s has no transition to %q", key, status)
}

func (c *Client) do(ctx context.Context, creds Credentials, method, path string, body, dest any) error {
	if !creds.Valid() {
		return model.Errorf(model.KindNoCredentials, "tracker: credentials are not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if _, ok := ctx.Deadline(); ok && ctx.Err() == nil {
			// The wait would outlast the deadline.
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return classifyTransport(method, path, err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tracker: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(creds.BaseURL, "/")+path, reader)
	if err != nil {
		return model.WrapError(model.KindAPIError, fmt.Errorf("tracker: create request: %w", err))
	}
	req.SetBasicAuth(creds.Email, creds.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return classifyTransport(method, path, err)
	}
	c.logger.Debug("tracker call", "method", method, "path", path, "status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= 400 {
		return classifyStatus(resp.StatusCode, method, path, raw)
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return model.WrapError(model.KindAPIError, fmt.Errorf("tracker: decode %s %s: %w", method, path, err))
	}
	return nil
}

func classifyTransport(method, path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.Error{Kind: model.KindTimeout, Message: fmt.Sprintf("tracker: %s %s timed out", method, path), Err: err}
	}
	return &model.Error{Kind: model.KindAPIError, Message: fmt.Sprintf("tracker: %s %s: %v", method, path, err), Err: err}
}

func classifyStatus(status int, method, path string, body []byte) error {
	var kind model.ErrorKind
	switch status {
	case http.StatusUnauthorized:
		kind = model.KindUnauthorized
	case http.StatusForbidden:
		kind = model.KindNoPermission
	case http.StatusNotFound:
		kind = model.KindNotFound
	default:
		kind = model.KindAPIError
	}
	return model.Errorf(kind, "tracker: %s %s returned %d: %s", method, path, status, errorDetail(status, body))
}

func errorDetail(status int, body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		msgs := append([]string(nil), er.ErrorMessages...)
		for field, msg := range er.Errors {
			msgs = append(msgs, field+": "+msg)
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	if len(body) > 0 && len(body) < 512 {
		return strings.TrimSpace(string(body))
	}
	return http.StatusText(status)
}
