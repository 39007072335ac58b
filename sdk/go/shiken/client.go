// Package shiken provides a Go client for the Shiken workflow API.
//
//	c, err := shiken.NewClient(shiken.Config{
//	    BaseURL:  "http://localhost:8080",
//	    ClientID: "ci-bot",
//	    APIKey:   os.Getenv("SHIKEN_API_KEY"),
//	})
//	resp, err := c.StartWorkflow(ctx, shiken.StartWorkflowRequest{PullRequestURL: prURL})
//	wf, err := c.WaitForWorkflow(ctx, resp.WorkflowID, 5*time.Second)
package shiken

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Shiken server (e.g. "http://localhost:8080").
	BaseURL string

	// ClientID and APIKey are exchanged for a JWT. Leave both empty for a
	// server running with authentication disabled.
	ClientID string
	APIKey   string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Shiken API. Safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager // nil when no credentials are configured
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("shiken: BaseURL is required")
	}
	if (cfg.ClientID == "") != (cfg.APIKey == "") {
		return nil, fmt.Errorf("shiken: ClientID and APIKey must be set together")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{baseURL: baseURL, client: httpClient}
	if cfg.ClientID != "" {
		c.tokenMgr = newTokenManager(baseURL, cfg.ClientID, cfg.APIKey, httpClient)
	}
	return c, nil
}

// StartWorkflow starts test generation. The workflow runs asynchronously;
// the response carries its id in pending status.
func (c *Client) StartWorkflow(ctx context.Context, req StartWorkflowRequest) (*StartWorkflowResponse, error) {
	var resp StartWorkflowResponse
	if err := c.do(ctx, http.MethodPost, "/v1/workflows", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunWorkflow resumes a pending workflow.
func (c *Client) RunWorkflow(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodPost, "/v1/workflows/"+id.String()+"/run", nil, nil)
}

// GetWorkflow returns one workflow.
func (c *Client) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	var wf Workflow
	if err := c.do(ctx, http.MethodGet, "/v1/workflows/"+id.String(), nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListWorkflows returns workflows newest first. Nil opts lists with the
// server's default limit.
func (c *Client) ListWorkflows(ctx context.Context, opts *ListOptions) ([]Workflow, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
		if opts.RewardedOnly {
			params.Set("rewarded", "true")
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	path := "/v1/workflows"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var wfs []Workflow
	if err := c.do(ctx, http.MethodGet, path, nil, &wfs); err != nil {
		return nil, err
	}
	return wfs, nil
}

// WaitForWorkflow polls until the workflow completes or fails, or ctx ends.
func (c *Client) WaitForWorkflow(ctx context.Context, id uuid.UUID, interval time.Duration) (*Workflow, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		wf, err := c.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if wf.Terminal() {
			return wf, nil
		}
		select {
		case <-ctx.Done():
			return wf, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RewardMetrics returns aggregate reward metrics over the last limit scored
// workflows. Zero uses the server default.
func (c *Client) RewardMetrics(ctx context.Context, limit int) (*RewardMetrics, error) {
	path := "/v1/metrics/rewards"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var m RewardMetrics
	if err := c.do(ctx, http.MethodGet, path, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// VerifyAudit re-hashes a workflow's audit trail on the server. A tampered
// trail is reported as an error for which IsConflict is true.
func (c *Client) VerifyAudit(ctx context.Context, id uuid.UUID) (*AuditVerification, error) {
	var v AuditVerification
	if err := c.do(ctx, http.MethodGet, "/v1/workflows/"+id.String()+"/audit/verify", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("shiken: marshal request body: %w", err)
		}
	}

	err := c.send(ctx, method, path, encoded, dest)
	// A token revoked or expired server-side gets one fresh exchange.
	if IsUnauthorized(err) && c.tokenMgr != nil {
		c.tokenMgr.invalidate()
		err = c.send(ctx, method, path, encoded, dest)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, dest any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("shiken: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokenMgr != nil {
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("shiken: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("shiken: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("shiken: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
