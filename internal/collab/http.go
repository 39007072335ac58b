package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ashita-ai/shiken/internal/model"
)

const maxResponseBytes = 16 << 20

// doRequest sends a request and returns the body of a 2xx response. Non-2xx
// responses and transport errors are classified.
func doRequest(ctx context.Context, hc *http.Client, method, url string, header http.Header, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("collab: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, model.WrapError(model.KindAPIError, fmt.Errorf("collab: create request: %w", err))
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, classifyTransport(method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransport(method, url, err)
	}
	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp.StatusCode, fmt.Sprintf("collab: %s %s returned %d: %s",
			method, url, resp.StatusCode, snippet(raw)))
	}
	return raw, nil
}

func doJSON(ctx context.Context, hc *http.Client, method, url string, header http.Header, body, dest any) error {
	raw, err := doRequest(ctx, hc, method, url, header, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return model.WrapError(model.KindAPIError, fmt.Errorf("collab: decode %s response: %w", url, err))
	}
	return nil
}

func classifyTransport(method, url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.Error{Kind: model.KindTimeout, Message: fmt.Sprintf("collab: %s %s timed out", method, url), Err: err}
	}
	return &model.Error{Kind: model.KindAPIError, Message: fmt.Sprintf("collab: %s %s: %v", method, url, err), Err: err}
}

func classifyStatus(status int, msg string) error {
	switch status {
	case http.StatusUnauthorized:
		return model.Errorf(model.KindUnauthorized, "%s", msg)
	case http.StatusForbidden:
		return model.Errorf(model.KindNoPermission, "%s", msg)
	case http.StatusNotFound:
		return model.Errorf(model.KindNotFound, "%s", msg)
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return model.Errorf(model.KindValidation, "%s", msg)
	}
	return model.Errorf(model.KindAPIError, "%s", msg)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
