package collab

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/shiken/internal/model"
)

// HTTPReviewBot asks an external review service to assess generated tests.
//
// POST {base}/reviews with {"pull_request_url","files"} answered by
// {"score","summary","comments"}.
type HTTPReviewBot struct {
	baseURL string
	http    *http.Client
}

// NewHTTPReviewBot creates an HTTPReviewBot. A nil client gets a 60s timeout.
func NewHTTPReviewBot(baseURL string, hc *http.Client) *HTTPReviewBot {
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPReviewBot{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

type reviewRequest struct {
	PullRequestURL string                `json:"pull_request_url"`
	Files          []model.GeneratedFile `json:"files"`
}

type reviewResponse struct {
	Score    float64               `json:"score"`
	Summary  string                `json:"summary"`
	Comments []model.ReviewComment `json:"comments"`
}

// Review implements ReviewBot.
func (b *HTTPReviewBot) Review(ctx context.Context, pullRequestURL string, files []model.GeneratedFile) (Review, error) {
	var resp reviewResponse
	err := doJSON(ctx, b.http, http.MethodPost, b.baseURL+"/reviews", nil,
		reviewRequest{PullRequestURL: pullRequestURL, Files: files}, &resp)
	if err != nil {
		return Review{}, err
	}
	if resp.Score < 0 || resp.Score > 1 {
		return Review{}, model.Errorf(model.KindAPIError, "collab: review score %v outside [0,1]", resp.Score)
	}
	return Review{Score: resp.Score, Summary: resp.Summary, Comments: resp.Comments}, nil
}
