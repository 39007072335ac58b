package collab_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiken/internal/collab"
	"github.com/ashita-ai/shiken/internal/model"
)

func TestHTTPReviewBot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reviews", r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "https://github.com/acme/api/pull/7", body["pull_request_url"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"score":    0.85,
			"summary":  "solid coverage",
			"comments": []map[string]any{{"path": "a_test.go", "line": 3, "body": "assert the error"}},
		})
	}))
	defer srv.Close()

	bot := collab.NewHTTPReviewBot(srv.URL+"/", nil)
	rv, err := bot.Review(context.Background(), "https://github.com/acme/api/pull/7",
		[]model.GeneratedFile{{Path: "a_test.go", Content: "package a"}})
	require.NoError(t, err)
	assert.InDelta(t, 0.85, rv.Score, 1e-9)
	require.Len(t, rv.Comments, 1)
	assert.Equal(t, 3, rv.Comments[0].Line)
}

func TestHTTPReviewBotRejectsOutOfRangeScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"score": 85}`))
	}))
	defer srv.Close()

	_, err := collab.NewHTTPReviewBot(srv.URL, nil).Review(context.Background(), "u", nil)
	assert.Equal(t, model.KindAPIError, model.KindOf(err))
}

func TestHTTPReviewBotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := collab.NewHTTPReviewBot(srv.URL, nil).Review(ctx, "u", nil)
	assert.Equal(t, model.KindTimeout, model.KindOf(err))
}

func TestHTTPReporterTalliesCases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/runs", r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.EqualValues(t, 1, body["attempt"])
		_, _ = w.Write([]byte(`{"cases":[{"name":"a","outcome":"passed"},{"name":"b","outcome":"failed"},{"name":"c","outcome":"skipped"}]}`))
	}))
	defer srv.Close()

	run, err := collab.NewHTTPReporter(srv.URL, nil).Report(context.Background(), collab.ReportRequest{Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, run.Total)
	assert.Equal(t, 1, run.Passed)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, 1, run.Skipped)
	assert.False(t, run.RunAt.IsZero())
}

func TestStaticReporterMarksPlannedCasesSkipped(t *testing.T) {
	r := &collab.StaticReporter{}
	run, err := r.Report(context.Background(), collab.ReportRequest{
		Plan: model.TestPlan{Cases: []model.PlannedCase{{Name: "a"}, {Name: "b"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, run.Total)
	assert.Equal(t, 2, run.Skipped)
	assert.Zero(t, run.Passed)
}

func TestStaticReporterReplaysResults(t *testing.T) {
	first := model.TestRun{Total: 1, Passed: 1}
	second := model.TestRun{Total: 1, Failed: 1}
	r := &collab.StaticReporter{Results: []model.TestRun{first, second}}

	got, err := r.Report(context.Background(), collab.ReportRequest{Attempt: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Passed)

	got, err = r.Report(context.Background(), collab.ReportRequest{Attempt: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Failed)
}
