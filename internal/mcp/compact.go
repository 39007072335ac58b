package mcp

import (
	"github.com/ashita-ai/shiken/internal/model"
)

// compactWorkflow returns a minimal representation of a workflow for MCP
// responses. Drops the raw diff, generated file contents, review comments
// and per-run history, which agents rarely act on and which can be large.
func compactWorkflow(wf model.Workflow) map[string]any {
	m := map[string]any{
		"id":         wf.ID,
		"status":     wf.Status,
		"code_ref":   wf.CodeRef.String(),
		"actor":      wf.Actor,
		"created_at": wf.CreatedAt,
		"stages": map[string]model.StageStatus{
			string(model.StageSourceFetch):   wf.Source.Status,
			string(model.StagePlanning):      wf.Planning.Status,
			string(model.StageGeneration):    wf.Generation.Status,
			string(model.StageTestExecution): wf.TestExecution.Status,
			string(model.StageReview):        wf.Review.Status,
			string(model.StageTicketPush):    wf.TicketPush.Status,
		},
	}
	if wf.Stage != "" {
		m["stage"] = wf.Stage
	}
	if wf.TicketKey != nil {
		m["ticket_key"] = *wf.TicketKey
	}
	if wf.Error != nil {
		m["error"] = *wf.Error
	}
	if wf.ErrorKind != nil {
		m["error_kind"] = *wf.ErrorKind
	}
	if wf.CompletedAt != nil {
		m["completed_at"] = wf.CompletedAt
	}
	if len(wf.Generation.Files) > 0 {
		paths := make([]string, 0, len(wf.Generation.Files))
		for _, f := range wf.Generation.Files {
			paths = append(paths, f.Path)
		}
		m["generated_files"] = paths
	}
	if runs := len(wf.TestExecution.RunHistory); runs > 0 {
		m["tests"] = map[string]any{
			"runs":        runs,
			"pass_rate":   wf.TestExecution.PassRate,
			"stability":   wf.TestExecution.Stability,
			"flaky_tests": wf.TestExecution.FlakyTests,
		}
	}
	if wf.Review.Score != nil {
		m["review_score"] = *wf.Review.Score
	}
	if r := wf.TicketPush.Result; r != nil {
		m["ticket"] = r
	}
	if n := len(wf.RLTraining.Rewards); n > 0 {
		latest := wf.RLTraining.Rewards[n-1]
		m["reward"] = map[string]any{
			"combined":     latest.CombinedReward,
			"high_quality": latest.HighQuality,
			"average":      wf.RLTraining.AverageReward,
		}
	}
	return m
}
