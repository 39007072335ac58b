// Package collab defines the narrow contracts the orchestrator calls at each
// pipeline stage, and their HTTP and LLM implementations.
//
// Implementations classify expected failures as *model.Error so the
// orchestrator can persist the kind alongside the message.
package collab

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiken/internal/model"
)

// Diff is a fetched change set with per-file line counts.
type Diff struct {
	Raw       string
	Files     []model.FileChange
	Additions int
	Deletions int
}

// Empty reports whether the diff touches nothing.
func (d Diff) Empty() bool {
	return len(d.Files) == 0
}

// SourceFetcher retrieves the diff for a code reference.
type SourceFetcher interface {
	Fetch(ctx context.Context, ref model.CodeRef) (Diff, error)
}

// PlanRequest is the planner's input.
type PlanRequest struct {
	CodeRef model.CodeRef
	Diff    Diff
}

// Planner proposes test cases for a diff.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (model.TestPlan, error)
}

// GenerateRequest is the generator's input.
type GenerateRequest struct {
	CodeRef model.CodeRef
	Diff    Diff
	Plan    model.TestPlan
}

// Generated is the generator's output.
type Generated struct {
	Framework string
	Files     []model.GeneratedFile
}

// Generator writes test code for a plan.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Generated, error)
}

// ReportRequest asks for the results of one execution pass. Attempt is
// zero-based.
type ReportRequest struct {
	WorkflowID uuid.UUID
	CodeRef    model.CodeRef
	Plan       model.TestPlan
	Files      []model.GeneratedFile
	Attempt    int
}

// TestReporter returns externally produced results for the generated tests.
// The engine never executes tests itself.
type TestReporter interface {
	Report(ctx context.Context, req ReportRequest) (model.TestRun, error)
}

// Review is the review bot's verdict. Score is in [0,1].
type Review struct {
	Score    float64
	Summary  string
	Comments []model.ReviewComment
}

// ReviewBot reviews generated tests against a pull request.
type ReviewBot interface {
	Review(ctx context.Context, pullRequestURL string, files []model.GeneratedFile) (Review, error)
}

var (
	_ SourceFetcher = (*GitHubFetcher)(nil)
	_ Planner       = (*OpenAIPlanner)(nil)
	_ Generator     = (*OpenAIGenerator)(nil)
	_ TestReporter  = (*HTTPReporter)(nil)
	_ TestReporter  = (*StaticReporter)(nil)
	_ ReviewBot     = (*HTTPReviewBot)(nil)
)
