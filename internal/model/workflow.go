// Package model defines the core domain types for Shiken.
//
// The Workflow aggregate is persisted as a document alongside a handful of
// indexed columns; every other type here is either a piece of that document,
// an audit record, or an API payload.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed
}

// Stage names one step of the pipeline.
type Stage string

const (
	StageSourceFetch   Stage = "source_fetch"
	StagePlanning      Stage = "ai_planning"
	StageGeneration    Stage = "ai_generation"
	StageTestExecution Stage = "test_execution"
	StageReview        Stage = "code_review"
	StageTicketPush    Stage = "ticket_push"
)

// Stages is the fixed execution order.
var Stages = []Stage{
	StageSourceFetch,
	StagePlanning,
	StageGeneration,
	StageTestExecution,
	StageReview,
	StageTicketPush,
}

// Predecessor returns the stage that must be terminal before s can complete.
// The first stage has no predecessor.
func (s Stage) Predecessor() (Stage, bool) {
	for i, st := range Stages {
		if st == s && i > 0 {
			return Stages[i-1], true
		}
	}
	return "", false
}

// StageStatus is the narrower per-stage status.
type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusFetching   StageStatus = "fetching"
	StatusPlanning   StageStatus = "planning"
	StatusGenerating StageStatus = "generating"
	StatusExecuting  StageStatus = "executing"
	StatusReviewing  StageStatus = "reviewing"
	StatusPushing    StageStatus = "pushing"
	StatusComplete   StageStatus = "complete"
	StatusFailed     StageStatus = "failed"
	// StatusNoPR is only valid for the code review stage.
	StatusNoPR StageStatus = "no_pr_available"
)

var activeStatus = map[Stage]StageStatus{
	StageSourceFetch:   StatusFetching,
	StagePlanning:      StatusPlanning,
	StageGeneration:    StatusGenerating,
	StageTestExecution: StatusExecuting,
	StageReview:        StatusReviewing,
	StageTicketPush:    StatusPushing,
}

// ActiveStatus returns the in-progress status for a stage.
func (s Stage) ActiveStatus() StageStatus {
	return activeStatus[s]
}

// Terminal reports whether the stage status is final.
func (s StageStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusNoPR
}

func stageRank(s StageStatus) int {
	switch {
	case s == StatusPending || s == "":
		return 0
	case s.Terminal():
		return 2
	default:
		return 1
	}
}

// StageState is embedded in every stage sub-record.
type StageState struct {
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Error       *string     `json:"error,omitempty"`
}

// CodeRef locates the change under test: either a pull request or a
// repository and branch.
type CodeRef struct {
	PullRequestURL string `json:"pull_request_url,omitempty" validate:"omitempty,url"`
	Repository     string `json:"repository,omitempty" validate:"required_without=PullRequestURL,max=200"`
	Branch         string `json:"branch,omitempty" validate:"required_with=Repository,max=200"`
}

// HasPullRequest reports whether the reference points at a reviewable PR.
func (c CodeRef) HasPullRequest() bool {
	return c.PullRequestURL != ""
}

// String renders the reference for logs and ticket bodies.
func (c CodeRef) String() string {
	if c.PullRequestURL != "" {
		return c.PullRequestURL
	}
	return c.Repository + "@" + c.Branch
}

// FileChange summarizes one file of a fetched diff.
type FileChange struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// SourceStage holds the fetched diff.
type SourceStage struct {
	StageState
	Diff      string       `json:"diff,omitempty"`
	Files     []FileChange `json:"files,omitempty"`
	Additions int          `json:"additions"`
	Deletions int          `json:"deletions"`
}

// PlannedCase is one test the planner proposes.
type PlannedCase struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Target      string `json:"target,omitempty"`
}

// TestPlan is the planner's output.
type TestPlan struct {
	Cases      []PlannedCase `json:"cases"`
	Reasoning  string        `json:"reasoning"`
	Confidence float64       `json:"confidence"`
}

// PlanningStage holds the test plan.
type PlanningStage struct {
	StageState
	Plan *TestPlan `json:"plan,omitempty"`
}

// GeneratedFile is one file of generated test code.
type GeneratedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// GenerationStage holds generated test code.
type GenerationStage struct {
	StageState
	Framework string          `json:"framework,omitempty"`
	Files     []GeneratedFile `json:"files,omitempty"`
}

// ReviewComment is one finding from the review bot.
type ReviewComment struct {
	Path     string `json:"path,omitempty"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity,omitempty"`
	Body     string `json:"body"`
}

// ReviewStage holds the code review outcome. Score is nil when no pull
// request was available.
type ReviewStage struct {
	StageState
	PullRequestURL string          `json:"pull_request_url,omitempty"`
	Score          *float64        `json:"score,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	Comments       []ReviewComment `json:"comments,omitempty"`
}

// TicketPushStage holds the ticket push outcome.
type TicketPushStage struct {
	StageState
	Result *TicketResult `json:"result,omitempty"`
}

// TriggerInput starts a workflow.
type TriggerInput struct {
	CodeRef      CodeRef `json:"code_ref"`
	TicketKey    *string `json:"ticket_key,omitempty" validate:"omitempty,max=64"`
	ProjectKey   *string `json:"project_key,omitempty" validate:"omitempty,max=64"`
	Assignee     *string `json:"assignee,omitempty" validate:"omitempty,max=200"`
	Summary      *string `json:"summary,omitempty" validate:"omitempty,max=500"`
	ModelVersion string  `json:"model_version,omitempty" validate:"omitempty,max=100"`
	Actor        string  `json:"actor,omitempty" validate:"omitempty,max=200"`
}

// Workflow is the aggregate root for one pipeline run.
type Workflow struct {
	ID               uuid.UUID          `json:"id"`
	Status           WorkflowStatus     `json:"status"`
	Stage            Stage              `json:"stage,omitempty"`
	CodeRef          CodeRef            `json:"code_ref"`
	TicketKey        *string            `json:"ticket_key,omitempty"`
	TicketProjectKey *string            `json:"ticket_project_key,omitempty"`
	Assignee         *string            `json:"assignee,omitempty"`
	Summary          *string            `json:"summary,omitempty"`
	ModelVersion     string             `json:"model_version,omitempty"`
	Actor            string             `json:"actor"`
	Source           SourceStage        `json:"source"`
	Planning         PlanningStage      `json:"planning"`
	Generation       GenerationStage    `json:"generation"`
	TestExecution    TestExecutionStage `json:"test_execution"`
	Review           ReviewStage        `json:"review"`
	TicketPush       TicketPushStage    `json:"ticket_push"`
	RLTraining       RLTraining         `json:"rl_training"`
	Error            *string            `json:"error,omitempty"`
	ErrorKind        *ErrorKind         `json:"error_kind,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
}

// NewWorkflow builds a pending workflow from a trigger.
func NewWorkflow(in TriggerInput, defaultModelVersion string, now time.Time) Workflow {
	actor := in.Actor
	if actor == "" {
		actor = DefaultActor
	}
	mv := in.ModelVersion
	if mv == "" {
		mv = defaultModelVersion
	}
	wf := Workflow{
		ID:               uuid.New(),
		Status:           WorkflowPending,
		CodeRef:          in.CodeRef,
		TicketKey:        in.TicketKey,
		TicketProjectKey: in.ProjectKey,
		Assignee:         in.Assignee,
		Summary:          in.Summary,
		ModelVersion:     mv,
		Actor:            actor,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, s := range Stages {
		wf.StageState(s).Status = StatusPending
	}
	return wf
}

// StageState returns a pointer to the shared state of the named stage.
func (w *Workflow) StageState(s Stage) *StageState {
	switch s {
	case StageSourceFetch:
		return &w.Source.StageState
	case StagePlanning:
		return &w.Planning.StageState
	case StageGeneration:
		return &w.Generation.StageState
	case StageTestExecution:
		return &w.TestExecution.StageState
	case StageReview:
		return &w.Review.StageState
	case StageTicketPush:
		return &w.TicketPush.StageState
	}
	return nil
}

// AdvanceStage moves a stage sub-record forward. It rejects changes while the
// workflow is not running, backward moves, and completion before the
// predecessor stage is terminal.
func (w *Workflow) AdvanceStage(s Stage, to StageStatus, now time.Time) error {
	if w.Status != WorkflowRunning {
		return fmt.Errorf("model: stage %s: workflow is %s", s, w.Status)
	}
	st := w.StageState(s)
	if st == nil {
		return fmt.Errorf("model: unknown stage %q", s)
	}
	if to == StatusNoPR && s != StageReview {
		return fmt.Errorf("model: %s is only valid for %s", StatusNoPR, StageReview)
	}
	if stageRank(to) <= stageRank(st.Status) {
		return fmt.Errorf("model: stage %s cannot move from %s to %s", s, st.Status, to)
	}
	if to == StatusComplete || to == StatusNoPR {
		if prev, ok := s.Predecessor(); ok && !w.StageState(prev).Status.Terminal() {
			return fmt.Errorf("model: stage %s cannot complete before %s", s, prev)
		}
	}
	st.Status = to
	t := now
	if stageRank(to) == 1 {
		st.StartedAt = &t
		w.Stage = s
	} else {
		st.CompletedAt = &t
	}
	w.UpdatedAt = now
	return nil
}

// Begin moves a pending workflow to running.
func (w *Workflow) Begin(now time.Time) error {
	if w.Status != WorkflowPending {
		return fmt.Errorf("model: cannot start workflow in status %s", w.Status)
	}
	w.Status = WorkflowRunning
	w.UpdatedAt = now
	return nil
}

// Complete moves a running workflow to completed.
func (w *Workflow) Complete(now time.Time) error {
	if w.Status != WorkflowRunning {
		return fmt.Errorf("model: cannot complete workflow in status %s", w.Status)
	}
	w.Status = WorkflowCompleted
	w.UpdatedAt = now
	w.CompletedAt = &now
	return nil
}

// Fail moves a non-terminal workflow to failed and records the error.
func (w *Workflow) Fail(kind ErrorKind, msg string, now time.Time) error {
	if w.Status.Terminal() {
		return fmt.Errorf("model: cannot fail workflow in status %s", w.Status)
	}
	w.Status = WorkflowFailed
	w.Error = &msg
	w.ErrorKind = &kind
	w.UpdatedAt = now
	w.CompletedAt = &now
	return nil
}
