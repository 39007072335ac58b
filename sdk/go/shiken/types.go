package shiken

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
)

// StartWorkflowRequest starts test generation. Set PullRequestURL, or
// Repository and Branch.
type StartWorkflowRequest struct {
	PullRequestURL string  `json:"pull_request_url,omitempty"`
	Repository     string  `json:"repository,omitempty"`
	Branch         string  `json:"branch,omitempty"`
	TicketKey      *string `json:"ticket_key,omitempty"`
	ProjectKey     *string `json:"project_key,omitempty"`
	Assignee       *string `json:"assignee,omitempty"`
	Summary        *string `json:"summary,omitempty"`
	ModelVersion   string  `json:"model_version,omitempty"`
}

// StartWorkflowResponse identifies the accepted workflow.
type StartWorkflowResponse struct {
	WorkflowID uuid.UUID      `json:"workflow_id"`
	Status     WorkflowStatus `json:"status"`
}

// StageState is the common status block of every stage.
type StageState struct {
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// GeneratedFile is one generated test file.
type GeneratedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// TicketResult is the tracker item a workflow filed.
type TicketResult struct {
	Key        string  `json:"key"`
	URL        string  `json:"url,omitempty"`
	ParentKey  *string `json:"parent_key"`
	ProjectKey string  `json:"project_key,omitempty"`
	Synthetic  bool    `json:"synthetic"`
}

// RewardSnapshot is one scored run.
type RewardSnapshot struct {
	Timestamp           time.Time `json:"timestamp"`
	CodeQualityReward   float64   `json:"code_quality_reward"`
	TestExecutionReward float64   `json:"test_execution_reward"`
	ReasoningReward     float64   `json:"reasoning_reward"`
	CombinedReward      float64   `json:"combined_reward"`
	HighQuality         bool      `json:"high_quality"`
	ModelVersion        string    `json:"model_version,omitempty"`
}

// Workflow is a workflow record. Stage sections the SDK does not model in
// detail are kept as raw JSON.
type Workflow struct {
	ID      uuid.UUID      `json:"id"`
	Status  WorkflowStatus `json:"status"`
	Stage   string         `json:"stage,omitempty"`
	CodeRef struct {
		PullRequestURL string `json:"pull_request_url,omitempty"`
		Repository     string `json:"repository,omitempty"`
		Branch         string `json:"branch,omitempty"`
	} `json:"code_ref"`
	TicketKey    *string `json:"ticket_key,omitempty"`
	ModelVersion string  `json:"model_version,omitempty"`
	Actor        string  `json:"actor"`

	Source     json.RawMessage `json:"source,omitempty"`
	Planning   json.RawMessage `json:"planning,omitempty"`
	Generation struct {
		StageState
		Framework string          `json:"framework,omitempty"`
		Files     []GeneratedFile `json:"files,omitempty"`
	} `json:"generation"`
	TestExecution struct {
		StageState
		PassRate   float64  `json:"pass_rate"`
		Stability  float64  `json:"stability"`
		FlakyTests []string `json:"flaky_tests,omitempty"`
	} `json:"test_execution"`
	Review struct {
		StageState
		Score   *float64 `json:"score,omitempty"`
		Summary string   `json:"summary,omitempty"`
	} `json:"review"`
	TicketPush struct {
		StageState
		Result *TicketResult `json:"result,omitempty"`
	} `json:"ticket_push"`
	RLTraining struct {
		Rewards       []RewardSnapshot `json:"rewards,omitempty"`
		AverageReward float64          `json:"average_reward"`
		HighQuality   bool             `json:"high_quality"`
	} `json:"rl_training"`

	Error       *string    `json:"error,omitempty"`
	ErrorKind   *string    `json:"error_kind,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the workflow has finished.
func (w Workflow) Terminal() bool {
	return w.Status == StatusCompleted || w.Status == StatusFailed
}

// ListOptions filters ListWorkflows.
type ListOptions struct {
	Status       WorkflowStatus
	RewardedOnly bool
	Limit        int
}

// TierCounts counts workflows per reward tier.
type TierCounts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// CohortSummary aggregates one comparison cohort.
type CohortSummary struct {
	Name                 string  `json:"name"`
	Count                int     `json:"count"`
	AverageReward        float64 `json:"average_reward"`
	AverageCodeQuality   float64 `json:"average_code_quality"`
	AverageTestExecution float64 `json:"average_test_execution"`
	AverageReasoning     float64 `json:"average_reasoning"`
	HighQualityCount     int     `json:"high_quality_count"`
}

// RewardMetrics is the aggregate reward report.
type RewardMetrics struct {
	TotalWorkflows      int           `json:"total_workflows"`
	AverageReward       float64       `json:"average_reward"`
	HighQualityExamples int           `json:"high_quality_examples"`
	Baseline            CohortSummary `json:"baseline"`
	Improved            CohortSummary `json:"improved"`
	Improvement         float64       `json:"improvement"`
	Tiers               TierCounts    `json:"tiers"`
	Mixture             struct {
		Target   TierCounts `json:"target"`
		Selected TierCounts `json:"selected"`
	} `json:"mixture"`
}

// AuditVerification is the result of re-hashing a workflow's audit trail.
type AuditVerification struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	Verified   bool      `json:"verified"`
	Entries    int       `json:"entries"`
	MerkleRoot string    `json:"merkle_root"`
}
