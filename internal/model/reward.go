package model

import "time"

// HighQualityThreshold is the combined reward above which a run is high quality.
const HighQualityThreshold = 0.75

// RewardSnapshot is one scored run. CombinedReward and HighQuality are
// derived; construct snapshots with reward.Compute.
type RewardSnapshot struct {
	Timestamp           time.Time `json:"timestamp"`
	CodeQualityReward   float64   `json:"code_quality_reward"`
	TestExecutionReward float64   `json:"test_execution_reward"`
	ReasoningReward     float64   `json:"reasoning_reward"`
	CombinedReward      float64   `json:"combined_reward"`
	HighQuality         bool      `json:"high_quality"`
	ModelVersion        string    `json:"model_version,omitempty"`
}

// RLTraining accumulates reward snapshots for a workflow.
type RLTraining struct {
	Rewards       []RewardSnapshot `json:"rewards,omitempty"`
	AverageReward float64          `json:"average_reward"`
	HighQuality   bool             `json:"high_quality"`
}

// Append adds a snapshot and recomputes the derived fields.
func (r *RLTraining) Append(s RewardSnapshot) {
	r.Rewards = append(r.Rewards, s)
	var sum float64
	for _, rw := range r.Rewards {
		sum += rw.CombinedReward
	}
	r.AverageReward = sum / float64(len(r.Rewards))
	r.HighQuality = s.CombinedReward > HighQualityThreshold
}

// Latest returns the most recent snapshot, if any.
func (r RLTraining) Latest() (RewardSnapshot, bool) {
	if len(r.Rewards) == 0 {
		return RewardSnapshot{}, false
	}
	return r.Rewards[len(r.Rewards)-1], true
}

// RewardTier buckets a combined reward for training-mixture selection.
type RewardTier string

const (
	TierHigh   RewardTier = "high"
	TierMedium RewardTier = "medium"
	TierLow    RewardTier = "low"
)

// TierCounts counts workflows per tier.
type TierCounts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Total returns the sum of all tiers.
func (t TierCounts) Total() int { return t.High + t.Medium + t.Low }

// CohortSummary aggregates rewards for one comparison cohort.
type CohortSummary struct {
	Name                 string  `json:"name"`
	Count                int     `json:"count"`
	AverageReward        float64 `json:"average_reward"`
	AverageCodeQuality   float64 `json:"average_code_quality"`
	AverageTestExecution float64 `json:"average_test_execution"`
	AverageReasoning     float64 `json:"average_reasoning"`
	HighQualityCount     int     `json:"high_quality_count"`
}

// TrainingMixture is the 70/20/10 selection breakdown. Target sums to the
// total workflow count; Selected is capped by what each tier actually holds.
type TrainingMixture struct {
	Target   TierCounts `json:"target"`
	Selected TierCounts `json:"selected"`
}

// RewardMetrics is the aggregate reward report.
type RewardMetrics struct {
	TotalWorkflows      int             `json:"total_workflows"`
	AverageReward       float64         `json:"average_reward"`
	HighQualityExamples int             `json:"high_quality_examples"`
	Baseline            CohortSummary   `json:"baseline"`
	Improved            CohortSummary   `json:"improved"`
	Improvement         float64         `json:"improvement"`
	Tiers               TierCounts      `json:"tiers"`
	Mixture             TrainingMixture `json:"mixture"`
}
