// Package reward scores completed workflows and aggregates the scores into
// training-selection metrics.
package reward

import (
	"math"
	"sort"
	"time"

	"github.com/ashita-ai/shiken/internal/model"
)

// Signal weights. They sum to 1 so the combined reward stays in [0,1].
const (
	WeightCodeQuality   = 0.4
	WeightTestExecution = 0.4
	WeightReasoning     = 0.2
)

// Mixture shares for training selection.
const (
	ShareHigh   = 0.7
	ShareMedium = 0.2
)

const mediumFloor = 0.5

// Compute builds a reward snapshot from the three signals. Each input is
// clamped to [0,1]; a nil input contributes 0.
func Compute(codeQuality, testExecution, reasoning *float64, modelVersion string, now time.Time) model.RewardSnapshot {
	cq := clamp(codeQuality)
	te := clamp(testExecution)
	rs := clamp(reasoning)
	combined := WeightCodeQuality*cq + WeightTestExecution*te + WeightReasoning*rs
	combined = math.Min(1, math.Max(0, combined))
	return model.RewardSnapshot{
		Timestamp:           now.UTC(),
		CodeQualityReward:   cq,
		TestExecutionReward: te,
		ReasoningReward:     rs,
		CombinedReward:      combined,
		HighQuality:         combined > model.HighQualityThreshold,
		ModelVersion:        modelVersion,
	}
}

func clamp(v *float64) float64 {
	if v == nil || math.IsNaN(*v) {
		return 0
	}
	return math.Min(1, math.Max(0, *v))
}

// TierOf buckets a combined reward.
func TierOf(r float64) model.RewardTier {
	switch {
	case r > model.HighQualityThreshold:
		return model.TierHigh
	case r >= mediumFloor:
		return model.TierMedium
	default:
		return model.TierLow
	}
}

// Mixture returns 70/20/10 target counts summing to total.
func Mixture(total int) model.TierCounts {
	if total <= 0 {
		return model.TierCounts{}
	}
	high := int(math.Round(ShareHigh * float64(total)))
	medium := int(math.Round(ShareMedium * float64(total)))
	low := total - high - medium
	if low < 0 {
		medium += low
		low = 0
	}
	return model.TierCounts{High: high, Medium: medium, Low: low}
}

// Summarize aggregates the latest reward of every workflow that has one.
// Cohorts are positional: the older half of the rewarded workflows is the
// baseline and the newer half the improved cohort.
func Summarize(workflows []model.Workflow) model.RewardMetrics {
	type scored struct {
		created time.Time
		snap    model.RewardSnapshot
	}
	var runs []scored
	for _, wf := range workflows {
		if s, ok := wf.RLTraining.Latest(); ok {
			runs = append(runs, scored{created: wf.CreatedAt, snap: s})
		}
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].created.Before(runs[j].created) })

	snaps := make([]model.RewardSnapshot, len(runs))
	for i, r := range runs {
		snaps[i] = r.snap
	}

	var m model.RewardMetrics
	m.TotalWorkflows = len(snaps)
	if len(snaps) == 0 {
		m.Baseline = cohort("baseline", nil)
		m.Improved = cohort("improved", nil)
		return m
	}

	var sum float64
	for _, s := range snaps {
		sum += s.CombinedReward
		if s.HighQuality {
			m.HighQualityExamples++
		}
		switch TierOf(s.CombinedReward) {
		case model.TierHigh:
			m.Tiers.High++
		case model.TierMedium:
			m.Tiers.Medium++
		default:
			m.Tiers.Low++
		}
	}
	m.AverageReward = sum / float64(len(snaps))

	half := len(snaps) / 2
	m.Baseline = cohort("baseline", snaps[:half])
	m.Improved = cohort("improved", snaps[half:])
	if m.Baseline.Count > 0 {
		m.Improvement = m.Improved.AverageReward - m.Baseline.AverageReward
	}

	target := Mixture(len(snaps))
	m.Mixture = model.TrainingMixture{
		Target: target,
		Selected: model.TierCounts{
			High:   min(target.High, m.Tiers.High),
			Medium: min(target.Medium, m.Tiers.Medium),
			Low:    min(target.Low, m.Tiers.Low),
		},
	}
	return m
}

func cohort(name string, snaps []model.RewardSnapshot) model.CohortSummary {
	c := model.CohortSummary{Name: name, Count: len(snaps)}
	if len(snaps) == 0 {
		return c
	}
	n := float64(len(snaps))
	for _, s := range snaps {
		c.AverageReward += s.CombinedReward
		c.AverageCodeQuality += s.CodeQualityReward
		c.AverageTestExecution += s.TestExecutionReward
		c.AverageReasoning += s.ReasoningReward
		if s.HighQuality {
			c.HighQualityCount++
		}
	}
	c.AverageReward /= n
	c.AverageCodeQuality /= n
	c.AverageTestExecution /= n
	c.AverageReasoning /= n
	return c
}
