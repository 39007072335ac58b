package model

import "time"

// TestOutcome is the result of a single test case.
type TestOutcome string

const (
	OutcomePassed  TestOutcome = "passed"
	OutcomeFailed  TestOutcome = "failed"
	OutcomeSkipped TestOutcome = "skipped"
)

// TestCaseResult is one test's outcome within a run.
type TestCaseResult struct {
	Name       string      `json:"name"`
	Outcome    TestOutcome `json:"outcome"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// TestRun is a reported execution of the generated tests. Results are
// accepted as given; nothing here is computed by the engine.
type TestRun struct {
	RunAt   time.Time        `json:"run_at"`
	Total   int              `json:"total"`
	Passed  int              `json:"passed"`
	Failed  int              `json:"failed"`
	Skipped int              `json:"skipped"`
	Cases   []TestCaseResult `json:"cases,omitempty"`
}

// TestExecutionStage holds the run history and metrics derived from it.
type TestExecutionStage struct {
	StageState
	RunHistory []TestRun `json:"run_history,omitempty"`
	PassRate   float64   `json:"pass_rate"`
	Stability  float64   `json:"stability"`
	FlakyTests []string  `json:"flaky_tests,omitempty"`
}

// RecordRun appends a run and recomputes pass rate, flakiness and stability.
// Pass rate is taken from the latest run. A test is flaky when its outcome
// differs between any two runs in the history, ignoring skips.
func (t *TestExecutionStage) RecordRun(run TestRun) {
	t.RunHistory = append(t.RunHistory, run)

	executed := run.Passed + run.Failed
	if executed > 0 {
		t.PassRate = float64(run.Passed) / float64(executed)
	} else {
		t.PassRate = 0
	}

	seen := make(map[string]TestOutcome)
	flaky := make(map[string]bool)
	var order []string
	for _, r := range t.RunHistory {
		for _, c := range r.Cases {
			if c.Outcome == OutcomeSkipped {
				continue
			}
			prev, ok := seen[c.Name]
			if !ok {
				seen[c.Name] = c.Outcome
				order = append(order, c.Name)
				continue
			}
			if prev != c.Outcome {
				flaky[c.Name] = true
			}
		}
	}

	t.FlakyTests = t.FlakyTests[:0]
	for _, name := range order {
		if flaky[name] {
			t.FlakyTests = append(t.FlakyTests, name)
		}
	}
	if len(seen) == 0 {
		// Count-only reports carry no per-test evidence of flakiness.
		t.Stability = 0
		if executed > 0 {
			t.Stability = 1
		}
		return
	}
	t.Stability = 1 - float64(len(t.FlakyTests))/float64(len(seen))
}

// Signal is the test-execution reward input: pass rate discounted by
// flakiness. Returns nil when no run has been recorded.
func (t TestExecutionStage) Signal() *float64 {
	if len(t.RunHistory) == 0 {
		return nil
	}
	v := t.PassRate * t.Stability
	return &v
}
