package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiken/internal/broadcast"
	"github.com/ashita-ai/shiken/internal/collab"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/orchestrator"
	"github.com/ashita-ai/shiken/internal/storage"
	"github.com/ashita-ai/shiken/internal/storage/sqlite"
	"github.com/ashita-ai/shiken/internal/testutil"
	"github.com/ashita-ai/shiken/internal/tracker"
)

// Fakes.

type fakeSource struct {
	diff  collab.Diff
	err   error
	block chan struct{}
}

func (f *fakeSource) Fetch(ctx context.Context, _ model.CodeRef) (collab.Diff, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return collab.Diff{}, ctx.Err()
		}
	}
	return f.diff, f.err
}

type fakePlanner struct {
	plan  model.TestPlan
	err   error
	calls int
}

func (f *fakePlanner) Plan(context.Context, collab.PlanRequest) (model.TestPlan, error) {
	f.calls++
	return f.plan, f.err
}

type fakeGenerator struct {
	out  collab.Generated
	err  error
	hang bool
}

func (f *fakeGenerator) Generate(ctx context.Context, _ collab.GenerateRequest) (collab.Generated, error) {
	if f.hang {
		<-ctx.Done()
		return collab.Generated{}, ctx.Err()
	}
	return f.out, f.err
}

type fakeReviewer struct {
	score float64
	calls int
}

func (f *fakeReviewer) Review(context.Context, string, []model.GeneratedFile) (collab.Review, error) {
	f.calls++
	return collab.Review{Score: f.score, Summary: "looks fine"}, nil
}

type fakeTickets struct {
	mu      sync.Mutex
	parents []*string
	result  model.TicketResult
	err     error
}

func (f *fakeTickets) Push(_ context.Context, _ tracker.Credentials, parentKey *string, _ model.TicketPayload) (model.TicketResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parents = append(f.parents, parentKey)
	return f.result, f.err
}

type fakeTransitioner struct {
	keys []string
	err  error
}

func (f *fakeTransitioner) TransitionIssue(_ context.Context, _ tracker.Credentials, key, _ string) error {
	f.keys = append(f.keys, key)
	return f.err
}

// Fixtures.

func sampleDiff() collab.Diff {
	return collab.Diff{
		Raw:       "diff --git a/auth.go b/auth.go\n",
		Files:     []model.FileChange{{Path: "auth.go", Additions: 4, Deletions: 1}},
		Additions: 4,
		Deletions: 1,
	}
}

func samplePlan() model.TestPlan {
	return model.TestPlan{
		Cases: []model.PlannedCase{
			{Name: "TestLoginRejectsEmptyPassword", Description: "empty password is refused"},
			{Name: "TestLoginIssuesToken", Description: "valid login returns a token"},
		},
		Reasoning:  "login path changed",
		Confidence: 0.6,
	}
}

type harness struct {
	db        *sqlite.DB
	hub       *broadcast.Hub
	source    *fakeSource
	planner   *fakePlanner
	generator *fakeGenerator
	reporter  *collab.StaticReporter
	reviewer  *fakeReviewer
	tickets   *fakeTickets
	trans     *fakeTransitioner
	cfg       orchestrator.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		db:      testutil.NewSQLite(t),
		hub:     broadcast.NewHub(testutil.TestLogger()),
		source:  &fakeSource{diff: sampleDiff()},
		planner: &fakePlanner{plan: samplePlan()},
		generator: &fakeGenerator{out: collab.Generated{
			Framework: "go test",
			Files:     []model.GeneratedFile{{Path: "auth_test.go", Content: "package auth"}},
		}},
		reporter: &collab.StaticReporter{Results: []model.TestRun{{Total: 2, Passed: 2}}},
		reviewer: &fakeReviewer{score: 0.8},
		tickets: &fakeTickets{result: model.TicketResult{
			Key: "QA-12", URL: "https://tracker.example/browse/QA-12", ProjectKey: "QA",
		}},
		trans: &fakeTransitioner{},
		cfg:   orchestrator.Config{StageTimeout: 5 * time.Second, DefaultModelVersion: "gpt-test"},
	}
}

func (h *harness) engine() *orchestrator.Orchestrator {
	return orchestrator.New(h.db, h.hub, orchestrator.Collaborators{
		Source:       h.source,
		Planner:      h.planner,
		Generator:    h.generator,
		Reporter:     h.reporter,
		Reviewer:     h.reviewer,
		Tickets:      h.tickets,
		Transitioner: h.trans,
	}, h.cfg, testutil.TestLogger())
}

func prTrigger() model.TriggerInput {
	return model.TriggerInput{
		CodeRef: model.CodeRef{PullRequestURL: "https://github.com/acme/api/pull/42"},
		Actor:   "ci-bot",
	}
}

// runToEnd starts a workflow and waits for the engine to go idle.
func runToEnd(t *testing.T, o *orchestrator.Orchestrator, in model.TriggerInput) model.Workflow {
	t.Helper()
	ctx := context.Background()
	id, err := o.Start(ctx, in)
	require.NoError(t, err)

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, o.Drain(drainCtx))

	wf, err := o.Get(ctx, id)
	require.NoError(t, err)
	return wf
}

func drainEvents(sub *broadcast.Subscription) []model.BroadcastEvent {
	var out []model.BroadcastEvent
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func decodeStatus(t *testing.T, ev model.BroadcastEvent) model.StatusPayload {
	t.Helper()
	var p model.StatusPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p
}

// Tests.

func TestRunCompletesAllStages(t *testing.T) {
	h := newHarness(t)
	sub := h.hub.Subscribe(uuid.Nil)
	defer h.hub.Unsubscribe(sub)

	o := h.engine()
	wf := runToEnd(t, o, prTrigger())

	assert.Equal(t, model.WorkflowCompleted, wf.Status)
	assert.Nil(t, wf.Error)
	for _, s := range model.Stages {
		assert.Equal(t, model.StatusComplete, wf.StageState(s).Status, "stage %s", s)
	}
	assert.Equal(t, "auth.go", wf.Source.Files[0].Path)
	require.NotNil(t, wf.Planning.Plan)
	assert.Len(t, wf.Planning.Plan.Cases, 2)
	assert.Equal(t, "go test", wf.Generation.Framework)
	assert.Len(t, wf.TestExecution.RunHistory, 1)
	assert.InDelta(t, 1.0, wf.TestExecution.PassRate, 1e-9)
	require.NotNil(t, wf.Review.Score)
	assert.InDelta(t, 0.8, *wf.Review.Score, 1e-9)
	require.NotNil(t, wf.TicketPush.Result)
	assert.Equal(t, "QA-12", wf.TicketPush.Result.Key)
	assert.Equal(t, "gpt-test", wf.ModelVersion)

	// 0.4*0.8 + 0.4*1.0 + 0.2*0.6
	latest, ok := wf.RLTraining.Latest()
	require.True(t, ok)
	assert.InDelta(t, 0.84, latest.CombinedReward, 1e-9)
	assert.True(t, latest.HighQuality)

	// claim + two per stage + reward, metric and final state
	entries, err := o.AuditTrail(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1+2*len(model.Stages)+3)
	for _, e := range entries {
		assert.Equal(t, "ci-bot", e.Actor)
	}
	v, err := o.VerifyAudit(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.True(t, v.Verified)

	events := drainEvents(sub)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, model.EventWorkflowStatus, last.Kind)
	assert.Equal(t, model.WorkflowCompleted, decodeStatus(t, last).Status)

	var created, updated, edges int
	for _, ev := range events {
		switch ev.Kind {
		case model.EventNodeCreated:
			created++
		case model.EventNodeUpdated:
			updated++
		case model.EventEdgeCreated:
			edges++
		}
	}
	assert.Equal(t, len(model.Stages), created)
	assert.Equal(t, len(model.Stages), updated)
	assert.Equal(t, len(model.Stages)-1, edges)
}

func TestStageFailureIsPersistedAndBroadcast(t *testing.T) {
	h := newHarness(t)
	h.planner.err = model.Errorf(model.KindAPIError, "planner returned 502")
	sub := h.hub.Subscribe(uuid.Nil)
	defer h.hub.Unsubscribe(sub)

	wf := runToEnd(t, h.engine(), prTrigger())

	assert.Equal(t, model.WorkflowFailed, wf.Status)
	require.NotNil(t, wf.Error)
	assert.Equal(t, "planner returned 502", *wf.Error)
	require.NotNil(t, wf.ErrorKind)
	assert.Equal(t, model.KindAPIError, *wf.ErrorKind)
	assert.Equal(t, model.StagePlanning, wf.Stage)

	// Earlier results are kept; later stages never ran.
	assert.Equal(t, model.StatusComplete, wf.Source.Status)
	assert.NotEmpty(t, wf.Source.Files)
	assert.Equal(t, model.StatusFailed, wf.Planning.Status)
	require.NotNil(t, wf.Planning.Error)
	assert.Equal(t, "planner returned 502", *wf.Planning.Error)
	assert.Equal(t, model.StatusPending, wf.Generation.Status)
	assert.Equal(t, model.StatusPending, wf.TicketPush.Status)
	assert.Empty(t, h.tickets.parents)

	// A failed run is still scored.
	latest, ok := wf.RLTraining.Latest()
	require.True(t, ok)
	assert.Zero(t, latest.CombinedReward)

	events := drainEvents(sub)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, model.EventWorkflowStatus, last.Kind)
	p := decodeStatus(t, last)
	assert.Equal(t, model.WorkflowFailed, p.Status)
	require.NotNil(t, p.Error)
	assert.Equal(t, "planner returned 502", *p.Error)
}

func TestStageTimeoutIsClassified(t *testing.T) {
	h := newHarness(t)
	h.generator.hang = true
	h.cfg.StageTimeout = 50 * time.Millisecond

	wf := runToEnd(t, h.engine(), prTrigger())

	assert.Equal(t, model.WorkflowFailed, wf.Status)
	require.NotNil(t, wf.ErrorKind)
	assert.Equal(t, model.KindTimeout, *wf.ErrorKind)
	assert.Equal(t, model.StatusFailed, wf.Generation.Status)
	assert.Equal(t, model.StatusComplete, wf.Planning.Status)
}

func TestEmptyDiffFailsBeforePlanning(t *testing.T) {
	h := newHarness(t)
	h.source.diff = collab.Diff{}

	wf := runToEnd(t, h.engine(), prTrigger())

	assert.Equal(t, model.WorkflowFailed, wf.Status)
	require.NotNil(t, wf.ErrorKind)
	assert.Equal(t, model.KindValidation, *wf.ErrorKind)
	assert.Equal(t, model.StatusFailed, wf.Planning.Status)
	assert.Zero(t, h.planner.calls)
}

func TestEmptyPlanFailsBeforeGeneration(t *testing.T) {
	h := newHarness(t)
	h.planner.plan = model.TestPlan{Reasoning: "nothing testable", Confidence: 0.2}

	wf := runToEnd(t, h.engine(), prTrigger())

	assert.Equal(t, model.WorkflowFailed, wf.Status)
	assert.Equal(t, model.StatusFailed, wf.Generation.Status)
	assert.Equal(t, model.StatusComplete, wf.Planning.Status)
}

func TestNoPullRequestSkipsReview(t *testing.T) {
	h := newHarness(t)
	in := model.TriggerInput{CodeRef: model.CodeRef{Repository: "acme/api", Branch: "feature/login"}}

	wf := runToEnd(t, h.engine(), in)

	assert.Equal(t, model.WorkflowCompleted, wf.Status)
	assert.Equal(t, model.StatusNoPR, wf.Review.Status)
	assert.Nil(t, wf.Review.Score)
	assert.Zero(t, h.reviewer.calls)
	assert.Equal(t, model.DefaultActor, wf.Actor)

	// 0.4*0 + 0.4*1.0 + 0.2*0.6
	latest, ok := wf.RLTraining.Latest()
	require.True(t, ok)
	assert.InDelta(t, 0.52, latest.CombinedReward, 1e-9)
	assert.False(t, latest.HighQuality)
}

func TestTestRerunsDetectFlakiness(t *testing.T) {
	h := newHarness(t)
	h.cfg.TestReruns = 1
	h.reporter.Results = []model.TestRun{
		{Total: 2, Passed: 2, Cases: []model.TestCaseResult{
			{Name: "TestLoginIssuesToken", Outcome: model.OutcomePassed},
			{Name: "TestLoginRejectsEmptyPassword", Outcome: model.OutcomePassed},
		}},
		{Total: 2, Passed: 1, Failed: 1, Cases: []model.TestCaseResult{
			{Name: "TestLoginIssuesToken", Outcome: model.OutcomeFailed},
			{Name: "TestLoginRejectsEmptyPassword", Outcome: model.OutcomePassed},
		}},
	}

	wf := runToEnd(t, h.engine(), prTrigger())

	require.Equal(t, model.WorkflowCompleted, wf.Status)
	assert.Len(t, wf.TestExecution.RunHistory, 2)
	assert.Equal(t, []string{"TestLoginIssuesToken"}, wf.TestExecution.FlakyTests)
	assert.InDelta(t, 0.5, wf.TestExecution.PassRate, 1e-9)
	assert.InDelta(t, 0.5, wf.TestExecution.Stability, 1e-9)
}

func TestTicketPushRecordsResolvedKey(t *testing.T) {
	h := newHarness(t)
	wf := runToEnd(t, h.engine(), prTrigger())

	require.Equal(t, model.WorkflowCompleted, wf.Status)
	require.NotNil(t, wf.TicketKey)
	assert.Equal(t, "QA-12", *wf.TicketKey)
	require.NotNil(t, wf.TicketProjectKey)
	assert.Equal(t, "QA", *wf.TicketProjectKey)
}

func TestTicketPushKeepsTriggerKey(t *testing.T) {
	h := newHarness(t)
	parent := "QA-7"
	h.tickets.result = model.TicketResult{Key: "QA-13", ParentKey: &parent, ProjectKey: "QA"}

	in := prTrigger()
	in.TicketKey = &parent
	wf := runToEnd(t, h.engine(), in)

	require.NotNil(t, wf.TicketKey)
	assert.Equal(t, "QA-7", *wf.TicketKey)
	require.NotNil(t, wf.TicketProjectKey)
	assert.Equal(t, "QA", *wf.TicketProjectKey)
}

func TestSyntheticTicketKeyRecorded(t *testing.T) {
	h := newHarness(t)
	h.tickets.result = model.TicketResult{Key: "SYNTH-0a1b2c3d", Synthetic: true}

	wf := runToEnd(t, h.engine(), prTrigger())

	require.NotNil(t, wf.TicketKey)
	assert.Equal(t, "SYNTH-0a1b2c3d", *wf.TicketKey)
	assert.Nil(t, wf.TicketProjectKey)
}

func TestTicketKeyPushesSubtaskAndTransitionsParent(t *testing.T) {
	h := newHarness(t)
	h.cfg.DoneTransition = "In Review"
	parent := "QA-7"
	h.tickets.result = model.TicketResult{Key: "QA-13", ParentKey: &parent, ProjectKey: "QA"}
	h.trans.err = errors.New("transition not available")

	in := prTrigger()
	in.TicketKey = &parent
	wf := runToEnd(t, h.engine(), in)

	// A failed parent transition is not fatal.
	require.Equal(t, model.WorkflowCompleted, wf.Status)
	require.Len(t, h.tickets.parents, 1)
	require.NotNil(t, h.tickets.parents[0])
	assert.Equal(t, "QA-7", *h.tickets.parents[0])
	assert.Equal(t, []string{"QA-7"}, h.trans.keys)
	require.NotNil(t, wf.TicketPush.Result.ParentKey)
	assert.Equal(t, "QA-7", *wf.TicketPush.Result.ParentKey)
}

func TestSyntheticTicketSkipsTransition(t *testing.T) {
	h := newHarness(t)
	h.cfg.DoneTransition = "Done"
	parent := "QA-7"
	h.tickets.result = model.TicketResult{Key: "SYNTH-0a1b2c3d", ParentKey: &parent, Synthetic: true}

	in := prTrigger()
	in.TicketKey = &parent
	wf := runToEnd(t, h.engine(), in)

	require.Equal(t, model.WorkflowCompleted, wf.Status)
	assert.True(t, wf.TicketPush.Result.Synthetic)
	assert.Empty(t, h.trans.keys)
}

func TestTicketFailureFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.tickets.err = model.Errorf(model.KindUnauthorized, "tracker: POST /rest/api/2/issue returned 401: Unauthorized")

	wf := runToEnd(t, h.engine(), prTrigger())

	assert.Equal(t, model.WorkflowFailed, wf.Status)
	require.NotNil(t, wf.ErrorKind)
	assert.Equal(t, model.KindUnauthorized, *wf.ErrorKind)
	assert.Equal(t, model.StatusFailed, wf.TicketPush.Status)
	assert.Equal(t, model.StatusComplete, wf.Review.Status)
}

func TestInvalidTriggerCreatesNoRecord(t *testing.T) {
	h := newHarness(t)
	o := h.engine()
	ctx := context.Background()

	_, err := o.Start(ctx, model.TriggerInput{})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindValidation))

	_, err = o.Start(ctx, model.TriggerInput{CodeRef: model.CodeRef{PullRequestURL: "not a url"}})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindValidation))

	_, err = o.Start(ctx, model.TriggerInput{CodeRef: model.CodeRef{Repository: "acme/api"}})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindValidation))

	all, err := o.List(ctx, storage.WorkflowFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRunRejectsActiveAndFinishedWorkflows(t *testing.T) {
	h := newHarness(t)
	h.source.block = make(chan struct{})
	o := h.engine()
	ctx := context.Background()

	id, err := o.Start(ctx, prTrigger())
	require.NoError(t, err)

	err = o.Run(ctx, id)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindConflict))
	assert.Equal(t, 1, o.ActiveRuns())

	close(h.source.block)
	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, o.Drain(drainCtx))
	assert.Zero(t, o.ActiveRuns())

	err = o.Run(ctx, id)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindConflict))

	err = o.Run(ctx, uuid.New())
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestDrainTimeoutRecordsFailure(t *testing.T) {
	h := newHarness(t)
	h.source.block = make(chan struct{})
	o := h.engine()
	ctx := context.Background()

	id, err := o.Start(ctx, prTrigger())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		wf, err := o.Get(ctx, id)
		return err == nil && wf.Source.Status == model.StatusFetching
	}, 5*time.Second, 10*time.Millisecond)

	drainCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.Drain(drainCtx), context.DeadlineExceeded)

	wf, err := o.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, wf.Status)
	assert.Equal(t, model.StatusFailed, wf.Source.Status)

	_, err = o.Start(ctx, prTrigger())
	require.NoError(t, err, "a drained engine still records triggers")
}

func TestMetricsSummarizesRewardedWorkflows(t *testing.T) {
	h := newHarness(t)
	o := h.engine()
	wf := runToEnd(t, o, prTrigger())
	require.Equal(t, model.WorkflowCompleted, wf.Status)

	m, err := o.Metrics(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.TotalWorkflows)
	assert.Equal(t, 1, m.HighQualityExamples)
	assert.InDelta(t, 0.84, m.AverageReward, 1e-9)
	assert.Equal(t, 1, m.Tiers.High)
}

func TestStatusIsMonotonicInBroadcasts(t *testing.T) {
	h := newHarness(t)
	sub := h.hub.Subscribe(uuid.Nil)
	defer h.hub.Unsubscribe(sub)

	runToEnd(t, h.engine(), prTrigger())

	rank := map[model.WorkflowStatus]int{
		model.WorkflowPending: 0, model.WorkflowRunning: 1,
		model.WorkflowCompleted: 2, model.WorkflowFailed: 2,
	}
	prev := -1
	for _, ev := range drainEvents(sub) {
		if ev.Kind != model.EventWorkflowStatus {
			continue
		}
		r := rank[decodeStatus(t, ev).Status]
		assert.GreaterOrEqual(t, r, prev)
		prev = r
	}
	assert.Equal(t, 2, prev)
}

// runningRow stores a workflow claimed at claimedAt and abandoned mid-planning.
func runningRow(t *testing.T, h *harness, claimedAt time.Time) model.Workflow {
	t.Helper()
	ctx := context.Background()
	wf := model.NewWorkflow(prTrigger(), "gpt-test", claimedAt)
	require.NoError(t, h.db.CreateWorkflow(ctx, wf))
	require.NoError(t, wf.Begin(claimedAt))
	require.NoError(t, h.db.ClaimWorkflow(ctx, wf))
	require.NoError(t, wf.AdvanceStage(model.StagePlanning, model.StatusPlanning, claimedAt))
	require.NoError(t, h.db.RecordTransition(ctx, wf))
	return wf
}

func TestRecoverFailsStaleRunningWorkflows(t *testing.T) {
	h := newHarness(t)
	h.cfg.StaleAfter = time.Minute
	sub := h.hub.Subscribe(uuid.Nil)
	defer h.hub.Unsubscribe(sub)

	stale := runningRow(t, h, time.Now().UTC().Add(-time.Hour))
	fresh := runningRow(t, h, time.Now().UTC())

	o := h.engine()
	n, err := o.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := o.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, got.Status)
	require.NotNil(t, got.ErrorKind)
	assert.Equal(t, model.KindTimeout, *got.ErrorKind)
	assert.Equal(t, model.StatusFailed, got.Planning.Status)
	_, ok := got.RLTraining.Latest()
	assert.True(t, ok)

	v, err := o.VerifyAudit(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.True(t, v.Verified)

	got, err = o.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowRunning, got.Status)

	events := drainEvents(sub)
	require.NotEmpty(t, events)
	assert.Equal(t, model.WorkflowFailed, decodeStatus(t, events[len(events)-1]).Status)

	// A second pass finds nothing left to fail.
	n, err = o.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStaleAfterDefaultsFromStageTimeout(t *testing.T) {
	h := newHarness(t)
	h.cfg.StageTimeout = time.Second
	h.cfg.TestReruns = 0
	stale := runningRow(t, h, time.Now().UTC().Add(-time.Hour))
	recent := runningRow(t, h, time.Now().UTC().Add(-time.Second))

	n, err := h.engine().Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.db.GetWorkflow(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, got.Status)
	got, err = h.db.GetWorkflow(context.Background(), recent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowRunning, got.Status)
}
