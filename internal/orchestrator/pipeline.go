package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shiken/internal/audit"
	"github.com/ashita-ai/shiken/internal/collab"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/reward"
	"github.com/ashita-ai/shiken/internal/storage"
)

// errStopped ends a run whose record was finalized elsewhere.
var errStopped = errors.New("orchestrator: workflow no longer running")

// stage binds a pipeline step to its precondition and collaborator call.
// run mutates the workflow's sub-record and returns the terminal status.
type stage struct {
	name    model.Stage
	ready   func(wf *model.Workflow) error
	run     func(ctx context.Context, wf *model.Workflow) (model.StageStatus, error)
	eventAt model.AuditEventType
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{name: model.StageSourceFetch, run: o.fetchSource, eventAt: model.EventWorkflowStateChange},
		{name: model.StagePlanning, ready: needDiff, run: o.planTests, eventAt: model.EventWorkflowStateChange},
		{name: model.StageGeneration, ready: needPlan, run: o.generateTests, eventAt: model.EventWorkflowStateChange},
		{name: model.StageTestExecution, ready: needFiles, run: o.executeTests, eventAt: model.EventTestExecution},
		{name: model.StageReview, run: o.reviewTests, eventAt: model.EventReviewStatus},
		{name: model.StageTicketPush, run: o.pushTicket, eventAt: model.EventWorkflowStateChange},
	}
}

// execute claims a pending workflow and drives it to a terminal status.
func (o *Orchestrator) execute(ctx context.Context, id uuid.UUID) {
	start := time.Now()
	logger := o.logger.With("workflow_id", id)

	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		logger.Error("workflow load failed", "error", err)
		return
	}
	if err := wf.Begin(o.now()); err != nil {
		logger.Warn("workflow not claimable", "status", wf.Status)
		return
	}
	entry, err := o.entry(&wf, model.EventWorkflowStateChange,
		statusSnapshot{Status: wf.Status}, statusChange(model.WorkflowPending, wf.Status))
	if err != nil {
		logger.Error("audit entry build failed", "error", err)
		return
	}
	if err := o.persist(ctx, func(pctx context.Context) error { return o.store.ClaimWorkflow(pctx, wf, entry) }); err != nil {
		if errors.Is(err, storage.ErrNotClaimable) {
			logger.Info("workflow claimed by another run")
		} else {
			logger.Error("workflow claim failed", "error", err)
		}
		return
	}
	logger.Info("workflow started")
	o.publish(ctx, wf.ID, model.EventWorkflowStatus, model.StatusPayload{Status: wf.Status})

	var prev model.Stage
	for _, st := range o.stages() {
		if err := o.runStage(ctx, &wf, st, prev); err != nil {
			if errors.Is(err, errStopped) {
				logger.Warn("workflow finalized elsewhere; run abandoned", "stage", st.name)
				return
			}
			_ = o.finish(ctx, &wf, st.name, err, start)
			return
		}
		prev = st.name
	}
	_ = o.finish(ctx, &wf, "", nil, start)
}

// runStage executes one stage: precondition, active transition, collaborator
// call, terminal transition. A returned error other than errStopped fails the
// workflow at this stage.
func (o *Orchestrator) runStage(ctx context.Context, wf *model.Workflow, st stage, prev model.Stage) error {
	if st.ready != nil {
		if err := st.ready(wf); err != nil {
			return err
		}
	}

	active := st.name.ActiveStatus()
	if err := wf.AdvanceStage(st.name, active, o.now()); err != nil {
		return model.WrapError(model.KindConflict, err)
	}
	if err := o.record(ctx, wf, model.EventWorkflowStateChange, st.name, model.StatusPending, active); err != nil {
		return err
	}
	o.publish(ctx, wf.ID, model.EventNodeCreated, model.NodePayload{Stage: st.name, Status: active})
	if prev != "" {
		o.publish(ctx, wf.ID, model.EventEdgeCreated, model.EdgePayload{From: prev, To: st.name})
	}

	begin := time.Now()
	done, err := st.run(ctx, wf)
	o.metrics.stageDuration.Record(ctx, float64(time.Since(begin).Milliseconds()), metric.WithAttributes(
		attribute.String("stage", string(st.name)),
		attribute.Bool("ok", err == nil),
	))
	if err != nil {
		return err
	}

	if err := wf.AdvanceStage(st.name, done, o.now()); err != nil {
		return model.WrapError(model.KindConflict, err)
	}
	if err := o.record(ctx, wf, st.eventAt, st.name, active, done); err != nil {
		return err
	}
	o.publish(ctx, wf.ID, model.EventNodeUpdated, model.NodePayload{Stage: st.name, Status: done})
	o.logger.Debug("stage complete", "workflow_id", wf.ID, "stage", st.name, "status", done)
	return nil
}

// finish scores the run, moves it to its terminal status and persists the
// reward, metric and state entries in one transaction. failedAt is empty on
// success. If the write fails the row stays running until Recover fails it.
func (o *Orchestrator) finish(ctx context.Context, wf *model.Workflow, failedAt model.Stage, cause error, start time.Time) error {
	now := o.now()
	logger := o.logger.With("workflow_id", wf.ID)

	var confidence *float64
	if wf.Planning.Plan != nil {
		c := wf.Planning.Plan.Confidence
		confidence = &c
	}
	snap := reward.Compute(wf.Review.Score, wf.TestExecution.Signal(), confidence, wf.ModelVersion, now)
	wf.RLTraining.Append(snap)

	var msg *string
	if cause != nil {
		kind := model.KindOf(cause)
		text := cause.Error()
		msg = &text
		if failedAt != "" {
			st := wf.StageState(failedAt)
			if !st.Status.Terminal() {
				st.Status = model.StatusFailed
				st.CompletedAt = &now
				st.Error = &text
				wf.Stage = failedAt
			}
		}
		if err := wf.Fail(kind, text, now); err != nil {
			logger.Error("workflow fail transition rejected", "error", err)
			return err
		}
	} else if err := wf.Complete(now); err != nil {
		logger.Error("workflow complete transition rejected", "error", err)
		return err
	}

	rewardEntry, err := o.entry(wf, model.EventRewardComputation, snap, nil)
	if err != nil {
		logger.Error("audit entry build failed", "error", err)
		return err
	}
	metricEntry, err := o.entry(wf, model.EventMetricUpdate, metricSnapshot{
		PassRate:      wf.TestExecution.PassRate,
		Stability:     wf.TestExecution.Stability,
		FlakyTests:    wf.TestExecution.FlakyTests,
		AverageReward: wf.RLTraining.AverageReward,
		HighQuality:   wf.RLTraining.HighQuality,
	}, nil)
	if err != nil {
		logger.Error("audit entry build failed", "error", err)
		return err
	}
	stateEntry, err := o.entry(wf, model.EventWorkflowStateChange,
		statusSnapshot{Status: wf.Status, Stage: failedAt, Error: msg},
		statusChange(model.WorkflowRunning, wf.Status))
	if err != nil {
		logger.Error("audit entry build failed", "error", err)
		return err
	}

	err = o.persist(ctx, func(pctx context.Context) error {
		return o.store.RecordTransition(pctx, *wf, rewardEntry, metricEntry, stateEntry)
	})
	if err != nil {
		logger.Error("terminal transition not persisted", "status", wf.Status, "error", err)
		return err
	}

	attrs := metric.WithAttributes(attribute.String("status", string(wf.Status)))
	o.metrics.finished.Add(ctx, 1, attrs)
	o.metrics.reward.Record(ctx, snap.CombinedReward, attrs)

	if failedAt != "" {
		o.publish(ctx, wf.ID, model.EventNodeUpdated, model.NodePayload{Stage: failedAt, Status: model.StatusFailed, Error: msg})
	}
	o.publish(ctx, wf.ID, model.EventWorkflowStatus, model.StatusPayload{Status: wf.Status, Error: msg})

	if cause != nil {
		logger.Warn("workflow failed", "stage", failedAt, "error_kind", model.KindOf(cause), "error", cause,
			"duration_ms", time.Since(start).Milliseconds())
		return nil
	}
	logger.Info("workflow completed", "combined_reward", snap.CombinedReward, "high_quality", snap.HighQuality,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// record persists the current workflow with one transition entry. A stored
// row that already went terminal yields errStopped.
func (o *Orchestrator) record(ctx context.Context, wf *model.Workflow, et model.AuditEventType, s model.Stage, from, to model.StageStatus) error {
	e, err := o.entry(wf, et, stageSnapshot(wf, s), stageChange(s, from, to))
	if err != nil {
		return err
	}
	err = o.persist(ctx, func(pctx context.Context) error { return o.store.RecordTransition(pctx, *wf, e) })
	if errors.Is(err, storage.ErrTerminal) {
		return errStopped
	}
	if err != nil {
		return fmt.Errorf("persist %s %s: %w", s, to, err)
	}
	return nil
}

// persist runs a write detached from run cancellation so a draining engine
// still records where each workflow stopped.
func (o *Orchestrator) persist(ctx context.Context, fn func(context.Context) error) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return fn(pctx)
}

func (o *Orchestrator) entry(wf *model.Workflow, et model.AuditEventType, snapshot, changes any) (model.AuditEntry, error) {
	return audit.NewEntry(wf.ID, et, wf.Actor, snapshot, changes, o.now())
}

func (o *Orchestrator) publish(ctx context.Context, id uuid.UUID, kind model.EventKind, payload any) {
	if o.pub == nil {
		return
	}
	if err := o.pub.Publish(context.WithoutCancel(ctx), id, kind, payload); err != nil {
		o.logger.Warn("broadcast failed", "workflow_id", id, "kind", kind, "error", err)
	}
}

// call invokes a collaborator under the stage timeout. Errors surfacing after
// the deadline passed are reported as timeouts regardless of how the
// collaborator classified them.
func (o *Orchestrator) call(ctx context.Context, s model.Stage, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	err := fn(cctx)
	if err == nil {
		return nil
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) && !model.IsKind(err, model.KindTimeout) {
		return &model.Error{
			Kind:    model.KindTimeout,
			Message: fmt.Sprintf("%s timed out after %s: %v", s, o.cfg.StageTimeout, err),
			Err:     err,
		}
	}
	if errors.Is(err, context.Canceled) && !isClassified(err) {
		return &model.Error{Kind: model.KindAPIError, Message: fmt.Sprintf("%s cancelled: %v", s, err), Err: err}
	}
	return err
}

func isClassified(err error) bool {
	var e *model.Error
	return errors.As(err, &e)
}

// Preconditions.

func needDiff(wf *model.Workflow) error {
	if len(wf.Source.Files) == 0 {
		return model.Errorf(model.KindValidation, "%s: fetched diff is empty", model.StagePlanning)
	}
	return nil
}

func needPlan(wf *model.Workflow) error {
	if wf.Planning.Plan == nil || len(wf.Planning.Plan.Cases) == 0 {
		return model.Errorf(model.KindValidation, "%s: test plan has no cases", model.StageGeneration)
	}
	return nil
}

func needFiles(wf *model.Workflow) error {
	if len(wf.Generation.Files) == 0 {
		return model.Errorf(model.KindValidation, "%s: no generated test files", model.StageTestExecution)
	}
	return nil
}

// Stage bodies.

func (o *Orchestrator) diff(wf *model.Workflow) collab.Diff {
	return collab.Diff{
		Raw:       wf.Source.Diff,
		Files:     wf.Source.Files,
		Additions: wf.Source.Additions,
		Deletions: wf.Source.Deletions,
	}
}

func (o *Orchestrator) fetchSource(ctx context.Context, wf *model.Workflow) (model.StageStatus, error) {
	var d collab.Diff
	err := o.call(ctx, model.StageSourceFetch, func(ctx context.Context) error {
		var err error
		d, err = o.collab.Source.Fetch(ctx, wf.CodeRef)
		return err
	})
	if err != nil {
		return "", err
	}
	wf.Source.Diff = d.Raw
	wf.Source.Files = d.Files
	wf.Source.Additions = d.Additions
	wf.Source.Deletions = d.Deletions
	return model.StatusComplete, nil
}

func (o *Orchestrator) planTests(ctx context.Context, wf *model.Workflow) (model.StageStatus, error) {
	var plan model.TestPlan
	err := o.call(ctx, model.StagePlanning, func(ctx context.Context) error {
		var err error
		plan, err = o.collab.Planner.Plan(ctx, collab.PlanRequest{CodeRef: wf.CodeRef, Diff: o.diff(wf)})
		return err
	})
	if err != nil {
		return "", err
	}
	wf.Planning.Plan = &plan
	return model.StatusComplete, nil
}

func (o *Orchestrator) generateTests(ctx context.Context, wf *model.Workflow) (model.StageStatus, error) {
	var gen collab.Generated
	err := o.call(ctx, model.StageGeneration, func(ctx context.Context) error {
		var err error
		gen, err = o.collab.Generator.Generate(ctx, collab.GenerateRequest{
			CodeRef: wf.CodeRef,
			Diff:    o.diff(wf),
			Plan:    *wf.Planning.Plan,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	wf.Generation.Framework = gen.Framework
	wf.Generation.Files = gen.Files
	return model.StatusComplete, nil
}

// executeTests collects 1+TestReruns result passes. Flakiness is only
// observable across passes.
func (o *Orchestrator) executeTests(ctx context.Context, wf *model.Workflow) (model.StageStatus, error) {
	for attempt := 0; attempt <= o.cfg.TestReruns; attempt++ {
		var run model.TestRun
		err := o.call(ctx, model.StageTestExecution, func(ctx context.Context) error {
			var err error
			run, err = o.collab.Reporter.Report(ctx, collab.ReportRequest{
				WorkflowID: wf.ID,
				CodeRef:    wf.CodeRef,
				Plan:       *wf.Planning.Plan,
				Files:      wf.Generation.Files,
				Attempt:    attempt,
			})
			return err
		})
		if err != nil {
			return "", err
		}
		if run.RunAt.IsZero() {
			run.RunAt = o.now()
		}
		wf.TestExecution.RecordRun(run)
	}
	return model.StatusComplete, nil
}

func (o *Orchestrator) reviewTests(ctx context.Context, wf *model.Workflow) (model.StageStatus, error) {
	if !wf.CodeRef.HasPullRequest() || o.collab.Reviewer == nil {
		return model.StatusNoPR, nil
	}
	wf.Review.PullRequestURL = wf.CodeRef.PullRequestURL
	var rv collab.Review
	err := o.call(ctx, model.StageReview, func(ctx context.Context) error {
		var err error
		rv, err = o.collab.Reviewer.Review(ctx, wf.CodeRef.PullRequestURL, wf.Generation.Files)
		return err
	})
	if err != nil {
		return "", err
	}
	score := rv.Score
	wf.Review.Score = &score
	wf.Review.Summary = rv.Summary
	wf.Review.Comments = rv.Comments
	return model.StatusComplete, nil
}

func (o *Orchestrator) pushTicket(ctx context.Context, wf *model.Workflow) (model.StageStatus, error) {
	payload := ticketPayload(wf)
	var res model.TicketResult
	err := o.call(ctx, model.StageTicketPush, func(ctx context.Context) error {
		var err error
		res, err = o.collab.Tickets.Push(ctx, o.cfg.TrackerCredentials, wf.TicketKey, payload)
		return err
	})
	if err != nil {
		return "", err
	}
	wf.TicketPush.Result = &res
	// Fallback resolves the key and project the trigger left open. Synthetic
	// results are recorded too; Result.Synthetic marks them.
	if wf.TicketKey == nil && res.Key != "" {
		key := res.Key
		wf.TicketKey = &key
	}
	if wf.TicketProjectKey == nil && res.ProjectKey != "" {
		project := res.ProjectKey
		wf.TicketProjectKey = &project
	}

	if res.ParentKey != nil && !res.Synthetic && o.cfg.DoneTransition != "" && o.collab.Transitioner != nil {
		terr := o.call(ctx, model.StageTicketPush, func(ctx context.Context) error {
			return o.collab.Transitioner.TransitionIssue(ctx, o.cfg.TrackerCredentials, *res.ParentKey, o.cfg.DoneTransition)
		})
		if terr != nil {
			o.logger.Warn("parent ticket transition failed", "workflow_id", wf.ID,
				"ticket_key", *res.ParentKey, "transition", o.cfg.DoneTransition, "error", terr)
		}
	}
	return model.StatusComplete, nil
}

func ticketPayload(wf *model.Workflow) model.TicketPayload {
	summary := "Generated tests for " + wf.CodeRef.String()
	if wf.Summary != nil && *wf.Summary != "" {
		summary = *wf.Summary
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Workflow: %s\nSource: %s\n", wf.ID, wf.CodeRef)
	if wf.Generation.Framework != "" {
		fmt.Fprintf(&b, "Framework: %s\n", wf.Generation.Framework)
	}
	if wf.Planning.Plan != nil {
		fmt.Fprintf(&b, "\nPlanned cases (%d):\n", len(wf.Planning.Plan.Cases))
		for _, c := range wf.Planning.Plan.Cases {
			fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
		}
	}
	if n := len(wf.TestExecution.RunHistory); n > 0 {
		fmt.Fprintf(&b, "\nPass rate: %.0f%% over %d run(s), stability %.2f\n",
			wf.TestExecution.PassRate*100, n, wf.TestExecution.Stability)
		if len(wf.TestExecution.FlakyTests) > 0 {
			fmt.Fprintf(&b, "Flaky: %s\n", strings.Join(wf.TestExecution.FlakyTests, ", "))
		}
	}
	if wf.Review.Score != nil {
		fmt.Fprintf(&b, "Review score: %.2f\n", *wf.Review.Score)
	}

	p := model.TicketPayload{
		Summary:     summary,
		Description: b.String(),
		Labels:      []string{"shiken", "ai-generated-tests"},
	}
	if wf.TicketProjectKey != nil {
		p.ProjectKey = *wf.TicketProjectKey
	}
	if wf.Assignee != nil {
		p.Assignee = *wf.Assignee
	}
	return p
}

// Audit snapshots.

type statusSnapshot struct {
	Status model.WorkflowStatus `json:"status"`
	Stage  model.Stage          `json:"stage,omitempty"`
	Error  *string              `json:"error,omitempty"`
}

type transitionSnapshot struct {
	Stage  model.Stage `json:"stage"`
	Record any         `json:"record"`
}

type metricSnapshot struct {
	PassRate      float64  `json:"pass_rate"`
	Stability     float64  `json:"stability"`
	FlakyTests    []string `json:"flaky_tests,omitempty"`
	AverageReward float64  `json:"average_reward"`
	HighQuality   bool     `json:"high_quality"`
}

type change struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func statusChange(from, to model.WorkflowStatus) map[string]change {
	return map[string]change{"status": {From: string(from), To: string(to)}}
}

func stageChange(s model.Stage, from, to model.StageStatus) map[string]change {
	return map[string]change{string(s) + ".status": {From: string(from), To: string(to)}}
}

// stageSnapshot captures the sub-record of s. The raw diff is left out of
// source snapshots; file counts identify it.
func stageSnapshot(wf *model.Workflow, s model.Stage) transitionSnapshot {
	var rec any
	switch s {
	case model.StageSourceFetch:
		src := wf.Source
		src.Diff = ""
		rec = src
	case model.StagePlanning:
		rec = wf.Planning
	case model.StageGeneration:
		rec = wf.Generation
	case model.StageTestExecution:
		rec = wf.TestExecution
	case model.StageReview:
		rec = wf.Review
	case model.StageTicketPush:
		rec = wf.TicketPush
	}
	return transitionSnapshot{Stage: s, Record: rec}
}
