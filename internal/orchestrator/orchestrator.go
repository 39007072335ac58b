// Package orchestrator drives workflows through the pipeline state machine.
//
// A trigger creates a pending record synchronously and schedules the run on
// a goroutine. Runs are bounded by a weighted semaphore; within a run, stages
// execute strictly in order and each state change is persisted together with
// its audit entry before the next stage starts. Broadcasts are best-effort
// and never roll back persisted state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/shiken/internal/audit"
	"github.com/ashita-ai/shiken/internal/broadcast"
	"github.com/ashita-ai/shiken/internal/collab"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/reward"
	"github.com/ashita-ai/shiken/internal/storage"
	"github.com/ashita-ai/shiken/internal/tracker"
)

// Engine is the surface the HTTP server, MCP server and CLI drive.
type Engine interface {
	Start(ctx context.Context, in model.TriggerInput) (uuid.UUID, error)
	Run(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (model.Workflow, error)
	List(ctx context.Context, f storage.WorkflowFilter) ([]model.Workflow, error)
	Metrics(ctx context.Context, limit int) (model.RewardMetrics, error)
	AuditTrail(ctx context.Context, id uuid.UUID) ([]model.AuditEntry, error)
	VerifyAudit(ctx context.Context, id uuid.UUID) (model.AuditVerification, error)
	ActiveRuns() int
}

// TicketPusher creates the tracker item for a finished run.
type TicketPusher interface {
	Push(ctx context.Context, creds tracker.Credentials, parentKey *string, payload model.TicketPayload) (model.TicketResult, error)
}

// Transitioner moves a tracker issue to a new status.
type Transitioner interface {
	TransitionIssue(ctx context.Context, creds tracker.Credentials, key, status string) error
}

// Collaborators are the external services called at each stage. Reviewer
// and Transitioner may be nil.
type Collaborators struct {
	Source       collab.SourceFetcher
	Planner      collab.Planner
	Generator    collab.Generator
	Reporter     collab.TestReporter
	Reviewer     collab.ReviewBot
	Tickets      TicketPusher
	Transitioner Transitioner
}

// Config holds orchestrator settings.
type Config struct {
	// StageTimeout bounds every collaborator call.
	StageTimeout time.Duration
	// MaxConcurrent caps workflows executing at once.
	MaxConcurrent int64
	// TestReruns is the number of extra result passes after the first.
	TestReruns int
	// DefaultModelVersion is recorded when a trigger names none.
	DefaultModelVersion string
	// TrackerCredentials are used for every ticket push.
	TrackerCredentials tracker.Credentials
	// DoneTransition, when set, is applied to the parent issue after a
	// subtask is created.
	DoneTransition string
	// StaleAfter is how long a running workflow may go without a recorded
	// transition before Recover fails it. Zero derives it from StageTimeout.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 2 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.TestReruns < 0 {
		c.TestReruns = 0
	}
	if c.StaleAfter <= 0 {
		// Every stage plus each test rerun may use a full StageTimeout.
		calls := len(model.Stages) + c.TestReruns
		c.StaleAfter = time.Duration(calls)*c.StageTimeout + persistTimeout
	}
	return c
}

// persistTimeout bounds writes made after the run context is gone.
const persistTimeout = 10 * time.Second

// Orchestrator implements Engine.
type Orchestrator struct {
	store    storage.Store
	audit    *audit.Log
	pub      broadcast.Publisher
	collab   Collaborators
	cfg      Config
	logger   *slog.Logger
	validate *validator.Validate
	metrics  *metrics
	now      func() time.Time

	sem     *semaphore.Weighted
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
	closed bool
}

var _ Engine = (*Orchestrator)(nil)

// New creates an Orchestrator. pub may be nil to disable broadcasting.
func New(store storage.Store, pub broadcast.Publisher, c Collaborators, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:    store,
		audit:    audit.New(store),
		pub:      pub,
		collab:   c,
		cfg:      cfg,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      func() time.Time { return time.Now().UTC() },
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		baseCtx:  ctx,
		cancel:   cancel,
		active:   make(map[uuid.UUID]struct{}),
	}
	o.metrics = newMetrics(o.ActiveRuns)
	return o
}

// Start validates the trigger, creates a pending record and schedules it.
// It returns as soon as the record exists.
func (o *Orchestrator) Start(ctx context.Context, in model.TriggerInput) (uuid.UUID, error) {
	if err := o.validate.Struct(in); err != nil {
		return uuid.Nil, &model.Error{Kind: model.KindValidation, Message: "invalid trigger: " + describeValidation(err), Err: err}
	}
	wf := model.NewWorkflow(in, o.cfg.DefaultModelVersion, o.now())
	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		return uuid.Nil, fmt.Errorf("orchestrator: create workflow: %w", err)
	}
	o.metrics.started.Add(ctx, 1)
	o.logger.Info("workflow created", "workflow_id", wf.ID, "code_ref", wf.CodeRef.String(), "actor", wf.Actor)

	if err := o.schedule(wf.ID); err != nil {
		// The record stays pending and can be resumed with Run.
		o.logger.Warn("workflow not scheduled", "workflow_id", wf.ID, "error", err)
	}
	return wf.ID, nil
}

// Run schedules an existing pending workflow. A workflow that is already
// executing here, or is no longer pending, is a conflict.
func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID) error {
	wf, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != model.WorkflowPending {
		return model.Errorf(model.KindConflict, "workflow %s is %s, not pending", id, wf.Status)
	}
	return o.schedule(id)
}

func (o *Orchestrator) schedule(id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return model.Errorf(model.KindConflict, "orchestrator is shutting down")
	}
	if _, running := o.active[id]; running {
		return model.Errorf(model.KindConflict, "workflow %s is already running", id)
	}
	o.active[id] = struct{}{}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(id)
		if err := o.sem.Acquire(o.baseCtx, 1); err != nil {
			o.logger.Warn("workflow left pending: shutting down", "workflow_id", id)
			return
		}
		defer o.sem.Release(1)
		o.execute(o.baseCtx, id)
	}()
	return nil
}

func (o *Orchestrator) release(id uuid.UUID) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// ActiveRuns returns the number of scheduled or executing workflows.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Drain stops accepting work and waits for in-flight runs. If ctx ends
// first, running stages are cancelled and their failure is still recorded.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
	}
	o.cancel()
	select {
	case <-done:
	case <-time.After(persistTimeout):
		o.logger.Error("orchestrator: runs did not stop after cancellation")
	}
	return ctx.Err()
}

// Get returns one workflow.
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (model.Workflow, error) {
	wf, err := o.store.GetWorkflow(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Workflow{}, &model.Error{Kind: model.KindNotFound, Message: fmt.Sprintf("workflow %s not found", id), Err: err}
	}
	return wf, err
}

// List returns recent workflows, newest first.
func (o *Orchestrator) List(ctx context.Context, f storage.WorkflowFilter) ([]model.Workflow, error) {
	return o.store.ListWorkflows(ctx, f)
}

// Metrics aggregates the latest rewards of up to limit recent scored workflows.
func (o *Orchestrator) Metrics(ctx context.Context, limit int) (model.RewardMetrics, error) {
	wfs, err := o.store.ListWorkflows(ctx, storage.WorkflowFilter{RewardedOnly: true, Limit: limit})
	if err != nil {
		return model.RewardMetrics{}, err
	}
	return reward.Summarize(wfs), nil
}

// AuditTrail returns a workflow's audit entries in append order.
func (o *Orchestrator) AuditTrail(ctx context.Context, id uuid.UUID) ([]model.AuditEntry, error) {
	if _, err := o.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.audit.List(ctx, id)
}

// VerifyAudit re-hashes every audit entry of a workflow.
func (o *Orchestrator) VerifyAudit(ctx context.Context, id uuid.UUID) (model.AuditVerification, error) {
	if _, err := o.Get(ctx, id); err != nil {
		return model.AuditVerification{}, err
	}
	return o.audit.VerifyWorkflow(ctx, id)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required_without":
		return "code_ref requires pull_request_url or repository and branch"
	case "required_with":
		return fmt.Sprintf("%s is required with %s", fe.Field(), fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a URL", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}
