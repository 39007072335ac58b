//go:build integration

package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiken/internal/audit"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/storage"
	"github.com/ashita-ai/shiken/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func runningWorkflow(t *testing.T) model.Workflow {
	t.Helper()
	ctx := context.Background()
	wf := model.NewWorkflow(model.TriggerInput{
		CodeRef: model.CodeRef{Repository: "acme/api", Branch: "feature/x"},
	}, "v1", time.Now().UTC())
	require.NoError(t, testDB.CreateWorkflow(ctx, wf))
	require.NoError(t, wf.Begin(time.Now().UTC()))
	require.NoError(t, testDB.ClaimWorkflow(ctx, wf))
	return wf
}

func entry(t *testing.T, wf model.Workflow, et model.AuditEventType) model.AuditEntry {
	t.Helper()
	e, err := audit.NewEntry(wf.ID, et, "", map[string]any{"status": wf.Status, "stage": wf.Stage}, nil, time.Now())
	require.NoError(t, err)
	return e
}

func TestClaimIsSingleWriter(t *testing.T) {
	ctx := context.Background()
	wf := model.NewWorkflow(model.TriggerInput{
		CodeRef: model.CodeRef{PullRequestURL: "https://github.com/acme/api/pull/1"},
	}, "v1", time.Now().UTC())
	require.NoError(t, testDB.CreateWorkflow(ctx, wf))
	require.NoError(t, wf.Begin(time.Now().UTC()))

	require.NoError(t, testDB.ClaimWorkflow(ctx, wf))
	assert.ErrorIs(t, testDB.ClaimWorkflow(ctx, wf), storage.ErrNotClaimable)
}

func TestTransitionPersistsStateAndAudit(t *testing.T) {
	ctx := context.Background()
	wf := runningWorkflow(t)

	require.NoError(t, wf.AdvanceStage(model.StageSourceFetch, model.StatusFetching, time.Now().UTC()))
	require.NoError(t, testDB.RecordTransition(ctx, wf, entry(t, wf, model.EventWorkflowStateChange)))

	got, err := testDB.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFetching, got.Source.Status)
	assert.Equal(t, model.StageSourceFetch, got.Stage)

	entries, err := testDB.ListAuditEntries(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NoError(t, audit.Verify(entries[0]), "hash must survive the round trip")
}

func TestTerminalWorkflowIsFrozen(t *testing.T) {
	ctx := context.Background()
	wf := runningWorkflow(t)
	require.NoError(t, wf.Complete(time.Now().UTC()))
	require.NoError(t, testDB.RecordTransition(ctx, wf, entry(t, wf, model.EventWorkflowStateChange)))

	stale := wf
	stale.Status = model.WorkflowRunning
	assert.ErrorIs(t, testDB.RecordTransition(ctx, stale), storage.ErrTerminal)

	_, err := testDB.Pool().Exec(ctx, `UPDATE workflows SET status = 'running' WHERE id = $1`, wf.ID)
	assert.Error(t, err, "trigger must reject updates to terminal rows")
}

func TestAuditLogRejectsMutation(t *testing.T) {
	ctx := context.Background()
	wf := runningWorkflow(t)
	e := entry(t, wf, model.EventMetricUpdate)
	_, err := testDB.InsertAuditEntry(ctx, e)
	require.NoError(t, err)

	_, err = testDB.Pool().Exec(ctx, `UPDATE audit_log SET actor = 'mallory' WHERE id = $1`, e.ID)
	assert.Error(t, err)
	_, err = testDB.Pool().Exec(ctx, `DELETE FROM audit_log WHERE id = $1`, e.ID)
	assert.Error(t, err)

	got, err := testDB.GetAuditEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultActor, got.Actor)
	assert.NoError(t, audit.Verify(got))
}

func TestRewardedOnlyFilter(t *testing.T) {
	ctx := context.Background()
	wf := runningWorkflow(t)
	now := time.Now().UTC()
	wf.RLTraining.Append(model.RewardSnapshot{Timestamp: now, CombinedReward: 0.9, HighQuality: true})
	require.NoError(t, wf.Complete(now))
	require.NoError(t, testDB.RecordTransition(ctx, wf))

	rewarded, err := testDB.ListWorkflows(ctx, storage.WorkflowFilter{RewardedOnly: true, Limit: 1000})
	require.NoError(t, err)
	var found bool
	for _, r := range rewarded {
		if r.ID == wf.ID {
			found = true
		}
		_, ok := r.RLTraining.Latest()
		assert.True(t, ok)
	}
	assert.True(t, found)
}

func TestAPIClientDuplicate(t *testing.T) {
	ctx := context.Background()
	c := model.APIClient{
		ID:         uuid.New(),
		ClientID:   "dup-" + uuid.NewString()[:8],
		Role:       model.RoleReader,
		APIKeyHash: "hash",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, testDB.CreateAPIClient(ctx, c))
	c.ID = uuid.New()
	assert.ErrorIs(t, testDB.CreateAPIClient(ctx, c), storage.ErrDuplicate)
}
