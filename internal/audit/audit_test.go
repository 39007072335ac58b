package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiken/internal/audit"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/storage/sqlite"
	"github.com/ashita-ai/shiken/internal/testutil"
)

func seedWorkflow(t *testing.T, db *sqlite.DB) uuid.UUID {
	t.Helper()
	wf := model.NewWorkflow(model.TriggerInput{
		CodeRef: model.CodeRef{Repository: "acme/api", Branch: "main"},
	}, "test", time.Now().UTC())
	require.NoError(t, db.CreateWorkflow(context.Background(), wf))
	return wf.ID
}

func TestNewEntryDefaultsAndSeal(t *testing.T) {
	id := uuid.New()
	e, err := audit.NewEntry(id, model.EventWorkflowStateChange, "", map[string]string{"status": "running"}, nil, time.Now())
	require.NoError(t, err)

	assert.Equal(t, model.DefaultActor, e.Actor)
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Nil(t, e.Changes)
	assert.NoError(t, audit.Verify(e))
}

func TestNewEntryRejectsUnknownEventType(t *testing.T) {
	_, err := audit.NewEntry(uuid.New(), "made-up", "", nil, nil, time.Now())
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindValidation))
}

func TestAppendTwiceYieldsTwoEntries(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewSQLite(t)
	log := audit.New(db)
	wfID := seedWorkflow(t, db)

	now := time.Now()
	snap := map[string]any{"stage": "source_fetch", "status": "complete"}
	e1, err := audit.NewEntry(wfID, model.EventWorkflowStateChange, "", snap, nil, now)
	require.NoError(t, err)
	e2, err := audit.NewEntry(wfID, model.EventWorkflowStateChange, "", snap, nil, now)
	require.NoError(t, err)

	id1, err := log.Append(ctx, e1)
	require.NoError(t, err)
	id2, err := log.Append(ctx, e2)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	entries, err := log.List(ctx, wfID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, e1.IntegrityHash, e2.IntegrityHash)
}

func TestUpdateAndDeleteAlwaysFail(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewSQLite(t)
	log := audit.New(db)
	wfID := seedWorkflow(t, db)

	e, err := audit.NewEntry(wfID, model.EventMetricUpdate, "ops", map[string]float64{"pass_rate": 1}, nil, time.Now())
	require.NoError(t, err)
	id, err := log.Append(ctx, e)
	require.NoError(t, err)

	e.Snapshot = []byte(`{"pass_rate":0}`)
	err = log.Update(ctx, id, e)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindImmutable))

	err = log.Delete(ctx, id)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindImmutable))

	stored, err := log.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pass_rate":1}`, string(stored.Snapshot))
}

func TestSchemaRejectsDirectMutation(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewSQLite(t)
	log := audit.New(db)
	wfID := seedWorkflow(t, db)

	e, err := audit.NewEntry(wfID, model.EventReviewStatus, "", map[string]string{"status": "reviewing"}, nil, time.Now())
	require.NoError(t, err)
	_, err = log.Append(ctx, e)
	require.NoError(t, err)

	_, err = db.SQL().ExecContext(ctx, `UPDATE audit_log SET snapshot = '{}' WHERE id = ?`, e.ID.String())
	assert.Error(t, err, "UPDATE must be rejected by the schema")

	_, err = db.SQL().ExecContext(ctx, `DELETE FROM audit_log WHERE id = ?`, e.ID.String())
	assert.Error(t, err, "DELETE must be rejected by the schema")

	entries, err := log.List(ctx, wfID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NoError(t, audit.Verify(entries[0]))
}

func TestVerifyDetectsTampering(t *testing.T) {
	e, err := audit.NewEntry(uuid.New(), model.EventRewardComputation, "", map[string]float64{"combined_reward": 0.44}, nil, time.Now())
	require.NoError(t, err)

	e.Snapshot = []byte(`{"combined_reward":0.99}`)
	err = audit.Verify(e)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindIntegrityViolation))
}

func TestAppendRefusesUnsealedEntry(t *testing.T) {
	db := testutil.NewSQLite(t)
	log := audit.New(db)
	wfID := seedWorkflow(t, db)

	e, err := audit.NewEntry(wfID, model.EventTestExecution, "", map[string]int{"passed": 3}, nil, time.Now())
	require.NoError(t, err)
	e.IntegrityHash = "v2:deadbeef"

	_, err = log.Append(context.Background(), e)
	assert.True(t, model.IsKind(err, model.KindIntegrityViolation))
}

func TestVerifyWorkflow(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewSQLite(t)
	log := audit.New(db)
	wfID := seedWorkflow(t, db)

	for i := range 3 {
		e, err := audit.NewEntry(wfID, model.EventWorkflowStateChange, "", map[string]int{"step": i}, nil, time.Now())
		require.NoError(t, err)
		_, err = log.Append(ctx, e)
		require.NoError(t, err)
	}

	v, err := log.VerifyWorkflow(ctx, wfID)
	require.NoError(t, err)
	assert.True(t, v.Verified)
	assert.Equal(t, 3, v.Entries)
	assert.Len(t, v.MerkleRoot, 64)

	again, err := log.VerifyWorkflow(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, v.MerkleRoot, again.MerkleRoot)
}
