package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiken"
	"github.com/ashita-ai/shiken/internal/audit"
	"github.com/ashita-ai/shiken/internal/config"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/testutil"
)

// isolateEnv registers every variable the CLI may export so t.Setenv
// restores it after the test.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, f := range globalFlags {
		if f.env != "" {
			t.Setenv(f.env, os.Getenv(f.env))
		}
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	isolateEnv(t)
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func sqliteArgs(path string, args ...string) []string {
	return append([]string{"--storage", "sqlite", "--sqlite-path", path}, args...)
}

// seedStore creates one workflow with two sealed audit entries.
func seedStore(t *testing.T, path string) model.Workflow {
	t.Helper()
	ctx := context.Background()
	cfg := config.Config{StorageDriver: config.DriverSQLite, SQLitePath: path}
	store, _, err := shiken.OpenStore(ctx, cfg, testutil.TestLogger())
	require.NoError(t, err)
	defer store.Close(ctx)

	wf := model.NewWorkflow(model.TriggerInput{
		CodeRef: model.CodeRef{Repository: "acme/api", Branch: "main"},
		Actor:   "cli-test",
	}, "test-model", time.Now().UTC())
	require.NoError(t, store.CreateWorkflow(ctx, wf))

	log := audit.New(store)
	for i := range 2 {
		e, err := audit.NewEntry(wf.ID, model.EventWorkflowStateChange, "cli-test", map[string]int{"step": i}, nil, time.Now())
		require.NoError(t, err)
		_, err = log.Append(ctx, e)
		require.NoError(t, err)
	}
	return wf
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "shiken dev\n", out)
}

func TestMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shiken.db")
	out, err := execute(t, sqliteArgs(path, "migrate")...)
	require.NoError(t, err)
	assert.Contains(t, out, "migrations applied (sqlite)")

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestWorkflowGetAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shiken.db")
	wf := seedStore(t, path)

	out, err := execute(t, sqliteArgs(path, "workflow", "get", wf.ID.String())...)
	require.NoError(t, err)
	var got model.Workflow
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, model.WorkflowPending, got.Status)

	out, err = execute(t, sqliteArgs(path, "workflow", "list", "--status", "pending")...)
	require.NoError(t, err)
	var list []model.Workflow
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, wf.ID, list[0].ID)

	out, err = execute(t, sqliteArgs(path, "workflow", "list", "--status", "completed")...)
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestWorkflowRecoverFailsAbandonedRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shiken.db")
	ctx := context.Background()
	store, _, err := shiken.OpenStore(ctx, config.Config{StorageDriver: config.DriverSQLite, SQLitePath: path}, testutil.TestLogger())
	require.NoError(t, err)
	claimed := time.Now().UTC().Add(-48 * time.Hour)
	wf := model.NewWorkflow(model.TriggerInput{
		CodeRef: model.CodeRef{Repository: "acme/api", Branch: "main"},
	}, "test-model", claimed)
	require.NoError(t, store.CreateWorkflow(ctx, wf))
	require.NoError(t, wf.Begin(claimed))
	require.NoError(t, store.ClaimWorkflow(ctx, wf))
	store.Close(ctx)

	out, err := execute(t, sqliteArgs(path, "workflow", "recover")...)
	require.NoError(t, err)
	assert.Equal(t, "recovered 1 stale workflow(s)\n", out)

	out, err = execute(t, sqliteArgs(path, "workflow", "list", "--status", "failed")...)
	require.NoError(t, err)
	var list []model.Workflow
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, wf.ID, list[0].ID)
}

func TestWorkflowGetRejectsBadID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shiken.db")
	_, err := execute(t, sqliteArgs(path, "workflow", "get", "not-a-uuid")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid workflow id")
}

func TestWorkflowStartRequiresCodeRef(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shiken.db")
	_, err := execute(t, sqliteArgs(path, "workflow", "start")...)
	require.Error(t, err)

	_, err = execute(t, sqliteArgs(path, "workflow", "start", "--repo", "acme/api")...)
	require.Error(t, err)
}

func TestAuditVerifyAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shiken.db")
	wf := seedStore(t, path)

	out, err := execute(t, sqliteArgs(path, "audit", "verify", wf.ID.String())...)
	require.NoError(t, err)
	var v model.AuditVerification
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Verified)
	assert.Equal(t, 2, v.Entries)
	assert.Len(t, v.MerkleRoot, 64)

	out, err = execute(t, sqliteArgs(path, "audit", "list", wf.ID.String())...)
	require.NoError(t, err)
	var entries []model.AuditEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Len(t, entries, 2)
}

func TestWorkflowMetricsOnEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shiken.db")
	out, err := execute(t, sqliteArgs(path, "workflow", "metrics")...)
	require.NoError(t, err)
	var m model.RewardMetrics
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Zero(t, m.TotalWorkflows)
}

func boundViper(t *testing.T, cmd *cobra.Command) *viper.Viper {
	t.Helper()
	v := viper.New()
	for _, f := range globalFlags {
		require.NoError(t, v.BindPFlag(f.name, cmd.PersistentFlags().Lookup(f.name)))
		if f.env != "" {
			require.NoError(t, v.BindEnv(f.name, f.env))
		}
	}
	return v
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SHIKEN_STORAGE_DRIVER", "postgres")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--storage", "sqlite"}))
	require.NoError(t, exportFlags(cmd, boundViper(t, cmd)))
	assert.Equal(t, "sqlite", os.Getenv("SHIKEN_STORAGE_DRIVER"))
}

func TestUnsetFlagsLeaveEnvironment(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SHIKEN_LOG_LEVEL", "warn")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags(nil))
	require.NoError(t, exportFlags(cmd, boundViper(t, cmd)))
	assert.Equal(t, "warn", os.Getenv("SHIKEN_LOG_LEVEL"))
}

func TestListFilter(t *testing.T) {
	f, err := listFilter("", true, 10)
	require.NoError(t, err)
	assert.Nil(t, f.Status)
	assert.True(t, f.RewardedOnly)
	assert.Equal(t, 10, f.Limit)

	f, err = listFilter("failed", false, 0)
	require.NoError(t, err)
	require.NotNil(t, f.Status)
	assert.Equal(t, model.WorkflowFailed, *f.Status)

	_, err = listFilter("stuck", false, 0)
	assert.Error(t, err)
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "shiken.log")
	var console bytes.Buffer
	logger, closer := newLogger(config.Config{
		LogLevel:      "info",
		LogFile:       path,
		LogMaxSizeMB:  1,
		LogMaxBackups: 1,
		LogMaxAgeDays: 1,
	}, &console)
	require.NotNil(t, closer)

	logger.Debug("hidden")
	logger.Info("written", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"written"`)
	assert.NotContains(t, string(data), "hidden")
	assert.Empty(t, console.String(), "info level does not mirror to the console")
}

func TestNewLoggerConsoleLevel(t *testing.T) {
	var console bytes.Buffer
	logger, closer := newLogger(config.Config{LogLevel: "warn"}, &console)
	assert.Nil(t, closer)

	logger.Info("dropped")
	logger.Warn("kept")
	assert.NotContains(t, console.String(), "dropped")
	assert.Contains(t, console.String(), "kept")
}

func TestKeygenCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "keygen", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "SHIKEN_JWT_PRIVATE_KEY="+filepath.Join(dir, "jwt_private.pem"))

	_, err = execute(t, "keygen", "--dir", dir)
	assert.Error(t, err)
}
