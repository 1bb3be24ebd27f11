package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/config"
	"tandem/pkg/store"
)

func writeTestConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "data", "tandem.db")
	cfg.Bus.AuditDir = filepath.Join(dir, "data", "logs", "messages")
	cfg.Bus.AckTimeout = time.Hour
	cfg.Log.Dir = filepath.Join(dir, "data", "logs")
	cfg.Log.Tee = false
	cfg.Planner.BacklogPath = filepath.Join(dir, "backlog.yaml")
	path := filepath.Join(dir, "tandem.yaml")
	require.NoError(t, cfg.Save(path))
	return path, cfg
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tandem dev")
	assert.Contains(t, out, "commit: none")
}

func TestInitWritesDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // default paths are relative
	path := filepath.Join("conf", "tandem.yaml")
	out, err := runCLI(t, "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote default config")
	assert.FileExists(t, path)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Bus, loaded.Bus)
	assert.FileExists(t, filepath.Join("data", "tandem.db"))
	assert.FileExists(t, "backlog.yaml")
}

func TestInitKeepsExistingConfig(t *testing.T) {
	path, cfg := writeTestConfig(t)
	out, err := runCLI(t, "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
	assert.Contains(t, out, "Initialized store")
	assert.Contains(t, out, "Wrote example backlog")
	assert.DirExists(t, cfg.Bus.AuditDir)
	assert.FileExists(t, cfg.Store.Path)
	assert.FileExists(t, cfg.Planner.BacklogPath)

	out, err = runCLI(t, "init", "--config", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "Wrote example backlog", "existing backlog is left alone")
}

func TestOnceThenStatus(t *testing.T) {
	path, _ := writeTestConfig(t)
	_, err := runCLI(t, "init", "--config", path)
	require.NoError(t, err)

	out, err := runCLI(t, "once", "--config", path)
	require.NoError(t, err)

	var once struct {
		Result struct {
			Cycle   int64 `json:"cycle"`
			Actions []struct {
				Type string `json:"type"`
			} `json:"actions"`
		} `json:"result"`
		State struct {
			CycleCount int64 `json:"cycle_count"`
		} `json:"state"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &once))
	assert.Equal(t, int64(1), once.Result.Cycle)
	assert.Equal(t, int64(1), once.State.CycleCount)
	require.Len(t, once.Result.Actions, 3, "create, assign, execute")

	out, err = runCLI(t, "status", "--config", path, "--json")
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Counts[store.StatusInReview])
	require.Len(t, report.Active, 1)
	assert.Equal(t, "Describe the first piece of work", report.Active[0].Title)
	assert.Equal(t, 2, report.AuditMessages, "task_assign and review_request")
}

func TestRunStopsAfterCycles(t *testing.T) {
	path, _ := writeTestConfig(t)
	out, err := runCLI(t, "run", "--config", path, "--cycles", "2", "--interval", "1ms", "--no-self-improve")
	require.NoError(t, err)
	assert.Contains(t, out, "Stopped after 2 cycles")
}

func TestBadConfigFails(t *testing.T) {
	path, cfg := writeTestConfig(t)
	cfg.Store.Driver = "postgres"
	require.NoError(t, cfg.Save(path))

	_, err := runCLI(t, "status", "--config", path)
	assert.ErrorIs(t, err, config.ErrUnknownStoreDriver)
	assert.Equal(t, 1, execute([]string{"status", "--config", path}))
}

func TestPrintStatusTable(t *testing.T) {
	var buf bytes.Buffer
	report := &statusReport{
		Counts: map[store.Status]int{store.StatusPending: 2},
		Active: []*store.WorkItem{{ID: "abcd1234", Status: store.StatusPending, Priority: store.PriorityHigh, Type: store.TaskFeature, Title: "Ship it"}},
	}
	require.NoError(t, printStatusTable(&buf, report))
	out := buf.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "abcd1234")
	assert.Contains(t, out, "Ship it")
	assert.False(t, isTerminal(&buf))
}
