package kernel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/internal/coordinator"
	"tandem/pkg/config"
	"tandem/pkg/eventlog"
	"tandem/pkg/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "tandem.db")
	cfg.Bus.AuditDir = filepath.Join(dir, "logs", "messages")
	cfg.Bus.AckTimeout = time.Hour
	cfg.Metrics.TextfilePath = filepath.Join(dir, "metrics", "tandem.prom")
	cfg.Planner.BacklogPath = filepath.Join(dir, "backlog.yaml")
	cfg.Coordinator.CycleInterval = time.Millisecond
	cfg.Coordinator.MaintenanceEvery = 2
	cfg.Coordinator.MaxCycles = 3
	require.NoError(t, os.WriteFile(cfg.Planner.BacklogPath, []byte("tasks:\n  - title: First\n  - title: Second\n"), 0o644))
	return cfg
}

func TestNewKernel(t *testing.T) {
	cfg := testConfig(t)
	k, err := NewKernel(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Stop() })

	assert.NotNil(t, k.Registry)
	assert.NotNil(t, k.Audit)
	assert.NotNil(t, k.Store)
	assert.NotNil(t, k.Bus)
	assert.DirExists(t, cfg.Bus.AuditDir)
}

func TestNewKernelUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "postgres"
	_, err := NewKernel(context.Background(), cfg)
	assert.ErrorIs(t, err, config.ErrUnknownStoreDriver)
	assert.ErrorContains(t, err, "failed to initialize kernel services")
}

func TestKernelStartStop(t *testing.T) {
	k, err := NewKernel(context.Background(), testConfig(t))
	require.NoError(t, err)

	require.NoError(t, k.Start())
	assert.True(t, k.Bus.Running())
	assert.Error(t, k.Start(), "double start")

	require.NoError(t, k.Stop())
	assert.False(t, k.Bus.Running())
	require.NoError(t, k.Stop(), "stop is idempotent")
}

func TestCoordinatorRefusesUnstartedBus(t *testing.T) {
	k, err := NewKernel(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Stop() })

	planner, executor := k.NewAgents(nil)
	c := k.NewCoordinator(planner, executor, coordinator.WithoutSignals())
	err = c.Run(context.Background())
	assert.ErrorContains(t, err, "readiness check bus failed")
}

func TestKernelRunsFullCycles(t *testing.T) {
	cfg := testConfig(t)
	k, err := NewKernel(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, k.Start())

	planner, executor := k.NewAgents(nil)
	c := k.NewCoordinator(planner, executor, coordinator.WithoutSignals())
	require.NoError(t, c.Run(context.Background()))

	snap := c.State().Snapshot()
	assert.Equal(t, int64(3), snap.CycleCount)
	assert.Equal(t, int64(2), snap.TotalCompleted)

	files, err := eventlog.ListLogFiles(cfg.Bus.AuditDir)
	require.NoError(t, err)
	require.NotEmpty(t, files)
	records, err := eventlog.ReadRecords(files[0])
	require.NoError(t, err)
	assert.NotEmpty(t, records, "every sent message is audited")

	prom, err := os.ReadFile(cfg.Metrics.TextfilePath)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "tandem_")

	require.NoError(t, k.Stop())

	st, err := store.Open(cfg.Store)
	require.NoError(t, err)
	defer st.Close()
	counts, err := st.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[store.StatusCompleted], "work persisted across reopen")
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	cfg.Store.Driver = config.StoreDriverMemory
	k, err := NewKernel(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Stop() })

	assert.Nil(t, k.Registry)
	require.NoError(t, k.exportTextfile())
	assert.NoFileExists(t, cfg.Metrics.TextfilePath)
}
