package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Bus, cfg.Bus)
	assert.Equal(t, def.Coordinator, cfg.Coordinator)
	assert.Equal(t, 1000, cfg.Bus.Ceiling())
	assert.Equal(t, StoreDriverSQLite, cfg.Store.Driver)
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tandem.yaml")
	content := `
bus:
  base_capacity: 4
  ack_timeout: 250ms
  max_retries: 5
coordinator:
  cycle_interval: 2s
  auto_improve: false
store:
  driver: memory
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Bus.BaseCapacity)
	assert.Equal(t, 40, cfg.Bus.Ceiling())
	assert.Equal(t, 250*time.Millisecond, cfg.Bus.AckTimeout)
	assert.Equal(t, 5, cfg.Bus.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Coordinator.CycleInterval)
	assert.False(t, cfg.Coordinator.AutoImprove)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)

	// Untouched keys keep their defaults.
	assert.Equal(t, time.Second, cfg.Bus.BackpressureInterval)
	assert.Equal(t, 5, cfg.Coordinator.MaintenanceEvery)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tandem.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus: [unterminated"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TANDEM_BUS_MAX_RETRIES", "7")
	t.Setenv("TANDEM_BUS_ACK_TIMEOUT", "5s")
	t.Setenv("TANDEM_BUS_HIGH_WATER", "0.9")
	t.Setenv("TANDEM_BUS_RECEIVERS", "planner, executor, reviewer")
	t.Setenv("TANDEM_COORDINATOR_AUTO_IMPROVE", "false")
	t.Setenv("TANDEM_STORE_DRIVER", "memory")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Bus.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Bus.AckTimeout)
	assert.InDelta(t, 0.9, cfg.Bus.HighWater, 1e-9)
	assert.Equal(t, []string{"planner", "executor", "reviewer"}, cfg.Bus.Receivers)
	assert.False(t, cfg.Coordinator.AutoImprove)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
}

func TestEnvOverrideInvalidValue(t *testing.T) {
	t.Setenv("TANDEM_BUS_ACK_TIMEOUT", "soon")

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TANDEM_BUS_ACK_TIMEOUT")
}

func TestUnknownStoreDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tandem.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: postgres\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownStoreDriver))

	d, err := ParseStoreDriver("memory")
	require.NoError(t, err)
	assert.Equal(t, StoreDriverMemory, d)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative retries", func(c *Config) { c.Bus.MaxRetries = -1 }},
		{"max delay below base", func(c *Config) { c.Bus.RetryMaxDelay = c.Bus.RetryBaseDelay / 2 }},
		{"water marks inverted", func(c *Config) { c.Bus.LowWater, c.Bus.HighWater = 0.9, 0.1 }},
		{"duplicate receiver", func(c *Config) { c.Bus.Receivers = []string{"planner", "planner"} }},
		{"empty receiver", func(c *Config) { c.Bus.Receivers = []string{""} }},
		{"negative max cycles", func(c *Config) { c.Coordinator.MaxCycles = -2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tandem.yaml")

	cfg := Default()
	cfg.Bus.BaseCapacity = 8
	cfg.Bus.RetryBaseDelay = 200 * time.Millisecond
	cfg.Coordinator.MaxCycles = 3
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "retry_base_delay: 200ms")

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}
