// Package config holds the explicit configuration value passed to the bus,
// coordinator and supporting infrastructure.
package config

import (
	"errors"
	"fmt"
	"time"
)

// StoreDriver selects the work-item store backend.
type StoreDriver string

const (
	StoreDriverSQLite StoreDriver = "sqlite"
	StoreDriverMemory StoreDriver = "memory"
)

// ErrUnknownStoreDriver is returned when store.driver names no known backend.
var ErrUnknownStoreDriver = errors.New("unknown store driver")

// ParseStoreDriver resolves a driver name to a known variant.
func ParseStoreDriver(s string) (StoreDriver, error) {
	switch d := StoreDriver(s); d {
	case StoreDriverSQLite, StoreDriverMemory:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStoreDriver, s)
	}
}

// Config is the root configuration.
type Config struct {
	Bus         BusConfig         `yaml:"bus"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Store       StoreConfig       `yaml:"store"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Planner     PlannerConfig     `yaml:"planner"`
}

// BusConfig controls queue sizing, acknowledgment and retry behavior.
type BusConfig struct {
	BaseCapacity         int           `yaml:"base_capacity"`
	CeilingFactor        int           `yaml:"ceiling_factor"` // ceiling = base_capacity * ceiling_factor
	AckTimeout           time.Duration `yaml:"ack_timeout"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay        time.Duration `yaml:"retry_max_delay"`
	BackpressureInterval time.Duration `yaml:"backpressure_interval"`
	MonitorInterval      time.Duration `yaml:"monitor_interval"`
	StatsInterval        time.Duration `yaml:"stats_interval"`
	LoadWindow           int           `yaml:"load_window"`
	HighWater            float64       `yaml:"high_water"`
	LowWater             float64       `yaml:"low_water"`
	HistorySize          int           `yaml:"history_size"`
	DedupWindow          int           `yaml:"dedup_window"`
	Receivers            []string      `yaml:"receivers"`
	AuditDir             string        `yaml:"audit_dir"` // empty disables the audit log
}

// Ceiling returns the hard upper bound for a queue's capacity.
func (b BusConfig) Ceiling() int {
	return b.BaseCapacity * b.CeilingFactor
}

// CoordinatorConfig controls the cycle loop cadence.
type CoordinatorConfig struct {
	CycleInterval    time.Duration `yaml:"cycle_interval"`
	MaintenanceEvery int           `yaml:"maintenance_every"`
	StatusEvery      int           `yaml:"status_every"`
	PauseIdle        time.Duration `yaml:"pause_idle"`
	ErrorCooldown    time.Duration `yaml:"error_cooldown"`
	AutoImprove      bool          `yaml:"auto_improve"`
	MaxCycles        int           `yaml:"max_cycles"` // 0 = unbounded
}

type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`
	Path   string      `yaml:"path"`
}

type LogConfig struct {
	Dir          string   `yaml:"dir"` // empty logs to stderr only
	Tee          bool     `yaml:"tee"`
	Debug        bool     `yaml:"debug"`
	DebugDomains []string `yaml:"debug_domains,omitempty"`
}

type MetricsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ListenAddr   string `yaml:"listen_addr"`   // empty disables the HTTP endpoint
	TextfilePath string `yaml:"textfile_path"` // empty disables textfile export
}

// PlannerConfig configures the reference planner agent.
type PlannerConfig struct {
	BacklogPath string `yaml:"backlog_path"`
	MaxPending  int    `yaml:"max_pending"` // planner stops assigning when this many items are pending
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			BaseCapacity:         100,
			CeilingFactor:        10,
			AckTimeout:           30 * time.Second,
			MaxRetries:           3,
			RetryBaseDelay:       time.Second,
			RetryMaxDelay:        30 * time.Second,
			BackpressureInterval: time.Second,
			MonitorInterval:      60 * time.Second,
			StatsInterval:        60 * time.Second,
			LoadWindow:           100,
			HighWater:            0.8,
			LowWater:             0.2,
			HistorySize:          1000,
			DedupWindow:          10000,
			Receivers:            []string{"planner", "executor"},
			AuditDir:             "data/logs/messages",
		},
		Coordinator: CoordinatorConfig{
			CycleInterval:    30 * time.Second,
			MaintenanceEvery: 5,
			StatusEvery:      5,
			PauseIdle:        2 * time.Second,
			ErrorCooldown:    5 * time.Second,
			AutoImprove:      true,
		},
		Store: StoreConfig{
			Driver: StoreDriverSQLite,
			Path:   "data/tandem.db",
		},
		Log: LogConfig{
			Dir: "data/logs",
			Tee: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Planner: PlannerConfig{
			BacklogPath: "backlog.yaml",
			MaxPending:  5,
		},
	}
}
