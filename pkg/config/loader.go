package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. TANDEM_BUS_MAX_RETRIES.
const EnvPrefix = "TANDEM_"

//nolint:gochecknoglobals // reflect type used by the env override walker
var durationType = reflect.TypeOf(time.Duration(0))

// Load reads a YAML config file on top of the defaults. A missing file yields
// the defaults. Environment overrides are applied before validation.
func Load(configPath string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}
	applyDefaults(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Save writes the config as YAML, creating parent directories.
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(config *Config) error {
	v := reflect.ValueOf(config).Elem()
	return applyEnvOverridesRecursive(v, v.Type(), EnvPrefix)
}

func applyEnvOverridesRecursive(v reflect.Value, t reflect.Type, prefix string) error {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		yamlTag := fieldType.Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		envKey := strings.ToUpper(prefix + strings.Split(yamlTag, ",")[0])

		if field.Kind() == reflect.Struct {
			if err := applyEnvOverridesRecursive(field, field.Type(), envKey+"_"); err != nil {
				return err
			}
			continue
		}

		if envValue, ok := os.LookupEnv(envKey); ok && envValue != "" {
			if err := setFieldFromEnv(field, envValue); err != nil {
				return fmt.Errorf("invalid value for %s: %w", envKey, err)
			}
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, envValue string) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(envValue)
		if err != nil {
			return err //nolint:wrapcheck // wrapped by caller with the env key
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int64:
		n, err := strconv.Atoi(envValue)
		if err != nil {
			return err //nolint:wrapcheck // wrapped by caller with the env key
		}
		field.SetInt(int64(n))
	case reflect.Float64:
		f, err := strconv.ParseFloat(envValue, 64)
		if err != nil {
			return err //nolint:wrapcheck // wrapped by caller with the env key
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(envValue)
		if err != nil {
			return err //nolint:wrapcheck // wrapped by caller with the env key
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		var items []string
		for _, part := range strings.Split(envValue, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		field.Set(reflect.ValueOf(items))
	}
	return nil
}

// applyDefaults fills zero values left by a partial config file.
func applyDefaults(config *Config) {
	def := Default()

	b := &config.Bus
	if b.BaseCapacity <= 0 {
		b.BaseCapacity = def.Bus.BaseCapacity
	}
	if b.CeilingFactor <= 0 {
		b.CeilingFactor = def.Bus.CeilingFactor
	}
	if b.AckTimeout <= 0 {
		b.AckTimeout = def.Bus.AckTimeout
	}
	if b.RetryBaseDelay <= 0 {
		b.RetryBaseDelay = def.Bus.RetryBaseDelay
	}
	if b.RetryMaxDelay <= 0 {
		b.RetryMaxDelay = def.Bus.RetryMaxDelay
	}
	if b.BackpressureInterval <= 0 {
		b.BackpressureInterval = def.Bus.BackpressureInterval
	}
	if b.MonitorInterval <= 0 {
		b.MonitorInterval = def.Bus.MonitorInterval
	}
	if b.StatsInterval <= 0 {
		b.StatsInterval = def.Bus.StatsInterval
	}
	if b.LoadWindow <= 0 {
		b.LoadWindow = def.Bus.LoadWindow
	}
	if b.HighWater == 0 {
		b.HighWater = def.Bus.HighWater
	}
	if b.LowWater == 0 {
		b.LowWater = def.Bus.LowWater
	}
	if b.HistorySize <= 0 {
		b.HistorySize = def.Bus.HistorySize
	}
	if b.DedupWindow <= 0 {
		b.DedupWindow = def.Bus.DedupWindow
	}

	c := &config.Coordinator
	if c.CycleInterval <= 0 {
		c.CycleInterval = def.Coordinator.CycleInterval
	}
	if c.MaintenanceEvery <= 0 {
		c.MaintenanceEvery = def.Coordinator.MaintenanceEvery
	}
	if c.StatusEvery <= 0 {
		c.StatusEvery = def.Coordinator.StatusEvery
	}
	if c.PauseIdle <= 0 {
		c.PauseIdle = def.Coordinator.PauseIdle
	}
	if c.ErrorCooldown <= 0 {
		c.ErrorCooldown = def.Coordinator.ErrorCooldown
	}

	if config.Store.Driver == "" {
		config.Store.Driver = def.Store.Driver
	}
	if config.Store.Path == "" {
		config.Store.Path = def.Store.Path
	}
	if config.Planner.MaxPending <= 0 {
		config.Planner.MaxPending = def.Planner.MaxPending
	}
}

// Validate checks value ranges and resolves the store driver variant.
func (c *Config) Validate() error {
	b := c.Bus
	switch {
	case b.BaseCapacity < 1:
		return fmt.Errorf("bus.base_capacity must be at least 1, got %d", b.BaseCapacity)
	case b.CeilingFactor < 1:
		return fmt.Errorf("bus.ceiling_factor must be at least 1, got %d", b.CeilingFactor)
	case b.MaxRetries < 0:
		return fmt.Errorf("bus.max_retries must not be negative, got %d", b.MaxRetries)
	case b.RetryMaxDelay < b.RetryBaseDelay:
		return fmt.Errorf("bus.retry_max_delay (%s) must be >= bus.retry_base_delay (%s)", b.RetryMaxDelay, b.RetryBaseDelay)
	case b.LowWater <= 0 || b.HighWater >= 1 || b.LowWater >= b.HighWater:
		return fmt.Errorf("bus water marks must satisfy 0 < low_water (%.2f) < high_water (%.2f) < 1", b.LowWater, b.HighWater)
	}

	seen := make(map[string]bool, len(b.Receivers))
	for _, r := range b.Receivers {
		if r == "" {
			return fmt.Errorf("bus.receivers must not contain empty names")
		}
		if seen[r] {
			return fmt.Errorf("bus.receivers contains duplicate %q", r)
		}
		seen[r] = true
	}

	if c.Coordinator.MaxCycles < 0 {
		return fmt.Errorf("coordinator.max_cycles must not be negative, got %d", c.Coordinator.MaxCycles)
	}

	if _, err := ParseStoreDriver(string(c.Store.Driver)); err != nil {
		return err
	}
	return nil
}
