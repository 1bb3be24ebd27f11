package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tandem/internal/agents"
	"tandem/pkg/config"
	"tandem/pkg/store"
)

func newInitCmd(root *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config, create data directories and initialize the store",
		Long: `Initialize a tandem project in the current directory.

Writes the default config (unless it exists), creates the log, audit and
store directories, creates the database schema and writes an example backlog.

Examples:
  tandem init
  tandem init --config deploy/tandem.yaml --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd, root.configPath, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")
	return cmd
}

func runInit(cmd *cobra.Command, configPath string, force bool) error {
	var cfg *config.Config
	_, statErr := os.Stat(configPath)
	switch {
	case statErr == nil && !force:
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		cmd.Printf("Config %s already exists, keeping it (use --force to overwrite)\n", configPath)
	case statErr == nil || errors.Is(statErr, os.ErrNotExist):
		cfg = config.Default()
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		cmd.Printf("Wrote default config to %s\n", configPath)
	default:
		return fmt.Errorf("failed to check config %s: %w", configPath, statErr)
	}

	for _, dir := range []string{cfg.Log.Dir, cfg.Bus.AuditDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if cfg.Store.Driver == config.StoreDriverSQLite {
		st, err := store.Open(cfg.Store)
		if err != nil {
			return err
		}
		if err := st.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
		cmd.Printf("Initialized store at %s\n", cfg.Store.Path)
	}

	if path := cfg.Planner.BacklogPath; path != "" {
		written, err := writeExampleBacklog(path)
		if err != nil {
			return err
		}
		if written {
			cmd.Printf("Wrote example backlog to %s\n", path)
		}
	}
	return nil
}

// writeExampleBacklog never overwrites an existing backlog.
func writeExampleBacklog(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	example := agents.Backlog{Tasks: []agents.BacklogEntry{
		{
			Title:       "Describe the first piece of work",
			Description: "Replace this entry with real tasks; the planner schedules them in order.",
			Type:        store.TaskFeature,
			Priority:    store.PriorityMedium,
		},
	}}
	data, err := yaml.Marshal(example)
	if err != nil {
		return false, fmt.Errorf("failed to marshal backlog: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create backlog directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, fmt.Errorf("failed to write backlog: %w", err)
	}
	return true, nil
}
