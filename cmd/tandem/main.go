// Package main implements the tandem CLI: it initializes a project, runs the
// planner/executor coordinator and reports work item status.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tandem/pkg/config"
	"tandem/pkg/logx"
)

// Version information - set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type rootOptions struct {
	configPath string
	tee        bool
	debug      bool
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute runs the CLI and returns the process exit code.
func execute(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "tandem",
		Short: "Run a planner and an executor over an in-process message bus",
		Long: `tandem drives repeated planner -> executor rounds. The planner turns a YAML
backlog and improvement proposals into work items; the executor carries them
out and asks for review. Messages flow through a bounded, acknowledged bus.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "tandem.yaml", "Path to the config file")
	root.PersistentFlags().BoolVar(&opts.tee, "tee", false, "Also write logs to stderr when logging to a file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newInitCmd(opts),
		newRunCmd(opts),
		newOnceCmd(opts),
		newStatusCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("tandem %s\n", version)
			cmd.Printf("  commit: %s\n", commit)
			cmd.Printf("  built:  %s\n", date)
		},
	}
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", o.configPath, err)
	}
	return cfg, nil
}

// setupLogging applies debug settings and opens the log file. The returned
// func closes it.
func (o *rootOptions) setupLogging(cfg *config.Config) (func(), error) {
	logx.SetDebugConfig(cfg.Log.Debug || o.debug, cfg.Log.DebugDomains)
	if cfg.Log.Dir == "" {
		return func() {}, nil
	}
	if err := logx.InitializeLogFile(cfg.Log.Dir, cfg.Log.Tee || o.tee); err != nil {
		return nil, err
	}
	return func() {
		if err := logx.CloseLogFile(); err != nil {
			logx.Warnf("Failed to close log file: %v", err)
		}
	}, nil
}
