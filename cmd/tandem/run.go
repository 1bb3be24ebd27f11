package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tandem/internal/coordinator"
	"tandem/internal/kernel"
	"tandem/pkg/config"
	"tandem/pkg/logx"
)

type runOptions struct {
	cycles        int
	interval      time.Duration
	noSelfImprove bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run coordinator cycles until interrupted",
		Long: `Run planner -> executor cycles until SIGINT/SIGTERM, or until --cycles
rounds have run. A signal lets the current cycle finish before exiting.

Examples:
  # Run forever with the configured interval
  tandem run

  # Run ten quick cycles without maintenance
  tandem run --cycles 10 --interval 1s --no-self-improve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoop(cmd, root, opts)
		},
	}
	cmd.Flags().IntVar(&opts.cycles, "cycles", 0, "Stop after this many cycles (0 runs until interrupted)")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Override the pause between cycles")
	cmd.Flags().BoolVar(&opts.noSelfImprove, "no-self-improve", false, "Disable the periodic maintenance pass")
	return cmd
}

func (o *runOptions) apply(cfg *config.Config) {
	if o.cycles > 0 {
		cfg.Coordinator.MaxCycles = o.cycles
	}
	if o.interval > 0 {
		cfg.Coordinator.CycleInterval = o.interval
	}
	if o.noSelfImprove {
		cfg.Coordinator.AutoImprove = false
	}
}

// startKernel loads config, opens logging and starts the kernel. The returned
// func stops everything in reverse order.
func startKernel(ctx context.Context, root *rootOptions, tweak func(*config.Config)) (*kernel.Kernel, func(), error) {
	cfg, err := root.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if tweak != nil {
		tweak(cfg)
	}
	closeLog, err := root.setupLogging(cfg)
	if err != nil {
		return nil, nil, err
	}

	logx.Infof("tandem %s starting with config %s", version, root.configPath)
	k, err := kernel.NewKernel(ctx, cfg)
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	if err := k.Start(); err != nil {
		_ = k.Stop()
		closeLog()
		return nil, nil, err
	}
	return k, func() {
		if err := k.Stop(); err != nil {
			k.Logger.Error("Kernel shutdown error: %v", err)
		}
		closeLog()
	}, nil
}

func runLoop(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	// The coordinator installs its own signal handling so an in-flight cycle
	// is allowed to finish.
	k, stop, err := startKernel(cmd.Context(), root, opts.apply)
	if err != nil {
		return err
	}
	defer stop()

	planner, executor := k.NewAgents(nil)
	c := k.NewCoordinator(planner, executor)
	if err := c.Run(cmd.Context()); err != nil {
		return fmt.Errorf("coordinator failed: %w", err)
	}

	snap := c.State().Snapshot()
	cmd.Printf("Stopped after %d cycles: %d completed, %d improvements\n",
		snap.CycleCount, snap.TotalCompleted, snap.TotalImprovements)
	return nil
}

func newOnceCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run exactly one coordinator cycle and print its summary as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			k, stop, err := startKernel(ctx, root, nil)
			if err != nil {
				return err
			}
			defer stop()

			planner, executor := k.NewAgents(nil)
			c := k.NewCoordinator(planner, executor, coordinator.WithoutSignals())
			res, err := c.RunSingleCycle(ctx)
			if err != nil {
				return err
			}

			out := struct {
				Result coordinator.CycleResult   `json:"result"`
				State  coordinator.StateSnapshot `json:"state"`
			}{res, c.State().Snapshot()}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
