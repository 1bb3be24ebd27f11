// Package kernel owns the shared infrastructure behind a coordinator run:
// audit log, metrics, work item store and message bus.
package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tandem/internal/agents"
	"tandem/internal/coordinator"
	"tandem/internal/maintenance"
	"tandem/pkg/bus"
	"tandem/pkg/config"
	"tandem/pkg/eventlog"
	"tandem/pkg/logx"
	"tandem/pkg/metrics"
	"tandem/pkg/store"
)

const stopTimeout = 10 * time.Second

// Kernel wires infrastructure from a Config and manages its lifecycle.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // kernel lifecycle
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Registry *prometheus.Registry // nil when metrics are disabled
	Recorder metrics.Recorder
	Audit    *eventlog.Writer
	Store    store.Store
	Bus      *bus.Bus

	running bool
}

// NewKernel builds every infrastructure component. Nothing is started yet.
func NewKernel(parent context.Context, cfg *config.Config) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:      ctx,
		cancel:   cancel,
		Config:   cfg,
		Logger:   logx.NewLogger("kernel"),
		Recorder: metrics.Nop{},
	}

	if err := k.initializeServices(); err != nil {
		cancel()
		k.closeStore()
		return nil, logx.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices() error {
	if k.Config.Metrics.Enabled {
		k.Registry = prometheus.NewRegistry()
		k.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		k.Recorder = metrics.NewPrometheusRecorder(k.Registry)
	}

	opts := []bus.Option{bus.WithRecorder(k.Recorder)}
	if dir := k.Config.Bus.AuditDir; dir != "" {
		audit, err := eventlog.NewWriter(dir)
		if err != nil {
			return fmt.Errorf("failed to create audit log: %w", err)
		}
		k.Audit = audit
		opts = append(opts, bus.WithAudit(audit))
	}

	st, err := store.Open(k.Config.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	k.Store = st

	k.Bus, err = bus.New(k.Config.Bus, opts...)
	if err != nil {
		return fmt.Errorf("failed to create bus: %w", err)
	}

	k.Logger.Info("Kernel services initialized (store %s, metrics %t)", k.Config.Store.Driver, k.Config.Metrics.Enabled)
	return nil
}

// Start starts the bus monitors.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}
	if err := k.Bus.Start(k.ctx); err != nil {
		return fmt.Errorf("failed to start bus: %w", err)
	}
	k.running = true
	k.Logger.Info("Kernel services started")
	return nil
}

// Stop stops the bus, writes a final metrics textfile and closes the store.
// Calling it again is a no-op.
func (k *Kernel) Stop() error {
	if k.Store == nil {
		return nil
	}
	k.Logger.Info("Stopping kernel services...")
	k.cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := k.Bus.Stop(stopCtx); err != nil {
		k.Logger.Error("Error stopping bus: %v", err)
	}

	if k.running {
		if err := k.exportTextfile(); err != nil {
			k.Logger.Warn("Final metrics export failed: %v", err)
		}
	}
	k.closeStore()

	k.running = false
	k.Logger.Info("Kernel services stopped")
	return nil
}

func (k *Kernel) closeStore() {
	if k.Store == nil {
		return
	}
	if err := k.Store.Close(); err != nil {
		k.Logger.Error("Error closing store: %v", err)
	}
	k.Store = nil
}

// NewAgents builds the reference planner and executor over the kernel's bus and store.
func (k *Kernel) NewAgents(worker agents.Worker) (*agents.Planner, *agents.Executor) {
	planner := agents.NewPlanner(agents.PlannerConfig{
		BacklogPath: k.Config.Planner.BacklogPath,
		MaxPending:  k.Config.Planner.MaxPending,
	}, k.Bus, k.Store)
	return planner, agents.NewExecutor(k.Bus, k.Store, worker)
}

// NewCoordinator wires a coordinator to the kernel: readiness checks on the
// store and bus, the feedback loop as maintenance, the metrics endpoint as an
// attached service and textfile export after every cycle.
func (k *Kernel) NewCoordinator(planner, executor coordinator.Agent, opts ...coordinator.Option) *coordinator.Coordinator {
	opts = append([]coordinator.Option{coordinator.WithRecorder(k.Recorder)}, opts...)
	c := coordinator.New(k.Config.Coordinator, k.Bus, k.Store, planner, executor, opts...)

	c.AddReadinessCheck("store", k.Store.Ping)
	c.AddReadinessCheck("bus", func(context.Context) error {
		if !k.Bus.Running() {
			return fmt.Errorf("bus not started")
		}
		return nil
	})
	c.AddMaintainer(maintenance.NewFeedbackLoop(k.Store, k.Bus, ""))

	if k.Registry != nil && k.Config.Metrics.ListenAddr != "" {
		c.AttachService(metrics.NewServer(k.Config.Metrics.ListenAddr, k.Registry))
	}
	if k.Registry != nil && k.Config.Metrics.TextfilePath != "" {
		c.AddCycleHook(func(context.Context, coordinator.CycleResult) error {
			return k.exportTextfile()
		})
	}
	return c
}

func (k *Kernel) exportTextfile() error {
	if k.Registry == nil || k.Config.Metrics.TextfilePath == "" {
		return nil
	}
	return metrics.WriteTextfile(k.Registry, k.Config.Metrics.TextfilePath)
}
