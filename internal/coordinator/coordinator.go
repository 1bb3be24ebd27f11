package coordinator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tandem/pkg/bus"
	"tandem/pkg/config"
	"tandem/pkg/logx"
	"tandem/pkg/metrics"
	"tandem/pkg/store"
)

const serviceStopTimeout = 10 * time.Second

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRecorder sets the metrics recorder for cycle outcomes.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithoutSignals disables SIGINT/SIGTERM handling in Run.
func WithoutSignals() Option {
	return func(c *Coordinator) { c.handleSignals = false }
}

// Coordinator runs planner -> executor rounds until shutdown.
type Coordinator struct {
	cfg      config.CoordinatorConfig
	bus      *bus.Bus
	store    store.Store
	planner  Agent
	executor Agent
	state    *SystemState
	logger   *logx.Logger
	recorder metrics.Recorder

	handleSignals bool

	mu          sync.Mutex
	hooks       []Hook
	maintainers []Maintainer
	services    []Service
	checks      []ReadinessCheck

	paused   atomic.Bool
	stopping atomic.Bool
	wake     chan struct{}
	wakeOnce sync.Once
}

// New creates a coordinator. b may be nil when no bus statistics are wanted.
func New(cfg config.CoordinatorConfig, b *bus.Bus, st store.Store, planner, executor Agent, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:           cfg,
		bus:           b,
		store:         st,
		planner:       planner,
		executor:      executor,
		state:         newSystemState(),
		logger:        logx.NewLogger("coordinator"),
		recorder:      metrics.Nop{},
		handleSignals: true,
		wake:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddCycleHook registers a callback fired after every successful round.
func (c *Coordinator) AddCycleHook(h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// AddMaintainer registers a maintenance pass run every MaintenanceEvery rounds.
func (c *Coordinator) AddMaintainer(m Maintainer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maintainers = append(c.maintainers, m)
}

// AttachService registers a service started before the loop and stopped after it.
func (c *Coordinator) AttachService(s Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = append(c.services, s)
}

// AddReadinessCheck registers a check that must pass before the loop starts.
func (c *Coordinator) AddReadinessCheck(name string, check func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, ReadinessCheck{Name: name, Check: check})
}

// State returns the live system state.
func (c *Coordinator) State() *SystemState { return c.state }

func (c *Coordinator) Pause() {
	if !c.paused.Swap(true) {
		c.logger.Info("Coordinator paused")
	}
}

func (c *Coordinator) Resume() {
	if c.paused.Swap(false) {
		c.logger.Info("Coordinator resumed")
	}
}

func (c *Coordinator) Paused() bool { return c.paused.Load() }

// Shutdown asks the loop to exit after the current round. An in-flight round is
// not cancelled; only idle and inter-round sleeps are interrupted.
func (c *Coordinator) Shutdown() {
	c.stopping.Store(true)
	c.wakeOnce.Do(func() { close(c.wake) })
}

// Run executes rounds until Shutdown, a termination signal, ctx cancellation or
// MaxCycles. Only readiness and service startup failures are returned.
func (c *Coordinator) Run(ctx context.Context) error {
	c.state.markStarted(time.Now())

	if c.handleSignals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case sig := <-sigCh:
				c.logger.Info("Received %v, shutting down after the current cycle", sig)
				c.Shutdown()
			case <-watchDone:
			}
		}()
	}

	if err := c.checkReady(ctx); err != nil {
		return err
	}
	if err := c.startServices(ctx); err != nil {
		c.stopServices()
		return err
	}
	defer c.stopServices()

	c.logger.Info("Coordinator started (interval %v, maintenance every %d cycles, auto-improve %t)",
		c.cfg.CycleInterval, c.cfg.MaintenanceEvery, c.cfg.AutoImprove)

	var rounds int
	for !c.stopping.Load() && ctx.Err() == nil {
		if c.paused.Load() {
			c.sleep(ctx, c.cfg.PauseIdle)
			continue
		}

		res, err := c.RunSingleCycle(ctx)
		rounds++
		if err != nil {
			c.logger.Error("Cycle failed: %v", err)
			if c.reachedLimit(rounds) {
				break
			}
			c.sleep(ctx, c.cfg.ErrorCooldown)
			continue
		}

		if c.cfg.StatusEvery > 0 && res.Cycle%int64(c.cfg.StatusEvery) == 0 {
			c.logStatus(ctx)
		}
		if c.cfg.AutoImprove && c.cfg.MaintenanceEvery > 0 && res.Cycle%int64(c.cfg.MaintenanceEvery) == 0 {
			c.runMaintenance(ctx)
		}
		if c.reachedLimit(rounds) {
			break
		}
		c.sleep(ctx, c.cfg.CycleInterval)
	}

	reason := ErrShutdownRequested
	if !c.stopping.Load() {
		if ctx.Err() != nil {
			reason = ctx.Err()
		} else {
			reason = fmt.Errorf("cycle limit %d reached", c.cfg.MaxCycles)
		}
	}
	snap := c.state.Snapshot()
	c.logger.Info("Coordinator stopped (%v) after %d cycles: %d completed, %d improvements",
		reason, snap.CycleCount, snap.TotalCompleted, snap.TotalImprovements)
	return nil
}

// RunSingleCycle executes exactly one round, updates state and fires hooks.
func (c *Coordinator) RunSingleCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	res, err := c.runCycle(ctx)
	res.Duration = time.Since(start)
	if err != nil {
		c.recorder.ObserveCycle("error", res.Duration)
		return res, err
	}
	c.recorder.ObserveCycle("ok", res.Duration)

	res.Cycle = c.state.cycleCount.Add(1)
	c.state.lastCycleAt.Store(time.Now().UnixNano())
	c.state.totalImprovements.Add(int64(res.Improvements()))
	c.refreshCompleted(ctx)

	c.logger.Debug("Cycle %d finished in %v with %d actions", res.Cycle, res.Duration, len(res.Actions))
	c.fireHooks(ctx, res)
	return res, nil
}

// runCycle calls the planner then the executor. A planner failure skips the
// executor for this round.
func (c *Coordinator) runCycle(ctx context.Context) (CycleResult, error) {
	res := CycleResult{StartedAt: time.Now()}

	planned, err := c.invoke(ctx, "planner", c.planner)
	if err != nil {
		return res, err
	}
	res.Planner = planned

	executed, err := c.invoke(ctx, "executor", c.executor)
	if err != nil {
		return res, err
	}
	res.Executor = executed

	res.Actions = make([]Action, 0, len(planned.Actions)+len(executed.Actions))
	res.Actions = append(res.Actions, planned.Actions...)
	res.Actions = append(res.Actions, executed.Actions...)
	return res, nil
}

func (c *Coordinator) invoke(ctx context.Context, name string, agent Agent) (res Result, err error) {
	if agent == nil {
		return Result{Agent: name}, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &CycleError{Agent: name, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			c.recorder.AgentFailed(name)
		}
	}()

	res, err = agent.RunCycle(ctx)
	if err != nil {
		return res, &CycleError{Agent: name, Err: err}
	}
	if res.Agent == "" {
		res.Agent = name
	}
	return res, nil
}

func (c *Coordinator) refreshCompleted(ctx context.Context) {
	if c.store == nil {
		return
	}
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		c.logger.Warn("Failed to count completed work items: %v", err)
		return
	}
	c.state.totalCompleted.Store(int64(counts[store.StatusCompleted]))
}

func (c *Coordinator) fireHooks(ctx context.Context, res CycleResult) {
	c.mu.Lock()
	hooks := append([]Hook(nil), c.hooks...)
	c.mu.Unlock()

	for i, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("Cycle hook %d panicked: %v", i, r)
				}
			}()
			if err := h(ctx, res); err != nil {
				c.logger.Warn("Cycle hook %d failed: %v", i, err)
			}
		}()
	}
}

func (c *Coordinator) runMaintenance(ctx context.Context) {
	c.mu.Lock()
	maintainers := append([]Maintainer(nil), c.maintainers...)
	c.mu.Unlock()

	c.logger.Info("Running maintenance (%d tasks)", len(maintainers))
	for i, m := range maintainers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("Maintenance task %d panicked: %v", i, r)
				}
			}()
			if err := m.Maintain(ctx); err != nil {
				c.logger.Warn("Maintenance task %d failed: %v", i, err)
			}
		}()
	}
}

func (c *Coordinator) logStatus(ctx context.Context) {
	snap := c.state.Snapshot()
	c.logger.Info("Status: cycle %d, uptime %v, %d completed, %d improvements",
		snap.CycleCount, snap.Uptime.Round(time.Second), snap.TotalCompleted, snap.TotalImprovements)

	if c.store != nil {
		counts, err := c.store.CountByStatus(ctx)
		if err != nil {
			c.logger.Warn("Failed to count work items: %v", err)
		} else {
			c.logger.Info("Work items: %s", formatCounts(counts))
		}
	}
	if c.bus != nil {
		stats := c.bus.Stats()
		c.logger.Info("Bus: %d pending acks across %d queues", stats.PendingAcks, len(stats.Queues))
	}
}

func formatCounts(counts map[store.Status]int) string {
	parts := make([]string, 0, len(counts))
	for status, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", status, n))
	}
	sort.Strings(parts)
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

func (c *Coordinator) checkReady(ctx context.Context) error {
	c.mu.Lock()
	checks := append([]ReadinessCheck(nil), c.checks...)
	c.mu.Unlock()

	for _, rc := range checks {
		if err := rc.Check(ctx); err != nil {
			return logx.Wrap(err, fmt.Sprintf("readiness check %s failed", rc.Name))
		}
	}
	return nil
}

func (c *Coordinator) startServices(ctx context.Context) error {
	c.mu.Lock()
	services := append([]Service(nil), c.services...)
	c.mu.Unlock()

	for _, s := range services {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s: %w", s.Name(), err)
		}
		c.logger.Debug("Started service %s", s.Name())
	}
	return nil
}

// stopServices stops every attached service concurrently with a fresh deadline,
// since the run context may already be cancelled.
func (c *Coordinator) stopServices() {
	c.mu.Lock()
	services := append([]Service(nil), c.services...)
	c.mu.Unlock()
	if len(services) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), serviceStopTimeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range services {
		g.Go(func() error {
			if err := s.Stop(ctx); err != nil {
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("Service shutdown error: %v", err)
	}
}

func (c *Coordinator) reachedLimit(rounds int) bool {
	return c.cfg.MaxCycles > 0 && rounds >= c.cfg.MaxCycles
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.wake:
	case <-ctx.Done():
	}
}
