// Package coordinator drives repeated planner -> executor rounds over the bus.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Action types reported by agents.
const (
	ActionCreateTask  = "create_task"
	ActionAssignTask  = "assign_task"
	ActionExecuteTask = "execute_task"
	ActionReview      = "review"
	ActionSelfImprove = "self_improve"
)

// Action is one named, typed thing an agent did during a round.
type Action struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Result summarizes one agent's round.
type Result struct {
	Agent   string   `json:"agent"`
	Actions []Action `json:"actions"`
}

// Agent is the single capability the coordinator needs from the planner and executor.
type Agent interface {
	RunCycle(ctx context.Context) (Result, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context) (Result, error)

func (f AgentFunc) RunCycle(ctx context.Context) (Result, error) { return f(ctx) }

// Maintainer runs the periodic heavier maintenance pass.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Service is a long-running auxiliary component started before the loop and
// stopped after it.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Hook runs after every successful round. Failures are logged only.
type Hook func(ctx context.Context, res CycleResult) error

// ReadinessCheck must pass before the loop starts.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// CycleResult summarizes one round.
type CycleResult struct {
	Cycle     int64         `json:"cycle"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Planner   Result        `json:"planner"`
	Executor  Result        `json:"executor"`
	Actions   []Action      `json:"actions"`
}

// Improvements counts self-improvement actions in the round.
func (r CycleResult) Improvements() int {
	n := 0
	for _, a := range r.Actions {
		if a.Type == ActionSelfImprove {
			n++
		}
	}
	return n
}

// ErrShutdownRequested is the stop reason after Shutdown or a termination signal.
// It is reported in logs, never returned as a failure.
var ErrShutdownRequested = errors.New("shutdown requested")

// CycleError wraps a failure raised by an agent during a round.
type CycleError struct {
	Agent string
	Err   error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s cycle failed: %v", e.Agent, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// SystemState is written only by the coordinator after each round and read by
// observers through atomic loads.
type SystemState struct {
	startedAt         atomic.Int64 // unix nanos; Run restamps it
	cycleCount        atomic.Int64
	totalCompleted    atomic.Int64
	totalImprovements atomic.Int64
	lastCycleAt       atomic.Int64 // unix nanos, 0 = never
}

// StateSnapshot is a point-in-time copy of SystemState.
type StateSnapshot struct {
	CycleCount        int64         `json:"cycle_count"`
	Uptime            time.Duration `json:"uptime"`
	TotalCompleted    int64         `json:"total_completed"`
	TotalImprovements int64         `json:"total_improvements"`
	LastCycleAt       time.Time     `json:"last_cycle_at,omitempty"`
}

func newSystemState() *SystemState {
	s := &SystemState{}
	s.markStarted(time.Now())
	return s
}

func (s *SystemState) markStarted(t time.Time) { s.startedAt.Store(t.UnixNano()) }

func (s *SystemState) CycleCount() int64 { return s.cycleCount.Load() }

func (s *SystemState) Snapshot() StateSnapshot {
	snap := StateSnapshot{
		CycleCount:        s.cycleCount.Load(),
		Uptime:            time.Since(time.Unix(0, s.startedAt.Load())),
		TotalCompleted:    s.totalCompleted.Load(),
		TotalImprovements: s.totalImprovements.Load(),
	}
	if ns := s.lastCycleAt.Load(); ns != 0 {
		snap.LastCycleAt = time.Unix(0, ns).UTC()
	}
	return snap
}
