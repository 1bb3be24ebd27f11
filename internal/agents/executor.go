package agents

import (
	"context"
	"errors"
	"fmt"

	"tandem/internal/coordinator"
	"tandem/pkg/logx"
	"tandem/pkg/proto"
	"tandem/pkg/store"
)

const metaResult = "result"

// Worker carries out one work item and returns a short summary of what it did.
type Worker interface {
	Execute(ctx context.Context, item *store.WorkItem) (string, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, item *store.WorkItem) (string, error)

func (f WorkerFunc) Execute(ctx context.Context, item *store.WorkItem) (string, error) {
	return f(ctx, item)
}

// DryRunWorker logs the item and reports it done without changing anything.
type DryRunWorker struct{}

func (DryRunWorker) Execute(_ context.Context, item *store.WorkItem) (string, error) {
	logx.NewLogger(proto.ReceiverExecutor).Debug("Dry run of %s: %s", item.ID, item.Title)
	return fmt.Sprintf("dry run of %s %q", item.Type, item.Title), nil
}

// Executor runs assigned work items and requests review of the results.
type Executor struct {
	bus    Mailbox
	store  store.Store
	worker Worker
	logger *logx.Logger
}

func NewExecutor(mb Mailbox, st store.Store, w Worker) *Executor {
	if w == nil {
		w = DryRunWorker{}
	}
	return &Executor{bus: mb, store: st, worker: w, logger: logx.NewLogger(proto.ReceiverExecutor)}
}

// RunCycle works through the executor inbox in order. Every assignment ends
// in a reply to the planner, so it takes only as many messages as the
// planner's inbox has room for and leaves the rest queued for the next round.
func (e *Executor) RunCycle(ctx context.Context) (coordinator.Result, error) {
	res := coordinator.Result{Agent: proto.ReceiverExecutor}

	for e.bus.Room(proto.ReceiverPlanner) > 0 {
		msg, ok := e.bus.Receive(ctx, proto.ReceiverExecutor, 0)
		if !ok {
			break
		}
		switch msg.Type {
		case proto.MsgTypeTaskAssign:
			action, err := e.execute(ctx, msg)
			if err != nil {
				e.logger.Warn("Failed to execute %s: %v", msg.GetString(proto.KeyTaskID), err)
				continue
			}
			res.Actions = append(res.Actions, action)
		case proto.MsgTypeReviewResult:
			e.logger.Info("Review of %s: approved=%v (%s)",
				msg.GetString(proto.KeyTaskID), msg.Payload[proto.KeyApproved], msg.GetString(proto.KeyFeedback))
		default:
			e.logger.Debug("Ignoring %s from %s", msg.Type, msg.Sender)
		}
	}
	if e.bus.Room(proto.ReceiverPlanner) == 0 {
		e.logger.Info("Planner inbox full, remaining executor messages wait for the next round")
	}
	return res, nil
}

func (e *Executor) execute(ctx context.Context, msg proto.Message) (coordinator.Action, error) {
	item, err := e.store.Load(ctx, msg.GetString(proto.KeyTaskID))
	if err != nil {
		return coordinator.Action{}, err
	}
	if item.Status != store.StatusPending {
		return coordinator.Action{}, fmt.Errorf("task %s is %s, not pending", item.ID, item.Status)
	}

	item.Transition(store.StatusInProgress)
	if err := e.store.Save(ctx, item); err != nil {
		return coordinator.Action{}, err
	}

	actionType := coordinator.ActionExecuteTask
	if item.Type == store.TaskSelfImprove {
		actionType = coordinator.ActionSelfImprove
	}

	summary, runErr := e.run(ctx, item)
	if runErr != nil {
		item.ReviewNotes = runErr.Error()
		item.Transition(store.StatusFailed)
		if err := e.store.Save(ctx, item); err != nil {
			return coordinator.Action{}, err
		}
		e.logger.Warn("Task %s failed: %v", item.ID, runErr)
		update := proto.NewMessage(proto.MsgTypeStatusUpdate, proto.ReceiverExecutor, msg.Sender, map[string]any{
			proto.KeyTaskID: item.ID,
			proto.KeyStatus: string(store.StatusFailed),
			proto.KeyReason: runErr.Error(),
		})
		if err := sendBounded(ctx, e.bus, update); err != nil {
			return coordinator.Action{}, fmt.Errorf("failed to report failure of %s: %w", item.ID, err)
		}
		return coordinator.Action{
			Type:   coordinator.ActionExecuteTask,
			Name:   item.ID,
			Detail: map[string]any{proto.KeyStatus: string(store.StatusFailed)},
		}, nil
	}

	if item.Metadata == nil {
		item.Metadata = make(map[string]any)
	}
	item.Metadata[metaResult] = summary
	item.Transition(store.StatusInReview)
	if err := e.store.Save(ctx, item); err != nil {
		return coordinator.Action{}, err
	}

	request := proto.NewMessage(proto.MsgTypeReviewRequest, proto.ReceiverExecutor, msg.Sender, map[string]any{
		proto.KeyTaskID:      item.ID,
		proto.KeyDescription: summary,
	})
	if err := sendBounded(ctx, e.bus, request); err != nil {
		return coordinator.Action{}, fmt.Errorf("failed to request review of %s: %w", item.ID, err)
	}
	e.logger.Info("Task %s done, review requested", item.ID)

	return coordinator.Action{
		Type:   actionType,
		Name:   item.ID,
		Detail: map[string]any{proto.KeyStatus: string(store.StatusInReview)},
	}, nil
}

// run shields the executor from worker panics.
func (e *Executor) run(ctx context.Context, item *store.WorkItem) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	summary, err = e.worker.Execute(ctx, item)
	if err == nil && ctx.Err() != nil {
		err = errors.Join(errors.New("cancelled during execution"), ctx.Err())
	}
	return summary, err
}
