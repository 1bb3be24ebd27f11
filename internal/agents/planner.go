package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tandem/internal/coordinator"
	"tandem/pkg/logx"
	"tandem/pkg/proto"
	"tandem/pkg/store"
)

const metaProposalID = "proposal_id"

// sendTimeout bounds every send made inside a round. The receiver of a reply
// only drains its inbox later on the same goroutine, so an unbounded wait on
// a full queue would stall the round for good.
var sendTimeout = 5 * time.Second

// Mailbox is the slice of the bus agents use.
type Mailbox interface {
	Send(ctx context.Context, msg proto.Message) error
	Receive(ctx context.Context, receiver string, timeout time.Duration) (proto.Message, bool)
	ReceiveAll(receiver string) []proto.Message
	Room(receiver string) int
}

// sendBounded sends msg, giving up once sendTimeout passes.
func sendBounded(ctx context.Context, mb Mailbox, msg proto.Message) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return mb.Send(ctx, msg)
}

// Reviewer judges finished work.
type Reviewer interface {
	Review(ctx context.Context, item *store.WorkItem) (approved bool, feedback string, err error)
}

// AutoApprove accepts every review request.
type AutoApprove struct{}

func (AutoApprove) Review(_ context.Context, item *store.WorkItem) (bool, string, error) {
	return true, fmt.Sprintf("approved %q", item.Title), nil
}

// PlannerConfig configures a Planner.
type PlannerConfig struct {
	BacklogPath string
	MaxPending  int
	Reviewer    Reviewer
}

// Planner turns backlog entries and improvement proposals into work items,
// assigns them to the executor and reviews what comes back.
type Planner struct {
	cfg    PlannerConfig
	bus    Mailbox
	store  store.Store
	logger *logx.Logger
}

func NewPlanner(cfg PlannerConfig, mb Mailbox, st store.Store) *Planner {
	if cfg.Reviewer == nil {
		cfg.Reviewer = AutoApprove{}
	}
	return &Planner{cfg: cfg, bus: mb, store: st, logger: logx.NewLogger(proto.ReceiverPlanner)}
}

// RunCycle drains the planner inbox, tops up pending work from the backlog and
// assigns unassigned pending items.
func (p *Planner) RunCycle(ctx context.Context) (coordinator.Result, error) {
	res := coordinator.Result{Agent: proto.ReceiverPlanner}

	for _, msg := range p.bus.ReceiveAll(proto.ReceiverPlanner) {
		action, err := p.handle(ctx, msg)
		if err != nil {
			p.logger.Warn("Failed to handle %s %s: %v", msg.Type, msg.ID, err)
			continue
		}
		if action != nil {
			res.Actions = append(res.Actions, *action)
		}
	}

	planned, err := p.planFromBacklog(ctx)
	if err != nil {
		return res, err
	}
	res.Actions = append(res.Actions, planned...)

	assigned, err := p.assignPending(ctx)
	if err != nil {
		return res, err
	}
	res.Actions = append(res.Actions, assigned...)
	return res, nil
}

func (p *Planner) handle(ctx context.Context, msg proto.Message) (*coordinator.Action, error) {
	switch msg.Type {
	case proto.MsgTypeReviewRequest:
		return p.review(ctx, msg)
	case proto.MsgTypeImprovementProposal:
		return p.propose(ctx, msg, store.PriorityMedium)
	case proto.MsgTypeRefinedProposal:
		return p.propose(ctx, msg, store.PriorityHigh)
	case proto.MsgTypeStatusUpdate:
		p.logger.Info("Task %s is %s: %s", msg.GetString(proto.KeyTaskID), msg.GetString(proto.KeyStatus), msg.GetString(proto.KeyReason))
		return nil, nil
	default:
		p.logger.Debug("Ignoring %s from %s", msg.Type, msg.Sender)
		return nil, nil
	}
}

func (p *Planner) review(ctx context.Context, msg proto.Message) (*coordinator.Action, error) {
	item, err := p.store.Load(ctx, msg.GetString(proto.KeyTaskID))
	if err != nil {
		return nil, err
	}

	approved, feedback, err := p.cfg.Reviewer.Review(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("review of %s failed: %w", item.ID, err)
	}
	item.ReviewNotes = feedback
	if approved {
		item.Transition(store.StatusCompleted)
	} else {
		item.Transition(store.StatusFailed)
	}
	if err := p.store.Save(ctx, item); err != nil {
		return nil, err
	}

	p.logger.Info("Reviewed %s (%s): approved=%t", item.ID, item.Title, approved)

	// The verdict is already stored; the reply only informs the executor and
	// is skipped rather than waited on when its inbox is full.
	if p.bus.Room(msg.Sender) == 0 {
		p.logger.Warn("Inbox of %s is full, not sending review result for %s", msg.Sender, item.ID)
	} else {
		reply := proto.NewMessage(proto.MsgTypeReviewResult, proto.ReceiverPlanner, msg.Sender, map[string]any{
			proto.KeyTaskID:   item.ID,
			proto.KeyApproved: approved,
			proto.KeyFeedback: feedback,
		})
		if err := sendBounded(ctx, p.bus, reply); err != nil {
			p.logger.Warn("Failed to send review result for %s: %v", item.ID, err)
		}
	}

	return &coordinator.Action{
		Type:   coordinator.ActionReview,
		Name:   item.ID,
		Detail: map[string]any{proto.KeyApproved: approved},
	}, nil
}

// propose creates a self-improvement item unless one for the same proposal is
// still open.
func (p *Planner) propose(ctx context.Context, msg proto.Message, priority store.Priority) (*coordinator.Action, error) {
	proposalID := msg.GetString(proto.KeyProposalID)
	description := msg.GetString(proto.KeyDescription)
	if description == "" {
		return nil, fmt.Errorf("%w: proposal without description", proto.ErrInvalidMessage)
	}

	open, err := p.openProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if open {
		p.logger.Debug("Proposal %s already has an open work item", proposalID)
		return nil, nil
	}

	item, err := store.NewWorkItem(description, description, store.TaskSelfImprove, priority)
	if err != nil {
		return nil, err
	}
	item.Metadata = map[string]any{metaProposalID: proposalID}
	if metric := msg.GetString(proto.KeyMetric); metric != "" {
		item.Metadata[proto.KeyMetric] = metric
		if v, ok := msg.GetPayload(proto.KeyValue); ok {
			item.Metadata[proto.KeyValue] = v
		}
	}
	if err := p.store.Save(ctx, item); err != nil {
		return nil, err
	}
	p.logger.Info("Created self-improvement task %s from %s", item.ID, msg.Type)

	return &coordinator.Action{
		Type:   coordinator.ActionCreateTask,
		Name:   item.ID,
		Detail: map[string]any{proto.KeyTaskType: string(item.Type), proto.KeyProposalID: proposalID},
	}, nil
}

func (p *Planner) openProposal(ctx context.Context, proposalID string) (bool, error) {
	if proposalID == "" {
		return false, nil
	}
	for _, status := range store.AllStatuses {
		if status.IsTerminal() {
			continue
		}
		items, err := p.store.ListByStatus(ctx, status)
		if err != nil {
			return false, err
		}
		for _, item := range items {
			if item.Type == store.TaskSelfImprove && item.Metadata[metaProposalID] == proposalID {
				return true, nil
			}
		}
	}
	return false, nil
}

// planFromBacklog creates work items for backlog entries not yet in the store
// while fewer than MaxPending items are pending.
func (p *Planner) planFromBacklog(ctx context.Context) ([]coordinator.Action, error) {
	if p.cfg.BacklogPath == "" {
		return nil, nil
	}
	pending, err := p.store.ListByStatus(ctx, store.StatusPending)
	if err != nil {
		return nil, err
	}
	room := p.cfg.MaxPending - len(pending)
	if room <= 0 {
		return nil, nil
	}

	backlog, err := LoadBacklog(p.cfg.BacklogPath)
	if err != nil {
		return nil, err
	}
	known, err := p.knownTitles(ctx)
	if err != nil {
		return nil, err
	}

	var actions []coordinator.Action
	for _, entry := range backlog.Tasks {
		if room == 0 {
			break
		}
		if known[entry.Title] {
			continue
		}
		item, err := store.NewWorkItem(entry.Title, entry.Description, entry.Type, entry.Priority)
		if err != nil {
			return actions, err
		}
		if err := p.store.Save(ctx, item); err != nil {
			return actions, err
		}
		known[entry.Title] = true
		room--
		p.logger.Info("Planned %s: %s", item.ID, item.Title)
		actions = append(actions, coordinator.Action{
			Type:   coordinator.ActionCreateTask,
			Name:   item.ID,
			Detail: map[string]any{proto.KeyTaskType: string(item.Type)},
		})
	}
	return actions, nil
}

func (p *Planner) knownTitles(ctx context.Context) (map[string]bool, error) {
	known := make(map[string]bool)
	for _, status := range store.AllStatuses {
		items, err := p.store.ListByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			known[item.Title] = true
		}
	}
	return known, nil
}

// assignPending sends unassigned pending items to the executor, no more than
// its inbox has room for. The rest stay unassigned until a later round.
func (p *Planner) assignPending(ctx context.Context) ([]coordinator.Action, error) {
	pending, err := p.store.ListByStatus(ctx, store.StatusPending)
	if err != nil {
		return nil, err
	}

	room := p.bus.Room(proto.ReceiverExecutor)
	var actions []coordinator.Action
	deferred := 0
	for _, item := range pending {
		if item.AssignedTo != "" {
			continue
		}
		if room <= 0 {
			deferred++
			continue
		}
		msg := proto.NewMessage(proto.MsgTypeTaskAssign, proto.ReceiverPlanner, proto.ReceiverExecutor, map[string]any{
			proto.KeyTaskID:      item.ID,
			proto.KeyTitle:       item.Title,
			proto.KeyDescription: item.Description,
			proto.KeyTaskType:    string(item.Type),
			proto.KeyPriority:    string(item.Priority),
		})
		if err := sendBounded(ctx, p.bus, msg); err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				p.logger.Warn("Timed out assigning %s, leaving it for the next round", item.ID)
				break
			}
			return actions, fmt.Errorf("failed to assign %s: %w", item.ID, err)
		}
		room--
		item.AssignedTo = proto.ReceiverExecutor
		if err := p.store.Save(ctx, item); err != nil {
			return actions, err
		}
		actions = append(actions, coordinator.Action{Type: coordinator.ActionAssignTask, Name: item.ID})
	}
	if deferred > 0 {
		p.logger.Info("Executor inbox full, %d pending items left unassigned", deferred)
	}
	return actions, nil
}
