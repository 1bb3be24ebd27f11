package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tandem/pkg/logx"
	"tandem/pkg/proto"
	"tandem/pkg/store"
)

const senderName = "maintenance"

// MaxFailureProposals caps the failure reasons proposed per pass, most common first.
const MaxFailureProposals = 5

// sendTimeout bounds each proposal send. The planner drains its inbox on the
// coordinator goroutine that runs maintenance, so a blocked send never clears.
var sendTimeout = 5 * time.Second

// Sender is the slice of the bus the feedback loop needs.
type Sender interface {
	Send(ctx context.Context, msg proto.Message) error
	Room(receiver string) int
}

// FeedbackLoop proposes improvements to the planner based on work item outcomes.
type FeedbackLoop struct {
	store    store.Store
	sender   Sender
	tracker  *Tracker
	receiver string
	logger   *logx.Logger
}

// NewFeedbackLoop creates a loop that sends proposals to receiver.
func NewFeedbackLoop(st store.Store, sender Sender, receiver string) *FeedbackLoop {
	if receiver == "" {
		receiver = proto.ReceiverPlanner
	}
	return &FeedbackLoop{
		store:    st,
		sender:   sender,
		tracker:  NewTracker(st),
		receiver: receiver,
		logger:   logx.NewLogger("maintenance"),
	}
}

// Maintain runs one full pass: improvement proposals, then refined proposals.
// Both halves run even when the first fails.
func (f *FeedbackLoop) Maintain(ctx context.Context) error {
	proposeErr := f.ProposeImprovements(ctx)
	refineErr := f.RefineProposals(ctx)
	return errors.Join(proposeErr, refineErr)
}

// ProposeImprovements sends one improvement_proposal per suggestion derived from
// outcome counts and failure reasons.
func (f *FeedbackLoop) ProposeImprovements(ctx context.Context) error {
	e, err := f.tracker.Effectiveness(ctx)
	if err != nil {
		return err
	}
	suggestions := Suggest(e)

	failed, err := f.store.ListByStatus(ctx, store.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to list failed work items: %w", err)
	}
	reasons := FailureReasons(failed)
	if len(reasons) > MaxFailureProposals {
		f.logger.Debug("Proposing the top %d of %d failure reasons", MaxFailureProposals, len(reasons))
		reasons = reasons[:MaxFailureProposals]
	}
	for _, rc := range reasons {
		suggestions = append(suggestions, Suggestion{
			Key:    "failure:" + rc.Reason,
			Text:   fmt.Sprintf("Investigate %s which occurred %d times.", rc.Reason, rc.Count),
			Metric: "failure_count",
			Value:  float64(rc.Count),
		})
	}

	if len(suggestions) == 0 {
		f.logger.Debug("No improvements to propose")
		return nil
	}
	f.logger.Info("Proposing %d improvements", len(suggestions))
	return f.send(ctx, proto.MsgTypeImprovementProposal, suggestions)
}

// RefineProposals sends a refined_proposal per threshold the current rates violate.
func (f *FeedbackLoop) RefineProposals(ctx context.Context) error {
	suggestions, err := f.tracker.Refine(ctx)
	if err != nil {
		return err
	}
	if len(suggestions) == 0 {
		return nil
	}
	f.logger.Info("Sending %d refined proposals", len(suggestions))
	return f.send(ctx, proto.MsgTypeRefinedProposal, suggestions)
}

// send delivers suggestions in order, as many as the receiver has room for.
// The rest are skipped; the next pass derives them again from the store.
func (f *FeedbackLoop) send(ctx context.Context, msgType proto.MsgType, suggestions []Suggestion) error {
	if room := f.sender.Room(f.receiver); len(suggestions) > room {
		f.logger.Warn("Inbox of %s has room for %d of %d %s messages, skipping the rest this pass",
			f.receiver, room, len(suggestions), msgType)
		suggestions = suggestions[:room]
	}

	var errs []error
	for _, s := range suggestions {
		msg := proto.NewMessage(msgType, senderName, f.receiver, map[string]any{
			proto.KeyProposalID:  s.Key,
			proto.KeyDescription: s.Text,
			proto.KeyMetric:      s.Metric,
			proto.KeyValue:       s.Value,
		})
		if err := f.sendOne(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("failed to send %s %q: %w", msgType, s.Key, err))
		}
	}
	return errors.Join(errs...)
}

func (f *FeedbackLoop) sendOne(ctx context.Context, msg proto.Message) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return f.sender.Send(ctx, msg)
}
