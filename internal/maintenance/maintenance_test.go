package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/bus"
	"tandem/pkg/config"
	"tandem/pkg/proto"
	"tandem/pkg/store"
)

func seed(t *testing.T, st store.Store, status store.Status, n int, reason string) {
	t.Helper()
	for i := 0; i < n; i++ {
		item, err := store.NewWorkItem("item", "", store.TaskFeature, store.PriorityMedium)
		require.NoError(t, err)
		item.Transition(status)
		item.ReviewNotes = reason
		require.NoError(t, st.Save(context.Background(), item))
	}
}

func TestEffectivenessEmptyStore(t *testing.T) {
	tr := NewTracker(store.NewMemoryStore())

	e, err := tr.Effectiveness(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Effectiveness{}, e)

	refined, err := tr.Refine(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refined)
	assert.Empty(t, Suggest(e))
}

func TestEffectivenessRates(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, store.StatusCompleted, 7, "")
	seed(t, st, store.StatusFailed, 2, "build broke")
	seed(t, st, store.StatusCancelled, 1, "")

	tr := NewTracker(st)
	e, err := tr.Effectiveness(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, e.Total)
	assert.InDelta(t, 0.7, e.SuccessRate, 1e-9)
	assert.InDelta(t, 0.3, e.FailureRate, 1e-9)

	refined, err := tr.Refine(context.Background())
	require.NoError(t, err)
	require.Len(t, refined, 2)
	assert.Equal(t, "refine:failure-rate", refined[0].Key)
	assert.Equal(t, "refine:success-rate", refined[1].Key)

	keys := make([]string, 0)
	for _, s := range Suggest(e) {
		keys = append(keys, s.Key)
	}
	assert.Equal(t, []string{"review:failures", "review:cancellations", "review:success-rate"}, keys)
}

func TestHealthyStoreNeedsNoRefinement(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, store.StatusCompleted, 19, "")
	seed(t, st, store.StatusPending, 1, "")

	refined, err := NewTracker(st).Refine(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refined, "95% success and 0% failure sit inside both thresholds")
}

func TestFailureReasons(t *testing.T) {
	items := []*store.WorkItem{
		{Status: store.StatusFailed, ReviewNotes: "timeout"},
		{Status: store.StatusFailed, ReviewNotes: "lint"},
		{Status: store.StatusFailed, ReviewNotes: "timeout"},
		{Status: store.StatusFailed},
		{Status: store.StatusCompleted, ReviewNotes: "timeout"},
	}
	assert.Equal(t, []ReasonCount{
		{Reason: "timeout", Count: 2},
		{Reason: "lint", Count: 1},
		{Reason: "unknown failure", Count: 1},
	}, FailureReasons(items))
}

func TestFeedbackLoopSendsProposalsToPlanner(t *testing.T) {
	cfg := config.Default().Bus
	cfg.AckTimeout = time.Hour
	b, err := bus.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	st := store.NewMemoryStore()
	seed(t, st, store.StatusCompleted, 1, "")
	seed(t, st, store.StatusFailed, 1, "flaky test")

	loop := NewFeedbackLoop(st, b, "")
	require.NoError(t, loop.Maintain(context.Background()))

	msgs := b.ReceiveAll(proto.ReceiverPlanner)
	var improvements, refined []proto.Message
	for _, m := range msgs {
		assert.Equal(t, senderName, m.Sender)
		switch m.Type {
		case proto.MsgTypeImprovementProposal:
			improvements = append(improvements, m)
		case proto.MsgTypeRefinedProposal:
			refined = append(refined, m)
		default:
			t.Fatalf("unexpected message type %s", m.Type)
		}
	}

	// failures + success-rate + one failure reason
	require.Len(t, improvements, 3)
	assert.Equal(t, "failure:flaky test", improvements[2].GetString(proto.KeyProposalID))
	assert.Equal(t, "Investigate flaky test which occurred 1 times.", improvements[2].GetString(proto.KeyDescription))
	require.Len(t, refined, 2)
	assert.Equal(t, 0.5, refined[0].Payload[proto.KeyValue])
	assert.Equal(t, 0, b.PendingAcks())
}

type failingSender struct{ calls int }

func (f *failingSender) Send(context.Context, proto.Message) error {
	f.calls++
	return bus.ErrBusClosed
}

func (f *failingSender) Room(string) int { return 100 }

func TestFeedbackLoopJoinsSendErrors(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, store.StatusFailed, 1, "")

	sender := &failingSender{}
	err := NewFeedbackLoop(st, sender, proto.ReceiverPlanner).Maintain(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, bus.ErrBusClosed)
	assert.Greater(t, sender.calls, 1, "refinement still runs after proposals fail")
}

type brokenStore struct{ store.Store }

func (brokenStore) CountByStatus(context.Context) (map[store.Status]int, error) {
	return nil, errors.New("disk gone")
}

func TestFeedbackLoopStoreErrors(t *testing.T) {
	err := NewFeedbackLoop(brokenStore{store.NewMemoryStore()}, &failingSender{}, "").Maintain(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}

func newPlannerBus(t *testing.T, capacity int) *bus.Bus {
	t.Helper()
	cfg := config.Default().Bus
	cfg.BaseCapacity = capacity
	cfg.AckTimeout = time.Hour
	b, err := bus.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

func TestFeedbackLoopStopsAtPlannerCapacity(t *testing.T) {
	b := newPlannerBus(t, 3)
	st := store.NewMemoryStore()
	for _, reason := range []string{"compile error", "lint", "timeout", "flaky test", "out of disk"} {
		seed(t, st, store.StatusFailed, 1, reason)
	}

	done := make(chan error, 1)
	go func() { done <- NewFeedbackLoop(st, b, "").Maintain(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance blocked on a full planner inbox")
	}

	msgs := b.ReceiveAll(proto.ReceiverPlanner)
	require.Len(t, msgs, 3, "only what fits in the planner inbox")
	assert.Equal(t, "review:failures", msgs[0].GetString(proto.KeyProposalID))
	for _, m := range msgs {
		assert.Equal(t, proto.MsgTypeImprovementProposal, m.Type)
	}
}

func TestFeedbackLoopCapsFailureReasons(t *testing.T) {
	b := newPlannerBus(t, 100)
	st := store.NewMemoryStore()
	for i := 0; i < MaxFailureProposals+3; i++ {
		seed(t, st, store.StatusFailed, i+1, fmt.Sprintf("reason %d", i))
	}

	require.NoError(t, NewFeedbackLoop(st, b, "").ProposeImprovements(context.Background()))

	var reasons []string
	for _, m := range b.ReceiveAll(proto.ReceiverPlanner) {
		if id := m.GetString(proto.KeyProposalID); strings.HasPrefix(id, "failure:") {
			reasons = append(reasons, id)
		}
	}
	require.Len(t, reasons, MaxFailureProposals)
	assert.Equal(t, fmt.Sprintf("failure:reason %d", MaxFailureProposals+2), reasons[0], "most common first")
}

// stuckSender reports room but never completes a send until ctx ends.
type stuckSender struct{}

func (stuckSender) Send(ctx context.Context, _ proto.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stuckSender) Room(string) int { return 100 }

func TestFeedbackLoopSendsAreBounded(t *testing.T) {
	prev := sendTimeout
	sendTimeout = 10 * time.Millisecond
	t.Cleanup(func() { sendTimeout = prev })

	st := store.NewMemoryStore()
	seed(t, st, store.StatusFailed, 1, "timeout")

	start := time.Now()
	err := NewFeedbackLoop(st, stuckSender{}, "").Maintain(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
