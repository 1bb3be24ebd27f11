// Package maintenance analyzes work item outcomes and proposes self-improvement
// work to the planner. It runs as the coordinator's periodic maintenance pass.
package maintenance

import (
	"context"
	"fmt"
	"sort"

	"tandem/pkg/logx"
	"tandem/pkg/store"
)

// Refinement thresholds.
const (
	MaxFailureRate = 0.1
	MinSuccessRate = 0.9
)

// Suggestion is one proposed improvement with a stable key so repeated passes
// can be recognized.
type Suggestion struct {
	Key    string
	Text   string
	Metric string
	Value  float64
}

// Effectiveness summarizes outcomes across every stored work item.
type Effectiveness struct {
	Total       int
	Completed   int
	Failed      int
	Cancelled   int
	SuccessRate float64
	FailureRate float64
}

// ReasonCount is a failure reason and how often it occurred.
type ReasonCount struct {
	Reason string
	Count  int
}

// Tracker computes effectiveness figures from the store.
type Tracker struct {
	store  store.Store
	logger *logx.Logger
}

func NewTracker(st store.Store) *Tracker {
	return &Tracker{store: st, logger: logx.NewLogger("maintenance").WithComponent("tracker")}
}

// Effectiveness counts completed items as successes and failed or cancelled
// items as failures. An empty store yields zero rates.
func (t *Tracker) Effectiveness(ctx context.Context) (Effectiveness, error) {
	counts, err := t.store.CountByStatus(ctx)
	if err != nil {
		return Effectiveness{}, fmt.Errorf("failed to count work items: %w", err)
	}

	var e Effectiveness
	for _, n := range counts {
		e.Total += n
	}
	e.Completed = counts[store.StatusCompleted]
	e.Failed = counts[store.StatusFailed]
	e.Cancelled = counts[store.StatusCancelled]
	if e.Total == 0 {
		t.logger.Info("No work items available for analysis")
		return e, nil
	}

	e.SuccessRate = float64(e.Completed) / float64(e.Total)
	e.FailureRate = float64(e.Failed+e.Cancelled) / float64(e.Total)
	t.logger.Info("Effectiveness: success %.2f%%, failure %.2f%% over %d items",
		e.SuccessRate*100, e.FailureRate*100, e.Total)
	return e, nil
}

// Refine turns effectiveness figures into refined suggestions. Nothing is
// suggested for an empty store.
func (t *Tracker) Refine(ctx context.Context) ([]Suggestion, error) {
	e, err := t.Effectiveness(ctx)
	if err != nil {
		return nil, err
	}
	if e.Total == 0 {
		return nil, nil
	}

	var out []Suggestion
	if e.FailureRate > MaxFailureRate {
		out = append(out, Suggestion{
			Key:    "refine:failure-rate",
			Text:   "Investigate and address causes of high failure rates.",
			Metric: "failure_rate",
			Value:  e.FailureRate,
		})
	}
	if e.SuccessRate < MinSuccessRate {
		out = append(out, Suggestion{
			Key:    "refine:success-rate",
			Text:   "Enhance strategies to improve task completion rates.",
			Metric: "success_rate",
			Value:  e.SuccessRate,
		})
	}
	return out, nil
}

// Suggest maps raw outcome counts to improvement suggestions.
func Suggest(e Effectiveness) []Suggestion {
	if e.Total == 0 {
		return nil
	}
	var out []Suggestion
	if e.Failed > 0 {
		out = append(out, Suggestion{
			Key:    "review:failures",
			Text:   "Review the common causes of task failures.",
			Metric: "failed",
			Value:  float64(e.Failed),
		})
	}
	if e.Cancelled > 0 {
		out = append(out, Suggestion{
			Key:    "review:cancellations",
			Text:   "Investigate reasons for task cancellations and improve task definitions.",
			Metric: "cancelled",
			Value:  float64(e.Cancelled),
		})
	}
	if e.SuccessRate < MinSuccessRate {
		out = append(out, Suggestion{
			Key:    "review:success-rate",
			Text:   "Enhance task execution strategies to improve the success rate.",
			Metric: "success_rate",
			Value:  e.SuccessRate,
		})
	}
	return out
}

// FailureReasons groups failed items by their recorded reason, most common first.
func FailureReasons(items []*store.WorkItem) []ReasonCount {
	counts := make(map[string]int)
	for _, item := range items {
		if item.Status != store.StatusFailed {
			continue
		}
		reason := item.ReviewNotes
		if reason == "" {
			reason = "unknown failure"
		}
		counts[reason]++
	}

	out := make([]ReasonCount, 0, len(counts))
	for reason, n := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	return out
}
