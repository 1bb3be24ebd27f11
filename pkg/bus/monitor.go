package bus

import (
	"fmt"
	"strings"
)

// QueueStats is a point-in-time view of one receiver queue.
type QueueStats struct {
	Receiver  string `json:"receiver"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	HighWater int    `json:"high_water"` // depth above which the queue counts as congested
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	PendingAcks int          `json:"pending_acks"`
	Queues      []QueueStats `json:"queues"`
}

// Stats returns queue depths and the pending acknowledgment count.
func (b *Bus) Stats() Stats {
	s := Stats{PendingAcks: b.acks.count()}
	for _, name := range b.Receivers() {
		q := b.queue(name)
		capacity := q.Capacity()
		s.Queues = append(s.Queues, QueueStats{
			Receiver:  name,
			Depth:     q.Len(),
			Capacity:  capacity,
			HighWater: int(float64(capacity) * b.cfg.HighWater),
		})
	}
	return s
}

// AdjustCapacities runs one load-monitor pass: every queue records its depth
// and is grown or shrunk based on the rolling average. Start calls it every
// MonitorInterval.
func (b *Bus) AdjustCapacities() {
	base := b.cfg.BaseCapacity
	ceiling := b.cfg.Ceiling()

	for _, name := range b.Receivers() {
		q := b.queue(name)
		avg, depth, capacity := q.sample()

		switch {
		case avg > b.cfg.HighWater*float64(capacity) && capacity < ceiling:
			next := min(capacity*2, ceiling)
			q.Resize(next)
			b.recorder.CapacityChanged(name, "grow")
			b.logger.Info("Grew %s queue capacity %d -> %d (avg depth %.1f)", name, capacity, next, avg)
			capacity = next
		case avg < b.cfg.LowWater*float64(capacity) && capacity > base:
			next := max(capacity/2, base)
			q.Resize(next)
			b.recorder.CapacityChanged(name, "shrink")
			b.logger.Info("Shrank %s queue capacity %d -> %d (avg depth %.1f)", name, capacity, next, avg)
			capacity = next
		}

		b.recorder.SetQueue(name, depth, capacity)
	}
}

// logFlowSummary reports pending acknowledgments and each queue's depth
// against its high-water mark.
func (b *Bus) logFlowSummary() {
	stats := b.Stats()
	b.recorder.SetPendingAcks(stats.PendingAcks)

	parts := make([]string, 0, len(stats.Queues))
	for _, q := range stats.Queues {
		parts = append(parts, fmt.Sprintf("%s=%d/%d", q.Receiver, q.Depth, q.HighWater))
		if q.Depth > q.HighWater {
			b.logger.Warn("Queue %s above high-water mark: %d/%d (capacity %d)", q.Receiver, q.Depth, q.HighWater, q.Capacity)
		}
	}
	b.logger.Info("Flow: %d pending acks; queues %s", stats.PendingAcks, strings.Join(parts, ", "))
}
