// Package metrics records bus and coordinator metrics with Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives bus and cycle events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	MessageSent(msgType, receiver string)
	MessageReceived(receiver string)
	DuplicateDropped(receiver string)
	Retry(receiver string)
	RetryExhausted(receiver string)
	ObserveBackpressure(receiver string, wait time.Duration)
	SetQueue(receiver string, depth, capacity int)
	CapacityChanged(receiver, direction string)
	SetPendingAcks(n int)
	SubscriberFailed(msgType string)
	ObserveCycle(status string, duration time.Duration)
	AgentFailed(agent string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) MessageSent(string, string) {}
func (Nop) MessageReceived(string) {}
func (Nop) DuplicateDropped(string) {}
func (Nop) Retry(string) {}
func (Nop) RetryExhausted(string) {}
func (Nop) ObserveBackpressure(string, time.Duration) {}
func (Nop) SetQueue(string, int, int) {}
func (Nop) CapacityChanged(string, string) {}
func (Nop) SetPendingAcks(int) {}
func (Nop) SubscriberFailed(string) {}
func (Nop) ObserveCycle(string, time.Duration) {}
func (Nop) AgentFailed(string) {}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	messagesSent       *prometheus.CounterVec
	messagesReceived   *prometheus.CounterVec
	duplicatesDropped  *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec
	retriesExhausted   *prometheus.CounterVec
	backpressureWait   *prometheus.HistogramVec
	queueDepth         *prometheus.GaugeVec
	queueCapacity      *prometheus.GaugeVec
	capacityChanges    *prometheus.CounterVec
	pendingAcks        prometheus.Gauge
	subscriberFailures *prometheus.CounterVec
	cycleDuration      *prometheus.HistogramVec
	agentFailures      *prometheus.CounterVec
}

// NewPrometheusRecorder registers all collectors with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_bus_messages_sent_total",
				Help: "Total number of messages sent by type and receiver",
			},
			[]string{"msg_type", "receiver"},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_bus_messages_received_total",
				Help: "Total number of messages dequeued by receiver",
			},
			[]string{"receiver"},
		),
		duplicatesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_bus_duplicates_dropped_total",
				Help: "Redelivered messages discarded because their id was already consumed",
			},
			[]string{"receiver"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_bus_retries_total",
				Help: "Total number of unacknowledged messages re-enqueued",
			},
			[]string{"receiver"},
		),
		retriesExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_bus_retries_exhausted_total",
				Help: "Messages dropped after the final retry attempt",
			},
			[]string{"receiver"},
		),
		backpressureWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tandem_bus_backpressure_wait_seconds",
				Help:    "Time senders spent waiting for queue capacity",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"receiver"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tandem_bus_queue_depth",
				Help: "Current number of buffered messages per receiver",
			},
			[]string{"receiver"},
		),
		queueCapacity: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tandem_bus_queue_capacity",
				Help: "Current capacity bound per receiver",
			},
			[]string{"receiver"},
		),
		capacityChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_bus_capacity_changes_total",
				Help: "Capacity adjustments by receiver and direction",
			},
			[]string{"receiver", "direction"},
		),
		pendingAcks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tandem_bus_pending_acks",
				Help: "Messages awaiting acknowledgment",
			},
		),
		subscriberFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_bus_subscriber_failures_total",
				Help: "Subscriber handler errors and panics by message type",
			},
			[]string{"msg_type"},
		),
		cycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tandem_cycle_duration_seconds",
				Help:    "Duration of coordinator rounds by outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		agentFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_agent_failures_total",
				Help: "Agent round failures by agent",
			},
			[]string{"agent"},
		),
	}
}

func (p *PrometheusRecorder) MessageSent(msgType, receiver string) {
	p.messagesSent.WithLabelValues(msgType, receiver).Inc()
}

func (p *PrometheusRecorder) MessageReceived(receiver string) {
	p.messagesReceived.WithLabelValues(receiver).Inc()
}

func (p *PrometheusRecorder) DuplicateDropped(receiver string) {
	p.duplicatesDropped.WithLabelValues(receiver).Inc()
}

func (p *PrometheusRecorder) Retry(receiver string) {
	p.retriesTotal.WithLabelValues(receiver).Inc()
}

func (p *PrometheusRecorder) RetryExhausted(receiver string) {
	p.retriesExhausted.WithLabelValues(receiver).Inc()
}

func (p *PrometheusRecorder) ObserveBackpressure(receiver string, wait time.Duration) {
	p.backpressureWait.WithLabelValues(receiver).Observe(wait.Seconds())
}

func (p *PrometheusRecorder) SetQueue(receiver string, depth, capacity int) {
	p.queueDepth.WithLabelValues(receiver).Set(float64(depth))
	p.queueCapacity.WithLabelValues(receiver).Set(float64(capacity))
}

func (p *PrometheusRecorder) CapacityChanged(receiver, direction string) {
	p.capacityChanges.WithLabelValues(receiver, direction).Inc()
}

func (p *PrometheusRecorder) SetPendingAcks(n int) {
	p.pendingAcks.Set(float64(n))
}

func (p *PrometheusRecorder) SubscriberFailed(msgType string) {
	p.subscriberFailures.WithLabelValues(msgType).Inc()
}

// ObserveCycle records a round; status is "ok" or "error".
func (p *PrometheusRecorder) ObserveCycle(status string, duration time.Duration) {
	p.cycleDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) AgentFailed(agent string) {
	p.agentFailures.WithLabelValues(agent).Inc()
}
