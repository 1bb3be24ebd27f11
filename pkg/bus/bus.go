// Package bus implements the in-process message bus connecting the planner and
// executor: bounded per-receiver queues with backpressure, acknowledgment with
// bounded retry, subscriber fan-out and live capacity adjustment.
//
// Ordering: messages to one receiver are dequeued in send order. A retried
// message is re-enqueued at the tail and can therefore arrive after messages
// sent later to the same receiver.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tandem/pkg/config"
	"tandem/pkg/logx"
	"tandem/pkg/metrics"
	"tandem/pkg/proto"
)

// Handler observes every sent message of a subscribed type. It runs in its own
// goroutine; errors and panics are logged and never reach the sender.
type Handler func(ctx context.Context, msg proto.Message) error

// AuditSink receives every sent message. Write failures are logged only.
type AuditSink interface {
	WriteMessage(msg proto.Message) error
}

// Option configures a Bus.
type Option func(*Bus)

// WithAudit records every sent message to sink.
func WithAudit(sink AuditSink) Option {
	return func(b *Bus) { b.audit = sink }
}

// WithRecorder reports bus activity to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(b *Bus) {
		if r != nil {
			b.recorder = r
		}
	}
}

// Bus routes messages to receiver queues and subscribers.
type Bus struct {
	cfg      config.BusConfig
	logger   *logx.Logger
	audit    AuditSink
	recorder metrics.Recorder

	queuesMu sync.RWMutex
	queues   map[string]*Queue

	subsMu      sync.RWMutex
	subscribers map[proto.MsgType][]Handler

	historyMu sync.Mutex
	history   []proto.Message

	acks *ackTracker

	// lifetime is cancelled by Stop; supervisors, monitors and handlers run under it.
	lifetime context.Context //nolint:containedctx // bus-scoped lifetime
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
	closed  bool
}

// New creates a bus with one queue per configured receiver.
func New(cfg config.BusConfig, opts ...Option) (*Bus, error) {
	defaults := config.Default().Bus
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaults.DedupWindow
	}
	if cfg.BackpressureInterval <= 0 {
		cfg.BackpressureInterval = defaults.BackpressureInterval
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaults.AckTimeout
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}
	acks, err := newAckTracker(cfg.DedupWindow)
	if err != nil {
		return nil, err
	}

	lifetime, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:         cfg,
		logger:      logx.NewLogger("bus"),
		recorder:    metrics.Nop{},
		queues:      make(map[string]*Queue),
		subscribers: make(map[proto.MsgType][]Handler),
		acks:        acks,
		lifetime:    lifetime,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, r := range cfg.Receivers {
		b.RegisterReceiver(r)
	}
	return b, nil
}

func (b *Bus) Name() string { return "bus" }

// RegisterReceiver creates the queue for name. Calling it again is a no-op.
func (b *Bus) RegisterReceiver(name string) {
	b.queuesMu.Lock()
	defer b.queuesMu.Unlock()
	if _, ok := b.queues[name]; ok {
		return
	}
	b.queues[name] = newQueue(name, b.cfg.BaseCapacity, b.cfg.LoadWindow)
	b.logger.Debug("Registered queue for %s (capacity %d)", name, b.cfg.BaseCapacity)
}

// Receivers returns the registered receiver names, sorted.
func (b *Bus) Receivers() []string {
	b.queuesMu.RLock()
	defer b.queuesMu.RUnlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Bus) queue(name string) *Queue {
	b.queuesMu.RLock()
	defer b.queuesMu.RUnlock()
	return b.queues[name]
}

// Subscribe registers h for every future Send of msgType.
func (b *Bus) Subscribe(msgType proto.MsgType, h Handler) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.subscribers[msgType] = append(b.subscribers[msgType], h)
}

// Send records msg, routes it to its receiver's queue (waiting for capacity if
// the queue is full) and fans it out to subscribers. The only errors are an
// invalid or duplicate message, a closed bus, or ctx ending while waiting for
// capacity. A message is never dropped because its queue is full.
func (b *Bus) Send(ctx context.Context, msg proto.Message) error {
	if err := msg.Validate(); err != nil {
		return err //nolint:wrapcheck // already carries ErrInvalidMessage
	}
	if b.isClosed() {
		return ErrBusClosed
	}

	// Retries and consumers see this copy, never the caller's map.
	frozen := msg.Clone()

	q := b.queue(frozen.Receiver)
	var pending *pendingAck
	if q != nil {
		p, err := b.acks.track(frozen)
		if err != nil {
			return err
		}
		pending = p
	} else if b.acks.seen(frozen.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, frozen.ID)
	}

	b.record(frozen)

	if q != nil {
		if err := b.enqueue(ctx, q, frozen, nil); err != nil {
			b.acks.remove(frozen.ID)
			return err
		}
		b.recorder.SetPendingAcks(b.acks.count())
		if !b.goTracked(func() { b.superviseDelivery(pending, q) }) {
			b.acks.remove(frozen.ID)
		}
	}

	b.recorder.MessageSent(string(frozen.Type), frozen.Receiver)
	logx.Debug(logx.WithComponent(ctx, frozen.Sender), "bus", "sent %s %s -> %s (%s)", frozen.Type, frozen.Sender, frozen.Receiver, frozen.ID)

	b.publish(frozen)
	return nil
}

// enqueue pushes msg, polling every BackpressureInterval while q is full.
// A closed done channel abandons the wait (used by retries once acknowledged).
func (b *Bus) enqueue(ctx context.Context, q *Queue, msg proto.Message, done <-chan struct{}) error {
	if err := q.push(msg); err == nil {
		return nil
	}

	start := time.Now()
	b.logger.Debug("Queue for %s is full (capacity %d), waiting to enqueue %s", q.receiver, q.Capacity(), msg.ID)

	ticker := time.NewTicker(b.cfg.BackpressureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("send %s to %s abandoned while waiting for capacity: %w", msg.ID, q.receiver, ctx.Err())
		case <-b.lifetime.Done():
			return ErrBusClosed
		case <-done:
			return errAcknowledged
		case <-ticker.C:
			if err := q.push(msg); err == nil {
				wait := time.Since(start)
				b.recorder.ObserveBackpressure(q.receiver, wait)
				b.logger.Debug("Enqueued %s to %s after %s of backpressure", msg.ID, q.receiver, wait.Round(time.Millisecond))
				return nil
			}
		}
	}
}

// superviseDelivery waits for the acknowledgment of p and resends the identical
// message up to MaxRetries times with exponential backoff.
func (b *Bus) superviseDelivery(p *pendingAck, q *Queue) {
	id := p.msg.ID
	for {
		if !b.wait(p.done, b.cfg.AckTimeout) {
			return
		}

		timeout := fmt.Errorf("%w: %s %s -> %s not acknowledged within %s",
			ErrDeliveryTimeout, p.msg.Type, p.msg.Sender, p.msg.Receiver, b.cfg.AckTimeout)

		attempt := int(p.attempts.Load())
		if attempt >= b.cfg.MaxRetries {
			b.acks.remove(id)
			b.recorder.RetryExhausted(q.receiver)
			b.recorder.SetPendingAcks(b.acks.count())
			b.logger.Warn("%v", fmt.Errorf("%w: message %s dropped after %d retries: %w", ErrRetryExhausted, id, attempt, timeout))
			return
		}

		delay := b.backoff(attempt + 1)
		b.logger.Debug("%v; retrying in %s", timeout, delay)
		if !b.wait(p.done, delay) {
			return
		}

		// Consumed but the acknowledgment was lost: nothing to resend.
		if b.acks.isConsumed(id) {
			b.acks.remove(id)
			return
		}

		if err := b.enqueue(b.lifetime, q, p.msg, p.done); err != nil {
			return
		}
		n := p.attempts.Add(1)
		b.recorder.Retry(q.receiver)
		b.logger.Warn("Resent %s %s to %s (attempt %d/%d)", p.msg.Type, id, q.receiver, n, b.cfg.MaxRetries)
	}
}

// wait sleeps for d. It returns false if done closes or the bus stops first.
func (b *Bus) wait(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-done:
		return false
	case <-b.lifetime.Done():
		return false
	}
}

// backoff returns min(RetryBaseDelay * 2^(attempt-1), RetryMaxDelay).
func (b *Bus) backoff(attempt int) time.Duration {
	d := b.cfg.RetryBaseDelay
	for i := 1; i < attempt && d < b.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if b.cfg.RetryMaxDelay > 0 && d > b.cfg.RetryMaxDelay {
		d = b.cfg.RetryMaxDelay
	}
	return d
}

// Receive waits up to timeout for the next message for receiver. Dequeuing
// acknowledges the message. A timeout, unknown receiver, cancelled ctx or
// stopped bus all yield (zero, false). A timeout <= 0 does not wait.
func (b *Bus) Receive(ctx context.Context, receiver string, timeout time.Duration) (proto.Message, bool) {
	q := b.queue(receiver)
	if q == nil {
		return proto.Message{}, false
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		msg, ok, ready := q.pop()
		if ok {
			if delivered, fresh := b.deliver(q, msg); fresh {
				return delivered, true
			}
			continue
		}
		if timeout <= 0 {
			return proto.Message{}, false
		}

		select {
		case <-ready:
		case <-expired:
			return proto.Message{}, false
		case <-ctx.Done():
			return proto.Message{}, false
		case <-b.lifetime.Done():
			return proto.Message{}, false
		}
	}
}

// ReceiveAll drains every buffered message for receiver without waiting, in FIFO order.
func (b *Bus) ReceiveAll(receiver string) []proto.Message {
	q := b.queue(receiver)
	if q == nil {
		return nil
	}

	var out []proto.Message
	for {
		msg, ok, _ := q.pop()
		if !ok {
			return out
		}
		if delivered, fresh := b.deliver(q, msg); fresh {
			out = append(out, delivered)
		}
	}
}

// deliver acknowledges a dequeued message, or reports it as a redelivered duplicate.
func (b *Bus) deliver(q *Queue, msg proto.Message) (proto.Message, bool) {
	if !b.acks.consume(msg.ID) {
		b.recorder.DuplicateDropped(q.receiver)
		b.logger.Debug("Dropped redelivered %s %s for %s", msg.Type, msg.ID, q.receiver)
		return proto.Message{}, false
	}
	b.acks.acknowledge(msg.ID)
	b.recorder.MessageReceived(q.receiver)
	b.recorder.SetPendingAcks(b.acks.count())
	return msg.Clone(), true
}

// Acknowledge disarms retries for id. Unknown or already acknowledged ids are ignored.
func (b *Bus) Acknowledge(id string) {
	if b.acks.acknowledge(id) {
		b.recorder.SetPendingAcks(b.acks.count())
	}
}

// Room returns how many messages receiver's queue takes before Send has to
// wait for capacity. An unknown receiver has no room.
func (b *Bus) Room(receiver string) int {
	q := b.queue(receiver)
	if q == nil {
		return 0
	}
	return q.Free()
}

// PendingAcks returns the number of messages awaiting acknowledgment.
func (b *Bus) PendingAcks() int {
	return b.acks.count()
}

// History returns up to limit of the most recently sent messages, oldest first.
// A limit <= 0 returns everything retained.
func (b *Bus) History(limit int) []proto.Message {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	start := 0
	if limit > 0 && limit < len(b.history) {
		start = len(b.history) - limit
	}
	out := make([]proto.Message, 0, len(b.history)-start)
	for _, m := range b.history[start:] {
		out = append(out, m.Clone())
	}
	return out
}

func (b *Bus) record(msg proto.Message) {
	b.historyMu.Lock()
	b.history = append(b.history, msg)
	if limit := b.cfg.HistorySize; limit > 0 && len(b.history) > limit {
		b.history = append([]proto.Message(nil), b.history[len(b.history)-limit:]...)
	}
	b.historyMu.Unlock()

	if b.audit != nil {
		if err := b.audit.WriteMessage(msg); err != nil {
			b.logger.Warn("Failed to write audit record for %s: %v", msg.ID, err)
		}
	}
}

func (b *Bus) publish(msg proto.Message) {
	b.subsMu.RLock()
	handlers := append([]Handler(nil), b.subscribers[msg.Type]...)
	b.subsMu.RUnlock()

	for _, h := range handlers {
		h := h
		b.goTracked(func() { b.runHandler(h, msg) })
	}
}

func (b *Bus) runHandler(h Handler, msg proto.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.recorder.SubscriberFailed(string(msg.Type))
			b.logger.Error("Subscriber for %s panicked on %s: %v", msg.Type, msg.ID, r)
		}
	}()
	if err := h(b.lifetime, msg.Clone()); err != nil {
		b.recorder.SubscriberFailed(string(msg.Type))
		b.logger.Error("Subscriber for %s failed on %s: %v", msg.Type, msg.ID, err)
	}
}

// goTracked runs f in a goroutine counted by Stop. It refuses once the bus is closed.
func (b *Bus) goTracked(f func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f()
	}()
	return true
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Start launches the load monitor and flow summary loops. They stop with ctx or Stop.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("bus is already running")
	}
	b.running = true
	b.mu.Unlock()

	b.logger.Info("Starting bus with receivers %v (capacity %d, ceiling %d)", b.Receivers(), b.cfg.BaseCapacity, b.cfg.Ceiling())
	b.goTracked(func() { b.every(ctx, b.cfg.MonitorInterval, "Load monitor", b.AdjustCapacities) })
	b.goTracked(func() { b.every(ctx, b.cfg.StatsInterval, "Flow summary", b.logFlowSummary) })
	return nil
}

// Running reports whether Start has been called and Stop has not.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running && !b.closed
}

// Stop cancels supervisors, monitors and in-flight handlers and waits for them,
// bounded by ctx. Buffered messages are left in place.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.running = false
	b.mu.Unlock()

	b.logger.Info("Stopping bus (%d pending acknowledgments abandoned)", b.acks.count())
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Bus stopped successfully")
		return nil
	case <-ctx.Done():
		b.logger.Warn("Bus stop timed out")
		return fmt.Errorf("bus stop: %w", ctx.Err())
	}
}

func (b *Bus) every(ctx context.Context, interval time.Duration, name string, f func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Debug("%s stopped by context", name)
			return
		case <-b.lifetime.Done():
			b.logger.Debug("%s stopped by shutdown", name)
			return
		case <-ticker.C:
			f()
		}
	}
}
