package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"tandem/pkg/proto"
)

// pendingAck tracks one routed message until it is acknowledged or its retry
// budget runs out.
type pendingAck struct {
	msg      proto.Message
	done     chan struct{}
	once     sync.Once
	attempts atomic.Int32 // resends so far
}

func (p *pendingAck) signal() {
	p.once.Do(func() { close(p.done) })
}

// ackTracker owns the pending-ack map and the window of consumed ids used to
// make redelivery of an already consumed message a no-op.
type ackTracker struct {
	mu       sync.Mutex
	pending  map[string]*pendingAck
	consumed *lru.Cache[string, struct{}]
}

func newAckTracker(dedupWindow int) (*ackTracker, error) {
	consumed, err := lru.New[string, struct{}](dedupWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup window: %w", err)
	}
	return &ackTracker{
		pending:  make(map[string]*pendingAck),
		consumed: consumed,
	}, nil
}

// track registers msg. It must run before msg is enqueued so an immediate
// dequeue always finds the record.
func (t *ackTracker) track(msg proto.Message) (*pendingAck, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[msg.ID]; ok || t.consumed.Contains(msg.ID) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
	}
	p := &pendingAck{msg: msg, done: make(chan struct{})}
	t.pending[msg.ID] = p
	return p, nil
}

// seen reports whether id is pending or consumed.
func (t *ackTracker) seen(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok || t.consumed.Contains(id)
}

// acknowledge signals and removes the record for id. Absent ids are a no-op.
func (t *ackTracker) acknowledge(id string) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()

	if ok {
		p.signal()
	}
	return ok
}

// consume marks id as received. It returns false when id was already consumed,
// meaning the caller holds a redelivered duplicate.
func (t *ackTracker) consume(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consumed.Contains(id) {
		return false
	}
	t.consumed.Add(id, struct{}{})
	return true
}

func (t *ackTracker) isConsumed(id string) bool {
	return t.consumed.Contains(id)
}

// remove drops the record without signaling, used when the retry budget is spent
// or the send was abandoned.
func (t *ackTracker) remove(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *ackTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// isPending reports whether id still awaits acknowledgment.
func (t *ackTracker) isPending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}
