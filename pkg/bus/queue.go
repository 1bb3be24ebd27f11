package bus

import (
	"sync"

	"tandem/pkg/proto"
)

// Queue is a FIFO buffer for one receiver with a capacity bound that can be
// changed while messages are buffered. Lowering the bound never drops
// messages; it only blocks further pushes until the backlog drains below it.
type Queue struct {
	receiver string

	mu       sync.Mutex
	items    []proto.Message
	capacity int
	ready    chan struct{} // closed and replaced on every push

	loads  []int // rolling window of depth samples
	window int
}

func newQueue(receiver string, capacity, window int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if window < 1 {
		window = 1
	}
	return &Queue{
		receiver: receiver,
		capacity: capacity,
		ready:    make(chan struct{}),
		window:   window,
	}
}

// push appends msg if the current bound allows it.
func (q *Queue) push(msg proto.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, msg)

	close(q.ready)
	q.ready = make(chan struct{})
	return nil
}

// pop removes the head. When empty it returns a channel that is closed on the
// next push, fetched under the same lock so a concurrent push cannot be missed.
func (q *Queue) pop() (proto.Message, bool, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return proto.Message{}, false, q.ready
	}
	msg := q.items[0]
	q.items[0] = proto.Message{}
	q.items = q.items[1:]
	return msg, true, nil
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the current bound.
func (q *Queue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// Free returns how many more messages fit under the current bound.
func (q *Queue) Free() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return max(q.capacity-len(q.items), 0)
}

// Resize changes the bound. Buffered messages are kept even when n < Len().
func (q *Queue) Resize(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.capacity = n
	q.mu.Unlock()
}

// sample records the current depth and returns the rolling average together
// with the capacity observed at the same instant.
func (q *Queue) sample() (avg float64, depth, capacity int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth = len(q.items)
	q.loads = append(q.loads, depth)
	if len(q.loads) > q.window {
		q.loads = q.loads[len(q.loads)-q.window:]
	}

	sum := 0
	for _, l := range q.loads {
		sum += l
	}
	return float64(sum) / float64(len(q.loads)), depth, q.capacity
}
