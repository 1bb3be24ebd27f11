package bus

import (
	"errors"

	"tandem/pkg/proto"
)

var (
	// ErrDeliveryTimeout marks an acknowledgment that did not arrive within the
	// ack timeout. It triggers a retry and is only ever logged.
	ErrDeliveryTimeout = errors.New("delivery timeout")

	// ErrRetryExhausted marks a message dropped after its final retry. Logged, never returned.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrQueueFull is internal: Send resolves it by waiting for capacity.
	ErrQueueFull = errors.New("queue is full")

	// ErrInvalidMessage is returned by Send for structurally incomplete messages.
	ErrInvalidMessage = proto.ErrInvalidMessage

	// ErrDuplicateMessage is returned by Send when the id is pending or already consumed.
	ErrDuplicateMessage = errors.New("duplicate message id")

	// ErrBusClosed is returned by Send after Stop.
	ErrBusClosed = errors.New("bus is closed")

	// errAcknowledged ends a retry's backpressure wait once the original was acknowledged.
	errAcknowledged = errors.New("acknowledged while waiting to resend")
)
