// Package proto defines the message envelope exchanged between agents on the bus.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MsgType string

const (
	MsgTypeTaskAssign          MsgType = "task_assign"          // Planner hands a work item to the executor
	MsgTypeStatusUpdate        MsgType = "status_update"        // Executor reports progress or failure
	MsgTypeReviewRequest       MsgType = "review_request"       // Executor asks the planner to review finished work
	MsgTypeReviewResult        MsgType = "review_result"        // Planner verdict on a review request
	MsgTypeImprovementProposal MsgType = "improvement_proposal" // Maintenance suggests a self-improvement task
	MsgTypeRefinedProposal     MsgType = "refined_proposal"     // Maintenance refines a previous proposal
)

// Well-known receivers.
const (
	ReceiverPlanner  = "planner"
	ReceiverExecutor = "executor"
)

// Common payload keys.
const (
	KeyTaskID      = "task_id"
	KeyTitle       = "title"
	KeyDescription = "description"
	KeyTaskType    = "task_type"
	KeyPriority    = "priority"
	KeyStatus      = "status"
	KeyReason      = "reason"
	KeyApproved    = "approved"
	KeyFeedback    = "feedback"
	KeyProposalID  = "proposal_id"
	KeyMetric      = "metric"
	KeyValue       = "value"
)

// ErrInvalidMessage is returned by Validate for structurally incomplete messages.
var ErrInvalidMessage = errors.New("invalid message")

// Message is the addressed envelope carried by the bus.
// Once handed to the bus it must be treated as read-only.
type Message struct {
	ID        string         `json:"id"`
	Sender    string         `json:"sender"`
	Receiver  string         `json:"receiver"`
	Type      MsgType        `json:"msg_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewMessage creates a message with a fresh id and creation timestamp.
func NewMessage(msgType MsgType, sender, receiver string, payload map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Receiver:  receiver,
		Type:      msgType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks structural shape only; payload contents are opaque.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidMessage)
	case m.Sender == "":
		return fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	case m.Receiver == "":
		return fmt.Errorf("%w: receiver is required", ErrInvalidMessage)
	case m.Type == "":
		return fmt.Errorf("%w: msg_type is required", ErrInvalidMessage)
	case m.CreatedAt.IsZero():
		return fmt.Errorf("%w: created_at is required", ErrInvalidMessage)
	}
	return nil
}

// Clone returns a copy with its own top-level payload map.
func (m Message) Clone() Message {
	clone := m
	if m.Payload != nil {
		clone.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			clone.Payload[k] = v
		}
	}
	return clone
}

// GetString returns a string payload value, or "" when absent or not a string.
func (m Message) GetString(key string) string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}

// GetPayload returns the raw payload value for key.
func (m Message) GetPayload(key string) (any, bool) {
	if m.Payload == nil {
		return nil, false
	}
	v, ok := m.Payload[key]
	return v, ok
}

func (m Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func FromJSON(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return m, nil
}

func (mt MsgType) String() string {
	return string(mt)
}

// IsKnown reports whether mt is one of the built-in message types.
// Custom types are still accepted by the bus.
func (mt MsgType) IsKnown() bool {
	switch mt {
	case MsgTypeTaskAssign, MsgTypeStatusUpdate, MsgTypeReviewRequest,
		MsgTypeReviewResult, MsgTypeImprovementProposal, MsgTypeRefinedProposal:
		return true
	default:
		return false
	}
}

// ParseMsgType parses a case-insensitive built-in message type.
func ParseMsgType(s string) (MsgType, error) {
	mt := MsgType(strings.ToLower(strings.TrimSpace(s)))
	if !mt.IsKnown() {
		return "", fmt.Errorf("unknown message type: %s", s)
	}
	return mt, nil
}

// Record is the audit-log projection of a sent message.
type Record struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Type      MsgType   `json:"msg_type"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditRecord returns the audit projection of m.
func (m Message) AuditRecord() Record {
	return Record{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Type:      m.Type,
		Timestamp: m.CreatedAt,
	}
}
