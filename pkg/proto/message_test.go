package proto

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg := NewMessage(MsgTypeTaskAssign, ReceiverPlanner, ReceiverExecutor, map[string]any{KeyTaskID: "a1b2c3d4"})

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, MsgTypeTaskAssign, msg.Type)
	assert.Equal(t, "planner", msg.Sender)
	assert.Equal(t, "executor", msg.Receiver)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Equal(t, "a1b2c3d4", msg.GetString(KeyTaskID))

	other := NewMessage(MsgTypeTaskAssign, ReceiverPlanner, ReceiverExecutor, nil)
	assert.NotEqual(t, msg.ID, other.ID, "ids must be unique")
}

func TestValidate(t *testing.T) {
	valid := NewMessage(MsgTypeStatusUpdate, "executor", "planner", nil)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Message)
	}{
		{"missing id", func(m *Message) { m.ID = "" }},
		{"missing sender", func(m *Message) { m.Sender = "" }},
		{"missing receiver", func(m *Message) { m.Receiver = "" }},
		{"missing type", func(m *Message) { m.Type = "" }},
		{"missing timestamp", func(m *Message) { m.CreatedAt = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			tt.mutate(&m)
			err := m.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidMessage))
		})
	}
}

func TestValidateAcceptsCustomType(t *testing.T) {
	msg := NewMessage(MsgType("metrics_tick"), "monitor", "planner", nil)
	assert.NoError(t, msg.Validate())
	assert.False(t, msg.Type.IsKnown())
}

func TestCloneIsolatesPayload(t *testing.T) {
	original := NewMessage(MsgTypeReviewResult, "planner", "executor", map[string]any{KeyApproved: true})
	clone := original.Clone()

	clone.Payload[KeyApproved] = false
	clone.Payload["extra"] = 1

	assert.Equal(t, true, original.Payload[KeyApproved])
	_, ok := original.Payload["extra"]
	assert.False(t, ok)
	assert.Equal(t, original.ID, clone.ID)
}

func TestJSONRoundTrip(t *testing.T) {
	original := NewMessage(MsgTypeReviewRequest, "executor", "planner", map[string]any{KeyTitle: "Add retries"})

	data, err := original.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg_type":"review_request"`)

	restored, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, "Add retries", restored.GetString(KeyTitle))
	assert.True(t, original.CreatedAt.Equal(restored.CreatedAt))

	_, err = FromJSON([]byte("{not json"))
	assert.Error(t, err)
}

func TestParseMsgType(t *testing.T) {
	mt, err := ParseMsgType(" Task_Assign ")
	require.NoError(t, err)
	assert.Equal(t, MsgTypeTaskAssign, mt)

	_, err = ParseMsgType("STORY")
	assert.Error(t, err)
}

func TestAuditRecord(t *testing.T) {
	msg := NewMessage(MsgTypeImprovementProposal, "maintenance", "planner", map[string]any{KeyMetric: "failure_rate"})
	rec := msg.AuditRecord()

	assert.Equal(t, msg.ID, rec.ID)
	assert.Equal(t, msg.Sender, rec.Sender)
	assert.Equal(t, msg.Receiver, rec.Receiver)
	assert.Equal(t, msg.Type, rec.Type)
	assert.Equal(t, msg.CreatedAt, rec.Timestamp)
}
