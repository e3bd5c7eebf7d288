package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Change is a row-level change notification. New carries the row after an
// insert or update, Old the row before an update or delete.
type Change struct {
	ID             string          `json:"id"`
	Table          Table           `json:"table"`
	Op             Op              `json:"op"`
	ConversationID string          `json:"conversation_id"`
	RowID          string          `json:"row_id"`
	New            json.RawMessage `json:"new,omitempty"`
	Old            json.RawMessage `json:"old,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// NewChange builds a change for one row. Either row may be nil.
func NewChange(table Table, op Op, conversationID, rowID string, newRow, oldRow any, at time.Time) (Change, error) {
	c := Change{
		ID:             uuid.NewString(),
		Table:          table,
		Op:             op,
		ConversationID: conversationID,
		RowID:          rowID,
		OccurredAt:     at.UTC(),
	}
	if newRow != nil {
		raw, err := json.Marshal(newRow)
		if err != nil {
			return Change{}, fmt.Errorf("marshal new row: %w", err)
		}
		c.New = raw
	}
	if oldRow != nil {
		raw, err := json.Marshal(oldRow)
		if err != nil {
			return Change{}, fmt.Errorf("marshal old row: %w", err)
		}
		c.Old = raw
	}
	return c, nil
}

// Decode unmarshals the row image: New when present, otherwise Old.
func (c Change) Decode(v any) error {
	raw := c.New
	if len(raw) == 0 {
		raw = c.Old
	}
	if len(raw) == 0 {
		return fmt.Errorf("change %s on %s has no row image", c.Op, c.Table)
	}
	return json.Unmarshal(raw, v)
}

func (c Change) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

func UnmarshalChange(payload []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return Change{}, err
	}
	return c, nil
}

// Signal is an ephemeral, non-durable notification (typing, presence).
type Signal struct {
	EventType      string    `json:"event_type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}
