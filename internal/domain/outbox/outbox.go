package outbox

import (
	"time"
)

// Status represents the processing state of an outbox event
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// OutboxEvent is a change notification written in the same transaction as the
// row it describes, waiting to be relayed to the change feed.
type OutboxEvent struct {
	ID             string
	Table          string
	Op             string
	ConversationID string
	RowID          string
	Payload        []byte // JSON encoded events.Change
	Status         Status
	RetryCount     int
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ProcessedAt    *time.Time
}

