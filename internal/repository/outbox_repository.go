package repository

import (
	"context"
	"time"

	"convosync/internal/domain/outbox"
)

type outboxRepository struct {
	db  DBTX
	now func() time.Time
}

func NewOutboxRepository(db DBTX) OutboxRepository {
	return &outboxRepository{db: db, now: time.Now}
}

func (r *outboxRepository) Create(ctx context.Context, tx DBTX, event *outbox.OutboxEvent) error {
	execDB := tx
	if execDB == nil {
		execDB = r.db
	}
	_, err := execDB.Exec(ctx, `
        INSERT INTO outbox_events (id, table_name, op, conversation_id, row_id, payload, status, retry_count, error, created_at, updated_at, processed_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
    `,
		event.ID,
		event.Table,
		event.Op,
		event.ConversationID,
		event.RowID,
		event.Payload,
		string(event.Status),
		event.RetryCount,
		event.Error,
		event.CreatedAt,
		event.UpdatedAt,
		event.ProcessedAt,
	)
	return err
}

// GetPending returns pending events oldest first.
func (r *outboxRepository) GetPending(ctx context.Context, limit int) ([]outbox.OutboxEvent, error) {
	rows, err := r.db.Query(ctx, `
        SELECT id, table_name, op, conversation_id, row_id, payload, status, retry_count, error, created_at, updated_at, processed_at
        FROM outbox_events
        WHERE status = $1
        ORDER BY created_at ASC, id ASC
        LIMIT $2
    `, string(outbox.StatusPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []outbox.OutboxEvent
	for rows.Next() {
		var (
			event  outbox.OutboxEvent
			status string
		)
		if err := rows.Scan(
			&event.ID,
			&event.Table,
			&event.Op,
			&event.ConversationID,
			&event.RowID,
			&event.Payload,
			&status,
			&event.RetryCount,
			&event.Error,
			&event.CreatedAt,
			&event.UpdatedAt,
			&event.ProcessedAt,
		); err != nil {
			return nil, err
		}
		event.Status = outbox.Status(status)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (r *outboxRepository) MarkCompleted(ctx context.Context, id string) error {
	now := r.now()
	_, err := r.db.Exec(ctx, `
        UPDATE outbox_events
        SET status = $1, processed_at = $2, updated_at = $2
        WHERE id = $3
    `, string(outbox.StatusCompleted), now, id)
	return err
}

// MarkFailed records the error and bumps the retry count. The event stays
// pending until maxRetries is reached.
func (r *outboxRepository) MarkFailed(ctx context.Context, id string, errorMsg string, maxRetries int) error {
	_, err := r.db.Exec(ctx, `
        UPDATE outbox_events
        SET retry_count = retry_count + 1,
            error = $1,
            status = CASE WHEN retry_count + 1 >= $2 THEN $3 ELSE status END,
            updated_at = $4
        WHERE id = $5
    `, errorMsg, maxRetries, string(outbox.StatusFailed), r.now(), id)
	return err
}
