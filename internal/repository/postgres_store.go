package repository

import (
	"context"
	"fmt"

	"convosync/internal/domain/outbox"
	"convosync/internal/events"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// PostgresStore implements Store on Postgres. Every write records its change
// in outbox_events inside the same transaction; the outbox relay publishes it.
type PostgresStore struct {
	db     *pgxpool.Pool
	outbox OutboxRepository
	clock  clockwork.Clock
	newID  func() string
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *pgxpool.Pool, newID func() string) *PostgresStore {
	return &PostgresStore{
		db:     db,
		outbox: NewOutboxRepository(db),
		clock:  clockwork.NewRealClock(),
		newID:  newID,
	}
}

// Outbox exposes the outbox repository for the relay.
func (s *PostgresStore) Outbox() OutboxRepository {
	return s.outbox
}

func (s *PostgresStore) tx(ctx context.Context, fn func(pgx.Tx) error) error {
	return WithTx(ctx, s.db, fn)
}

// record writes the change row for a mutation made in tx.
func (s *PostgresStore) record(ctx context.Context, tx pgx.Tx, table events.Table, op events.Op, conversationID, rowID string, newRow, oldRow any) error {
	now := s.clock.Now()
	c, err := events.NewChange(table, op, conversationID, rowID, newRow, oldRow, now)
	if err != nil {
		return err
	}
	payload, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	return s.outbox.Create(ctx, tx, &outbox.OutboxEvent{
		ID:             c.ID,
		Table:          string(table),
		Op:             string(op),
		ConversationID: conversationID,
		RowID:          rowID,
		Payload:        payload,
		Status:         outbox.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}
