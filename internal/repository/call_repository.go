package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convosync/internal/domain/call"
	"convosync/internal/events"
	convosync_errors "convosync/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"
)

const callColumns = `id, conversation_id, initiator_id, kind, status, channel, created_at, started_at, ended_at, duration_seconds`

func scanCall(row scanner) (call.Session, error) {
	var (
		cs           call.Session
		kind, status string
	)
	err := row.Scan(&cs.ID, &cs.ConversationID, &cs.InitiatorID, &kind, &status, &cs.Channel,
		&cs.CreatedAt, &cs.StartedAt, &cs.EndedAt, &cs.DurationSeconds)
	cs.Kind = call.Kind(kind)
	cs.Status = call.Status(status)
	return cs, err
}

const callParticipantColumns = `call_id, conversation_id, user_id, joined_at, left_at, muted, camera_off`

func scanCallParticipant(row scanner) (call.Participant, error) {
	var p call.Participant
	err := row.Scan(&p.CallID, &p.ConversationID, &p.UserID, &p.JoinedAt, &p.LeftAt, &p.Muted, &p.CameraOff)
	return p, err
}

func (s *PostgresStore) CreateCall(ctx context.Context, cs call.Session) (call.Session, error) {
	if !cs.Kind.Valid() {
		return call.Session{}, fmt.Errorf("call kind %q: %w", cs.Kind, convosync_errors.ErrInvalidInput)
	}
	if cs.ID == "" {
		cs.ID = s.newID()
	}
	if cs.Channel == "" {
		cs.Channel = call.ChannelName(cs.ID)
	}
	if cs.Status == "" {
		cs.Status = call.StatusRinging
	}
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = s.clock.Now()
	}

	err := s.tx(ctx, func(tx pgx.Tx) error {
		if _, err := requireActive(ctx, tx, cs.ConversationID, cs.InitiatorID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO call_sessions (`+callColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, cs.ID, cs.ConversationID, cs.InitiatorID, string(cs.Kind), string(cs.Status), cs.Channel,
			cs.CreatedAt, cs.StartedAt, cs.EndedAt, cs.DurationSeconds); err != nil {
			return mapErr(err)
		}
		return s.record(ctx, tx, events.TableCallSessions, events.OpInsert, cs.ConversationID, cs.ID, cs, nil)
	})
	if err != nil {
		return call.Session{}, err
	}
	return cs, nil
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (call.Session, error) {
	cs, err := scanCall(s.db.QueryRow(ctx, `SELECT `+callColumns+` FROM call_sessions WHERE id = $1`, id))
	if err != nil {
		return call.Session{}, mapErr(err)
	}
	return cs, nil
}

func (s *PostgresStore) LiveCalls(ctx context.Context, conversationID string) ([]call.Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+callColumns+`
		FROM call_sessions
		WHERE conversation_id = $1 AND status IN ('ringing', 'active')
		ORDER BY created_at, id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []call.Session
	for rows.Next() {
		cs, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionCall(ctx context.Context, id string, from []call.Status, to call.Status, fields call.Fields) (call.Session, error) {
	var out call.Session
	err := s.tx(ctx, func(tx pgx.Tx) error {
		old, err := scanCall(tx.QueryRow(ctx, `SELECT `+callColumns+` FROM call_sessions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return mapErr(err)
		}
		if !lo.Contains(from, old.Status) {
			out = old
			return fmt.Errorf("call %s is %s, cannot become %s: %w", id, old.Status, to, convosync_errors.ErrInvalidTransition)
		}
		next := old
		fields.Apply(&next)
		next.Status = to

		next, err = scanCall(tx.QueryRow(ctx, `
			UPDATE call_sessions
			SET status = $2, kind = $3, started_at = $4, ended_at = $5, duration_seconds = $6
			WHERE id = $1 AND status = ANY($7)
			RETURNING `+callColumns,
			id, string(next.Status), string(next.Kind), next.StartedAt, next.EndedAt, next.DurationSeconds,
			lo.Map(from, func(st call.Status, _ int) string { return string(st) })))
		if errors.Is(err, pgx.ErrNoRows) {
			out = old
			return fmt.Errorf("call %s changed concurrently: %w", id, convosync_errors.ErrInvalidTransition)
		}
		if err != nil {
			return err
		}
		out = next
		return s.record(ctx, tx, events.TableCallSessions, events.OpUpdate, next.ConversationID, next.ID, next, old)
	})
	if err != nil {
		if errors.Is(err, convosync_errors.ErrInvalidTransition) {
			return out, err
		}
		return call.Session{}, err
	}
	return out, nil
}

func (s *PostgresStore) JoinCall(ctx context.Context, p call.Participant) (call.Participant, error) {
	err := s.tx(ctx, func(tx pgx.Tx) error {
		cs, err := scanCall(tx.QueryRow(ctx, `SELECT `+callColumns+` FROM call_sessions WHERE id = $1`, p.CallID))
		if err != nil {
			return mapErr(err)
		}
		if _, err := requireActive(ctx, tx, cs.ConversationID, p.UserID); err != nil {
			return err
		}
		p.ConversationID = cs.ConversationID
		p.JoinedAt = s.clock.Now()
		p.LeftAt = nil
		rowID := events.CallParticipantRowID(p.CallID, p.UserID)

		existing, err := scanCallParticipant(tx.QueryRow(ctx, `
			SELECT `+callParticipantColumns+` FROM call_participants WHERE call_id = $1 AND user_id = $2 FOR UPDATE
		`, p.CallID, p.UserID))
		switch {
		case err == nil:
			if _, err := tx.Exec(ctx, `
				UPDATE call_participants SET joined_at = $3, left_at = NULL, muted = $4, camera_off = $5
				WHERE call_id = $1 AND user_id = $2
			`, p.CallID, p.UserID, p.JoinedAt, p.Muted, p.CameraOff); err != nil {
				return err
			}
			return s.record(ctx, tx, events.TableCallParticipants, events.OpUpdate, p.ConversationID, rowID, p, existing)
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO call_participants (`+callParticipantColumns+`) VALUES ($1,$2,$3,$4,NULL,$5,$6)
		`, p.CallID, p.ConversationID, p.UserID, p.JoinedAt, p.Muted, p.CameraOff); err != nil {
			return mapErr(err)
		}
		return s.record(ctx, tx, events.TableCallParticipants, events.OpInsert, p.ConversationID, rowID, p, nil)
	})
	if err != nil {
		return call.Participant{}, err
	}
	return p, nil
}

func (s *PostgresStore) UpdateCallParticipant(ctx context.Context, callID, userID string, muted, cameraOff bool) (call.Participant, error) {
	var out call.Participant
	err := s.tx(ctx, func(tx pgx.Tx) error {
		old, err := scanCallParticipant(tx.QueryRow(ctx, `
			SELECT `+callParticipantColumns+` FROM call_participants WHERE call_id = $1 AND user_id = $2 FOR UPDATE
		`, callID, userID))
		if err != nil {
			return mapErr(err)
		}
		out = old
		out.Muted = muted
		out.CameraOff = cameraOff
		if _, err := tx.Exec(ctx, `
			UPDATE call_participants SET muted = $3, camera_off = $4 WHERE call_id = $1 AND user_id = $2
		`, callID, userID, muted, cameraOff); err != nil {
			return err
		}
		return s.record(ctx, tx, events.TableCallParticipants, events.OpUpdate, out.ConversationID, events.CallParticipantRowID(callID, userID), out, old)
	})
	if err != nil {
		return call.Participant{}, err
	}
	return out, nil
}

func (s *PostgresStore) LeaveCall(ctx context.Context, callID, userID string, at time.Time) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		old, err := scanCallParticipant(tx.QueryRow(ctx, `
			SELECT `+callParticipantColumns+` FROM call_participants WHERE call_id = $1 AND user_id = $2 FOR UPDATE
		`, callID, userID))
		if err != nil {
			return mapErr(err)
		}
		if !old.Present() {
			return nil
		}
		next := old
		next.LeftAt = &at
		if _, err := tx.Exec(ctx, `
			UPDATE call_participants SET left_at = $3 WHERE call_id = $1 AND user_id = $2
		`, callID, userID, at); err != nil {
			return err
		}
		return s.record(ctx, tx, events.TableCallParticipants, events.OpUpdate, next.ConversationID, events.CallParticipantRowID(callID, userID), next, old)
	})
}

func (s *PostgresStore) ListCallParticipants(ctx context.Context, callID string) ([]call.Participant, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+callParticipantColumns+` FROM call_participants WHERE call_id = $1 ORDER BY joined_at, user_id
	`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []call.Participant
	for rows.Next() {
		p, err := scanCallParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
