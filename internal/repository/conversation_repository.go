package repository

import (
	"context"
	"errors"
	"fmt"

	"convosync/internal/domain/conversation"
	"convosync/internal/events"
	convosync_errors "convosync/pkg/errors"

	"github.com/jackc/pgx/v5"
)

const conversationColumns = `id, kind, title, avatar_url, last_activity_at, last_message_preview, created_at`

func scanConversation(row scanner) (conversation.Conversation, error) {
	var (
		c    conversation.Conversation
		kind string
	)
	err := row.Scan(&c.ID, &kind, &c.Title, &c.AvatarURL, &c.LastActivityAt, &c.LastMessagePreview, &c.CreatedAt)
	c.Kind = conversation.Kind(kind)
	return c, err
}

const participantColumns = `conversation_id, user_id, role, joined_at, left_at`

func scanParticipant(row scanner) (conversation.Participant, error) {
	var (
		p    conversation.Participant
		role string
	)
	err := row.Scan(&p.ConversationID, &p.UserID, &role, &p.JoinedAt, &p.LeftAt)
	p.Role = conversation.Role(role)
	return p, err
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c conversation.Conversation, participants []conversation.Participant) (conversation.Conversation, error) {
	if c.Kind != conversation.KindDirect && c.Kind != conversation.KindGroup {
		return conversation.Conversation{}, fmt.Errorf("conversation kind %q: %w", c.Kind, convosync_errors.ErrInvalidInput)
	}
	users := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		users[p.UserID] = struct{}{}
	}
	if c.Kind == conversation.KindDirect && len(users) != conversation.MaxDirectParticipants {
		return conversation.Conversation{}, fmt.Errorf("direct conversation needs 2 participants: %w", convosync_errors.ErrInvalidInput)
	}

	now := s.clock.Now()
	if c.ID == "" {
		c.ID = s.newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastActivityAt.IsZero() {
		c.LastActivityAt = c.CreatedAt
	}

	err := s.tx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO conversations (`+conversationColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, c.ID, string(c.Kind), c.Title, c.AvatarURL, c.LastActivityAt, c.LastMessagePreview, c.CreatedAt)
		if err != nil {
			return mapErr(err)
		}
		if err := s.record(ctx, tx, events.TableConversations, events.OpInsert, c.ID, c.ID, c, nil); err != nil {
			return err
		}
		for _, p := range participants {
			p.ConversationID = c.ID
			if p.Role == "" {
				p.Role = conversation.RoleMember
			}
			p.JoinedAt = now
			p.LeftAt = nil
			if _, err := tx.Exec(ctx, `
				INSERT INTO participants (`+participantColumns+`)
				VALUES ($1,$2,$3,$4,NULL)
				ON CONFLICT DO NOTHING
			`, p.ConversationID, p.UserID, string(p.Role), p.JoinedAt); err != nil {
				return err
			}
			if err := s.record(ctx, tx, events.TableParticipants, events.OpInsert, c.ID, p.UserID, p, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return conversation.Conversation{}, err
	}
	return c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return conversation.Conversation{}, mapErr(err)
	}
	return c, nil
}

func (s *PostgresStore) ListUserConversations(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.kind, c.title, c.avatar_url, c.last_activity_at, c.last_message_preview, c.created_at
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1 AND p.left_at IS NULL
		ORDER BY c.last_activity_at DESC, c.id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddParticipant(ctx context.Context, p conversation.Participant) error {
	if p.Role == "" {
		p.Role = conversation.RoleMember
	}
	return s.tx(ctx, func(tx pgx.Tx) error {
		c, err := scanConversation(tx.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, p.ConversationID))
		if err != nil {
			return mapErr(err)
		}

		existing, err := scanParticipant(tx.QueryRow(ctx, `
			SELECT `+participantColumns+` FROM participants WHERE conversation_id = $1 AND user_id = $2
		`, p.ConversationID, p.UserID))
		switch {
		case err == nil:
			if existing.Active() {
				return nil
			}
			updated := existing
			updated.LeftAt = nil
			updated.JoinedAt = s.clock.Now()
			if _, err := tx.Exec(ctx, `
				UPDATE participants SET left_at = NULL, joined_at = $3 WHERE conversation_id = $1 AND user_id = $2
			`, p.ConversationID, p.UserID, updated.JoinedAt); err != nil {
				return err
			}
			return s.record(ctx, tx, events.TableParticipants, events.OpUpdate, c.ID, p.UserID, updated, existing)
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		if c.Kind == conversation.KindDirect {
			var n int
			if err := tx.QueryRow(ctx, `SELECT count(*) FROM participants WHERE conversation_id = $1`, c.ID).Scan(&n); err != nil {
				return err
			}
			if n >= conversation.MaxDirectParticipants {
				return fmt.Errorf("direct conversation is full: %w", convosync_errors.ErrConflict)
			}
		}
		p.JoinedAt = s.clock.Now()
		p.LeftAt = nil
		if _, err := tx.Exec(ctx, `
			INSERT INTO participants (`+participantColumns+`) VALUES ($1,$2,$3,$4,NULL)
		`, p.ConversationID, p.UserID, string(p.Role), p.JoinedAt); err != nil {
			return mapErr(err)
		}
		return s.record(ctx, tx, events.TableParticipants, events.OpInsert, c.ID, p.UserID, p, nil)
	})
}

func (s *PostgresStore) LeaveConversation(ctx context.Context, conversationID, userID string) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		p, err := scanParticipant(tx.QueryRow(ctx, `
			SELECT `+participantColumns+` FROM participants WHERE conversation_id = $1 AND user_id = $2 FOR UPDATE
		`, conversationID, userID))
		if err != nil {
			return mapErr(err)
		}
		if !p.Active() {
			return nil
		}
		updated := p
		now := s.clock.Now()
		updated.LeftAt = &now
		if _, err := tx.Exec(ctx, `
			UPDATE participants SET left_at = $3 WHERE conversation_id = $1 AND user_id = $2
		`, conversationID, userID, now); err != nil {
			return err
		}
		return s.record(ctx, tx, events.TableParticipants, events.OpUpdate, conversationID, userID, updated, p)
	})
}

func (s *PostgresStore) ListParticipants(ctx context.Context, conversationID string) ([]conversation.Participant, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+participantColumns+` FROM participants WHERE conversation_id = $1 ORDER BY joined_at, user_id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetParticipant(ctx context.Context, conversationID, userID string) (conversation.Participant, error) {
	p, err := scanParticipant(s.db.QueryRow(ctx, `
		SELECT `+participantColumns+` FROM participants WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID))
	if err != nil {
		return conversation.Participant{}, mapErr(err)
	}
	return p, nil
}

// requireActive loads the participant row for an authorization check inside tx.
func requireActive(ctx context.Context, tx DBTX, conversationID, userID string) (conversation.Participant, error) {
	p, err := scanParticipant(tx.QueryRow(ctx, `
		SELECT `+participantColumns+` FROM participants WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID))
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !p.Active()) {
		return conversation.Participant{}, fmt.Errorf("user %s is not in conversation %s: %w", userID, conversationID, convosync_errors.ErrForbidden)
	}
	return p, err
}
