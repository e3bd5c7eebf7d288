package repository

import (
	"context"
	"errors"
	"fmt"

	"convosync/internal/domain/conversation"
	"convosync/internal/domain/message"
	"convosync/internal/events"
	convosync_errors "convosync/pkg/errors"

	"github.com/jackc/pgx/v5"
)

const messageColumns = `id, conversation_id, sender_id, content, media_refs, reply_to_id, type, edited_at, pinned_at, pinned_by, deleted, deleted_at, created_at`

func scanMessage(row scanner) (message.Message, error) {
	var (
		m   message.Message
		typ string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.MediaRefs, &m.ReplyToID, &typ,
		&m.EditedAt, &m.PinnedAt, &m.PinnedBy, &m.Deleted, &m.DeletedAt, &m.CreatedAt)
	m.Type = message.Type(typ)
	return m, err
}

func collectMessages(rows pgx.Rows) ([]message.Message, error) {
	defer rows.Close()
	out := []message.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]message.Message, error) {
	if page < 0 || pageSize <= 0 {
		return nil, convosync_errors.ErrInvalidInput
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, conversationID, pageSize, page*pageSize)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (message.Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return message.Message{}, mapErr(err)
	}
	return m, nil
}

func (s *PostgresStore) PinnedMessage(ctx context.Context, conversationID string) (*message.Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND pinned_at IS NOT NULL
	`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, m message.Message) (message.Message, error) {
	if m.ID == "" {
		m.ID = s.newID()
	}
	if m.Type == "" {
		m.Type = message.TypeText
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock.Now()
	}

	err := s.tx(ctx, func(tx pgx.Tx) error {
		c, err := scanConversation(tx.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, m.ConversationID))
		if err != nil {
			return mapErr(err)
		}
		if _, err := requireActive(ctx, tx, m.ConversationID, m.SenderID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,NULL,NULL,NULL,false,NULL,$8)
		`, m.ID, m.ConversationID, m.SenderID, m.Content, m.MediaRefs, m.ReplyToID, string(m.Type), m.CreatedAt); err != nil {
			return mapErr(err)
		}
		if err := s.record(ctx, tx, events.TableMessages, events.OpInsert, m.ConversationID, m.ID, m, nil); err != nil {
			return err
		}

		updated := c
		if m.CreatedAt.After(updated.LastActivityAt) {
			updated.LastActivityAt = m.CreatedAt
		}
		updated.LastMessagePreview = m.Preview()
		if _, err := tx.Exec(ctx, `
			UPDATE conversations SET last_activity_at = $2, last_message_preview = $3 WHERE id = $1
		`, c.ID, updated.LastActivityAt, updated.LastMessagePreview); err != nil {
			return err
		}
		return s.record(ctx, tx, events.TableConversations, events.OpUpdate, c.ID, c.ID, updated, c)
	})
	if err != nil {
		return message.Message{}, err
	}
	return m, nil
}

// mutate loads a message FOR UPDATE, applies fn, persists the result and
// records the change.
func (s *PostgresStore) mutate(ctx context.Context, id string, fn func(tx pgx.Tx, m *message.Message) (bool, error)) (message.Message, error) {
	var out message.Message
	err := s.tx(ctx, func(tx pgx.Tx) error {
		m, err := scanMessage(tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return mapErr(err)
		}
		old := m.Clone()
		changed, err := fn(tx, &m)
		if err != nil {
			return err
		}
		out = m
		if !changed {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE messages
			SET content = $2, media_refs = $3, edited_at = $4, pinned_at = $5, pinned_by = $6, deleted = $7, deleted_at = $8
			WHERE id = $1
		`, m.ID, m.Content, m.MediaRefs, m.EditedAt, m.PinnedAt, m.PinnedBy, m.Deleted, m.DeletedAt); err != nil {
			return mapErr(err)
		}
		return s.record(ctx, tx, events.TableMessages, events.OpUpdate, m.ConversationID, m.ID, m, old)
	})
	if err != nil {
		return message.Message{}, err
	}
	return out, nil
}

func (s *PostgresStore) EditMessage(ctx context.Context, id, editorID, content string) (message.Message, error) {
	return s.mutate(ctx, id, func(_ pgx.Tx, m *message.Message) (bool, error) {
		if m.SenderID != editorID {
			return false, fmt.Errorf("message %s belongs to another sender: %w", id, convosync_errors.ErrForbidden)
		}
		if m.Deleted {
			return false, fmt.Errorf("message %s is deleted: %w", id, convosync_errors.ErrConflict)
		}
		m.ApplyEdit(content, s.clock.Now())
		return true, nil
	})
}

func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, id, userID string) (message.Message, error) {
	return s.mutate(ctx, id, func(_ pgx.Tx, m *message.Message) (bool, error) {
		if m.SenderID != userID {
			return false, fmt.Errorf("message %s belongs to another sender: %w", id, convosync_errors.ErrForbidden)
		}
		if m.Deleted {
			return false, nil
		}
		m.ApplySoftDelete(s.clock.Now())
		return true, nil
	})
}

func (s *PostgresStore) SetPinned(ctx context.Context, id, userID string, pinned bool) (message.Message, error) {
	return s.mutate(ctx, id, func(tx pgx.Tx, m *message.Message) (bool, error) {
		p, err := requireActive(ctx, tx, m.ConversationID, userID)
		if err != nil {
			return false, err
		}
		var kind string
		if err := tx.QueryRow(ctx, `SELECT kind FROM conversations WHERE id = $1`, m.ConversationID).Scan(&kind); err != nil {
			return false, err
		}
		if conversation.Kind(kind) == conversation.KindGroup && !p.Role.Moderator() {
			return false, fmt.Errorf("pin requires a moderator: %w", convosync_errors.ErrForbidden)
		}
		if m.Pinned() == pinned {
			return false, nil
		}
		if !pinned {
			m.ApplyUnpin()
			return true, nil
		}

		prev, err := scanMessage(tx.QueryRow(ctx, `
			SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND pinned_at IS NOT NULL FOR UPDATE
		`, m.ConversationID))
		switch {
		case err == nil:
			old := prev.Clone()
			prev.ApplyUnpin()
			if _, err := tx.Exec(ctx, `UPDATE messages SET pinned_at = NULL, pinned_by = NULL WHERE id = $1`, prev.ID); err != nil {
				return false, err
			}
			if err := s.record(ctx, tx, events.TableMessages, events.OpUpdate, prev.ConversationID, prev.ID, prev, old); err != nil {
				return false, err
			}
		case !errors.Is(err, pgx.ErrNoRows):
			return false, err
		}
		m.ApplyPin(userID, s.clock.Now())
		return true, nil
	})
}

func (s *PostgresStore) HardDeleteMessage(ctx context.Context, id string) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		m, err := scanMessage(tx.QueryRow(ctx, `DELETE FROM messages WHERE id = $1 RETURNING `+messageColumns, id))
		if err != nil {
			return mapErr(err)
		}
		return s.record(ctx, tx, events.TableMessages, events.OpDelete, m.ConversationID, m.ID, nil, m)
	})
}

// --- reactions ---

func (s *PostgresStore) AddReaction(ctx context.Context, r message.Reaction) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		var conversationID string
		if err := tx.QueryRow(ctx, `SELECT conversation_id FROM messages WHERE id = $1`, r.MessageID).Scan(&conversationID); err != nil {
			return mapErr(err)
		}
		if _, err := requireActive(ctx, tx, conversationID, r.UserID); err != nil {
			return err
		}
		r.ConversationID = conversationID
		r.CreatedAt = s.clock.Now()
		tag, err := tx.Exec(ctx, `
			INSERT INTO message_reactions (message_id, user_id, emoji, conversation_id, created_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT DO NOTHING
		`, r.MessageID, r.UserID, r.Emoji, r.ConversationID, r.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return s.record(ctx, tx, events.TableReactions, events.OpInsert, conversationID, events.ReactionRowID(r.MessageID, r.UserID, r.Emoji), r, nil)
	})
}

func (s *PostgresStore) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		var r message.Reaction
		err := tx.QueryRow(ctx, `
			DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3
			RETURNING message_id, conversation_id, user_id, emoji, created_at
		`, messageID, userID, emoji).Scan(&r.MessageID, &r.ConversationID, &r.UserID, &r.Emoji, &r.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.record(ctx, tx, events.TableReactions, events.OpDelete, r.ConversationID, events.ReactionRowID(messageID, userID, emoji), nil, r)
	})
}

func (s *PostgresStore) ListReactions(ctx context.Context, messageIDs []string) ([]message.Reaction, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT message_id, conversation_id, user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY created_at, user_id, emoji
	`, messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []message.Reaction
	for rows.Next() {
		var r message.Reaction
		if err := rows.Scan(&r.MessageID, &r.ConversationID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- read markers ---

func (s *PostgresStore) MarkRead(ctx context.Context, userID string, messageIDs []string) ([]message.ReadMarker, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var created []message.ReadMarker
	err := s.tx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, conversation_id FROM messages WHERE id = ANY($1)`, messageIDs)
		if err != nil {
			return err
		}
		convByMessage := make(map[string]string, len(messageIDs))
		for rows.Next() {
			var id, conv string
			if err := rows.Scan(&id, &conv); err != nil {
				rows.Close()
				return err
			}
			convByMessage[id] = conv
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		checked := make(map[string]bool)
		now := s.clock.Now()
		for _, id := range messageIDs {
			conv, ok := convByMessage[id]
			if !ok {
				return fmt.Errorf("message %s: %w", id, convosync_errors.ErrNotFound)
			}
			if !checked[conv] {
				if _, err := requireActive(ctx, tx, conv, userID); err != nil {
					return err
				}
				checked[conv] = true
			}
			tag, err := tx.Exec(ctx, `
				INSERT INTO message_reads (message_id, user_id, conversation_id, read_at)
				VALUES ($1,$2,$3,$4)
				ON CONFLICT DO NOTHING
			`, id, userID, conv, now)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				continue
			}
			rm := message.ReadMarker{MessageID: id, ConversationID: conv, UserID: userID, ReadAt: now}
			if err := s.record(ctx, tx, events.TableReadMarkers, events.OpInsert, conv, events.ReadMarkerRowID(id, userID), rm, nil); err != nil {
				return err
			}
			created = append(created, rm)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *PostgresStore) ListReadMarkers(ctx context.Context, messageIDs []string) ([]message.ReadMarker, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT message_id, conversation_id, user_id, read_at
		FROM message_reads
		WHERE message_id = ANY($1)
		ORDER BY message_id, user_id
	`, messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []message.ReadMarker
	for rows.Next() {
		var rm message.ReadMarker
		if err := rows.Scan(&rm.MessageID, &rm.ConversationID, &rm.UserID, &rm.ReadAt); err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}
