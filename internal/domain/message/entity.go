package message

import (
	"strings"
	"time"

	convosync_errors "convosync/pkg/errors"
)

type Type string

const (
	TypeText             Type = "text"
	TypeSticker          Type = "sticker"
	TypeSystem           Type = "system"
	TypeMonetaryEnvelope Type = "monetary_envelope"
)

func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeSticker, TypeSystem, TypeMonetaryEnvelope:
		return true
	}
	return false
}

// Message represents the messages table
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        *string    `json:"content"`
	MediaRefs      []string   `json:"media_refs,omitempty"`
	ReplyToID      *string    `json:"reply_to_id,omitempty"`
	Type           Type       `json:"type"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	PinnedAt       *time.Time `json:"pinned_at,omitempty"`
	PinnedBy       *string    `json:"pinned_by,omitempty"`
	Deleted        bool       `json:"deleted"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Reaction represents message_reactions. Unique per (message, user, emoji).
type Reaction struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Emoji          string    `json:"emoji"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReadMarker represents message_reads. A row means read; unread is never stored.
type ReadMarker struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	ReadAt         time.Time `json:"read_at"`
}

func (m Message) Pinned() bool {
	return m.PinnedAt != nil
}

// Before orders messages by creation time, then id.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Clone returns a deep copy so cache snapshots never share pointers with live entries.
func (m Message) Clone() Message {
	c := m
	c.Content = cloneString(m.Content)
	c.ReplyToID = cloneString(m.ReplyToID)
	c.PinnedBy = cloneString(m.PinnedBy)
	c.EditedAt = cloneTime(m.EditedAt)
	c.PinnedAt = cloneTime(m.PinnedAt)
	c.DeletedAt = cloneTime(m.DeletedAt)
	if m.MediaRefs != nil {
		c.MediaRefs = append([]string(nil), m.MediaRefs...)
	}
	return c
}

// ApplyEdit sets new content and the edit timestamp.
func (m *Message) ApplyEdit(content string, at time.Time) {
	m.Content = &content
	m.EditedAt = &at
}

// ApplySoftDelete clears content and media and flags the row as deleted.
func (m *Message) ApplySoftDelete(at time.Time) {
	m.Content = nil
	m.MediaRefs = nil
	m.Deleted = true
	m.DeletedAt = &at
}

func (m *Message) ApplyPin(by string, at time.Time) {
	m.PinnedAt = &at
	m.PinnedBy = &by
}

func (m *Message) ApplyUnpin() {
	m.PinnedAt = nil
	m.PinnedBy = nil
}

// Draft is what a sender submits.
type Draft struct {
	Content   string   `json:"content"`
	MediaRefs []string `json:"media_refs,omitempty"`
	ReplyToID *string  `json:"reply_to_id,omitempty"`
	Type      Type     `json:"type,omitempty"`
}

func (d Draft) Validate() error {
	if strings.TrimSpace(d.Content) == "" && len(d.MediaRefs) == 0 {
		return convosync_errors.ErrInvalidInput
	}
	if d.Type != "" && !d.Type.Valid() {
		return convosync_errors.ErrInvalidInput
	}
	return nil
}

// Build materializes the draft as a message row.
func (d Draft) Build(id, conversationID, senderID string, at time.Time) Message {
	t := d.Type
	if t == "" {
		t = TypeText
	}
	m := Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		ReplyToID:      cloneString(d.ReplyToID),
		Type:           t,
		CreatedAt:      at,
	}
	if d.Content != "" {
		content := d.Content
		m.Content = &content
	}
	if len(d.MediaRefs) > 0 {
		m.MediaRefs = append([]string(nil), d.MediaRefs...)
	}
	return m
}

// Preview is the short text used for the conversation list.
func (m Message) Preview() string {
	if m.Deleted {
		return ""
	}
	if m.Content == nil {
		if len(m.MediaRefs) > 0 {
			return "[media]"
		}
		return ""
	}
	r := []rune(*m.Content)
	if len(r) > 80 {
		return string(r[:80])
	}
	return *m.Content
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
