package conversation

import (
	"time"
)

type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Conversation represents the conversations table
type Conversation struct {
	ID                 string    `json:"id"`
	Kind               Kind      `json:"kind"`
	Title              string    `json:"title,omitempty"`
	AvatarURL          string    `json:"avatar_url,omitempty"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	LastMessagePreview string    `json:"last_message_preview,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Participant represents the participants table. Rows are never removed;
// leaving sets LeftAt.
type Participant struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Role           Role       `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
}

func (p Participant) Active() bool {
	return p.LeftAt == nil
}

// MaxDirectParticipants is the number of users a direct conversation ever holds.
const MaxDirectParticipants = 2

// Moderator reports whether the role may pin messages for everyone.
func (r Role) Moderator() bool {
	return r == RoleOwner || r == RoleAdmin
}
