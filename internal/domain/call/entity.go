package call

import (
	"time"
)

type Kind string

const (
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

func (k Kind) Valid() bool {
	return k == KindVoice || k == KindVideo
}

type Status string

const (
	StatusRinging  Status = "ringing"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusDeclined Status = "declined"
	StatusMissed   Status = "missed"
)

// Live reports whether the status holds the conversation's single call slot.
func (s Status) Live() bool {
	return s == StatusRinging || s == StatusActive
}

func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusDeclined || s == StatusMissed
}

// Session represents the call_sessions table
type Session struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	InitiatorID     string     `json:"initiator_id"`
	Kind            Kind       `json:"kind"`
	Status          Status     `json:"status"`
	Channel         string     `json:"channel"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
}

// Participant represents call_participants
type Participant struct {
	CallID         string     `json:"call_id"`
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
	Muted          bool       `json:"muted"`
	CameraOff      bool       `json:"camera_off"`
}

func (p Participant) Present() bool {
	return p.LeftAt == nil
}

// Precedes orders competing sessions for the same conversation: the earliest
// created wins, ties broken by id.
func (s Session) Precedes(o Session) bool {
	if !s.CreatedAt.Equal(o.CreatedAt) {
		return s.CreatedAt.Before(o.CreatedAt)
	}
	return s.ID < o.ID
}

// ChannelName is the relay channel used for a session.
func ChannelName(sessionID string) string {
	return "call-" + sessionID
}

// Fields carries the optional columns written with a status transition.
type Fields struct {
	Kind            *Kind
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int
}

// Apply copies the set fields onto s.
func (f Fields) Apply(s *Session) {
	if f.Kind != nil {
		s.Kind = *f.Kind
	}
	if f.StartedAt != nil {
		t := *f.StartedAt
		s.StartedAt = &t
	}
	if f.EndedAt != nil {
		t := *f.EndedAt
		s.EndedAt = &t
	}
	if f.DurationSeconds != nil {
		s.DurationSeconds = *f.DurationSeconds
	}
}
