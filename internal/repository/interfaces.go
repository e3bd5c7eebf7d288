package repository

import (
	"context"
	"time"

	"convosync/internal/domain/call"
	"convosync/internal/domain/conversation"
	"convosync/internal/domain/message"
	"convosync/internal/domain/outbox"
	"convosync/internal/domain/user"
)

// PageSize is the fixed history page size.
const PageSize = 30

type ConversationRepository interface {
	CreateConversation(ctx context.Context, c conversation.Conversation, participants []conversation.Participant) (conversation.Conversation, error)
	GetConversation(ctx context.Context, id string) (conversation.Conversation, error)
	ListUserConversations(ctx context.Context, userID string) ([]conversation.Conversation, error)

	AddParticipant(ctx context.Context, p conversation.Participant) error
	LeaveConversation(ctx context.Context, conversationID, userID string) error
	ListParticipants(ctx context.Context, conversationID string) ([]conversation.Participant, error)
	GetParticipant(ctx context.Context, conversationID, userID string) (conversation.Participant, error)
}

// MessageRepository reads and writes messages. ListMessages returns page
// `page` (0 = newest) ordered by (created_at, id) descending.
type MessageRepository interface {
	ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]message.Message, error)
	GetMessage(ctx context.Context, id string) (message.Message, error)
	PinnedMessage(ctx context.Context, conversationID string) (*message.Message, error)

	InsertMessage(ctx context.Context, m message.Message) (message.Message, error)
	EditMessage(ctx context.Context, id, editorID, content string) (message.Message, error)
	SoftDeleteMessage(ctx context.Context, id, userID string) (message.Message, error)
	SetPinned(ctx context.Context, id, userID string, pinned bool) (message.Message, error)
	HardDeleteMessage(ctx context.Context, id string) error
}

// ReactionRepository toggles reactions. Both writes are idempotent.
type ReactionRepository interface {
	AddReaction(ctx context.Context, r message.Reaction) error
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
	ListReactions(ctx context.Context, messageIDs []string) ([]message.Reaction, error)
}

// ReadMarkerRepository stores read markers. MarkRead is write-once per
// (message, user) and returns only the markers it created.
type ReadMarkerRepository interface {
	MarkRead(ctx context.Context, userID string, messageIDs []string) ([]message.ReadMarker, error)
	ListReadMarkers(ctx context.Context, messageIDs []string) ([]message.ReadMarker, error)
}

// CallRepository stores call sessions. TransitionCall is a compare-and-set:
// it fails with ErrInvalidTransition unless the row is in one of from.
type CallRepository interface {
	CreateCall(ctx context.Context, s call.Session) (call.Session, error)
	GetCall(ctx context.Context, id string) (call.Session, error)
	LiveCalls(ctx context.Context, conversationID string) ([]call.Session, error)
	TransitionCall(ctx context.Context, id string, from []call.Status, to call.Status, fields call.Fields) (call.Session, error)

	JoinCall(ctx context.Context, p call.Participant) (call.Participant, error)
	UpdateCallParticipant(ctx context.Context, callID, userID string, muted, cameraOff bool) (call.Participant, error)
	LeaveCall(ctx context.Context, callID, userID string, at time.Time) error
	ListCallParticipants(ctx context.Context, callID string) ([]call.Participant, error)
}

type ProfileRepository interface {
	GetProfiles(ctx context.Context, userIDs []string) ([]user.Profile, error)
	UpsertProfile(ctx context.Context, p user.Profile) error
}

// Store is the durable store the sync engine and call coordinator depend on.
type Store interface {
	ConversationRepository
	MessageRepository
	ReactionRepository
	ReadMarkerRepository
	CallRepository
	ProfileRepository
}

type OutboxRepository interface {
	Create(ctx context.Context, tx DBTX, event *outbox.OutboxEvent) error
	GetPending(ctx context.Context, limit int) ([]outbox.OutboxEvent, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errorMsg string, maxRetries int) error
}
