package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"convosync/internal/domain/message"
	"convosync/internal/proxy"
	"convosync/internal/repository"
	convosync_errors "convosync/pkg/errors"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
)

// MessageService is the server-side write path for clients that talk HTTP
// instead of running a sync engine. Every write lands in the store, which
// publishes the change to the feed.
type MessageService struct {
	store  repository.Store
	access *proxy.AccessControl
	clock  clockwork.Clock
}

func NewMessageService(store repository.Store, access *proxy.AccessControl, clock clockwork.Clock) *MessageService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MessageService{store: store, access: access, clock: clock}
}

// Page is one page of history, newest first.
type Page struct {
	Messages []message.Message `json:"messages"`
	NextPage *int              `json:"next_page,omitempty"`
}

func (s *MessageService) GetConversationMessages(ctx context.Context, userID, conversationID string, page int) (Page, error) {
	if page < 0 {
		return Page{}, convosync_errors.ErrInvalidInput
	}
	if err := s.access.CanViewConversation(ctx, userID, conversationID); err != nil {
		return Page{}, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, page, repository.PageSize)
	if err != nil {
		return Page{}, fmt.Errorf("list messages: %w", err)
	}
	out := Page{Messages: msgs}
	if len(msgs) == repository.PageSize {
		next := page + 1
		out.NextPage = &next
	}
	return out, nil
}

func (s *MessageService) Pinned(ctx context.Context, userID, conversationID string) (*message.Message, error) {
	if err := s.access.CanViewConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.store.PinnedMessage(ctx, conversationID)
}

// Send inserts a message. A client-chosen id makes retries idempotent: the
// second insert fails with ErrAlreadyExists and returns the stored row.
func (s *MessageService) Send(ctx context.Context, userID, conversationID, clientID string, d message.Draft) (message.Message, error) {
	if err := d.Validate(); err != nil {
		return message.Message{}, err
	}
	if err := s.access.CanSendMessage(ctx, userID, conversationID); err != nil {
		return message.Message{}, err
	}
	if d.ReplyToID != nil {
		parent, err := s.store.GetMessage(ctx, *d.ReplyToID)
		if err != nil || parent.ConversationID != conversationID {
			return message.Message{}, fmt.Errorf("reply target: %w", convosync_errors.ErrInvalidInput)
		}
	}
	m := d.Build(clientID, conversationID, userID, s.clock.Now())
	stored, err := s.store.InsertMessage(ctx, m)
	if err != nil {
		if clientID != "" && errors.Is(err, convosync_errors.ErrAlreadyExists) {
			existing, getErr := s.store.GetMessage(ctx, clientID)
			if getErr == nil && existing.SenderID == userID {
				return existing, nil
			}
		}
		return message.Message{}, err
	}
	return stored, nil
}

func (s *MessageService) Edit(ctx context.Context, userID, messageID, content string) (message.Message, error) {
	if strings.TrimSpace(content) == "" {
		return message.Message{}, convosync_errors.ErrInvalidInput
	}
	return s.store.EditMessage(ctx, messageID, userID, content)
}

func (s *MessageService) Delete(ctx context.Context, userID, messageID string) (message.Message, error) {
	return s.store.SoftDeleteMessage(ctx, messageID, userID)
}

func (s *MessageService) SetPinned(ctx context.Context, userID, messageID string, pinned bool) (message.Message, error) {
	return s.store.SetPinned(ctx, messageID, userID, pinned)
}

func (s *MessageService) AddReaction(ctx context.Context, userID, messageID, emoji string) error {
	if emoji == "" {
		return convosync_errors.ErrInvalidInput
	}
	return s.store.AddReaction(ctx, message.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji})
}

func (s *MessageService) RemoveReaction(ctx context.Context, userID, messageID, emoji string) error {
	if emoji == "" {
		return convosync_errors.ErrInvalidInput
	}
	return s.store.RemoveReaction(ctx, messageID, userID, emoji)
}

// MarkRead records read markers for messages of one conversation. Own
// messages are skipped; markers that already exist are not rewritten.
func (s *MessageService) MarkRead(ctx context.Context, userID, conversationID string, messageIDs []string) ([]message.ReadMarker, error) {
	if err := s.access.CanViewConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	ids := lo.Uniq(lo.Compact(messageIDs))
	if len(ids) == 0 {
		return nil, nil
	}
	var batch []string
	for _, id := range ids {
		m, err := s.store.GetMessage(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", id, err)
		}
		if m.ConversationID != conversationID {
			return nil, fmt.Errorf("message %s is not in %s: %w", id, conversationID, convosync_errors.ErrInvalidInput)
		}
		if m.SenderID != userID {
			batch = append(batch, id)
		}
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return s.store.MarkRead(ctx, userID, batch)
}
