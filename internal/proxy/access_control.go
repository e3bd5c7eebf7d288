package proxy

import (
	"context"
	"errors"
	"fmt"

	"convosync/internal/domain/conversation"
	"convosync/internal/repository"
	convosync_errors "convosync/pkg/errors"
	"convosync/pkg/logger"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ParticipantCache holds the active member ids of a conversation.
// *redis.CacheStore implements it.
type ParticipantCache interface {
	GetParticipants(ctx context.Context, conversationID string) ([]string, bool, error)
	SetParticipants(ctx context.Context, conversationID string, userIDs []string) error
	InvalidateParticipants(ctx context.Context, conversationID string) error
}

// AccessControl answers membership questions for the HTTP and websocket
// gateways. Stores enforce membership on writes as well; checking here first
// keeps reads from leaking other conversations.
type AccessControl struct {
	conversationRepo repository.ConversationRepository
	cache            ParticipantCache
	log              *logger.Logger
}

type Option func(*AccessControl)

// WithParticipantCache answers view checks from cache. Writes must call
// Invalidate after membership changes.
func WithParticipantCache(c ParticipantCache) Option {
	return func(a *AccessControl) { a.cache = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(a *AccessControl) { a.log = l }
}

func NewAccessControl(conversationRepo repository.ConversationRepository, opts ...Option) *AccessControl {
	a := &AccessControl{conversationRepo: conversationRepo}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logger.OrGlobal(a.log).Named("access")
	return a
}

func (a *AccessControl) CanViewConversation(ctx context.Context, userID, conversationID string) error {
	if a.cache == nil {
		_, err := a.activeParticipant(ctx, conversationID, userID)
		return err
	}
	return a.cachedMember(ctx, conversationID, userID)
}

func (a *AccessControl) CanSendMessage(ctx context.Context, userID, conversationID string) error {
	_, err := a.activeParticipant(ctx, conversationID, userID)
	return err
}

func (a *AccessControl) CanInitiateCall(ctx context.Context, userID, conversationID string) error {
	_, err := a.activeParticipant(ctx, conversationID, userID)
	return err
}

// Invalidate drops cached membership of a conversation.
func (a *AccessControl) Invalidate(ctx context.Context, conversationID string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.InvalidateParticipants(ctx, conversationID); err != nil {
		a.log.Logger.Warn("invalidate participants", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// cachedMember checks membership against the cached id list, filling it from
// the repository on a miss. A cache failure falls through to the repository.
func (a *AccessControl) cachedMember(ctx context.Context, conversationID, userID string) error {
	if conversationID == "" || userID == "" {
		return convosync_errors.ErrForbidden
	}
	ids, ok, err := a.cache.GetParticipants(ctx, conversationID)
	if err != nil {
		a.log.Logger.Warn("participant cache read", zap.Error(err))
		_, err := a.activeParticipant(ctx, conversationID, userID)
		return err
	}
	if !ok {
		members, err := a.conversationRepo.ListParticipants(ctx, conversationID)
		if err != nil && !errors.Is(err, convosync_errors.ErrNotFound) {
			return fmt.Errorf("list participants: %w", err)
		}
		ids = lo.FilterMap(members, func(p conversation.Participant, _ int) (string, bool) {
			return p.UserID, p.Active()
		})
		if err := a.cache.SetParticipants(ctx, conversationID, ids); err != nil {
			a.log.Logger.Warn("participant cache write", zap.Error(err))
		}
	}
	if !lo.Contains(ids, userID) {
		return convosync_errors.ErrForbidden
	}
	return nil
}

func (a *AccessControl) CanManageGroup(ctx context.Context, userID, conversationID string) error {
	p, err := a.activeParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !p.Role.Moderator() {
		return convosync_errors.ErrForbidden
	}
	return nil
}

// activeParticipant maps "not a member" to ErrForbidden so callers cannot
// probe for conversation ids.
func (a *AccessControl) activeParticipant(ctx context.Context, conversationID, userID string) (conversation.Participant, error) {
	if a.conversationRepo == nil || conversationID == "" || userID == "" {
		return conversation.Participant{}, convosync_errors.ErrForbidden
	}
	p, err := a.conversationRepo.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, convosync_errors.ErrNotFound) {
		return conversation.Participant{}, convosync_errors.ErrForbidden
	}
	if err != nil {
		return conversation.Participant{}, fmt.Errorf("check membership: %w", err)
	}
	if !p.Active() {
		return conversation.Participant{}, convosync_errors.ErrForbidden
	}
	return p, nil
}
