package services

import (
	"context"
	"fmt"
	"strings"

	"convosync/internal/domain/conversation"
	"convosync/internal/proxy"
	"convosync/internal/repository"
	convosync_errors "convosync/pkg/errors"

	"github.com/samber/lo"
)

type ConversationService struct {
	store  repository.ConversationRepository
	access *proxy.AccessControl
}

func NewConversationService(store repository.ConversationRepository, access *proxy.AccessControl) *ConversationService {
	return &ConversationService{store: store, access: access}
}

type CreateConversationInput struct {
	Kind      conversation.Kind
	Title     string
	AvatarURL string
	Members   []string
}

// Create opens a conversation owned by userID. A direct conversation has
// exactly one other member.
func (s *ConversationService) Create(ctx context.Context, userID string, in CreateConversationInput) (conversation.Conversation, error) {
	members := lo.Without(lo.Uniq(lo.Compact(in.Members)), userID)
	switch in.Kind {
	case conversation.KindDirect:
		if len(members) != 1 {
			return conversation.Conversation{}, fmt.Errorf("direct conversation needs one other member: %w", convosync_errors.ErrInvalidInput)
		}
	case conversation.KindGroup:
		if strings.TrimSpace(in.Title) == "" || len(members) == 0 {
			return conversation.Conversation{}, fmt.Errorf("group needs a title and members: %w", convosync_errors.ErrInvalidInput)
		}
	default:
		return conversation.Conversation{}, convosync_errors.ErrInvalidInput
	}

	owner := conversation.RoleMember
	if in.Kind == conversation.KindGroup {
		owner = conversation.RoleOwner
	}
	participants := []conversation.Participant{{UserID: userID, Role: owner}}
	for _, m := range members {
		participants = append(participants, conversation.Participant{UserID: m, Role: conversation.RoleMember})
	}
	c, err := s.store.CreateConversation(ctx, conversation.Conversation{
		Kind:      in.Kind,
		Title:     strings.TrimSpace(in.Title),
		AvatarURL: in.AvatarURL,
	}, participants)
	if err != nil {
		return conversation.Conversation{}, err
	}
	s.access.Invalidate(ctx, c.ID)
	return c, nil
}

func (s *ConversationService) List(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	return s.store.ListUserConversations(ctx, userID)
}

func (s *ConversationService) Participants(ctx context.Context, userID, conversationID string) ([]conversation.Participant, error) {
	if err := s.access.CanViewConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListParticipants(ctx, conversationID)
}

func (s *ConversationService) AddMember(ctx context.Context, userID, conversationID, memberID string) error {
	if err := s.access.CanManageGroup(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.store.AddParticipant(ctx, conversation.Participant{ConversationID: conversationID, UserID: memberID, Role: conversation.RoleMember}); err != nil {
		return err
	}
	s.access.Invalidate(ctx, conversationID)
	return nil
}

func (s *ConversationService) Leave(ctx context.Context, userID, conversationID string) error {
	if err := s.store.LeaveConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	s.access.Invalidate(ctx, conversationID)
	return nil
}
