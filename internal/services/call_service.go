package services

import (
	"context"
	"fmt"

	"convosync/internal/domain/call"
	"convosync/internal/proxy"
	"convosync/internal/relay"
	"convosync/internal/repository"
	convosync_errors "convosync/pkg/errors"
	"convosync/pkg/logger"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// CallService applies call-session transitions on behalf of HTTP clients.
// It follows the same rules as the in-process coordinator: one live session
// per conversation, the earliest created session wins, and every status write
// is a compare-and-set.
type CallService struct {
	store  repository.Store
	access *proxy.AccessControl
	tokens relay.TokenService
	clock  clockwork.Clock
	log    *logger.Logger
}

func NewCallService(store repository.Store, access *proxy.AccessControl, tokens relay.TokenService, clock clockwork.Clock, l *logger.Logger) *CallService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CallService{store: store, access: access, tokens: tokens, clock: clock, log: logger.OrGlobal(l).Named("calls")}
}

// Start places a call. When the conversation already has a live session the
// caller gets that one back with created == false.
func (s *CallService) Start(ctx context.Context, userID, conversationID string, kind call.Kind) (call.Session, bool, error) {
	if !kind.Valid() {
		return call.Session{}, false, convosync_errors.ErrInvalidInput
	}
	if err := s.access.CanInitiateCall(ctx, userID, conversationID); err != nil {
		return call.Session{}, false, err
	}
	live, err := s.store.LiveCalls(ctx, conversationID)
	if err != nil {
		return call.Session{}, false, fmt.Errorf("live calls: %w", err)
	}
	if len(live) > 0 {
		return live[0], false, nil
	}

	cs, err := s.store.CreateCall(ctx, call.Session{
		ConversationID: conversationID,
		InitiatorID:    userID,
		Kind:           kind,
		Status:         call.StatusRinging,
		CreatedAt:      s.clock.Now(),
	})
	if err != nil {
		return call.Session{}, false, fmt.Errorf("create call: %w", err)
	}

	// Another client may have created a session at the same time.
	live, err = s.store.LiveCalls(ctx, conversationID)
	if err != nil {
		return call.Session{}, false, fmt.Errorf("live calls: %w", err)
	}
	if len(live) > 0 && live[0].ID != cs.ID {
		now := s.clock.Now()
		if _, err := s.store.TransitionCall(ctx, cs.ID, []call.Status{call.StatusRinging}, call.StatusEnded, call.Fields{EndedAt: &now}); err != nil {
			s.log.Logger.Warn("end losing call session", zap.String("call_id", cs.ID), zap.Error(err))
		}
		return live[0], false, nil
	}

	if _, err := s.store.JoinCall(ctx, call.Participant{CallID: cs.ID, UserID: userID}); err != nil {
		return call.Session{}, false, fmt.Errorf("join own call: %w", err)
	}
	return cs, true, nil
}

func (s *CallService) Active(ctx context.Context, userID, conversationID string) (*call.Session, error) {
	if err := s.access.CanViewConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	live, err := s.store.LiveCalls(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return nil, nil
	}
	return &live[0], nil
}

func (s *CallService) Participants(ctx context.Context, userID, callID string) ([]call.Participant, error) {
	cs, err := s.member(ctx, userID, callID)
	if err != nil {
		return nil, err
	}
	return s.store.ListCallParticipants(ctx, cs.ID)
}

// TransitionInput moves a session to To. Kind may downgrade a video call to
// voice on the way.
type TransitionInput struct {
	To   call.Status
	Kind *call.Kind
}

func (s *CallService) Transition(ctx context.Context, userID, callID string, in TransitionInput) (call.Session, error) {
	cs, err := s.member(ctx, userID, callID)
	if err != nil {
		return call.Session{}, err
	}
	if in.Kind != nil && (!in.Kind.Valid() || (*in.Kind == call.KindVideo && cs.Kind == call.KindVoice)) {
		return call.Session{}, convosync_errors.ErrInvalidInput
	}

	now := s.clock.Now()
	fields := call.Fields{Kind: in.Kind}
	var from []call.Status
	switch in.To {
	case call.StatusActive:
		if cs.InitiatorID == userID {
			return call.Session{}, fmt.Errorf("caller cannot answer: %w", convosync_errors.ErrForbidden)
		}
		from = []call.Status{call.StatusRinging}
		fields.StartedAt = &now
	case call.StatusDeclined:
		if cs.InitiatorID == userID {
			return call.Session{}, fmt.Errorf("caller cannot decline: %w", convosync_errors.ErrForbidden)
		}
		from = []call.Status{call.StatusRinging}
		fields.EndedAt = &now
	case call.StatusMissed:
		from = []call.Status{call.StatusRinging}
		fields.EndedAt = &now
	case call.StatusEnded:
		from = []call.Status{call.StatusRinging, call.StatusActive}
		fields.EndedAt = &now
		if cs.StartedAt != nil {
			d := int(now.Sub(*cs.StartedAt).Seconds())
			fields.DurationSeconds = &d
		}
	default:
		return call.Session{}, convosync_errors.ErrInvalidInput
	}

	out, err := s.store.TransitionCall(ctx, cs.ID, from, in.To, fields)
	if err != nil {
		return call.Session{}, err
	}
	if in.To.Terminal() {
		if err := s.store.LeaveCall(ctx, cs.ID, userID, now); err != nil {
			s.log.Logger.Debug("leave on terminal transition", zap.String("call_id", cs.ID), zap.Error(err))
		}
	}
	return out, nil
}

func (s *CallService) Join(ctx context.Context, userID, callID string) (call.Participant, error) {
	cs, err := s.member(ctx, userID, callID)
	if err != nil {
		return call.Participant{}, err
	}
	if !cs.Status.Live() {
		return call.Participant{}, convosync_errors.ErrNoActiveCall
	}
	return s.store.JoinCall(ctx, call.Participant{CallID: cs.ID, UserID: userID})
}

func (s *CallService) Leave(ctx context.Context, userID, callID string) error {
	cs, err := s.member(ctx, userID, callID)
	if err != nil {
		return err
	}
	return s.store.LeaveCall(ctx, cs.ID, userID, s.clock.Now())
}

func (s *CallService) SetMedia(ctx context.Context, userID, callID string, muted, cameraOff bool) (call.Participant, error) {
	cs, err := s.member(ctx, userID, callID)
	if err != nil {
		return call.Participant{}, err
	}
	return s.store.UpdateCallParticipant(ctx, cs.ID, userID, muted, cameraOff)
}

// RelayToken returns relay credentials for a live call the user belongs to.
func (s *CallService) RelayToken(ctx context.Context, userID, callID string, role relay.Role) (relay.Credentials, error) {
	if s.tokens == nil {
		return relay.Credentials{}, convosync_errors.ErrTokenUnavailable
	}
	cs, err := s.member(ctx, userID, callID)
	if err != nil {
		return relay.Credentials{}, err
	}
	if !cs.Status.Live() {
		return relay.Credentials{}, convosync_errors.ErrNoActiveCall
	}
	if role == "" {
		role = relay.RolePublisher
	}
	return s.tokens.Token(ctx, cs.Channel, userID, role)
}

func (s *CallService) member(ctx context.Context, userID, callID string) (call.Session, error) {
	cs, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return call.Session{}, err
	}
	if err := s.access.CanViewConversation(ctx, userID, cs.ConversationID); err != nil {
		return call.Session{}, err
	}
	return cs, nil
}
