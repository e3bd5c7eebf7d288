package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"convosync/internal/domain/call"
	"convosync/internal/domain/conversation"
	"convosync/internal/domain/message"
	"convosync/internal/domain/user"
	"convosync/internal/events"
	convosync_errors "convosync/pkg/errors"
	"convosync/pkg/logger"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ChangePublisher receives every committed row change. *feed.Feed implements it.
type ChangePublisher interface {
	Publish(ctx context.Context, c events.Change) error
}

// MemoryStore is an in-process Store. Changes are published in commit order
// while the store lock is held.
type MemoryStore struct {
	mu    sync.Mutex
	clock clockwork.Clock
	newID func() string
	pub   ChangePublisher
	log   *logger.Logger

	conversations map[string]conversation.Conversation
	participants  map[string][]conversation.Participant
	messages      map[string]message.Message
	byConv        map[string][]string
	reactions     map[string][]message.Reaction
	reads         map[string]map[string]message.ReadMarker
	calls         map[string]call.Session
	callMembers   map[string][]call.Participant
	profiles      map[string]user.Profile
}

var _ Store = (*MemoryStore)(nil)

type MemoryOption func(*MemoryStore)

func WithClock(c clockwork.Clock) MemoryOption {
	return func(s *MemoryStore) { s.clock = c }
}

// WithIDs overrides id generation.
func WithIDs(fn func() string) MemoryOption {
	return func(s *MemoryStore) { s.newID = fn }
}

func WithMemoryLogger(l *logger.Logger) MemoryOption {
	return func(s *MemoryStore) { s.log = l }
}

func NewMemoryStore(pub ChangePublisher, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		clock:         clockwork.NewRealClock(),
		newID:         uuid.NewString,
		pub:           pub,
		conversations: make(map[string]conversation.Conversation),
		participants:  make(map[string][]conversation.Participant),
		messages:      make(map[string]message.Message),
		byConv:        make(map[string][]string),
		reactions:     make(map[string][]message.Reaction),
		reads:         make(map[string]map[string]message.ReadMarker),
		calls:         make(map[string]call.Session),
		callMembers:   make(map[string][]call.Participant),
		profiles:      make(map[string]user.Profile),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrGlobal(s.log).Named("memory_store")
	return s
}

// emit publishes a change; the caller holds s.mu. A failed publish only loses
// liveness, subscribers catch up on their next reconciliation.
func (s *MemoryStore) emit(ctx context.Context, table events.Table, op events.Op, conversationID, rowID string, newRow, oldRow any) {
	if s.pub == nil {
		return
	}
	c, err := events.NewChange(table, op, conversationID, rowID, newRow, oldRow, s.clock.Now())
	if err != nil {
		s.log.Logger.Error("build change", zap.String("table", string(table)), zap.Error(err))
		return
	}
	if err := s.pub.Publish(context.WithoutCancel(ctx), c); err != nil {
		s.log.Logger.Warn("publish change", zap.String("table", string(table)), zap.String("row_id", rowID), zap.Error(err))
	}
}

// --- conversations ---

func (s *MemoryStore) CreateConversation(ctx context.Context, c conversation.Conversation, participants []conversation.Participant) (conversation.Conversation, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if c.ID == "" {
		c.ID = s.newID()
	}
	if _, ok := s.conversations[c.ID]; ok {
		return conversation.Conversation{}, convosync_errors.ErrAlreadyExists
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastActivityAt.IsZero() {
		c.LastActivityAt = c.CreatedAt
	}
	s.conversations[c.ID] = c
	s.emit(ctx, events.TableConversations, events.OpInsert, c.ID, c.ID, c, nil)

	for _, p := range participants {
		p.ConversationID = c.ID
		if p.Role == "" {
			p.Role = conversation.RoleMember
		}
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now
		}
		p.LeftAt = nil
		s.participants[c.ID] = append(s.participants[c.ID], p)
		s.emit(ctx, events.TableParticipants, events.OpInsert, c.ID, p.UserID, p, nil)
	}
	return c, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return conversation.Conversation{}, convosync_errors.ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListUserConversations(_ context.Context, userID string) ([]conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []conversation.Conversation
	for id, ps := range s.participants {
		for _, p := range ps {
			if p.UserID == userID && p.Active() {
				out = append(out, s.conversations[id])
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) AddParticipant(ctx context.Context, p conversation.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[p.ConversationID]
	if !ok {
		return convosync_errors.ErrNotFound
	}
	list := s.participants[p.ConversationID]
	for i, existing := range list {
		if existing.UserID != p.UserID {
			continue
		}
		if existing.Active() {
			return nil
		}
		old := existing
		existing.LeftAt = nil
		existing.JoinedAt = s.clock.Now()
		list[i] = existing
		s.emit(ctx, events.TableParticipants, events.OpUpdate, c.ID, p.UserID, existing, old)
		return nil
	}
	if c.Kind == conversation.KindDirect && len(list) >= conversation.MaxDirectParticipants {
		return fmt.Errorf("direct conversation is full: %w", convosync_errors.ErrConflict)
	}
	if p.Role == "" {
		p.Role = conversation.RoleMember
	}
	p.JoinedAt = s.clock.Now()
	p.LeftAt = nil
	s.participants[p.ConversationID] = append(list, p)
	s.emit(ctx, events.TableParticipants, events.OpInsert, c.ID, p.UserID, p, nil)
	return nil
}

func (s *MemoryStore) LeaveConversation(ctx context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.participants[conversationID]
	for i, p := range list {
		if p.UserID != userID {
			continue
		}
		if !p.Active() {
			return nil
		}
		old := p
		now := s.clock.Now()
		p.LeftAt = &now
		list[i] = p
		s.emit(ctx, events.TableParticipants, events.OpUpdate, conversationID, userID, p, old)
		return nil
	}
	return convosync_errors.ErrNotFound
}

func (s *MemoryStore) ListParticipants(_ context.Context, conversationID string) ([]conversation.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, convosync_errors.ErrNotFound
	}
	return append([]conversation.Participant(nil), s.participants[conversationID]...), nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, conversationID, userID string) (conversation.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participantLocked(conversationID, userID)
	if !ok {
		return conversation.Participant{}, convosync_errors.ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) participantLocked(conversationID, userID string) (conversation.Participant, bool) {
	for _, p := range s.participants[conversationID] {
		if p.UserID == userID {
			return p, true
		}
	}
	return conversation.Participant{}, false
}

func (s *MemoryStore) requireActiveLocked(conversationID, userID string) (conversation.Participant, error) {
	if _, ok := s.conversations[conversationID]; !ok {
		return conversation.Participant{}, convosync_errors.ErrNotFound
	}
	p, ok := s.participantLocked(conversationID, userID)
	if !ok || !p.Active() {
		return conversation.Participant{}, fmt.Errorf("user %s is not in conversation %s: %w", userID, conversationID, convosync_errors.ErrForbidden)
	}
	return p, nil
}

// --- messages ---

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, page, pageSize int) ([]message.Message, error) {
	if page < 0 || pageSize <= 0 {
		return nil, convosync_errors.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byConv[conversationID]
	all := make([]message.Message, 0, len(ids))
	for _, id := range ids {
		all = append(all, s.messages[id].Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[j].Before(all[i]) })

	start := page * pageSize
	if start >= len(all) {
		return []message.Message{}, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return message.Message{}, convosync_errors.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) PinnedMessage(_ context.Context, conversationID string) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.pinnedLocked(conversationID)
	if !ok {
		return nil, nil
	}
	c := m.Clone()
	return &c, nil
}

func (s *MemoryStore) pinnedLocked(conversationID string) (message.Message, bool) {
	var found message.Message
	ok := false
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if !m.Pinned() {
			continue
		}
		if !ok || m.PinnedAt.After(*found.PinnedAt) {
			found, ok = m, true
		}
	}
	return found, ok
}

func (s *MemoryStore) InsertMessage(ctx context.Context, m message.Message) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.requireActiveLocked(m.ConversationID, m.SenderID); err != nil {
		return message.Message{}, err
	}
	if m.ID == "" {
		m.ID = s.newID()
	}
	if _, exists := s.messages[m.ID]; exists {
		return message.Message{}, convosync_errors.ErrAlreadyExists
	}
	if m.Type == "" {
		m.Type = message.TypeText
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock.Now()
	}
	m = m.Clone()
	s.messages[m.ID] = m
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	s.emit(ctx, events.TableMessages, events.OpInsert, m.ConversationID, m.ID, m, nil)

	c := s.conversations[m.ConversationID]
	old := c
	if m.CreatedAt.After(c.LastActivityAt) {
		c.LastActivityAt = m.CreatedAt
	}
	c.LastMessagePreview = m.Preview()
	s.conversations[c.ID] = c
	s.emit(ctx, events.TableConversations, events.OpUpdate, c.ID, c.ID, c, old)

	return m.Clone(), nil
}

func (s *MemoryStore) mutateOwnLocked(id, userID string) (message.Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return message.Message{}, convosync_errors.ErrNotFound
	}
	if m.SenderID != userID {
		return message.Message{}, fmt.Errorf("message %s belongs to another sender: %w", id, convosync_errors.ErrForbidden)
	}
	return m, nil
}

func (s *MemoryStore) EditMessage(ctx context.Context, id, editorID, content string) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.mutateOwnLocked(id, editorID)
	if err != nil {
		return message.Message{}, err
	}
	if m.Deleted {
		return message.Message{}, fmt.Errorf("message %s is deleted: %w", id, convosync_errors.ErrConflict)
	}
	old := m.Clone()
	m.ApplyEdit(content, s.clock.Now())
	s.messages[id] = m
	s.emit(ctx, events.TableMessages, events.OpUpdate, m.ConversationID, m.ID, m, old)
	return m.Clone(), nil
}

func (s *MemoryStore) SoftDeleteMessage(ctx context.Context, id, userID string) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.mutateOwnLocked(id, userID)
	if err != nil {
		return message.Message{}, err
	}
	if m.Deleted {
		return m.Clone(), nil
	}
	old := m.Clone()
	m.ApplySoftDelete(s.clock.Now())
	s.messages[id] = m
	s.emit(ctx, events.TableMessages, events.OpUpdate, m.ConversationID, m.ID, m, old)
	return m.Clone(), nil
}

// SetPinned pins or unpins a message. Pinning replaces any earlier pin in the
// conversation. In groups only owners and admins may pin.
func (s *MemoryStore) SetPinned(ctx context.Context, id, userID string, pinned bool) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return message.Message{}, convosync_errors.ErrNotFound
	}
	p, err := s.requireActiveLocked(m.ConversationID, userID)
	if err != nil {
		return message.Message{}, err
	}
	if s.conversations[m.ConversationID].Kind == conversation.KindGroup && !p.Role.Moderator() {
		return message.Message{}, fmt.Errorf("pin requires a moderator: %w", convosync_errors.ErrForbidden)
	}
	if m.Pinned() == pinned {
		return m.Clone(), nil
	}

	now := s.clock.Now()
	if pinned {
		if prev, ok := s.pinnedLocked(m.ConversationID); ok {
			old := prev.Clone()
			prev.ApplyUnpin()
			s.messages[prev.ID] = prev
			s.emit(ctx, events.TableMessages, events.OpUpdate, prev.ConversationID, prev.ID, prev, old)
		}
	}
	old := m.Clone()
	if pinned {
		m.ApplyPin(userID, now)
	} else {
		m.ApplyUnpin()
	}
	s.messages[id] = m
	s.emit(ctx, events.TableMessages, events.OpUpdate, m.ConversationID, m.ID, m, old)
	return m.Clone(), nil
}

func (s *MemoryStore) HardDeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return convosync_errors.ErrNotFound
	}
	delete(s.messages, id)
	delete(s.reactions, id)
	delete(s.reads, id)
	ids := s.byConv[m.ConversationID]
	for i, mid := range ids {
		if mid == id {
			s.byConv[m.ConversationID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	s.emit(ctx, events.TableMessages, events.OpDelete, m.ConversationID, m.ID, nil, m)
	return nil
}

// --- reactions ---

func (s *MemoryStore) AddReaction(ctx context.Context, r message.Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[r.MessageID]
	if !ok {
		return convosync_errors.ErrNotFound
	}
	if _, err := s.requireActiveLocked(m.ConversationID, r.UserID); err != nil {
		return err
	}
	for _, existing := range s.reactions[r.MessageID] {
		if existing.UserID == r.UserID && existing.Emoji == r.Emoji {
			return nil
		}
	}
	r.ConversationID = m.ConversationID
	r.CreatedAt = s.clock.Now()
	s.reactions[r.MessageID] = append(s.reactions[r.MessageID], r)
	s.emit(ctx, events.TableReactions, events.OpInsert, r.ConversationID, events.ReactionRowID(r.MessageID, r.UserID, r.Emoji), r, nil)
	return nil
}

func (s *MemoryStore) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[messageID]; !ok {
		return convosync_errors.ErrNotFound
	}
	list := s.reactions[messageID]
	for i, r := range list {
		if r.UserID == userID && r.Emoji == emoji {
			s.reactions[messageID] = append(list[:i:i], list[i+1:]...)
			s.emit(ctx, events.TableReactions, events.OpDelete, r.ConversationID, events.ReactionRowID(messageID, userID, emoji), nil, r)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) ListReactions(_ context.Context, messageIDs []string) ([]message.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.Reaction
	for _, id := range messageIDs {
		out = append(out, s.reactions[id]...)
	}
	return out, nil
}

// --- read markers ---

func (s *MemoryStore) MarkRead(ctx context.Context, userID string, messageIDs []string) ([]message.ReadMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok {
			return nil, fmt.Errorf("message %s: %w", id, convosync_errors.ErrNotFound)
		}
		if _, err := s.requireActiveLocked(m.ConversationID, userID); err != nil {
			return nil, err
		}
	}

	var created []message.ReadMarker
	now := s.clock.Now()
	for _, id := range messageIDs {
		byUser := s.reads[id]
		if byUser == nil {
			byUser = make(map[string]message.ReadMarker)
			s.reads[id] = byUser
		}
		if _, ok := byUser[userID]; ok {
			continue
		}
		rm := message.ReadMarker{MessageID: id, ConversationID: s.messages[id].ConversationID, UserID: userID, ReadAt: now}
		byUser[userID] = rm
		created = append(created, rm)
		s.emit(ctx, events.TableReadMarkers, events.OpInsert, rm.ConversationID, events.ReadMarkerRowID(id, userID), rm, nil)
	}
	return created, nil
}

func (s *MemoryStore) ListReadMarkers(_ context.Context, messageIDs []string) ([]message.ReadMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.ReadMarker
	for _, id := range messageIDs {
		for _, rm := range s.reads[id] {
			out = append(out, rm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageID != out[j].MessageID {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// --- calls ---

func (s *MemoryStore) CreateCall(ctx context.Context, cs call.Session) (call.Session, error) {
	if !cs.Kind.Valid() {
		return call.Session{}, fmt.Errorf("call kind %q: %w", cs.Kind, convosync_errors.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.requireActiveLocked(cs.ConversationID, cs.InitiatorID); err != nil {
		return call.Session{}, err
	}
	if cs.ID == "" {
		cs.ID = s.newID()
	}
	if _, exists := s.calls[cs.ID]; exists {
		return call.Session{}, convosync_errors.ErrAlreadyExists
	}
	if cs.Channel == "" {
		cs.Channel = call.ChannelName(cs.ID)
	}
	if cs.Status == "" {
		cs.Status = call.StatusRinging
	}
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = s.clock.Now()
	}
	s.calls[cs.ID] = cs
	s.emit(ctx, events.TableCallSessions, events.OpInsert, cs.ConversationID, cs.ID, cs, nil)
	return cs, nil
}

func (s *MemoryStore) GetCall(_ context.Context, id string) (call.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.calls[id]
	if !ok {
		return call.Session{}, convosync_errors.ErrNotFound
	}
	return cs, nil
}

func (s *MemoryStore) LiveCalls(_ context.Context, conversationID string) ([]call.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []call.Session
	for _, cs := range s.calls {
		if cs.ConversationID == conversationID && cs.Status.Live() {
			out = append(out, cs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Precedes(out[j]) })
	return out, nil
}

func (s *MemoryStore) TransitionCall(ctx context.Context, id string, from []call.Status, to call.Status, fields call.Fields) (call.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.calls[id]
	if !ok {
		return call.Session{}, convosync_errors.ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if cs.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return cs, fmt.Errorf("call %s is %s, cannot become %s: %w", id, cs.Status, to, convosync_errors.ErrInvalidTransition)
	}
	old := cs
	fields.Apply(&cs)
	cs.Status = to
	s.calls[id] = cs
	s.emit(ctx, events.TableCallSessions, events.OpUpdate, cs.ConversationID, cs.ID, cs, old)
	return cs, nil
}

func (s *MemoryStore) JoinCall(ctx context.Context, p call.Participant) (call.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.calls[p.CallID]
	if !ok {
		return call.Participant{}, convosync_errors.ErrNotFound
	}
	if _, err := s.requireActiveLocked(cs.ConversationID, p.UserID); err != nil {
		return call.Participant{}, err
	}
	p.ConversationID = cs.ConversationID
	p.JoinedAt = s.clock.Now()
	p.LeftAt = nil
	rowID := events.CallParticipantRowID(p.CallID, p.UserID)

	list := s.callMembers[p.CallID]
	for i, existing := range list {
		if existing.UserID == p.UserID {
			list[i] = p
			s.emit(ctx, events.TableCallParticipants, events.OpUpdate, p.ConversationID, rowID, p, existing)
			return p, nil
		}
	}
	s.callMembers[p.CallID] = append(list, p)
	s.emit(ctx, events.TableCallParticipants, events.OpInsert, p.ConversationID, rowID, p, nil)
	return p, nil
}

func (s *MemoryStore) UpdateCallParticipant(ctx context.Context, callID, userID string, muted, cameraOff bool) (call.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.callMembers[callID]
	for i, p := range list {
		if p.UserID != userID {
			continue
		}
		old := p
		p.Muted = muted
		p.CameraOff = cameraOff
		list[i] = p
		s.emit(ctx, events.TableCallParticipants, events.OpUpdate, p.ConversationID, events.CallParticipantRowID(callID, userID), p, old)
		return p, nil
	}
	return call.Participant{}, convosync_errors.ErrNotFound
}

func (s *MemoryStore) LeaveCall(ctx context.Context, callID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.callMembers[callID]
	for i, p := range list {
		if p.UserID != userID {
			continue
		}
		if !p.Present() {
			return nil
		}
		old := p
		p.LeftAt = &at
		list[i] = p
		s.emit(ctx, events.TableCallParticipants, events.OpUpdate, p.ConversationID, events.CallParticipantRowID(callID, userID), p, old)
		return nil
	}
	return convosync_errors.ErrNotFound
}

func (s *MemoryStore) ListCallParticipants(_ context.Context, callID string) ([]call.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call.Participant(nil), s.callMembers[callID]...), nil
}

// --- profiles ---

func (s *MemoryStore) GetProfiles(_ context.Context, userIDs []string) ([]user.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []user.Profile
	for _, id := range userIDs {
		if p, ok := s.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertProfile(_ context.Context, p user.Profile) error {
	if p.UserID == "" {
		return convosync_errors.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
	return nil
}
