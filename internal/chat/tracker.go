package chat

import (
	"context"
	"fmt"
	"sync"

	"convosync/internal/domain/message"
	"convosync/internal/events"
	convosync_errors "convosync/pkg/errors"

	"go.uber.org/zap"
)

// Tracker toggles reactions and batches read markers, patching the engine's
// cache.
type Tracker struct {
	engine *Engine

	mu      sync.Mutex
	reading map[string]struct{}
}

func NewTracker(engine *Engine) *Tracker {
	return &Tracker{engine: engine, reading: make(map[string]struct{})}
}

// ToggleReaction removes our reaction with this emoji if we hold it and adds
// it otherwise. It reports whether the reaction is now present.
func (t *Tracker) ToggleReaction(ctx context.Context, messageID, emoji string) (bool, error) {
	if emoji == "" {
		return false, convosync_errors.ErrInvalidInput
	}
	e := t.engine
	self := e.self.UserID

	e.mu.Lock()
	cur, ok := e.cache.Get(message.Confirmed{ID: messageID})
	if !ok {
		_, pending := e.cache.Get(message.Pending{LocalID: messageID})
		e.mu.Unlock()
		if pending {
			return false, fmt.Errorf("message %s is not confirmed yet: %w", messageID, convosync_errors.ErrConflict)
		}
		return false, fmt.Errorf("message %s: %w", messageID, convosync_errors.ErrNotFound)
	}
	remove := cur.hasReaction(self, emoji)
	r := message.Reaction{
		MessageID:      messageID,
		ConversationID: e.conversationID,
		UserID:         self,
		Emoji:          emoji,
		CreatedAt:      e.clock.Now(),
	}
	id := e.beginLocked()
	e.applyLocked(id, func(c *Cache) {
		c.PatchMessage(messageID, func(cur *Entry) {
			if remove {
				cur.removeReaction(self, emoji)
			} else {
				cur.addReaction(r)
			}
		})
	})
	e.mu.Unlock()

	var err error
	if remove {
		err = e.store.RemoveReaction(ctx, messageID, self, emoji)
	} else {
		err = e.store.AddReaction(ctx, r)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.rollbackLocked(id, "reaction")
		return remove, err
	}
	e.finishLocked(id)
	return !remove, nil
}

// Reactions returns the reaction groups of a cached message.
func (t *Tracker) Reactions(messageID string) []message.ReactionGroup {
	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.cache.Get(message.Confirmed{ID: messageID})
	if !ok {
		return nil
	}
	return cur.Groups(e.self.UserID)
}

// MarkRead writes read markers for the given messages in one batch. Our own
// messages, ones already read and ones already being written are skipped.
func (t *Tracker) MarkRead(ctx context.Context, messageIDs []string) error {
	e := t.engine
	self := e.self.UserID

	e.mu.Lock()
	var unread []string
	for _, id := range messageIDs {
		cur, ok := e.cache.Get(message.Confirmed{ID: id})
		if !ok || cur.Message.SenderID == self || cur.ReadBy(self) {
			continue
		}
		unread = append(unread, id)
	}
	e.mu.Unlock()

	batch := t.claim(unread)
	if len(batch) == 0 {
		return nil
	}
	created, err := e.store.MarkRead(ctx, self, batch)
	t.release(batch)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	byID := make(map[string]message.ReadMarker, len(created))
	for _, rm := range created {
		byID[rm.MessageID] = rm
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyLocked(0, func(c *Cache) {
		for _, id := range batch {
			rm, ok := byID[id]
			if !ok {
				// Already stored before this batch.
				rm = message.ReadMarker{MessageID: id, ConversationID: e.conversationID, UserID: self, ReadAt: now}
			}
			c.PatchMessage(id, func(cur *Entry) { cur.addRead(rm) })
		}
	})
	return nil
}

// MarkAllRead marks every cached message from others as read.
func (t *Tracker) MarkAllRead(ctx context.Context) error {
	t.engine.mu.Lock()
	ids := t.engine.cache.ConfirmedIDs()
	t.engine.mu.Unlock()
	return t.MarkRead(ctx, ids)
}

// claim moves ids that are not in flight into the in-flight set.
func (t *Tracker) claim(ids []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, id := range ids {
		if _, busy := t.reading[id]; busy {
			continue
		}
		t.reading[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (t *Tracker) release(ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.reading, id)
	}
}

// InFlight reports how many read markers are being written.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reading)
}

// HandleChange patches reaction and read-marker changes into the cache.
func (t *Tracker) HandleChange(_ context.Context, ch events.Change) {
	e := t.engine
	if ch.ConversationID != e.conversationID {
		return
	}
	switch ch.Table {
	case events.TableReactions:
		var r message.Reaction
		if err := ch.Decode(&r); err != nil {
			e.log.Logger.Warn("decode reaction change", zap.Error(err))
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		e.applyLocked(0, func(c *Cache) {
			c.PatchMessage(r.MessageID, func(cur *Entry) {
				if ch.Op == events.OpDelete {
					cur.removeReaction(r.UserID, r.Emoji)
				} else {
					cur.addReaction(r)
				}
			})
		})

	case events.TableReadMarkers:
		var rm message.ReadMarker
		if err := ch.Decode(&rm); err != nil {
			e.log.Logger.Warn("decode read marker change", zap.Error(err))
			return
		}
		if ch.Op == events.OpDelete {
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		e.applyLocked(0, func(c *Cache) {
			c.PatchMessage(rm.MessageID, func(cur *Entry) { cur.addRead(rm) })
		})
	}
}
