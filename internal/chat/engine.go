// Package chat keeps a conversation's message history consistent between the
// durable store, the change feed and local optimistic mutations.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"convosync/internal/domain/message"
	"convosync/internal/domain/user"
	"convosync/internal/events"
	"convosync/internal/notify"
	"convosync/internal/repository"
	convosync_errors "convosync/pkg/errors"
	"convosync/pkg/logger"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Store is the slice of the durable store the engine and tracker write to.
type Store interface {
	repository.MessageRepository
	repository.ReactionRepository
	repository.ReadMarkerRepository
}

// Profiles resolves sender profiles. profile.Directory implements it.
type Profiles interface {
	Lookup(ctx context.Context, userIDs []string) (map[string]user.Profile, error)
}

// Recorder observes engine outcomes.
type Recorder interface {
	Rollback(op string)
	Reconciled()
}

type nopRecorder struct{}

func (nopRecorder) Rollback(string) {}
func (nopRecorder) Reconciled()     {}

// journalOp is a cache mutation recorded while optimistic writes are in
// flight, so a rollback can restore its snapshot and replay everything that
// happened since except its own patch.
type journalOp struct {
	owner uint64
	apply func(*Cache)
}

type mutation struct {
	snapshot *Cache
	start    int
}

// Engine is the message sync engine for one conversation.
type Engine struct {
	conversationID string
	self           user.Profile
	store          Store
	profiles       Profiles
	clock          clockwork.Clock
	newLocalID     func() string
	log            *logger.Logger
	rec            Recorder
	changes        *notify.Broadcaster[struct{}]
	tracker        *Tracker

	loadMu sync.Mutex

	mu       sync.Mutex
	cache    *Cache
	nextPage int
	hasMore  bool
	journal  []journalOp
	inflight map[uint64]*mutation
	lastID   uint64
}

type Option func(*Engine)

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLocalIDs overrides how pending sends are tagged locally.
func WithLocalIDs(fn func() string) Option {
	return func(e *Engine) { e.newLocalID = fn }
}

func WithProfiles(p Profiles) Option {
	return func(e *Engine) { e.profiles = p }
}

func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.rec = r
		}
	}
}

func NewEngine(conversationID string, self user.Profile, store Store, opts ...Option) *Engine {
	e := &Engine{
		conversationID: conversationID,
		self:           self,
		store:          store,
		clock:          clockwork.NewRealClock(),
		newLocalID:     uuid.NewString,
		rec:            nopRecorder{},
		changes:        notify.New[struct{}](),
		cache:          NewCache(),
		inflight:       make(map[uint64]*mutation),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logger.OrGlobal(e.log).Named("chat").With(zap.String("conversation_id", conversationID))
	e.tracker = NewTracker(e)
	return e
}

// Tracker returns the reaction and read-marker tracker sharing this cache.
func (e *Engine) Tracker() *Tracker {
	return e.tracker
}

func (e *Engine) ConversationID() string {
	return e.conversationID
}

// --- read model ---

// Messages returns the cached history oldest first.
func (e *Engine) Messages() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Ascending()
}

func (e *Engine) Pinned() *message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Pinned()
}

func (e *Engine) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore
}

// Entry returns the cached entry for ref.
func (e *Engine) Entry(ref message.Ref) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Get(ref)
}

// Snapshot returns a deep copy of the cache.
func (e *Engine) Snapshot() *Cache {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Clone()
}

// Watch signals every cache change. Signals coalesce.
func (e *Engine) Watch() (<-chan struct{}, func()) {
	return e.changes.Watch(1)
}

// Close ends every watcher.
func (e *Engine) Close() {
	e.changes.Close()
}

// --- optimistic bookkeeping; callers hold e.mu ---

func (e *Engine) applyLocked(owner uint64, fn func(*Cache)) {
	fn(e.cache)
	if len(e.inflight) > 0 {
		e.journal = append(e.journal, journalOp{owner: owner, apply: fn})
	}
	e.changes.Publish(struct{}{})
}

func (e *Engine) beginLocked() uint64 {
	if len(e.inflight) == 0 {
		e.journal = nil
	}
	e.lastID++
	e.inflight[e.lastID] = &mutation{snapshot: e.cache.Clone(), start: len(e.journal)}
	return e.lastID
}

func (e *Engine) finishLocked(id uint64) {
	delete(e.inflight, id)
	if len(e.inflight) == 0 {
		e.journal = nil
	}
}

// rollbackLocked restores the cache to what it would be had mutation id
// never been applied. With nothing else in flight that is its snapshot,
// unchanged.
func (e *Engine) rollbackLocked(id uint64, op string) {
	m, ok := e.inflight[id]
	if !ok {
		return
	}
	restored := m.snapshot.Clone()
	for _, j := range e.journal[m.start:] {
		if j.owner != id {
			j.apply(restored)
		}
	}
	e.cache = restored
	e.finishLocked(id)
	e.rec.Rollback(op)
	e.changes.Publish(struct{}{})
}

// --- history ---

// Load fetches the newest page and the pinned message, replacing the cache.
func (e *Engine) Load(ctx context.Context) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	entries, err := e.fetchPage(ctx, 0)
	if err != nil {
		return err
	}
	pinned, err := e.store.PinnedMessage(ctx, e.conversationID)
	if err != nil {
		return fmt.Errorf("load pinned message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	full := len(entries) == repository.PageSize
	e.applyLocked(0, func(c *Cache) {
		c.ReplacePages(entries)
		c.SetPinned(pinned)
	})
	e.hasMore = full
	e.nextPage = 1
	return nil
}

// LoadMore fetches the next older page. It is a no-op once history is
// exhausted.
func (e *Engine) LoadMore(ctx context.Context) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	e.mu.Lock()
	page, more := e.nextPage, e.hasMore
	e.mu.Unlock()
	if !more {
		return nil
	}

	entries, err := e.fetchPage(ctx, page)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyLocked(0, func(c *Cache) { c.AppendPage(entries) })
	e.hasMore = len(entries) == repository.PageSize
	if e.hasMore {
		e.nextPage = page + 1
	}
	return nil
}

// Reconcile re-pulls the newest page and merges it. It runs after every
// resubscribe since the feed may have missed changes.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	entries, err := e.fetchPage(ctx, 0)
	if err != nil {
		return err
	}
	pinned, err := e.store.PinnedMessage(ctx, e.conversationID)
	if err != nil {
		return fmt.Errorf("load pinned message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	full := len(entries) == repository.PageSize
	e.applyLocked(0, func(c *Cache) { mergeLatest(c, entries, full, pinned) })
	if c := e.cache; c.PageCount() == 1 {
		e.hasMore = full
	}
	e.rec.Reconciled()
	return nil
}

// Resync is Reconcile with errors logged instead of returned.
func (e *Engine) Resync(ctx context.Context) {
	if err := e.Reconcile(ctx); err != nil {
		e.log.Logger.Warn("resync", zap.Error(err))
	}
}

// mergeLatest folds a freshly fetched newest page into c. Confirmed entries
// inside the fetched window that the store did not return were hard deleted
// while we were not listening.
func mergeLatest(c *Cache, latest []Entry, full bool, pinned *message.Message) {
	fetched := make(map[string]struct{}, len(latest))
	for _, e := range latest {
		id, _ := message.DurableID(e.Ref)
		fetched[id] = struct{}{}
		if !c.UpsertConfirmed(e) {
			c.PatchMessage(id, func(cur *Entry) {
				cur.Reactions = e.Clone().Reactions
				cur.Reads = e.Clone().Reads
			})
		}
	}

	c.SetPinned(pinned)
	if len(latest) == 0 {
		return
	}
	newest, oldest := latest[0].Message, latest[len(latest)-1].Message
	var gone []string
	for _, page := range c.pages {
		for _, cur := range page {
			id, ok := message.DurableID(cur.Ref)
			if !ok {
				continue
			}
			if _, seen := fetched[id]; seen {
				continue
			}
			if cur.Message.Before(newest) && (!full || oldest.Before(cur.Message)) {
				gone = append(gone, id)
			}
		}
	}
	for _, id := range gone {
		c.RemoveRef(message.Confirmed{ID: id})
	}
}

func (e *Engine) fetchPage(ctx context.Context, page int) ([]Entry, error) {
	rows, err := e.store.ListMessages(ctx, e.conversationID, page, repository.PageSize)
	if err != nil {
		return nil, fmt.Errorf("list messages page %d: %w", page, err)
	}
	if len(rows) == 0 {
		return []Entry{}, nil
	}

	ids := lo.Map(rows, func(m message.Message, _ int) string { return m.ID })
	reactions, err := e.store.ListReactions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	reads, err := e.store.ListReadMarkers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list read markers: %w", err)
	}
	senders := e.lookup(ctx, lo.Uniq(lo.Map(rows, func(m message.Message, _ int) string { return m.SenderID })))

	byMsgReactions := lo.GroupBy(reactions, func(r message.Reaction) string { return r.MessageID })
	byMsgReads := lo.GroupBy(reads, func(r message.ReadMarker) string { return r.MessageID })

	out := make([]Entry, len(rows))
	for i, m := range rows {
		out[i] = Entry{
			Ref:       message.Confirmed{ID: m.ID},
			Message:   m,
			Sender:    senders[m.SenderID],
			Reactions: byMsgReactions[m.ID],
			Reads:     byMsgReads[m.ID],
		}
	}
	return out, nil
}

// lookup resolves profiles best effort. Unknown users get a bare profile.
func (e *Engine) lookup(ctx context.Context, userIDs []string) map[string]user.Profile {
	out := make(map[string]user.Profile, len(userIDs))
	if e.profiles != nil && len(userIDs) > 0 {
		found, err := e.profiles.Lookup(ctx, userIDs)
		if err != nil {
			e.log.Logger.Debug("profile lookup", zap.Error(err))
		}
		for id, p := range found {
			out[id] = p
		}
	}
	for _, id := range userIDs {
		if _, ok := out[id]; !ok {
			if id == e.self.UserID {
				out[id] = e.self
			} else {
				out[id] = user.Profile{UserID: id}
			}
		}
	}
	return out
}

// --- optimistic writes ---

// Send inserts a pending entry at the head of the newest page, then writes.
// On failure the cache is rolled back and the store error returned.
func (e *Engine) Send(ctx context.Context, d message.Draft) (message.Message, error) {
	if err := d.Validate(); err != nil {
		return message.Message{}, err
	}
	localID := e.newLocalID()
	pending := Entry{
		Ref:     message.Pending{LocalID: localID},
		Message: d.Build("", e.conversationID, e.self.UserID, e.clock.Now()),
		Sender:  e.self,
	}

	e.mu.Lock()
	id := e.beginLocked()
	e.applyLocked(id, func(c *Cache) { c.InsertNewest(pending) })
	e.mu.Unlock()

	// The durable store stamps created_at.
	stored, err := e.store.InsertMessage(ctx, d.Build("", e.conversationID, e.self.UserID, time.Time{}))

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.rollbackLocked(id, "send")
		return message.Message{}, err
	}
	confirmed := Entry{Ref: message.Confirmed{ID: stored.ID}, Message: stored, Sender: e.self}
	e.applyLocked(id, func(c *Cache) { c.Supersede(localID, confirmed) })
	e.finishLocked(id)
	return stored.Clone(), nil
}

// Edit replaces the content of one of our own messages.
func (e *Engine) Edit(ctx context.Context, id, content string) (message.Message, error) {
	now := e.clock.Now()
	return e.mutateMessage(ctx, "edit", id, ownMessage(e.self.UserID, true),
		func(m *message.Message) { m.ApplyEdit(content, now) },
		func(ctx context.Context) (message.Message, error) {
			return e.store.EditMessage(ctx, id, e.self.UserID, content)
		})
}

// SoftDelete clears one of our own messages.
func (e *Engine) SoftDelete(ctx context.Context, id string) (message.Message, error) {
	now := e.clock.Now()
	return e.mutateMessage(ctx, "delete", id, ownMessage(e.self.UserID, false),
		func(m *message.Message) {
			if !m.Deleted {
				m.ApplySoftDelete(now)
			}
		},
		func(ctx context.Context) (message.Message, error) {
			return e.store.SoftDeleteMessage(ctx, id, e.self.UserID)
		})
}

func (e *Engine) Pin(ctx context.Context, id string) (message.Message, error) {
	return e.setPinned(ctx, id, true)
}

func (e *Engine) Unpin(ctx context.Context, id string) (message.Message, error) {
	return e.setPinned(ctx, id, false)
}

func (e *Engine) setPinned(ctx context.Context, id string, pinned bool) (message.Message, error) {
	now := e.clock.Now()
	op := "unpin"
	if pinned {
		op = "pin"
	}
	return e.mutateMessage(ctx, op, id, nil,
		func(m *message.Message) {
			if pinned {
				m.ApplyPin(e.self.UserID, now)
			} else {
				m.ApplyUnpin()
			}
		},
		func(ctx context.Context) (message.Message, error) {
			return e.store.SetPinned(ctx, id, e.self.UserID, pinned)
		})
}

func ownMessage(self string, rejectDeleted bool) func(Entry) error {
	return func(cur Entry) error {
		if cur.Message.SenderID != self {
			return fmt.Errorf("message %s was sent by someone else: %w", cur.Message.ID, convosync_errors.ErrForbidden)
		}
		if rejectDeleted && cur.Message.Deleted {
			return fmt.Errorf("message %s is deleted: %w", cur.Message.ID, convosync_errors.ErrConflict)
		}
		return nil
	}
}

// mutateMessage patches a confirmed entry in place, writes, and merges the
// stored row or rolls back.
func (e *Engine) mutateMessage(ctx context.Context, op, id string, check func(Entry) error, patch func(*message.Message), write func(context.Context) (message.Message, error)) (message.Message, error) {
	e.mu.Lock()
	cur, ok := e.cache.Get(message.Confirmed{ID: id})
	if !ok {
		_, pending := e.cache.Get(message.Pending{LocalID: id})
		e.mu.Unlock()
		if pending {
			return message.Message{}, fmt.Errorf("message %s is not confirmed yet: %w", id, convosync_errors.ErrConflict)
		}
		return message.Message{}, fmt.Errorf("message %s: %w", id, convosync_errors.ErrNotFound)
	}
	if check != nil {
		if err := check(cur); err != nil {
			e.mu.Unlock()
			return message.Message{}, err
		}
	}
	patched := cur.Message.Clone()
	patch(&patched)
	mid := e.beginLocked()
	e.applyLocked(mid, func(c *Cache) { applyRow(c, patched) })
	e.mu.Unlock()

	stored, err := write(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.rollbackLocked(mid, op)
		return message.Message{}, err
	}
	e.applyLocked(mid, func(c *Cache) { applyRow(c, stored) })
	e.finishLocked(mid)
	return stored.Clone(), nil
}

// applyRow merges a message row into the cache and the pinned read model.
// Pinning a row unpins whichever other message held the pin.
func applyRow(c *Cache, row message.Message) {
	if row.Pinned() && c.pinned != nil && c.pinned.ID != row.ID {
		prev := c.pinned.ID
		c.PatchMessage(prev, func(cur *Entry) { cur.Message.ApplyUnpin() })
	}
	c.PatchMessage(row.ID, func(cur *Entry) { cur.Message = row.Clone() })
	c.trackPin(row)
}

// --- feed ---

// HandleChange reconciles a message row change. Errors are logged only.
func (e *Engine) HandleChange(ctx context.Context, ch events.Change) {
	if ch.Table != events.TableMessages || ch.ConversationID != e.conversationID {
		return
	}
	switch ch.Op {
	case events.OpInsert:
		var m message.Message
		if err := ch.Decode(&m); err != nil {
			e.log.Logger.Warn("decode message insert", zap.Error(err))
			return
		}
		sender := e.lookup(ctx, []string{m.SenderID})[m.SenderID]
		entry := Entry{Ref: message.Confirmed{ID: m.ID}, Message: m, Sender: sender}

		e.mu.Lock()
		defer e.mu.Unlock()
		e.applyLocked(0, func(c *Cache) { c.UpsertConfirmed(entry) })

	case events.OpUpdate:
		var m message.Message
		if err := ch.Decode(&m); err != nil {
			e.log.Logger.Warn("decode message update", zap.Error(err))
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		e.applyLocked(0, func(c *Cache) {
			c.PatchMessage(m.ID, func(cur *Entry) { cur.Message = m.Clone() })
			c.trackPin(m)
		})

	case events.OpDelete:
		e.mu.Lock()
		defer e.mu.Unlock()
		e.applyLocked(0, func(c *Cache) { c.RemoveMessage(ch.RowID) })

	default:
		e.log.Logger.Debug("ignoring change", zap.String("op", string(ch.Op)))
	}
}

// IsTransient reports whether err leaves the cache safe to retry from.
func IsTransient(err error) bool {
	return err != nil && convosync_errors.IsRetryable(err) && !errors.Is(err, convosync_errors.ErrConflict)
}
