package chat

import (
	"convosync/internal/domain/message"
	"convosync/internal/domain/user"
)

// Entry is one cached message with the reactions and read markers patched
// into it.
type Entry struct {
	Ref       message.Ref
	Message   message.Message
	Sender    user.Profile
	Reactions []message.Reaction
	Reads     []message.ReadMarker
}

func (e Entry) Pending() bool {
	return message.IsPending(e.Ref)
}

// Groups derives the reaction groups from the flat reaction list.
func (e Entry) Groups(self string) []message.ReactionGroup {
	return message.GroupReactions(e.Reactions, self)
}

func (e Entry) ReadBy(userID string) bool {
	for _, r := range e.Reads {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

func (e Entry) hasReaction(userID, emoji string) bool {
	for _, r := range e.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

func (e *Entry) addReaction(r message.Reaction) {
	if e.hasReaction(r.UserID, r.Emoji) {
		return
	}
	e.Reactions = append(e.Reactions, r)
}

func (e *Entry) removeReaction(userID, emoji string) {
	for i, r := range e.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			e.Reactions = append(e.Reactions[:i:i], e.Reactions[i+1:]...)
			break
		}
	}
	if len(e.Reactions) == 0 {
		e.Reactions = nil
	}
}

func (e *Entry) addRead(rm message.ReadMarker) {
	if e.ReadBy(rm.UserID) {
		return
	}
	e.Reads = append(e.Reads, rm)
}

func (e Entry) Clone() Entry {
	c := e
	c.Message = e.Message.Clone()
	if e.Reactions != nil {
		c.Reactions = append([]message.Reaction(nil), e.Reactions...)
	}
	if e.Reads != nil {
		c.Reads = append([]message.ReadMarker(nil), e.Reads...)
	}
	return c
}

// after reports whether e sorts above o in a descending page.
func (e Entry) after(o Entry) bool {
	return o.Message.Before(e.Message)
}

func sameRef(a, b message.Ref) bool {
	switch av := a.(type) {
	case message.Confirmed:
		bv, ok := b.(message.Confirmed)
		return ok && av.ID == bv.ID
	case message.Pending:
		bv, ok := b.(message.Pending)
		return ok && av.LocalID == bv.LocalID
	}
	return false
}

// Cache holds history pages in request order, each page newest first, plus
// the conversation's pinned message. It is not safe for concurrent use; the
// engine guards it.
type Cache struct {
	pages  [][]Entry
	pinned *message.Message
}

func NewCache() *Cache {
	return &Cache{}
}

func (c *Cache) Clone() *Cache {
	out := &Cache{}
	if c.pages != nil {
		out.pages = make([][]Entry, len(c.pages))
		for i, page := range c.pages {
			if page == nil {
				continue
			}
			cp := make([]Entry, len(page))
			for j, e := range page {
				cp[j] = e.Clone()
			}
			out.pages[i] = cp
		}
	}
	if c.pinned != nil {
		p := c.pinned.Clone()
		out.pinned = &p
	}
	return out
}

func (c *Cache) PageCount() int {
	return len(c.pages)
}

func (c *Cache) Len() int {
	n := 0
	for _, page := range c.pages {
		n += len(page)
	}
	return n
}

// Ascending returns every entry oldest first: the reverse of the page
// concatenation.
func (c *Cache) Ascending() []Entry {
	out := make([]Entry, 0, c.Len())
	for i := len(c.pages) - 1; i >= 0; i-- {
		page := c.pages[i]
		for j := len(page) - 1; j >= 0; j-- {
			out = append(out, page[j].Clone())
		}
	}
	return out
}

func (c *Cache) find(ref message.Ref) (int, int, bool) {
	for i, page := range c.pages {
		for j, e := range page {
			if sameRef(e.Ref, ref) {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

func (c *Cache) Get(ref message.Ref) (Entry, bool) {
	i, j, ok := c.find(ref)
	if !ok {
		return Entry{}, false
	}
	return c.pages[i][j].Clone(), true
}

// Contains reports whether a confirmed entry with this id is cached.
func (c *Cache) Contains(id string) bool {
	_, _, ok := c.find(message.Confirmed{ID: id})
	return ok
}

// ReplacePages drops every page and installs first as page 0.
func (c *Cache) ReplacePages(first []Entry) {
	c.pages = [][]Entry{cloneEntries(first)}
}

// AppendPage adds an older page, skipping ids that are already cached.
func (c *Cache) AppendPage(entries []Entry) {
	page := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if id, ok := message.DurableID(e.Ref); ok && c.Contains(id) {
			continue
		}
		page = append(page, e.Clone())
	}
	c.pages = append(c.pages, page)
}

// InsertNewest places e in page 0, keeping the page descending.
func (c *Cache) InsertNewest(e Entry) {
	if len(c.pages) == 0 {
		c.pages = [][]Entry{nil}
	}
	page := c.pages[0]
	pos := len(page)
	for i, existing := range page {
		if !existing.after(e) {
			pos = i
			break
		}
	}
	page = append(page, Entry{})
	copy(page[pos+1:], page[pos:])
	page[pos] = e.Clone()
	c.pages[0] = page
}

// UpsertConfirmed merges the row into the cached entry with the same id, the
// row winning, or inserts it into page 0. It reports whether it inserted.
func (c *Cache) UpsertConfirmed(e Entry) bool {
	id, ok := message.DurableID(e.Ref)
	if !ok {
		return false
	}
	if c.PatchMessage(id, func(cur *Entry) {
		cur.Message = e.Message.Clone()
		if e.Sender.UserID != "" {
			cur.Sender = e.Sender
		}
	}) {
		c.trackPin(e.Message)
		return false
	}
	c.InsertNewest(e)
	c.trackPin(e.Message)
	return true
}

// Supersede replaces the pending entry with the confirmed one. If the
// confirmed row already arrived it is merged instead, so one logical message
// never shows twice.
func (c *Cache) Supersede(localID string, confirmed Entry) {
	c.RemoveRef(message.Pending{LocalID: localID})
	c.UpsertConfirmed(confirmed)
}

// PatchMessage applies fn to the confirmed entry with this id.
func (c *Cache) PatchMessage(id string, fn func(*Entry)) bool {
	i, j, ok := c.find(message.Confirmed{ID: id})
	if !ok {
		return false
	}
	fn(&c.pages[i][j])
	return true
}

// RemoveMessage drops the confirmed entry with this id from whichever page
// holds it.
func (c *Cache) RemoveMessage(id string) bool {
	removed := c.RemoveRef(message.Confirmed{ID: id})
	if c.pinned != nil && c.pinned.ID == id {
		c.pinned = nil
	}
	return removed
}

func (c *Cache) RemoveRef(ref message.Ref) bool {
	i, j, ok := c.find(ref)
	if !ok {
		return false
	}
	page := c.pages[i]
	c.pages[i] = append(page[:j:j], page[j+1:]...)
	return true
}

func (c *Cache) Pinned() *message.Message {
	if c.pinned == nil {
		return nil
	}
	p := c.pinned.Clone()
	return &p
}

func (c *Cache) SetPinned(m *message.Message) {
	if m == nil {
		c.pinned = nil
		return
	}
	p := m.Clone()
	c.pinned = &p
}

// trackPin folds a message row into the pinned read model. The most recent
// pin wins.
func (c *Cache) trackPin(m message.Message) {
	switch {
	case m.Pinned():
		if c.pinned == nil || c.pinned.ID == m.ID || !m.PinnedAt.Before(*c.pinned.PinnedAt) {
			p := m.Clone()
			c.pinned = &p
		}
	case c.pinned != nil && c.pinned.ID == m.ID:
		c.pinned = nil
	}
}

// ConfirmedIDs returns the durable ids in page order.
func (c *Cache) ConfirmedIDs() []string {
	var ids []string
	for _, page := range c.pages {
		for _, e := range page {
			if id, ok := message.DurableID(e.Ref); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func cloneEntries(in []Entry) []Entry {
	if in == nil {
		return nil
	}
	out := make([]Entry, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
