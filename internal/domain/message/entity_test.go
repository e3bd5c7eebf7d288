package message

import (
	"testing"
	"time"

	convosync_errors "convosync/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDraftValidate(t *testing.T) {
	assert.ErrorIs(t, Draft{Content: "   "}.Validate(), convosync_errors.ErrInvalidInput)
	assert.ErrorIs(t, Draft{Content: "hi", Type: "poll"}.Validate(), convosync_errors.ErrInvalidInput)
	assert.NoError(t, Draft{MediaRefs: []string{"img/1.png"}}.Validate())
	assert.NoError(t, Draft{Content: "hi", Type: TypeSticker}.Validate())
}

func TestCloneDoesNotAlias(t *testing.T) {
	at := time.Unix(100, 0)
	m := Draft{Content: "hello", MediaRefs: []string{"a"}}.Build("m-1", "c-1", "u-1", at)
	m.ApplyPin("u-2", at)

	c := m.Clone()
	*c.Content = "changed"
	c.MediaRefs[0] = "b"
	*c.PinnedBy = "u-3"

	assert.Equal(t, "hello", *m.Content)
	assert.Equal(t, "a", m.MediaRefs[0])
	assert.Equal(t, "u-2", *m.PinnedBy)
}

func TestSoftDeleteClearsPayload(t *testing.T) {
	at := time.Unix(100, 0)
	m := Draft{Content: "hello", MediaRefs: []string{"a"}}.Build("m-1", "c-1", "u-1", at)
	m.ApplySoftDelete(at.Add(time.Second))

	assert.Nil(t, m.Content)
	assert.Nil(t, m.MediaRefs)
	assert.True(t, m.Deleted)
	require.NotNil(t, m.DeletedAt)
	assert.Equal(t, "", m.Preview())
}

func TestBeforeTieBreaksOnID(t *testing.T) {
	at := time.Unix(100, 0)
	a := Message{ID: "a", CreatedAt: at}
	b := Message{ID: "b", CreatedAt: at}
	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
}

func TestRefVariants(t *testing.T) {
	var r Ref = Pending{LocalID: "local-1"}
	assert.True(t, IsPending(r))
	_, ok := DurableID(r)
	assert.False(t, ok)

	r = Confirmed{ID: "m-42"}
	id, ok := DurableID(r)
	assert.True(t, ok)
	assert.Equal(t, "m-42", id)
}

func TestGroupReactions(t *testing.T) {
	at := time.Unix(100, 0)
	groups := GroupReactions([]Reaction{
		{UserID: "u1", Emoji: "👍", CreatedAt: at},
		{UserID: "u2", Emoji: "❤️", CreatedAt: at.Add(time.Second)},
		{UserID: "u2", Emoji: "👍", CreatedAt: at.Add(2 * time.Second)},
		{UserID: "u2", Emoji: "👍", CreatedAt: at.Add(3 * time.Second)},
	}, "u2")

	require.Len(t, groups, 2)
	assert.Equal(t, ReactionGroup{Emoji: "👍", Count: 2, Mine: true}, groups[0])
	assert.Equal(t, ReactionGroup{Emoji: "❤️", Count: 1, Mine: true}, groups[1])
	assert.Nil(t, GroupReactions(nil, "u1"))
}
