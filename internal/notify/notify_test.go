package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlowWatcherKeepsLatest(t *testing.T) {
	b := New[int]()
	ch, cancel := b.Watch(2)
	defer cancel()

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}
	assert.Equal(t, 4, <-ch)
	assert.Equal(t, 5, <-ch)
}

func TestCancelClosesChannel(t *testing.T) {
	b := New[struct{}]()
	ch, cancel := b.Watch(1)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len())
}

func TestCloseEndsWatchers(t *testing.T) {
	b := New[string]()
	ch, cancel := b.Watch(1)
	b.Close()
	cancel()

	_, ok := <-ch
	require.False(t, ok)

	late, _ := b.Watch(1)
	_, ok = <-late
	assert.False(t, ok)
}
