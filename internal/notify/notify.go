// Package notify fans state changes out to watchers without ever blocking the
// publisher.
package notify

import "sync"

// Broadcaster delivers values to every watcher. A slow watcher loses its
// oldest undelivered values, never the latest one.
type Broadcaster[T any] struct {
	mu       sync.Mutex
	watchers map[chan T]struct{}
	closed   bool
}

func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{watchers: make(map[chan T]struct{})}
}

// Watch registers a watcher with the given buffer (minimum 1). The returned
// func unregisters it and closes the channel.
func (b *Broadcaster[T]) Watch(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.watchers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.watchers[ch]; ok {
				delete(b.watchers, ch)
				close(ch)
			}
		})
	}
}

func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.watchers {
		for {
			select {
			case ch <- v:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close closes every watcher channel. Later Watch calls get a closed channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.watchers {
		delete(b.watchers, ch)
		close(ch)
	}
}

func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers)
}
