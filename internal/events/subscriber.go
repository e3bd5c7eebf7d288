package events

import (
	"context"
	"errors"
	"sync"
)

// ErrSubscriptionDropped is reported by a subscription that ended without Close.
var ErrSubscriptionDropped = errors.New("subscription dropped")

type Handler func(channel string, payload []byte)

type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber subscribes to channels. Subscribe returns once the subscription is
// confirmed, so anything published afterwards is delivered.
type Subscriber interface {
	Subscribe(ctx context.Context, channels []string, handler Handler) (*Subscription, error)
}

type Bus interface {
	Publisher
	Subscriber
}

// Subscription is a live subscription handle.
type Subscription struct {
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	release func()
}

// NewSubscription returns a handle; release runs exactly once when it ends.
func NewSubscription(release func()) *Subscription {
	return &Subscription{done: make(chan struct{}), release: release}
}

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err is nil while live or after Close, otherwise the reason it ended.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) Close() error {
	s.Finish(nil)
	return nil
}

// Finish ends the subscription with err. Later calls are no-ops.
func (s *Subscription) Finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.release != nil {
			s.release()
		}
	})
}

// Dropped reports whether the subscription ended on its own rather than by Close.
func (s *Subscription) Dropped() bool {
	select {
	case <-s.done:
		err := s.Err()
		return err != nil && !errors.Is(err, context.Canceled)
	default:
		return false
	}
}
