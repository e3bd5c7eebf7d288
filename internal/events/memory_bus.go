package events

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus. Each subscription gets its own ordered
// queue drained by one goroutine, so handlers may publish without deadlocking.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[*memorySub]struct{}
}

type memorySub struct {
	channels map[string]struct{}
	handler  Handler
	sub      *Subscription

	mu     sync.Mutex
	queue  []delivery
	signal chan struct{}
}

type delivery struct {
	channel string
	payload []byte
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySub]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data := append([]byte(nil), payload...)

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if _, ok := s.channels[channel]; ok {
			s.enqueue(delivery{channel: channel, payload: data})
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channels []string, handler Handler) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySub{
		channels: make(map[string]struct{}, len(channels)),
		handler:  handler,
		signal:   make(chan struct{}, 1),
	}
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	s.sub = NewSubscription(func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	})

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run()
	go func() {
		select {
		case <-ctx.Done():
			s.sub.Finish(ctx.Err())
		case <-s.sub.Done():
		}
	}()
	return s.sub, nil
}

// DropAll ends every live subscription as if the connection was lost.
func (b *MemoryBus) DropAll() {
	b.mu.Lock()
	subs := make([]*memorySub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*memorySub]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.sub.Finish(ErrSubscriptionDropped)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *memorySub) enqueue(d delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySub) next() (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return delivery{}, false
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d, true
}

func (s *memorySub) run() {
	done := s.sub.Done()
	for {
		select {
		case <-done:
			return
		case <-s.signal:
		}
		for {
			select {
			case <-done:
				return
			default:
			}
			d, ok := s.next()
			if !ok {
				break
			}
			s.handler(d.channel, d.payload)
		}
	}
}
