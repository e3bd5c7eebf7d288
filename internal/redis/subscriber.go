package redis

import (
	"context"
	"fmt"
	"time"

	"convosync/internal/events"

	"github.com/redis/go-redis/v9"
)

type Subscriber struct {
	client         *redis.Client
	confirmTimeout time.Duration
}

func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client, confirmTimeout: 5 * time.Second}
}

// Subscribe subscribes to channels and returns after Redis confirmed every one
// of them. Any receive error ends the subscription as dropped; the connection
// is not silently re-established, callers resubscribe and reconcile.
func (s *Subscriber) Subscribe(ctx context.Context, channels []string, handler events.Handler) (*events.Subscription, error) {
	want := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		want[ch] = struct{}{}
	}
	if len(want) == 0 {
		return nil, fmt.Errorf("subscribe: no channels")
	}

	pubsub := s.client.Subscribe(ctx)
	if err := pubsub.Subscribe(ctx, channels...); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	var early []*redis.Message
	for len(want) > 0 {
		msg, err := pubsub.ReceiveTimeout(ctx, s.confirmTimeout)
		if err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("subscribe confirmation: %w", err)
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				delete(want, m.Channel)
			}
		case *redis.Message:
			early = append(early, m)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := events.NewSubscription(func() {
		cancel()
		_ = pubsub.Close()
	})

	go func() {
		for _, m := range early {
			handler(m.Channel, []byte(m.Payload))
		}
		for {
			msg, err := pubsub.Receive(loopCtx)
			if err != nil {
				if ctx.Err() != nil {
					sub.Finish(ctx.Err())
				} else {
					sub.Finish(fmt.Errorf("%w: %v", events.ErrSubscriptionDropped, err))
				}
				return
			}
			if m, ok := msg.(*redis.Message); ok {
				handler(m.Channel, []byte(m.Payload))
			}
		}
	}()
	return sub, nil
}
