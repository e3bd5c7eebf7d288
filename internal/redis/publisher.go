package redis

import (
	"context"

	"convosync/internal/events"

	"github.com/redis/go-redis/v9"
)

type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// Bus is the Redis pub/sub implementation of events.Bus.
type Bus struct {
	*Publisher
	*Subscriber
}

var _ events.Bus = (*Bus)(nil)

func NewBus(client *redis.Client) *Bus {
	return &Bus{Publisher: NewPublisher(client), Subscriber: NewSubscriber(client)}
}
