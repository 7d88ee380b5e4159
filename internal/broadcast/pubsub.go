package broadcast

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// PubSub is the fan-out transport between sync workers and the processes
// holding client connections.
type PubSub interface {
	// Publish sends payload on channel. Fire-and-forget: a failed publish
	// is the caller's to log, never to retry.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a receive channel for messages on channel and a
	// cancel function that closes it.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// RedisPubSub implements PubSub on Redis channels.
type RedisPubSub struct {
	client redis.UniversalClient
}

func NewRedisPubSub(client redis.UniversalClient) *RedisPubSub {
	return &RedisPubSub{client: client}
}

func (p *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

func (p *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := p.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { sub.Close() }
	return out, cancel, nil
}
