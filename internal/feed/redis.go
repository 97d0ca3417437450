package feed

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Redis implements Feed over Redis PUBLISH/SUBSCRIBE, one channel per session.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis builds a feed publishing on "<prefix><session id>".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "attendance:session:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (f *Redis) channel(sessionID string) string { return f.prefix + sessionID }

// Publish sends c to the session channel.
func (f *Redis) Publish(ctx context.Context, c Change) error {
	return f.client.Publish(ctx, f.channel(c.SessionID), encode(c)).Err()
}

// Subscribe streams decoded changes for the session.
func (f *Redis) Subscribe(ctx context.Context, sessionID string) (<-chan Change, error) {
	sub := f.client.Subscribe(ctx, f.channel(sessionID))
	// wait for the confirmation so a publish right after Subscribe is not lost
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Change, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				c, err := decode(msg.Payload)
				if err != nil {
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
