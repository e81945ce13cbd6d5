package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/meridianhq/meridian/pkg/observability"
)

const channelPrefix = "meridian:commands:"

// RedisBus transports commands over redis pub/sub. Delivery is at most
// once: a node that is down misses commands, which is acceptable because
// every command is a refresh hint, not the source of truth.
type RedisBus struct {
	client *redis.Client
	logger *observability.Logger
	now    func() time.Time
}

// NewRedisBus creates a bus on an existing redis client.
func NewRedisBus(client *redis.Client, logger *observability.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

func channelFor(to Recipient) string {
	return channelPrefix + string(to)
}

// Send publishes the command to every subscriber of its recipient group.
func (b *RedisBus) Send(ctx context.Context, cmd *Command) error {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command %s: %w", cmd.ID, err)
	}
	if err := b.client.Publish(ctx, channelFor(cmd.To), raw).Err(); err != nil {
		return fmt.Errorf("failed to publish command %s: %w", cmd.ID, err)
	}
	return nil
}

// Listen delivers commands for the recipient until ctx is canceled.
// Malformed and expired messages are logged and dropped.
func (b *RedisBus) Listen(ctx context.Context, to Recipient, handler Handler) error {
	sub := b.client.Subscribe(ctx, channelFor(to))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", channelFor(to))
			}
			var cmd Command
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				b.logger.WithError(err).Warn("dropping malformed command")
				continue
			}
			if cmd.Expired(b.now()) {
				b.logger.WithField("command", cmd.ID).Debug("dropping expired command")
				continue
			}
			handler(ctx, &cmd)
		}
	}
}
