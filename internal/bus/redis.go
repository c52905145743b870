package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// DialRedis configures a Redis client using the supplied URL.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url must not be empty")
	}
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}
	return client, nil
}

// RedisBus relays events over a Redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	nodeID  string
	logger  *slog.Logger
}

func NewRedis(client *redis.Client, channel, nodeID string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		nodeID:  nodeID,
		logger:  logger.With("component", "bus", "transport", "redis"),
	}
}

func (b *RedisBus) Publish(ctx context.Context, event models.Event) error {
	payload, err := encode(b.nodeID, event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Listen(ctx context.Context, handler Handler) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	go func() {
		defer func() {
			_ = pubsub.Close()
		}()
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				b.logger.Error("redis subscription closed", "error", err)
				return
			}
			event, foreign, err := decode(b.nodeID, []byte(msg.Payload))
			if err != nil {
				b.logger.Warn("invalid bus frame", "error", err)
				continue
			}
			if foreign {
				handler(event)
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
