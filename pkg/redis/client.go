package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const sessionChannelPrefix = "livesession:"

// SessionChannel returns the pub/sub channel carrying one live session's
// room events. Every relay instance publishes and subscribes on it.
func SessionChannel(sessionID uuid.UUID) string {
	return sessionChannelPrefix + sessionID.String()
}

// Client wraps go-redis for the relay: connection setup plus the JSON
// publishing the room event bridge uses.
type Client struct {
	*redis.Client
	logger *zap.Logger
}

// NewClient connects to Redis and verifies connectivity before returning.
func NewClient(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	logger.Info("redis connected", zap.String("addr", addr), zap.Int("db", db))
	return &Client{Client: rdb, logger: logger}, nil
}

// PublishJSON marshals v and publishes it on channel.
func (c *Client) PublishJSON(ctx context.Context, channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal for %s: %w", channel, err)
	}
	return c.Client.Publish(ctx, channel, data).Err()
}
