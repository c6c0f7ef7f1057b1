package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorhive/backend/pkg/redis"
)

const publishTimeout = 5 * time.Second

// bridgePayload is the message published to Redis for cross-instance fan-out.
type bridgePayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisBridge implements Bridge over Redis pub/sub, one channel per session.
type RedisBridge struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBridge creates a Redis pub/sub bridge for room events.
func NewRedisBridge(client *redis.Client, logger *zap.Logger) *RedisBridge {
	return &RedisBridge{client: client, logger: logger}
}

// PublishRoomEvent publishes an event to the session's Redis channel.
func (b *RedisBridge) PublishRoomEvent(sessionID uuid.UUID, event string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return b.client.PublishJSON(ctx, redis.SessionChannel(sessionID),
		bridgePayload{Event: event, Data: payload, At: time.Now().Unix()})
}

// SubscribeRoom subscribes to a session's Redis channel and calls handler for
// each message. Returns a cancel function to stop the subscription.
func (b *RedisBridge) SubscribeRoom(sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error) {
	channel := redis.SessionChannel(sessionID)
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p bridgePayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					b.logger.Debug("bridge payload unmarshal failed", zap.Error(err))
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
