package reload

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/instill-ai/mnist-backend/pkg/logger"
)

// Message asks every replica to re-resolve its model.
type Message struct {
	Origin      string    `json:"origin"`
	RequestedAt time.Time `json:"requested_at"`
	Reason      string    `json:"reason,omitempty"`
}

// Handler is invoked for every reload request of another replica.
type Handler func(ctx context.Context, msg Message)

// Bus fans reload requests out to all replicas over a redis channel.
type Bus struct {
	rc       *redis.Client
	channel  string
	instance string
}

// NewBus returns a bus publishing as a freshly generated instance.
func NewBus(rc *redis.Client, channel string) *Bus {
	return &Bus{
		rc:       rc,
		channel:  channel,
		instance: uuid.Must(uuid.NewV4()).String(),
	}
}

// InstanceID identifies this replica in published messages.
func (b *Bus) InstanceID() string {
	return b.instance
}

// Publish broadcasts a reload request.
func (b *Bus) Publish(ctx context.Context, reason string) error {
	payload, err := json.Marshal(Message{
		Origin:      b.instance,
		RequestedAt: time.Now().UTC(),
		Reason:      reason,
	})
	if err != nil {
		return err
	}
	if err := b.rc.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish reload request: %w", err)
	}
	return nil
}

// Run subscribes to the channel and calls h for messages of other replicas
// until ctx is done.
func (b *Bus) Run(ctx context.Context, h Handler) error {
	logger, _ := logger.GetZapLogger(ctx)

	sub := b.rc.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	logger.Info("listening for reload requests",
		zap.String("channel", b.channel),
		zap.String("instance", b.instance))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				logger.Warn("malformed reload request", zap.String("payload", m.Payload), zap.Error(err))
				continue
			}
			if msg.Origin == b.instance {
				continue
			}
			logger.Info("reload requested",
				zap.String("origin", msg.Origin),
				zap.Time("requested_at", msg.RequestedAt),
				zap.String("reason", msg.Reason))
			h(ctx, msg)
		}
	}
}
