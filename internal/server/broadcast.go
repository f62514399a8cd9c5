package server

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"arbwatch/internal/model"
)

// EventsChannel is the pub/sub channel opportunity events travel on.
const EventsChannel = "arbwatch:events:opportunities"

// RedisBroadcaster carries opportunity events from worker processes to the
// hub of the process serving websocket clients.
type RedisBroadcaster struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRedisBroadcaster(rdb *redis.Client, logger *slog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{rdb: rdb, logger: logger.With("component", "events")}
}

// Publish sends o to every subscriber. Failures are logged only.
func (b *RedisBroadcaster) Publish(ctx context.Context, o model.Opportunity) {
	data, err := encodeOpportunity(o)
	if err != nil {
		b.logger.Error("Failed to encode opportunity event", "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, EventsChannel, data).Err(); err != nil {
		b.logger.Warn("Failed to publish opportunity event", "error", err, "opportunity_id", o.ID)
	}
}

// Forward relays events to hub until ctx ends.
func (b *RedisBroadcaster) Forward(ctx context.Context, hub *Hub) error {
	sub := b.rdb.Subscribe(ctx, EventsChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	b.logger.Info("Subscribed to opportunity events", "channel", EventsChannel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			hub.Broadcast([]byte(msg.Payload))
		}
	}
}
