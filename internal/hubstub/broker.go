package hubstub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-redis/redis/v8"
)

const roomChannelPrefix = "room:"

// Deliver hands a room payload to the local subscribers.
type Deliver func(room string, payload []byte)

// Broker carries published envelopes to every hub instance serving the room.
type Broker interface {
	Publish(ctx context.Context, room string, payload []byte) error
	Close() error
}

// LocalBroker delivers in-process.
type LocalBroker struct {
	deliver Deliver
}

func NewLocalBroker(deliver Deliver) *LocalBroker {
	return &LocalBroker{deliver: deliver}
}

func (b *LocalBroker) Publish(_ context.Context, room string, payload []byte) error {
	b.deliver(room, payload)
	return nil
}

func (b *LocalBroker) Close() error { return nil }

// RedisBroker fans out through Redis pub/sub so several hub processes can
// share rooms.
type RedisBroker struct {
	rdb     *redis.Client
	pubsub  *redis.PubSub
	deliver Deliver
	logger  *slog.Logger
}

func NewRedisBroker(ctx context.Context, redisURL string, deliver Deliver, logger *slog.Logger) (*RedisBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)

	// Test connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger.Info("[HUBSTUB] Connected to Redis", "addr", opt.Addr)

	// Subscribe to all room events using pattern
	pubsub := rdb.PSubscribe(ctx, roomChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		rdb.Close()
		return nil, fmt.Errorf("subscribe to rooms: %w", err)
	}

	b := &RedisBroker{
		rdb:     rdb,
		pubsub:  pubsub,
		deliver: deliver,
		logger:  logger,
	}
	go b.listen()
	return b, nil
}

func (b *RedisBroker) Publish(ctx context.Context, room string, payload []byte) error {
	channel := roomChannelPrefix + room
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		b.logger.Error("[HUBSTUB] Failed to publish envelope", "channel", channel, "error", err)
		return err
	}
	return nil
}

func (b *RedisBroker) listen() {
	b.logger.Info("[HUBSTUB] Subscription confirmed, listening for rooms", "pattern", roomChannelPrefix+"*")

	for msg := range b.pubsub.Channel() {
		room := strings.TrimPrefix(msg.Channel, roomChannelPrefix)
		if room == "" {
			continue
		}
		b.deliver(room, []byte(msg.Payload))
	}

	b.logger.Info("[HUBSTUB] Redis pub/sub channel closed")
}

func (b *RedisBroker) Close() error {
	b.pubsub.Close()
	return b.rdb.Close()
}
