package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const defaultKeyPrefix = "handrelay"

// Redis keeps durable state in a Redis instance shared by relay restarts.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(ctx context.Context, redisURL, prefix string) (*Redis, error) {
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

	slog.Info("[STORE] Connected to Redis", "addr", opt.Addr)

	return NewRedisFromClient(rdb, prefix), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) key(name string) string {
	return r.prefix + ":" + name
}

func (r *Redis) PublisherID(ctx context.Context, room string, candidate uuid.UUID) (uuid.UUID, error) {
	key := r.key("identities")

	if _, err := r.rdb.HSetNX(ctx, key, room, candidate.String()).Result(); err != nil {
		return uuid.Nil, fmt.Errorf("store identity for %s: %w", room, err)
	}

	stored, err := r.rdb.HGet(ctx, key, room).Result()
	if err != nil {
		return uuid.Nil, fmt.Errorf("load identity for %s: %w", room, err)
	}

	id, err := uuid.Parse(stored)
	if err != nil {
		// Corrupt entry: replace it rather than failing forever.
		slog.Warn("[STORE] Corrupt identity entry, replacing", "room", room, "error", err)
		if err := r.rdb.HSet(ctx, key, room, candidate.String()).Err(); err != nil {
			return uuid.Nil, fmt.Errorf("replace identity for %s: %w", room, err)
		}
		return candidate, nil
	}
	return id, nil
}

func (r *Redis) SaveDeadline(ctx context.Context, d Deadline) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, r.key("timers"), d.Name, payload).Err()
}

func (r *Redis) DeleteDeadline(ctx context.Context, name string) error {
	return r.rdb.HDel(ctx, r.key("timers"), name).Err()
}

func (r *Redis) Deadlines(ctx context.Context) ([]Deadline, error) {
	entries, err := r.rdb.HGetAll(ctx, r.key("timers")).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Deadline, 0, len(entries))
	for name, raw := range entries {
		var d Deadline
		if err := json.Unmarshal([]byte(raw), &d); err != nil || d.At.IsZero() {
			slog.Warn("[STORE] Skipping unreadable deadline", "name", name, "error", err)
			continue
		}
		d.Name = name
		out = append(out, d)
	}
	return out, nil
}

// IncrUsage bumps the counter. A key holding something other than an
// integer is reset, matching how Usage reads it as zero.
func (r *Redis) IncrUsage(ctx context.Context) (int64, error) {
	key := r.key("usage")
	n, err := r.rdb.Incr(ctx, key).Result()
	if err == nil || !isCorruptValue(err) {
		return n, err
	}

	slog.Warn("[STORE] Corrupt usage counter, resetting", "key", key, "error", err)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return 0, fmt.Errorf("reset usage counter: %w", err)
	}
	return r.rdb.Incr(ctx, key).Result()
}

func (r *Redis) Usage(ctx context.Context) (int64, error) {
	n, err := r.rdb.Get(ctx, r.key("usage")).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		slog.Warn("[STORE] Unreadable usage counter", "error", err)
		return 0, nil
	}
	return n, nil
}

// isCorruptValue reports whether Redis rejected a command because of what the
// key holds rather than because the server is unavailable.
func isCorruptValue(err error) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) || errors.Is(err, redis.Nil) {
		return false
	}
	msg := rerr.Error()
	return strings.HasPrefix(msg, "WRONGTYPE") || strings.Contains(msg, "not an integer")
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

