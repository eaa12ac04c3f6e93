// Package identity resolves the stable publisher UUID bound to each room.
package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"hand-relay/internal/store"
)

const (
	defaultCacheSize   = 1024
	defaultFallbackTTL = 30 * time.Second
)

type fallback struct {
	id      uuid.UUID
	expires time.Time
}

// Resolver is a cache-aside lookup in front of the identity store.
type Resolver struct {
	store       store.IdentityStore
	cache       *lru.Cache[string, uuid.UUID]
	clock       clock.Clock
	fallbackTTL time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	fallbacks map[string]fallback
}

type Option func(*Resolver)

func WithClock(c clock.Clock) Option {
	return func(r *Resolver) { r.clock = c }
}

// WithFallbackTTL sets how long an unpersisted identity is reused for a room
// before the store is asked again.
func WithFallbackTTL(d time.Duration) Option {
	return func(r *Resolver) { r.fallbackTTL = d }
}

func NewResolver(identities store.IdentityStore, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, uuid.UUID](defaultCacheSize)

	r := &Resolver{
		store:       identities,
		cache:       cache,
		clock:       clock.New(),
		fallbackTTL: defaultFallbackTTL,
		logger:      logger,
		fallbacks:   make(map[string]fallback),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup returns the identity for room without touching the store.
func (r *Resolver) Lookup(room string) (uuid.UUID, bool) {
	if id, ok := r.cache.Get(room); ok {
		return id, true
	}
	return r.liveFallback(room)
}

// Resolve returns the identity for room, creating and persisting one on first
// use. If the store fails, a fresh identity is returned together with the
// error. That identity is reused for the room until the fallback TTL runs
// out, after which the store is tried again.
func (r *Resolver) Resolve(ctx context.Context, room string) (uuid.UUID, error) {
	if id, ok := r.Lookup(room); ok {
		return id, nil
	}

	candidate := uuid.New()
	id, err := r.store.PublisherID(ctx, room, candidate)
	if err != nil {
		r.logger.Warn("[IDENTITY] Store unavailable, using unpersisted identity", "room", room, "publisherId", candidate, "error", err)
		r.mu.Lock()
		r.fallbacks[room] = fallback{id: candidate, expires: r.clock.Now().Add(r.fallbackTTL)}
		r.mu.Unlock()
		return candidate, err
	}

	r.cache.Add(room, id)
	r.mu.Lock()
	delete(r.fallbacks, room)
	r.mu.Unlock()
	if id == candidate {
		r.logger.Info("[IDENTITY] Created publisher identity", "room", room, "publisherId", id)
	}
	return id, nil
}

func (r *Resolver) liveFallback(room string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fb, ok := r.fallbacks[room]
	if !ok {
		return uuid.Nil, false
	}
	if !r.clock.Now().Before(fb.expires) {
		delete(r.fallbacks, room)
		return uuid.Nil, false
	}
	return fb.id, true
}
