// Package relay turns host channel messages into hub envelopes.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"hand-relay/internal/hub"
	"hand-relay/internal/models"
	"hand-relay/internal/store"
)

// Publisher is the slice of hub.Publisher the relay drives.
type Publisher interface {
	Connect(room string) error
	Publish(env models.Envelope) error
	Stats(ctx context.Context) (hub.Stats, error)
}

// IdentityResolver hands out publisher identities. Lookup must not block;
// Resolve may go to the store.
type IdentityResolver interface {
	Lookup(room string) (uuid.UUID, bool)
	Resolve(ctx context.Context, room string) (uuid.UUID, error)
}

const storeTimeout = 10 * time.Second

// Player is the optional poker site identity stamped on every envelope.
type Player struct {
	ID   string
	Name string
}

// pendingHand is an envelope waiting for its room identity. Envelopes leave
// the backlog strictly from the head, so arrival order is kept across rooms.
type pendingHand struct {
	room  string
	env   models.Envelope
	id    uuid.UUID
	ready bool
}

type Service struct {
	publisher  Publisher
	identities IdentityResolver
	usage      store.Counter
	player     Player
	clock      clock.Clock
	logger     *slog.Logger

	mu        sync.Mutex
	backlog   []*pendingHand
	resolving map[string]bool

	unflushed atomic.Int64
	flushing  atomic.Bool
}

func NewService(publisher Publisher, identities IdentityResolver, usage store.Counter, player Player, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		publisher:  publisher,
		identities: identities,
		usage:      usage,
		player:     player,
		clock:      clk,
		logger:     logger,
		resolving:  make(map[string]bool),
	}
}

// HandleMessage routes one host channel frame. It never fails and never waits
// on the identity or usage stores: malformed or unroutable frames are logged
// and dropped, and a hand for a room without a known identity is held until
// the identity resolves.
func (s *Service) HandleMessage(ctx context.Context, msg models.HostMessage) {
	if msg.Type != models.HostMessageHandData {
		s.logger.Debug("[RELAY] Ignoring host message", "type", msg.Type)
		return
	}

	ev, err := msg.Event()
	if err != nil {
		s.logger.Warn("[RELAY] Dropping malformed hand data", "error", err)
		return
	}

	room, ok := ExtractRoom(ev.URL)
	if !ok {
		s.logger.Warn("[RELAY] Dropping event without room", "url", ev.URL)
		return
	}

	env := models.Envelope{
		Type:             models.EnvelopeTypeHand,
		PokerNowPlayerId: optional(s.player.ID),
		PlayerName:       optional(s.player.Name),
		Data:             ev,
		Timestamp:        s.clock.Now().UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, known := s.identities.Lookup(room)
	if known && len(s.backlog) == 0 {
		s.publishLocked(room, env, id)
		return
	}

	s.backlog = append(s.backlog, &pendingHand{room: room, env: env, id: id, ready: known})
	if !known && !s.resolving[room] {
		s.resolving[room] = true
		go s.resolve(context.WithoutCancel(ctx), room)
	}
	s.drainLocked()
}

// Pending reports how many hands are waiting for an identity.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

func (s *Service) resolve(ctx context.Context, room string) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	id, err := s.identities.Resolve(ctx, room)
	if err != nil {
		if id == uuid.Nil {
			id = uuid.New()
		}
		s.logger.Warn("[RELAY] Using unpersisted publisher identity", "room", room, "publisherId", id, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.resolving, room)
	for _, h := range s.backlog {
		if h.room == room && !h.ready {
			h.id, h.ready = id, true
		}
	}
	s.drainLocked()
}

func (s *Service) drainLocked() {
	for len(s.backlog) > 0 && s.backlog[0].ready {
		h := s.backlog[0]
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
		s.publishLocked(h.room, h.env, h.id)
	}
}

func (s *Service) publishLocked(room string, env models.Envelope, id uuid.UUID) {
	if err := s.publisher.Connect(room); err != nil {
		s.logger.Error("[RELAY] Publisher unavailable", "room", room, "error", err)
		return
	}

	env.PublisherId = id.String()
	if err := s.publisher.Publish(env); err != nil {
		s.logger.Error("[RELAY] Publish rejected", "room", room, "error", err)
		return
	}
	s.logger.Debug("[RELAY] Hand relayed", "room", room)
	s.countUsage()
}

func (s *Service) countUsage() {
	s.unflushed.Add(1)
	if s.flushing.CompareAndSwap(false, true) {
		go s.flushUsage()
	}
}

// flushUsage runs on at most one goroutine at a time.
func (s *Service) flushUsage() {
	for {
		for s.unflushed.Load() > 0 {
			s.unflushed.Add(-1)
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			n, err := s.usage.IncrUsage(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("[RELAY] Usage counter not updated", "error", err)
				continue
			}
			s.logger.Debug("[RELAY] Usage counted", "usage", n)
		}

		s.flushing.Store(false)
		if s.unflushed.Load() == 0 || !s.flushing.CompareAndSwap(false, true) {
			return
		}
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
