// Package hub publishes hand envelopes to the real-time hub.
//
// A Publisher owns at most one hub socket, bound to one room. It fetches a
// fresh credential for every connection attempt, queues envelopes while the
// socket is down and retries with backoff through a durable timer, so a retry
// scheduled before a restart still happens afterwards.
//
// All state lives in a single event loop (Run). Token fetches and dials run in
// helper goroutines and report back tagged with the connection generation;
// results from a torn-down generation are discarded.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"hand-relay/internal/backoff"
	"hand-relay/internal/models"
	"hand-relay/internal/queue"
	"hand-relay/internal/timer"
	"hand-relay/internal/token"
)

const (
	// RetryTimerName is the durable timer key. Only one hub retry exists at a time.
	RetryTimerName = "hub-reconnect"

	QueueCapacity = 100
)

var ErrClosed = errors.New("hub publisher stopped")

type State int

const (
	Idle State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// IdentityResolver returns the publisher identity for a room. On error it
// still returns a usable, unpersisted identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, room string) (uuid.UUID, error)
}

// Scheduler is the durable timer the publisher retries through.
type Scheduler interface {
	Handle(name string, h timer.Handler)
	Schedule(ctx context.Context, name string, delay time.Duration, payload string) error
	Cancel(ctx context.Context, name string)
}

type Config struct {
	// URL of the hub socket endpoint; room, role and token are appended.
	URL           string
	Policy        backoff.Policy
	AuthCooldown  time.Duration
	QueueCapacity int
}

func (c Config) withDefaults() Config {
	if c.Policy == (backoff.Policy{}) {
		c.Policy = backoff.HubPolicy
	}
	if c.AuthCooldown <= 0 {
		c.AuthCooldown = backoff.AuthCooldown
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = QueueCapacity
	}
	return c
}

// Stats is a point-in-time view of the publisher.
type Stats struct {
	Room        string `json:"room"`
	State       string `json:"state"`
	Queued      int    `json:"queued"`
	RetryCount  int    `json:"retryCount"`
	AuthBackoff bool   `json:"authBackoff"`
}

type Publisher struct {
	cfg        Config
	dialer     Dialer
	tokens     token.Fetcher
	identities IdentityResolver
	timers     Scheduler
	logger     *slog.Logger

	events chan func()
	done   chan struct{}

	// Owned by the Run goroutine.
	ctx         context.Context
	room        string
	conn        Conn
	state       State
	connecting  bool
	gen         uint64
	retryCount  int
	authBackoff bool
	queue       *queue.Bounded[models.Envelope]

	// A durable retry is armed; same-room connects wait for it.
	retryPending bool
}

func NewPublisher(cfg Config, dialer Dialer, tokens token.Fetcher, identities IdentityResolver, timers Scheduler, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	p := &Publisher{
		cfg:        cfg,
		dialer:     dialer,
		tokens:     tokens,
		identities: identities,
		timers:     timers,
		logger:     logger,
		events:     make(chan func(), 256),
		done:       make(chan struct{}),
		ctx:        context.Background(),
		queue:      queue.NewBounded[models.Envelope](cfg.QueueCapacity),
	}

	timers.Handle(RetryTimerName, func(room string) {
		p.post(func() { p.retryFired(room) })
	})
	return p
}

// Run processes publisher events until ctx is cancelled. The persisted retry
// deadline is left in place on shutdown so it can be resumed.
func (p *Publisher) Run(ctx context.Context) {
	p.ctx = ctx
	defer close(p.done)

	p.logger.Info("[HUB] Starting publisher event loop")
	for {
		select {
		case <-ctx.Done():
			p.teardown(false)
			p.logger.Info("[HUB] Publisher stopped", "room", p.room, "queued", p.queue.Len())
			return
		case fn := <-p.events:
			fn()
		}
	}
}

func (p *Publisher) post(fn func()) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.events <- fn:
		return true
	case <-p.done:
		return false
	}
}

// Connect targets room. Switching to a different room tears down the current
// socket, its retry timer and its queued envelopes first.
func (p *Publisher) Connect(room string) error {
	if !p.post(func() { p.connect(room) }) {
		return ErrClosed
	}
	return nil
}

// Publish sends env on the open socket or queues it.
func (p *Publisher) Publish(env models.Envelope) error {
	if !p.post(func() { p.publish(env) }) {
		return ErrClosed
	}
	return nil
}

// Disconnect closes the socket and cancels any pending retry without
// triggering a new one.
func (p *Publisher) Disconnect() error {
	if !p.post(func() {
		p.logger.Info("[HUB] Disconnect requested", "room", p.room)
		p.teardown(true)
	}) {
		return ErrClosed
	}
	return nil
}

func (p *Publisher) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if !p.post(func() {
		reply <- Stats{
			Room:        p.room,
			State:       p.state.String(),
			Queued:      p.queue.Len(),
			RetryCount:  p.retryCount,
			AuthBackoff: p.authBackoff,
		}
	}) {
		return Stats{}, ErrClosed
	}

	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	case <-p.done:
		return Stats{}, ErrClosed
	}
}

func (p *Publisher) connect(room string) {
	if room == "" {
		return
	}
	if room == p.room && p.state == Open {
		return
	}

	if room != p.room {
		if p.room != "" {
			p.logger.Info("[HUB] Switching room", "from", p.room, "to", room)
		}
		p.teardown(true)
		if dropped := p.queue.Clear(); dropped > 0 {
			p.logger.Warn("[HUB] Dropped envelopes queued for previous room", "room", p.room, "count", dropped)
		}
		p.room = room
		p.retryCount = 0
		p.authBackoff = false
	}

	if p.connecting || p.retryPending {
		return
	}

	p.connecting = true
	p.state = Connecting
	gen := p.gen
	go p.dial(p.ctx, gen, room)
}

func (p *Publisher) retryFired(room string) {
	// A retry for a room we already left is stale. After a restart the
	// publisher has no room yet and adopts the persisted one.
	if p.room != "" && room != p.room {
		p.logger.Debug("[HUB] Ignoring retry for previous room", "room", room, "current", p.room)
		return
	}
	p.retryPending = false
	p.logger.Info("[HUB] Retry timer fired", "room", room, "retryCount", p.retryCount)
	p.connect(room)
}

func (p *Publisher) dial(ctx context.Context, gen uint64, room string) {
	id, err := p.identities.Resolve(ctx, room)
	if err != nil {
		p.logger.Warn("[HUB] Identity resolution failed, using unpersisted identity", "room", room, "error", err)
	}

	tok, err := p.tokens.Fetch(ctx, room, id.String())
	if err != nil {
		p.post(func() { p.tokenFailed(gen, room, err) })
		return
	}

	conn, err := p.dialer.Dial(ctx, p.socketURL(room, tok))
	if !p.post(func() { p.dialed(gen, room, conn, err) }) && conn != nil {
		conn.Close()
	}
}

func (p *Publisher) socketURL(room, tok string) string {
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return p.cfg.URL
	}
	q := u.Query()
	q.Set("room", room)
	q.Set("role", token.RolePublisher)
	q.Set("token", tok)
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *Publisher) tokenFailed(gen uint64, room string, err error) {
	if gen != p.gen {
		return
	}
	p.connecting = false
	p.state = Closed

	if token.Classify(err) == token.Unauthorized {
		p.authBackoff = true
		p.logger.Warn("[HUB] Token rejected, backing off", "room", room, "cooldown", p.cfg.AuthCooldown)
		p.scheduleRetry(room, p.cfg.AuthCooldown)
		return
	}

	p.logger.Warn("[HUB] Token fetch failed", "room", room, "error", err)
	p.scheduleRetry(room, 0)
}

func (p *Publisher) dialed(gen uint64, room string, conn Conn, err error) {
	if gen != p.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	p.connecting = false
	p.authBackoff = false

	if err != nil {
		p.state = Closed
		p.logger.Warn("[HUB] Socket dial failed", "room", room, "error", err)
		p.scheduleRetry(room, 0)
		return
	}

	p.conn = conn
	p.state = Open
	p.retryCount = 0
	p.logger.Info("[HUB] Socket open", "room", room, "queued", p.queue.Len())

	go p.watch(gen, conn)
	p.flush()
}

func (p *Publisher) watch(gen uint64, conn Conn) {
	<-conn.Done()
	p.post(func() { p.closed(gen) })
}

func (p *Publisher) closed(gen uint64) {
	if gen != p.gen {
		return
	}
	p.conn = nil
	p.state = Closed
	p.logger.Warn("[HUB] Socket closed", "room", p.room)
	p.scheduleRetry(p.room, 0)
}

// scheduleRetry arms the durable retry timer. A non-zero override replaces
// the exponential delay and leaves retryCount untouched.
func (p *Publisher) scheduleRetry(room string, override time.Duration) {
	if p.cfg.Policy.Exhausted(p.retryCount) {
		p.logger.Error("[HUB] Retry budget exhausted", "room", room, "retryCount", p.retryCount)
		return
	}

	delay := override
	if delay <= 0 {
		p.retryCount++
		delay = p.cfg.Policy.Delay(p.retryCount)
	}

	if err := p.timers.Schedule(p.ctx, RetryTimerName, delay, room); err != nil {
		p.logger.Warn("[HUB] Retry scheduled without persistence", "room", room, "error", err)
	}
	p.retryPending = true
	p.logger.Info("[HUB] Retry scheduled", "room", room, "delay", delay, "retryCount", p.retryCount)
}

// teardown invalidates the current generation before closing the socket so
// its close callback cannot schedule a retry.
func (p *Publisher) teardown(cancelTimer bool) {
	if cancelTimer {
		p.timers.Cancel(p.ctx, RetryTimerName)
		p.retryPending = false
	}
	p.gen++
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.connecting = false
	p.state = Idle
}

func (p *Publisher) publish(env models.Envelope) {
	if p.state != Open || p.conn == nil {
		p.enqueue(env)
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("[HUB] Failed to encode envelope", "room", p.room, "error", err)
		p.enqueue(env)
		return
	}

	if err := p.conn.Write(data); err != nil {
		p.logger.Warn("[HUB] Send failed, queueing", "room", p.room, "error", err)
		p.enqueue(env)
		p.conn.Close()
	}
}

func (p *Publisher) enqueue(env models.Envelope) {
	if dropped, evicted := p.queue.Push(env); evicted {
		p.logger.Warn("[HUB] Queue full, dropped oldest envelope", "room", p.room, "timestamp", dropped.Timestamp)
	}
}

// flush drains the queue in order while the socket is open. A failed write
// leaves the envelope at the head.
func (p *Publisher) flush() {
	for p.state == Open && p.conn != nil {
		env, ok := p.queue.Peek()
		if !ok {
			return
		}

		data, err := json.Marshal(env)
		if err != nil {
			p.queue.Pop()
			p.logger.Error("[HUB] Dropping unencodable envelope", "room", p.room, "error", err)
			continue
		}

		if err := p.conn.Write(data); err != nil {
			p.logger.Warn("[HUB] Flush interrupted", "room", p.room, "remaining", p.queue.Len(), "error", err)
			p.conn.Close()
			return
		}
		p.queue.Pop()
	}
}
