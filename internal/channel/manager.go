// Package channel keeps the producer connected to the relay process.
//
// Manager gives the producer a Send call that looks reliable: while the relay
// is unreachable events wait in a small bounded queue and the manager
// reconnects with capped exponential backoff. Host failures never surface as
// errors to the producer; they only move the channel to Disconnected.
package channel

import (
	"context"
	"errors"
	"log/slog"

	"github.com/benbjohnson/clock"

	"hand-relay/internal/backoff"
	"hand-relay/internal/models"
	"hand-relay/internal/queue"
)

const (
	// DefaultName identifies the host channel on the relay.
	DefaultName = "poker-hand-relay"

	QueueCapacity = 20
)

var ErrClosed = errors.New("channel manager stopped")

// Stats is a point-in-time view of the channel.
type Stats struct {
	Connected      bool `json:"connected"`
	Connecting     bool `json:"connecting"`
	Pending        int  `json:"pending"`
	RetryCount     int  `json:"retryCount"`
	RetryScheduled bool `json:"retryScheduled"`
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithPolicy(p backoff.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithQueueCapacity(n int) Option {
	return func(m *Manager) { m.queue = queue.NewBounded[models.Event](n) }
}

type Manager struct {
	connector Connector
	clock     clock.Clock
	policy    backoff.Policy
	logger    *slog.Logger

	events chan func()
	done   chan struct{}

	// Owned by the Run goroutine.
	ctx        context.Context
	port       Port
	connected  bool
	connecting bool
	waiters    []chan<- error
	gen        uint64
	queue      *queue.Bounded[models.Event]
	retryCount int
	retryTimer *clock.Timer
	retrySeq   uint64
	exhausted  bool
}

func NewManager(connector Connector, opts ...Option) *Manager {
	m := &Manager{
		connector: connector,
		clock:     clock.New(),
		policy:    backoff.ChannelPolicy,
		logger:    slog.Default(),
		events:    make(chan func(), 64),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		queue:     queue.NewBounded[models.Event](QueueCapacity),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run processes channel events until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.ctx = ctx
	defer close(m.done)

	m.logger.Info("[CHANNEL] Starting channel event loop")
	for {
		select {
		case <-ctx.Done():
			m.cancelRetry()
			m.dropPort()
			m.logger.Info("[CHANNEL] Channel stopped", "pending", m.queue.Len())
			return
		case fn := <-m.events:
			fn()
		}
	}
}

func (m *Manager) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	select {
	case m.events <- fn:
		return true
	case <-m.done:
		return false
	}
}

// Connect tries to establish the channel now and waits for the outcome. A
// failure leaves the channel Disconnected with a retry scheduled; callers
// should log it and carry on. If an attempt is already in flight, Connect
// waits for that one.
func (m *Manager) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	if !m.post(func() { m.connect(reply) }) {
		return ErrClosed
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// Send transmits ev if the channel is up, otherwise queues it. It reports
// whether the event went out immediately.
func (m *Manager) Send(ev models.Event) bool {
	reply := make(chan bool, 1)
	if !m.post(func() { reply <- m.send(ev) }) {
		return false
	}

	select {
	case sent := <-reply:
		return sent
	case <-m.done:
		return false
	}
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if !m.post(func() {
		reply <- Stats{
			Connected:      m.connected,
			Connecting:     m.connecting,
			Pending:        m.queue.Len(),
			RetryCount:     m.retryCount,
			RetryScheduled: m.retryTimer != nil,
		}
	}) {
		return Stats{}, ErrClosed
	}

	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	case <-m.done:
		return Stats{}, ErrClosed
	}
}

// connect starts a dial unless the channel is up or a dial is in flight.
// The dial runs off the loop; its outcome arrives through dialed. reply, if
// set, receives that outcome.
func (m *Manager) connect(reply chan<- error) {
	if m.connected {
		if reply != nil {
			reply <- nil
		}
		return
	}
	if reply != nil {
		m.waiters = append(m.waiters, reply)
	}
	if m.connecting {
		return
	}

	m.connecting = true
	gen, ctx := m.gen, m.ctx
	go func() {
		port, err := m.connector.Connect(ctx)
		if !m.post(func() { m.dialed(gen, port, err) }) && port != nil {
			port.Close()
		}
	}()
}

func (m *Manager) dialed(gen uint64, port Port, err error) {
	if gen != m.gen {
		if port != nil {
			port.Close()
		}
		return
	}
	m.connecting = false

	if err != nil {
		m.logger.Warn("[CHANNEL] Relay unreachable", "retryCount", m.retryCount, "error", err)
		m.scheduleRetry()
		m.notify(err)
		return
	}

	m.port = port
	m.connected = true
	m.retryCount = 0
	m.exhausted = false
	m.cancelRetry()
	m.logger.Info("[CHANNEL] Connected to relay", "pending", m.queue.Len())

	go m.watch(m.gen, port)
	m.flush()
	m.notify(nil)
}

func (m *Manager) notify(err error) {
	for _, w := range m.waiters {
		w <- err
	}
	m.waiters = nil
}

func (m *Manager) watch(gen uint64, port Port) {
	<-port.Done()
	m.post(func() { m.disconnected(gen) })
}

func (m *Manager) disconnected(gen uint64) {
	if gen != m.gen {
		return
	}
	m.logger.Warn("[CHANNEL] Relay disconnected", "retryCount", m.retryCount)
	m.dropPort()
	m.scheduleRetry()
}

// dropPort invalidates the port's watcher and any dial in flight before
// closing the port.
func (m *Manager) dropPort() {
	m.gen++
	if m.port != nil {
		m.port.Close()
		m.port = nil
	}
	m.connected = false
	if m.connecting {
		m.connecting = false
		m.notify(ErrClosed)
	}
}

func (m *Manager) send(ev models.Event) bool {
	if m.connected && m.port != nil {
		err := m.port.Send(models.NewHandMessage(ev))
		if err == nil {
			return true
		}
		m.logger.Warn("[CHANNEL] Send failed, queueing", "error", err)
		m.dropPort()
	}

	m.enqueue(ev)
	return false
}

func (m *Manager) enqueue(ev models.Event) {
	if dropped, evicted := m.queue.Push(ev); evicted {
		m.logger.Warn("[CHANNEL] Queue full, dropped oldest event", "timestamp", dropped.Timestamp)
	}
	if m.retryTimer == nil && !m.connecting {
		m.scheduleRetry()
	}
}

// flush drains the queue in order while connected. A failed send leaves the
// event at the head and stops.
func (m *Manager) flush() {
	for m.connected && m.port != nil {
		ev, ok := m.queue.Peek()
		if !ok {
			return
		}
		if err := m.port.Send(models.NewHandMessage(ev)); err != nil {
			m.logger.Warn("[CHANNEL] Flush interrupted", "remaining", m.queue.Len(), "error", err)
			m.dropPort()
			m.scheduleRetry()
			return
		}
		m.queue.Pop()
	}
}

func (m *Manager) scheduleRetry() {
	if m.retryTimer != nil {
		return
	}
	if m.policy.Exhausted(m.retryCount) {
		if !m.exhausted {
			m.exhausted = true
			m.logger.Error("[CHANNEL] Retry budget exhausted, giving up until restart", "retryCount", m.retryCount)
		}
		return
	}

	m.retryCount++
	delay := m.policy.Delay(m.retryCount)
	m.retrySeq++
	seq := m.retrySeq
	m.retryTimer = m.clock.AfterFunc(delay, func() {
		m.post(func() { m.retryFired(seq) })
	})
	m.logger.Info("[CHANNEL] Retry scheduled", "delay", delay, "retryCount", m.retryCount)
}

func (m *Manager) retryFired(seq uint64) {
	if seq != m.retrySeq {
		return
	}
	m.retryTimer = nil
	m.connect(nil)
}

func (m *Manager) cancelRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retrySeq++
}
