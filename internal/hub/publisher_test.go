package hub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hand-relay/internal/backoff"
	"hand-relay/internal/identity"
	"hand-relay/internal/models"
	"hand-relay/internal/store"
	"hand-relay/internal/timer"
	"hand-relay/internal/token"
)

type fakeConn struct {
	mu        sync.Mutex
	writes    [][]byte
	failWrite bool
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite {
		return errors.New("broken pipe")
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) envelopes(t *testing.T) []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Envelope, 0, len(c.writes))
	for _, w := range c.writes {
		var env models.Envelope
		require.NoError(t, json.Unmarshal(w, &env))
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) setFailWrite(v bool) {
	c.mu.Lock()
	c.failWrite = v
	c.mu.Unlock()
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, u string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, u)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) url(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[i]
}

type fakeTokens struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

// fail queues errors for the next fetches; once drained fetches succeed.
func (f *fakeTokens) fail(errs ...error) {
	f.mu.Lock()
	f.errs = append(f.errs, errs...)
	f.mu.Unlock()
}

func (f *fakeTokens) Fetch(_ context.Context, room, publisherID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, room)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return "tok-" + room, nil
}

func (f *fakeTokens) rooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var (
	errUnauthorized = fmt.Errorf("%w: test", token.ErrUnauthorized)
	errTransient    = fmt.Errorf("%w: test", token.ErrTransient)
)

type harness struct {
	t         *testing.T
	clock     *clock.Mock
	store     *store.Memory
	scheduler *timer.Scheduler
	resolver  *identity.Resolver
	dialer    *fakeDialer
	tokens    *fakeTokens
	pub       *Publisher
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  clock.NewMock(),
		store:  store.NewMemory(),
		dialer: &fakeDialer{},
		tokens: &fakeTokens{},
	}
	h.start(cfg)
	return h
}

func (h *harness) start(cfg Config) {
	if cfg.URL == "" {
		cfg.URL = "ws://hub.test/ws"
	}
	h.scheduler = timer.NewScheduler(h.clock, h.store, nil)
	h.resolver = identity.NewResolver(h.store, nil)
	h.pub = NewPublisher(cfg, h.dialer, h.tokens, h.resolver, h.scheduler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.pub.Run(ctx)
	h.t.Cleanup(func() {
		cancel()
		h.scheduler.Close()
	})
}

func (h *harness) stats() Stats {
	st, err := h.pub.Stats(context.Background())
	require.NoError(h.t, err)
	return st
}

func (h *harness) waitFor(cond func(Stats) bool, msg string) Stats {
	h.t.Helper()
	var last Stats
	ok := assert.Eventually(h.t, func() bool {
		last = h.stats()
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond, msg)
	if !ok {
		h.t.Fatalf("last stats: %+v", last)
	}
	return last
}

func (h *harness) pendingDelay() time.Duration {
	h.t.Helper()
	deadlines, err := h.store.Deadlines(context.Background())
	require.NoError(h.t, err)
	require.Len(h.t, deadlines, 1)
	return deadlines[0].At.Sub(h.clock.Now())
}

func (h *harness) waitPending() {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.scheduler.Pending(RetryTimerName) }, 2*time.Second, 5*time.Millisecond)
}

func envelope(t *testing.T, room string, n int) models.Envelope {
	ev, err := models.NewEvent(map[string]interface{}{
		"url":       "https://www.pokernow.club/games/" + room,
		"timestamp": n,
		"value1":    "A",
		"suit1":     "s",
	})
	require.NoError(t, err)
	return models.Envelope{Type: models.EnvelopeTypeHand, PublisherId: "pub", Data: ev, Timestamp: int64(n)}
}

func TestPublisher_QueuesUntilOpenThenFlushesInOrder(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.pub.Connect("abc123"))
	for i := 1; i <= 3; i++ {
		require.NoError(t, h.pub.Publish(envelope(t, "abc123", i)))
	}

	h.waitFor(func(s Stats) bool { return s.State == "open" && s.Queued == 0 }, "socket never opened")

	conn := h.dialer.conn(0)
	envs := conn.envelopes(t)
	require.Len(t, envs, 3)
	for i, env := range envs {
		assert.Equal(t, int64(i+1), env.Timestamp)
	}

	u, err := url.Parse(h.dialer.url(0))
	require.NoError(t, err)
	assert.Equal(t, "abc123", u.Query().Get("room"))
	assert.Equal(t, "pub", u.Query().Get("role"))
	assert.Equal(t, "tok-abc123", u.Query().Get("token"))
}

func TestPublisher_ConnectSameRoomIsNoop(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.pub.Connect("abc123"))
	h.waitFor(func(s Stats) bool { return s.State == "open" }, "socket never opened")

	require.NoError(t, h.pub.Connect("abc123"))
	require.NoError(t, h.pub.Connect("abc123"))
	h.stats()
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestPublisher_DirectSendWhenOpen(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.pub.Connect("abc123"))
	h.waitFor(func(s Stats) bool { return s.State == "open" }, "socket never opened")

	require.NoError(t, h.pub.Publish(envelope(t, "abc123", 7)))
	st := h.stats()
	assert.Equal(t, 0, st.Queued)

	envs := h.dialer.conn(0).envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, int64(7), envs[0].Timestamp)
}

func TestPublisher_TransientBackoffSequence(t *testing.T) {
	h := newHarness(t, Config{})
	h.tokens.fail(errTransient, errTransient, errTransient, errTransient)

	require.NoError(t, h.pub.Connect("abc123"))

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, d := range want {
		h.waitFor(func(s Stats) bool { return s.RetryCount == i+1 && s.State == "closed" }, "retry not scheduled")
		h.waitPending()
		assert.Equal(t, d, h.pendingDelay(), "attempt %d", i+1)
		h.clock.Add(d)
	}

	st := h.waitFor(func(s Stats) bool { return s.State == "open" }, "never connected")
	assert.Equal(t, 0, st.RetryCount)
	assert.Len(t, h.tokens.rooms(), 5)
}

func TestPublisher_UnauthorizedUsesFixedCooldown(t *testing.T) {
	h := newHarness(t, Config{})
	h.tokens.fail(errTransient, errTransient, errUnauthorized, errTransient)

	require.NoError(t, h.pub.Connect("abc123"))

	h.waitFor(func(s Stats) bool { return s.RetryCount == 1 && s.State == "closed" }, "first retry")
	h.waitPending()
	h.clock.Add(h.pendingDelay())

	h.waitFor(func(s Stats) bool { return s.RetryCount == 2 && s.State == "closed" && len(h.tokens.rooms()) == 2 }, "second retry")
	h.waitPending()
	h.clock.Add(h.pendingDelay())

	st := h.waitFor(func(s Stats) bool { return s.AuthBackoff }, "auth backoff not set")
	assert.Equal(t, 2, st.RetryCount)
	h.waitPending()
	assert.Equal(t, 60*time.Second, h.pendingDelay())

	h.clock.Add(59 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.tokens.rooms(), 3)
	h.clock.Add(time.Second)

	// The transient failure after the cooldown resumes from retryCount 2.
	st = h.waitFor(func(s Stats) bool { return s.RetryCount == 3 }, "growth did not resume")
	h.waitPending()
	assert.Equal(t, 4*time.Second, h.pendingDelay())

	h.clock.Add(4 * time.Second)
	st = h.waitFor(func(s Stats) bool { return s.State == "open" }, "never connected")
	assert.False(t, st.AuthBackoff)
}

func TestPublisher_SocketCloseSchedulesRetryAndRedelivers(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.pub.Connect("abc123"))
	h.waitFor(func(s Stats) bool { return s.State == "open" }, "socket never opened")
	require.NoError(t, h.pub.Publish(envelope(t, "abc123", 1)))
	h.stats()

	h.dialer.conn(0).Close()
	h.waitFor(func(s Stats) bool { return s.State == "closed" && s.RetryCount == 1 }, "close not noticed")
	h.waitPending()

	require.NoError(t, h.pub.Publish(envelope(t, "abc123", 2)))
	h.waitFor(func(s Stats) bool { return s.Queued == 1 }, "not queued while closed")

	h.clock.Add(time.Second)
	h.waitFor(func(s Stats) bool { return s.State == "open" && s.Queued == 0 }, "did not reconnect")

	first := h.dialer.conn(0).envelopes(t)
	second := h.dialer.conn(1).envelopes(t)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, int64(1), first[0].Timestamp)
	assert.Equal(t, int64(2), second[0].Timestamp)
}

func TestPublisher_SendFailureQueuesAndKeepsOrder(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.pub.Connect("abc123"))
	h.waitFor(func(s Stats) bool { return s.State == "open" }, "socket never opened")

	h.dialer.conn(0).setFailWrite(true)
	require.NoError(t, h.pub.Publish(envelope(t, "abc123", 1)))
	require.NoError(t, h.pub.Publish(envelope(t, "abc123", 2)))

	h.waitFor(func(s Stats) bool { return s.State == "closed" && s.Queued == 2 }, "failure not handled")
	h.waitPending()
	h.clock.Add(time.Second)

	h.waitFor(func(s Stats) bool { return s.State == "open" && s.Queued == 0 }, "did not reconnect")
	envs := h.dialer.conn(1).envelopes(t)
	require.Len(t, envs, 2)
	assert.Equal(t, int64(1), envs[0].Timestamp)
	assert.Equal(t, int64(2), envs[1].Timestamp)
}

func TestPublisher_DisconnectDoesNotRetry(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.pub.Connect("abc123"))
	h.waitFor(func(s Stats) bool { return s.State == "open" }, "socket never opened")

	require.NoError(t, h.pub.Disconnect())
	st := h.stats()
	assert.Equal(t, "idle", st.State)

	select {
	case <-h.dialer.conn(0).Done():
	case <-time.After(time.Second):
		t.Fatal("socket not closed")
	}

	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.scheduler.Pending(RetryTimerName))
	assert.Equal(t, 0, h.stats().RetryCount)
}

func TestPublisher_RoomSwitchCancelsPriorCycle(t *testing.T) {
	h := newHarness(t, Config{})
	h.tokens.fail(errTransient)

	require.NoError(t, h.pub.Connect("roomA"))
	require.NoError(t, h.pub.Publish(envelope(t, "roomA", 1)))
	h.waitFor(func(s Stats) bool { return s.RetryCount == 1 && s.Queued == 1 }, "room A retry")
	h.waitPending()

	require.NoError(t, h.pub.Connect("roomB"))
	require.NoError(t, h.pub.Publish(envelope(t, "roomB", 2)))

	st := h.waitFor(func(s Stats) bool { return s.State == "open" && s.Queued == 0 }, "room B never opened")
	assert.Equal(t, "roomB", st.Room)
	assert.Equal(t, 0, st.RetryCount)

	h.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{"roomA", "roomB"}, h.tokens.rooms())
	require.Equal(t, 1, h.dialer.dialCount())
	envs := h.dialer.conn(0).envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, int64(2), envs[0].Timestamp)
	assert.Equal(t, "roomB", h.stats().Room)
}

func TestPublisher_SwitchClosesOldSocketWithoutRetry(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.pub.Connect("roomA"))
	h.waitFor(func(s Stats) bool { return s.State == "open" }, "room A never opened")

	require.NoError(t, h.pub.Connect("roomB"))
	h.waitFor(func(s Stats) bool { return s.State == "open" && s.Room == "roomB" }, "room B never opened")

	select {
	case <-h.dialer.conn(0).Done():
	case <-time.After(time.Second):
		t.Fatal("room A socket left open")
	}
	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.scheduler.Pending(RetryTimerName))
	assert.Equal(t, 0, h.stats().RetryCount)
}

func TestPublisher_QueueCapacity(t *testing.T) {
	h := newHarness(t, Config{})
	h.dialer.err = errors.New("unreachable")

	require.NoError(t, h.pub.Connect("abc123"))
	for i := 1; i <= 130; i++ {
		require.NoError(t, h.pub.Publish(envelope(t, "abc123", i)))
	}
	st := h.waitFor(func(s Stats) bool { return s.Queued == 100 }, "queue not capped")
	assert.Equal(t, 100, st.Queued)
}

func TestPublisher_RetryBudgetExhausted(t *testing.T) {
	policy := backoff.HubPolicy
	policy.MaxAttempts = 3
	h := newHarness(t, Config{Policy: policy})
	h.tokens.fail(errTransient, errTransient, errTransient, errTransient)

	require.NoError(t, h.pub.Connect("abc123"))
	for i := 1; i <= 3; i++ {
		h.waitFor(func(s Stats) bool { return s.RetryCount == i && s.State == "closed" }, "retry not scheduled")
		h.waitPending()
		h.clock.Add(h.pendingDelay())
	}

	assert.Eventually(t, func() bool { return len(h.tokens.rooms()) == 4 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.scheduler.Pending(RetryTimerName))
	assert.Equal(t, 3, h.stats().RetryCount)

	// A fresh room request still works after the budget ran out.
	require.NoError(t, h.pub.Connect("other"))
	h.waitFor(func(s Stats) bool { return s.State == "open" && s.Room == "other" }, "fresh room did not connect")
}

func TestPublisher_RetrySurvivesRestart(t *testing.T) {
	h := newHarness(t, Config{})
	h.tokens.fail(errTransient)

	require.NoError(t, h.pub.Connect("abc123"))
	h.waitFor(func(s Stats) bool { return s.RetryCount == 1 }, "retry not scheduled")
	h.waitPending()

	// Simulate the relay being suspended and restarted.
	h.cancel()
	h.scheduler.Close()

	h.start(Config{})
	require.NoError(t, h.scheduler.Resume(context.Background()))
	h.clock.Add(time.Second)

	st := h.waitFor(func(s Stats) bool { return s.State == "open" }, "resumed retry did not reconnect")
	assert.Equal(t, "abc123", st.Room)
	assert.Equal(t, []string{"abc123", "abc123"}, h.tokens.rooms())
}

func TestPublisher_StoppedReturnsErrClosed(t *testing.T) {
	h := newHarness(t, Config{})
	h.cancel()

	assert.Eventually(t, func() bool {
		return errors.Is(h.pub.Publish(envelope(t, "x", 1)), ErrClosed)
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.pub.Connect("x"), ErrClosed)
	_, err := h.pub.Stats(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublisher_ConnectDuringCooldownWaitsForTimer(t *testing.T) {
	h := newHarness(t, Config{})
	h.tokens.fail(errUnauthorized)

	require.NoError(t, h.pub.Connect("abc123"))
	h.waitFor(func(s Stats) bool { return s.AuthBackoff && s.State == "closed" }, "auth backoff not set")
	h.waitPending()

	require.NoError(t, h.pub.Connect("abc123"))
	require.NoError(t, h.pub.Publish(envelope(t, "abc123", 1)))
	require.NoError(t, h.pub.Connect("abc123"))
	h.stats()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.tokens.rooms(), 1)

	h.clock.Add(60 * time.Second)
	h.waitFor(func(s Stats) bool { return s.State == "open" && s.Queued == 0 }, "never connected after cooldown")
	assert.Len(t, h.tokens.rooms(), 2)
}
