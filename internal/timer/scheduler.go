// Package timer implements named timers whose deadlines are persisted, so a
// retry scheduled before the relay was suspended or restarted still fires
// once the process comes back and calls Resume.
package timer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"hand-relay/internal/store"
)

var ErrClosed = errors.New("scheduler closed")

// Handler runs when a named timer fires. payload is whatever was passed to
// Schedule.
type Handler func(payload string)

type armedTimer struct {
	timer *clock.Timer
	seq   uint64
}

// Scheduler keeps at most one timer per name. Scheduling a name again
// replaces the earlier timer; a replaced or cancelled timer never runs its
// handler.
type Scheduler struct {
	clock  clock.Clock
	store  store.DeadlineStore
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	armed    map[string]armedTimer
	seq      uint64
	closed   bool
}

func NewScheduler(clk clock.Clock, deadlines store.DeadlineStore, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:    clk,
		store:    deadlines,
		logger:   logger,
		handlers: make(map[string]Handler),
		armed:    make(map[string]armedTimer),
	}
}

// Handle registers the handler for name. Register handlers before Resume so
// that deadlines restored from the store have somewhere to go.
func (s *Scheduler) Handle(name string, h Handler) {
	s.mu.Lock()
	s.handlers[name] = h
	s.mu.Unlock()
}

// Schedule persists a deadline delay from now and arms it. A persistence
// failure is returned but the in-memory timer is armed anyway, so the retry
// still happens unless the process goes away first.
func (s *Scheduler) Schedule(ctx context.Context, name string, delay time.Duration, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	d := store.Deadline{Name: name, At: s.clock.Now().Add(delay), Payload: payload}
	err := s.store.SaveDeadline(ctx, d)
	if err != nil {
		s.logger.Warn("[TIMER] Failed to persist deadline", "name", name, "error", err)
	}

	s.armLocked(d)
	s.logger.Debug("[TIMER] Scheduled", "name", name, "delay", delay, "payload", payload)
	return err
}

// Cancel stops the named timer and forgets its persisted deadline.
func (s *Scheduler) Cancel(ctx context.Context, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.armed[name]; ok {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(s.armed, name)
	}

	if err := s.store.DeleteDeadline(ctx, name); err != nil {
		s.logger.Warn("[TIMER] Failed to delete deadline", "name", name, "error", err)
	}
}

// Pending reports whether a timer with this name is armed.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.armed[name]
	return ok
}

// Resume re-arms every persisted deadline that is not already armed.
// Deadlines already in the past fire right away.
func (s *Scheduler) Resume(ctx context.Context) error {
	deadlines, err := s.store.Deadlines(ctx)
	if err != nil {
		s.logger.Warn("[TIMER] Could not load deadlines, starting empty", "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	for _, d := range deadlines {
		if _, ok := s.armed[d.Name]; ok {
			continue
		}
		s.logger.Info("[TIMER] Resuming deadline", "name", d.Name, "at", d.At, "payload", d.Payload)
		s.armLocked(d)
	}
	return nil
}

// Close stops all in-memory timers. Persisted deadlines are kept for the
// next Resume.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for name, a := range s.armed {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(s.armed, name)
	}
}

func (s *Scheduler) armLocked(d store.Deadline) {
	if prev, ok := s.armed[d.Name]; ok && prev.timer != nil {
		prev.timer.Stop()
	}

	s.seq++
	seq := s.seq
	name, payload := d.Name, d.Payload

	delay := d.At.Sub(s.clock.Now())
	if delay <= 0 {
		s.armed[name] = armedTimer{seq: seq}
		go s.fire(name, seq, payload)
		return
	}

	s.armed[name] = armedTimer{
		timer: s.clock.AfterFunc(delay, func() { s.fire(name, seq, payload) }),
		seq:   seq,
	}
}

func (s *Scheduler) fire(name string, seq uint64, payload string) {
	s.mu.Lock()
	a, ok := s.armed[name]
	if !ok || a.seq != seq || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.armed, name)
	h := s.handlers[name]

	if err := s.store.DeleteDeadline(context.Background(), name); err != nil {
		s.logger.Warn("[TIMER] Failed to delete fired deadline", "name", name, "error", err)
	}
	s.mu.Unlock()

	if h == nil {
		s.logger.Warn("[TIMER] No handler for fired timer", "name", name)
		return
	}

	s.logger.Debug("[TIMER] Fired", "name", name, "payload", payload)
	h(payload)
}
