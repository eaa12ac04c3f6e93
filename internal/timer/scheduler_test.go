package timer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hand-relay/internal/store"
)

type recorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *recorder) handle(payload string) {
	r.mu.Lock()
	r.fired = append(r.fired, payload)
	r.mu.Unlock()
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fired...)
}

func TestScheduler_FiresAfterDelay(t *testing.T) {
	mock := clock.NewMock()
	st := store.NewMemory()
	s := NewScheduler(mock, st, nil)
	rec := &recorder{}
	s.Handle("hub-reconnect", rec.handle)

	require.NoError(t, s.Schedule(context.Background(), "hub-reconnect", 2*time.Second, "abc123"))
	assert.True(t, s.Pending("hub-reconnect"))

	deadlines, _ := st.Deadlines(context.Background())
	require.Len(t, deadlines, 1)

	mock.Add(time.Second)
	assert.Empty(t, rec.calls())

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return len(rec.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"abc123"}, rec.calls())
	assert.False(t, s.Pending("hub-reconnect"))

	deadlines, _ = st.Deadlines(context.Background())
	assert.Empty(t, deadlines)
}

func TestScheduler_ReplaceKeepsOnlyLatest(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock, store.NewMemory(), nil)
	rec := &recorder{}
	s.Handle("hub-reconnect", rec.handle)

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx, "hub-reconnect", time.Second, "old"))
	require.NoError(t, s.Schedule(ctx, "hub-reconnect", 3*time.Second, "new"))

	mock.Add(5 * time.Second)
	assert.Eventually(t, func() bool { return len(rec.calls()) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"new"}, rec.calls())
}

func TestScheduler_CancelNeverFires(t *testing.T) {
	mock := clock.NewMock()
	st := store.NewMemory()
	s := NewScheduler(mock, st, nil)
	rec := &recorder{}
	s.Handle("hub-reconnect", rec.handle)

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx, "hub-reconnect", time.Second, "abc"))
	s.Cancel(ctx, "hub-reconnect")

	mock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.calls())

	deadlines, _ := st.Deadlines(ctx)
	assert.Empty(t, deadlines)
}

func TestScheduler_ResumeAfterRestart(t *testing.T) {
	mock := clock.NewMock()
	st := store.NewMemory()
	ctx := context.Background()

	first := NewScheduler(mock, st, nil)
	first.Handle("hub-reconnect", func(string) { t.Error("closed scheduler fired") })
	require.NoError(t, first.Schedule(ctx, "hub-reconnect", 4*time.Second, "abc123"))
	first.Close()

	second := NewScheduler(mock, st, nil)
	rec := &recorder{}
	second.Handle("hub-reconnect", rec.handle)
	require.NoError(t, second.Resume(ctx))
	assert.True(t, second.Pending("hub-reconnect"))

	mock.Add(4 * time.Second)
	assert.Eventually(t, func() bool { return len(rec.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"abc123"}, rec.calls())
}

func TestScheduler_ResumeOverdueFiresImmediately(t *testing.T) {
	mock := clock.NewMock()
	st := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, st.SaveDeadline(ctx, store.Deadline{
		Name:    "hub-reconnect",
		At:      mock.Now().Add(-time.Minute),
		Payload: "late",
	}))

	s := NewScheduler(mock, st, nil)
	rec := &recorder{}
	s.Handle("hub-reconnect", rec.handle)
	require.NoError(t, s.Resume(ctx))

	assert.Eventually(t, func() bool { return len(rec.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"late"}, rec.calls())
}

func TestScheduler_ScheduleAfterClose(t *testing.T) {
	s := NewScheduler(clock.NewMock(), store.NewMemory(), nil)
	s.Close()
	assert.ErrorIs(t, s.Schedule(context.Background(), "x", time.Second, ""), ErrClosed)
}
