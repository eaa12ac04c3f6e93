package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

var (
	identityPrefix = []byte("identity/")
	timerPrefix    = []byte("timer/")
	usageKey       = []byte("usage")
)

// PebbleOptions configures the embedded store.
type PebbleOptions struct {
	// Dir is the database directory. Required unless PebbleOptions is set
	// with an in-memory FS.
	Dir string
	// PebbleOptions allows tuning Pebble directly. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// Pebble keeps durable state in an embedded Pebble database, for relays that
// run without a Redis instance.
type Pebble struct {
	db *pebble.DB
	// read-modify-write sequences (identity set-if-absent, counter) are
	// serialized here; Pebble itself only guarantees single-op atomicity.
	mu sync.Mutex
}

func OpenPebble(opts PebbleOptions) (*Pebble, error) {
	po := opts.PebbleOptions
	if po == nil {
		if opts.Dir == "" {
			return nil, errors.New("pebble: data dir is required")
		}
		po = &pebble.Options{}
	}

	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", opts.Dir, err)
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) get(key []byte) ([]byte, bool, error) {
	val, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

func (p *Pebble) PublisherID(_ context.Context, room string, candidate uuid.UUID) (uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := append(append([]byte(nil), identityPrefix...), room...)
	raw, ok, err := p.get(key)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load identity for %s: %w", room, err)
	}
	if ok {
		if id, err := uuid.ParseBytes(raw); err == nil {
			return id, nil
		}
		slog.Warn("[STORE] Corrupt identity entry, replacing", "room", room)
	}

	if err := p.db.Set(key, []byte(candidate.String()), pebble.Sync); err != nil {
		return uuid.Nil, fmt.Errorf("store identity for %s: %w", room, err)
	}
	return candidate, nil
}

func (p *Pebble) SaveDeadline(_ context.Context, d Deadline) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	key := append(append([]byte(nil), timerPrefix...), d.Name...)
	return p.db.Set(key, payload, pebble.Sync)
}

func (p *Pebble) DeleteDeadline(_ context.Context, name string) error {
	key := append(append([]byte(nil), timerPrefix...), name...)
	return p.db.Delete(key, pebble.Sync)
}

func (p *Pebble) Deadlines(_ context.Context) ([]Deadline, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: timerPrefix,
		UpperBound: prefixUpperBound(timerPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Deadline
	for iter.First(); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(timerPrefix):])

		var d Deadline
		if err := json.Unmarshal(iter.Value(), &d); err != nil || d.At.IsZero() {
			slog.Warn("[STORE] Skipping unreadable deadline", "name", name, "error", err)
			continue
		}
		d.Name = name
		out = append(out, d)
	}
	return out, nil
}

func (p *Pebble) IncrUsage(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.readUsage()
	n++
	if err := p.db.Set(usageKey, []byte(strconv.FormatInt(n, 10)), pebble.Sync); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Pebble) Usage(_ context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readUsage(), nil
}

func (p *Pebble) readUsage() int64 {
	raw, ok, err := p.get(usageKey)
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		slog.Warn("[STORE] Unreadable usage counter, resetting", "error", err)
		return 0
	}
	return n
}

func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
