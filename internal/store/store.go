// Package store persists the relay's durable state: the room to publisher
// identity map, the usage counter and the named retry deadlines.
//
// Reads of missing or corrupt entries degrade to empty values. Writes report
// errors so callers can fall back.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverPebble = "pebble"
)

var ErrUnknownDriver = errors.New("unknown store driver")

// IdentityStore maps rooms to publisher identities.
type IdentityStore interface {
	// PublisherID stores candidate for room unless an identity already exists,
	// and returns whichever identity is stored. The check-and-set is atomic.
	PublisherID(ctx context.Context, room string, candidate uuid.UUID) (uuid.UUID, error)
}

// DeadlineStore keeps named timer deadlines across restarts.
type DeadlineStore interface {
	SaveDeadline(ctx context.Context, d Deadline) error
	DeleteDeadline(ctx context.Context, name string) error
	Deadlines(ctx context.Context) ([]Deadline, error)
}

// Counter is the monotonically incrementing usage counter.
type Counter interface {
	IncrUsage(ctx context.Context) (int64, error)
	Usage(ctx context.Context) (int64, error)
}

type Store interface {
	IdentityStore
	DeadlineStore
	Counter
	Close() error
}

// Deadline is a named wakeup with an opaque payload.
type Deadline struct {
	Name    string    `json:"name"`
	At      time.Time `json:"at"`
	Payload string    `json:"payload,omitempty"`
}

// Options selects and configures a backend.
type Options struct {
	Driver    string
	RedisURL  string
	KeyPrefix string
	PebbleDir string
}

// Open builds the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverRedis:
		return NewRedis(ctx, opts.RedisURL, opts.KeyPrefix)
	case DriverPebble:
		return OpenPebble(PebbleOptions{Dir: opts.PebbleDir})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}
