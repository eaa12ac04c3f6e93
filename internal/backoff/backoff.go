// Package backoff holds the retry delay schedules for the producer channel and
// the hub publisher.
package backoff

import (
	"math"
	"time"
)

// AuthCooldown is the fixed delay after the token service rejects a request.
const AuthCooldown = 60 * time.Second

// Policy describes a capped exponential schedule: the delay before attempt n
// is min(Base * Factor^(n-1), Max).
type Policy struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

var (
	ChannelPolicy = Policy{
		Base:        2000 * time.Millisecond,
		Factor:      1.5,
		Max:         30000 * time.Millisecond,
		MaxAttempts: 50,
	}

	HubPolicy = Policy{
		Base:        1000 * time.Millisecond,
		Factor:      2,
		Max:         10000 * time.Millisecond,
		MaxAttempts: 100,
	}
)

// Delay returns the wait before the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if math.IsInf(d, 0) || d >= float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether attempts already made use up the budget.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
