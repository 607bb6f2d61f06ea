// Package ratelimit wraps golang.org/x/time/rate for the broker's
// publish- and subscribe-rate limits, adapted from
// ResourceGuard.AllowKafkaMessage / kafkaLimiter in the teacher repo
// (internal/shared/limits/resource_guard.go): a token-bucket limiter
// per concern, non-blocking, with burst set to 2x the steady rate to
// absorb traffic spikes.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a non-blocking token-bucket rate limiter.
type Limiter struct {
	l *rate.Limiter
}

// New builds a Limiter allowing ratePerSec steady-state events per
// second with a burst of 2x that rate.
func New(ratePerSec int) *Limiter {
	if ratePerSec <= 0 {
		return &Limiter{l: rate.NewLimiter(rate.Inf, 0)}
	}
	return &Limiter{l: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2)}
}

// Allow reports whether an event may proceed right now, consuming a
// token if so. It never blocks.
func (r *Limiter) Allow() bool {
	return r.l.Allow()
}

// PerChannel maintains one Limiter per key (channel id or remote
// address), for per-channel publish throttling and per-remote-addr
// connection throttling alike (spec.md doesn't name this explicitly,
// but §4.10's admission control composes naturally with a limiter
// keyed the same way storage shards channels).
type PerChannel struct {
	mu         sync.Mutex
	ratePerSec int
	limiters   map[string]*Limiter
}

// NewPerChannel builds a PerChannel set where each new key gets its own
// Limiter at ratePerSec.
func NewPerChannel(ratePerSec int) *PerChannel {
	return &PerChannel{ratePerSec: ratePerSec, limiters: make(map[string]*Limiter)}
}

// Allow reports whether key may accept an event now, lazily creating
// its Limiter on first use. Safe for concurrent use: HTTP handlers call
// this directly, unlike internal/store/memory's channel-sharded
// counters which are already serialized by their shard lock.
func (p *PerChannel) Allow(key string) bool {
	p.mu.Lock()
	l, ok := p.limiters[key]
	if !ok {
		l = New(p.ratePerSec)
		p.limiters[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
