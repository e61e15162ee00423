// Package ratelimit implements the C6 rate limiter: one global token
// bucket plus one per-session bucket, grounded directly on the teacher's
// control_plane/scheduler/limiter.go TokenBucketLimiter, with Reserve/Allow
// split into a non-mutating Check and a mutating Consume per spec.md §4.5.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cuemby/swarmd/pkg/metrics"
	"golang.org/x/time/rate"
)

// Config configures the limiter, per spec.md §6 rate_limit.* options.
type Config struct {
	RPS             float64
	Burst           int
	PerSessionLimit float64
	ExemptMethods   []string
}

// Decision is the result of a non-mutating Check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter holds one global bucket and one bucket per session.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	global   *rate.Limiter
	sessions map[string]*rate.Limiter
	exempt   map[string]bool
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	if cfg.RPS <= 0 {
		cfg.RPS = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RPS)
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
	}
	if cfg.PerSessionLimit <= 0 {
		cfg.PerSessionLimit = cfg.RPS
	}
	exempt := make(map[string]bool, len(cfg.ExemptMethods))
	for _, m := range cfg.ExemptMethods {
		exempt[m] = true
	}
	if len(exempt) == 0 {
		exempt["initialize"] = true
	}
	return &Limiter{
		cfg:      cfg,
		global:   rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		sessions: make(map[string]*rate.Limiter),
		exempt:   exempt,
	}
}

func (l *Limiter) sessionLimiter(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.sessions[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.PerSessionLimit), int(l.cfg.PerSessionLimit))
		l.sessions[sessionID] = lim
	}
	return lim
}

// Check reports whether a request for method on sessionID would currently
// be allowed, without consuming a token. Handshake methods are exempt.
func (l *Limiter) Check(sessionID, method string) Decision {
	if l.exempt[method] {
		return Decision{Allowed: true}
	}

	now := time.Now()
	globalRes := l.global.ReserveN(now, 1)
	globalDelay := globalRes.DelayFrom(now)
	globalRes.CancelAt(now)
	if globalDelay > 0 {
		metrics.RateLimitRejectedTotal.WithLabelValues("global").Inc()
		return Decision{Allowed: false, RetryAfter: globalDelay}
	}

	sess := l.sessionLimiter(sessionID)
	sessRes := sess.ReserveN(now, 1)
	sessDelay := sessRes.DelayFrom(now)
	sessRes.CancelAt(now)
	if sessDelay > 0 {
		metrics.RateLimitRejectedTotal.WithLabelValues("session").Inc()
		return Decision{Allowed: false, RetryAfter: sessDelay}
	}

	return Decision{Allowed: true}
}

// Consume deducts exactly one token from both the global and per-session
// buckets. Callers must only invoke this after the RPC routing layer has
// accepted the method, per spec.md §4.5.
func (l *Limiter) Consume(sessionID, method string) bool {
	if l.exempt[method] {
		return true
	}
	if !l.global.Allow() {
		metrics.RateLimitRejectedTotal.WithLabelValues("global").Inc()
		return false
	}
	sess := l.sessionLimiter(sessionID)
	if !sess.Allow() {
		metrics.RateLimitRejectedTotal.WithLabelValues("session").Inc()
		return false
	}
	return true
}

// ReleaseSession drops a session's bucket, e.g. on session close, freeing
// its memory; a later request re-creates a fresh bucket.
func (l *Limiter) ReleaseSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}
