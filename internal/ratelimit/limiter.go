// Package ratelimit implements sliding-window rate limiting for the
// control and media planes. Counters live in memory only; a provider
// restart clears all windows.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scope identifies an independently limited operation class.
type Scope string

const (
	// ScopePair limits pair_request frames per device ID.
	ScopePair Scope = "pair"
	// ScopeAuth limits failed auth attempts per device ID.
	ScopeAuth Scope = "auth"
	// ScopeMessage limits accepted client messages per user ID.
	ScopeMessage Scope = "message"
	// ScopeTyping limits client typing signals per device ID.
	ScopeTyping Scope = "typing"
	// ScopeOversize limits oversize upload attempts per device ID.
	ScopeOversize Scope = "oversize"
)

var rejectedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "clawline_ratelimit_exceeded_total",
		Help: "Total number of requests rejected by rate limiting",
	},
	[]string{"scope"},
)

// Window bounds one scope: at most Limit events per Interval.
type Window struct {
	Interval time.Duration
	Limit    int
}

// Config holds the per-scope windows and janitor cadence.
type Config struct {
	Windows map[Scope]Window

	// CleanupInterval bounds how often idle keys are swept.
	CleanupInterval time.Duration
}

// DefaultConfig returns the stock windows. The message and typing
// scopes are configurable per deployment; the rest are fixed.
func DefaultConfig(messagesPerSecond, typingPerSecond int) Config {
	return Config{
		Windows: map[Scope]Window{
			ScopePair:     {Interval: 60 * time.Second, Limit: 5},
			ScopeAuth:     {Interval: 60 * time.Second, Limit: 5},
			ScopeMessage:  {Interval: time.Second, Limit: messagesPerSecond},
			ScopeTyping:   {Interval: time.Second, Limit: typingPerSecond},
			ScopeOversize: {Interval: 60 * time.Second, Limit: 3},
		},
		CleanupInterval: 5 * time.Minute,
	}
}

type entryKey struct {
	scope Scope
	key   string
}

// Limiter tracks event timestamps per (scope, key) pair and answers
// admission questions against a sliding window.
type Limiter struct {
	cfg Config

	mu          sync.Mutex
	events      map[entryKey][]time.Time
	lastCleanup time.Time

	now func() time.Time
}

// New creates a limiter with the given configuration.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	l := &Limiter{
		cfg:    cfg,
		events: make(map[entryKey][]time.Time),
		now:    time.Now,
	}
	l.lastCleanup = l.now()
	return l
}

// Attempt records one event for key under scope and reports whether it
// is admitted. Timestamps older than the scope's window are discarded
// before counting; a rejected attempt is not recorded, so a client that
// keeps hammering does not extend its own lockout.
func (l *Limiter) Attempt(scope Scope, key string) bool {
	w, ok := l.cfg.Windows[scope]
	if !ok || w.Limit <= 0 {
		// Unknown or zero-limit scope admits nothing.
		rejectedTotal.WithLabelValues(string(scope)).Inc()
		return false
	}

	now := l.now()
	cutoff := now.Add(-w.Interval)
	ek := entryKey{scope: scope, key: key}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeCleanup(now)

	ts := l.events[ek]
	ts = pruneBefore(ts, cutoff)

	if len(ts) >= w.Limit {
		if len(ts) > 0 {
			l.events[ek] = ts
		} else {
			delete(l.events, ek)
		}
		rejectedTotal.WithLabelValues(string(scope)).Inc()
		return false
	}

	l.events[ek] = append(ts, now)
	return true
}

// Remaining reports how many further events key could record under
// scope right now. Used for log context, never for admission.
func (l *Limiter) Remaining(scope Scope, key string) int {
	w, ok := l.cfg.Windows[scope]
	if !ok || w.Limit <= 0 {
		return 0
	}

	now := l.now()
	cutoff := now.Add(-w.Interval)
	ek := entryKey{scope: scope, key: key}

	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(pruneBefore(l.events[ek], cutoff))
	if n >= w.Limit {
		return 0
	}
	return w.Limit - n
}

// maybeCleanup drops keys whose every timestamp has aged out of its
// window. Called with l.mu held.
func (l *Limiter) maybeCleanup(now time.Time) {
	if now.Sub(l.lastCleanup) < l.cfg.CleanupInterval {
		return
	}
	l.lastCleanup = now

	for ek, ts := range l.events {
		w, ok := l.cfg.Windows[ek.scope]
		if !ok {
			delete(l.events, ek)
			continue
		}
		live := pruneBefore(ts, now.Add(-w.Interval))
		if len(live) == 0 {
			delete(l.events, ek)
		} else {
			l.events[ek] = live
		}
	}
}

// pruneBefore returns the suffix of ts strictly after cutoff.
// Timestamps are appended in order, so a linear scan from the front
// finds the boundary.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	out := make([]time.Time, len(ts)-i)
	copy(out, ts[i:])
	return out
}

// TrackedKeys reports how many (scope, key) pairs currently hold state.
func (l *Limiter) TrackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
