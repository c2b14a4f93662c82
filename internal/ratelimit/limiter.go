// Package ratelimit implements the hub's per-source admission ceiling (C2 in
// spec.md) on top of golang.org/x/time/rate, plus the throttled
// rateLimitWarning event required by spec §4.2/§6.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCeiling is the default per-source packet ceiling (spec §6
// MAX_PACKETS_PER_SEC), sized for high-rate multichannel sources.
const DefaultCeiling = 150

// WarningWindow is how long a rateLimitWarning, once delivered, suppresses
// further warnings for the same peer (spec §4.2).
const WarningWindow = 5 * time.Second

// Limiter admits or drops packets for a single source and tracks whether a
// warning is currently due. Limiter does no internal locking of its warning
// state, so calls to Admit on the same Limiter must not overlap.
type Limiter struct {
	bucket      *rate.Limiter
	lastWarning time.Time
}

// New returns a Limiter admitting up to ceiling packets/sec, bursting up to
// one second's worth (matching a 1-second sliding window per spec §4.2).
func New(ceiling int) *Limiter {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(ceiling), ceiling)}
}

// Admit reports whether a packet arriving at now should be admitted. On the
// first drop since the warning window last elapsed, it also returns
// warn=true; callers should emit rateLimitWarning exactly once per such call.
func (l *Limiter) Admit(now time.Time) (allowed bool, warn bool) {
	if l.bucket.AllowN(now, 1) {
		return true, false
	}
	if now.Sub(l.lastWarning) >= WarningWindow {
		l.lastWarning = now
		return false, true
	}
	return false, false
}

// Registry holds one Limiter per source, keyed by sourceId; the hub admits
// every source's frames through one Registry. Its mutex guards only the
// map: Admit calls the source's Limiter after releasing it, so calls for
// the same source must not overlap.
type Registry struct {
	mu       sync.Mutex
	ceiling  int
	limiters map[string]*Limiter
}

// NewRegistry returns a Registry admitting up to ceiling packets/sec per source.
func NewRegistry(ceiling int) *Registry {
	return &Registry{ceiling: ceiling, limiters: make(map[string]*Limiter)}
}

// Admit admits or drops a packet for sourceID, creating that source's bucket
// on first use.
func (r *Registry) Admit(sourceID string, now time.Time) (allowed bool, warn bool) {
	r.mu.Lock()
	l, ok := r.limiters[sourceID]
	if !ok {
		l = New(r.ceiling)
		r.limiters[sourceID] = l
	}
	r.mu.Unlock()
	return l.Admit(now)
}

// Clear removes a source's bucket (called on disconnect, spec §4.2).
func (r *Registry) Clear(sourceID string) {
	r.mu.Lock()
	delete(r.limiters, sourceID)
	r.mu.Unlock()
}
