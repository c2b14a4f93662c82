package hub

import "sync/atomic"

// Circuit breaker constants for frame fan-out (spec §5: documented
// implementation choice for handling a slow or stalled listener without
// blocking the rest of the broadcast).
const circuitBreakerThreshold uint32 = 50 // consecutive failures before the breaker opens

// circuitBreakerProbeInterval allows one probe send every this many skips
// once the breaker is open. Derived from the threshold rather than tuned
// independently, so raising the threshold also spaces out probes.
var circuitBreakerProbeInterval = circuitBreakerThreshold / 2

// sendHealth tracks one listener connection's outbound send success and
// implements a lightweight circuit breaker so a stalled websocket write
// doesn't cost every frame's fan-out a blocked send attempt.
type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

// shouldSkip reports whether the breaker is open and this send should be
// skipped rather than attempted.
func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

// recordFailure increments the consecutive-failure counter and returns its
// new value.
func (h *sendHealth) recordFailure() uint32 {
	return h.failures.Add(1)
}

// recordSuccess resets the breaker and reports whether it had been open.
func (h *sendHealth) recordSuccess() bool {
	wasTripped := h.failures.Swap(0) >= circuitBreakerThreshold
	if wasTripped {
		h.skips.Store(0)
	}
	return wasTripped
}
