// Package reorder implements the listener-side reliability manager (C6 in
// spec.md): per-(listener,source) reordering of frames delivered out of
// order, gap detection with throttled retransmission requests, duplicate
// suppression, and idle pruning. All sequence comparisons use 32-bit
// wrap-around serial-number arithmetic (spec §3, §8).
package reorder

import (
	"sync"
	"time"

	"github.com/kira666-sentient/audiorelay/internal/frameio"
	"github.com/kira666-sentient/audiorelay/internal/timers"
)

// Tunables from spec §4.4/§6.
const (
	// RetxMinDelay/RetxMaxDelay bound the throttle window before a gap turns
	// into a requestRetransmission call.
	RetxMinDelay = 90 * time.Millisecond
	RetxMaxDelay = 100 * time.Millisecond

	// DuplicateWindow suppresses re-delivery of a seq already delivered (or
	// explicitly skipped) within this window.
	DuplicateWindow = 100 * time.Millisecond

	// IdleTimeout prunes a (listener,source) state untouched for this long.
	IdleTimeout = 15 * time.Second

	// safetyCap bounds a single drain pass so a corrupt expected counter
	// can never spin the drain loop unbounded.
	safetyCap = 10000
)

// SeqAhead reports whether a is ahead of b in 32-bit wrap-around serial
// space: (a-b) mod 2^32 is in the open interval (0, 2^31) (spec §3).
func SeqAhead(a, b uint32) bool {
	d := a - b
	return d != 0 && d < 1<<31
}

// SeqAfterOrEqual reports whether a == b or a is ahead of b.
func SeqAfterOrEqual(a, b uint32) bool {
	return a == b || SeqAhead(a, b)
}

// RequestFunc asks the hub to retransmit [startSeq, endSeq] for sourceID.
type RequestFunc func(listenerID, sourceID string, startSeq, endSeq uint32)

// DeliverFunc hands an in-order (or explicitly skipped-past) Frame to the
// playback scheduler.
type DeliverFunc func(listenerID, sourceID string, f frameio.Frame)

type delivered struct {
	seq uint32
	at  time.Time
}

// state is one (listener,source) pair's reorder buffer.
type state struct {
	expected     uint32
	haveExpected bool
	buffered     map[uint32]frameio.Frame
	gapFirstSeen time.Time
	retx         *timers.Debounced
	recent       []delivered // small ring of recently delivered/skipped seqs, for duplicate suppression
	lastTouched  time.Time
}

func newState(clock timers.Clock) *state {
	return &state{
		buffered: make(map[uint32]frameio.Frame),
		retx:     timers.NewDebounced(clock, RetxMaxDelay),
	}
}

// key identifies a (listener,source) pair.
type key struct{ listenerID, sourceID string }

// Manager owns every active (listener,source) reorder state.
type Manager struct {
	mu       sync.Mutex
	clock    timers.Clock
	states   map[key]*state
	request  RequestFunc
	deliver  DeliverFunc
}

// NewManager returns a Manager driven by clock, calling request when a gap
// needs retransmitting and deliver for every frame released in order.
func NewManager(clock timers.Clock, request RequestFunc, deliver DeliverFunc) *Manager {
	return &Manager{
		clock:   clock,
		states:  make(map[key]*state),
		request: request,
		deliver: deliver,
	}
}

func (m *Manager) get(k key) *state {
	s, ok := m.states[k]
	if !ok {
		s = newState(m.clock)
		m.states[k] = s
	}
	return s
}

// Submit feeds one received Frame into the (listenerID, sourceID) reorder
// state. It may synchronously call deliver zero or more times (for f and
// any now-unblocked buffered frames) and may schedule a throttled
// retransmission request if a gap remains open.
func (m *Manager) Submit(listenerID, sourceID string, f frameio.Frame) {
	k := key{listenerID, sourceID}
	m.mu.Lock()
	s := m.get(k)
	now := m.clock.Now()
	s.lastTouched = now

	if !f.IsRetransmission && m.isDuplicateLocked(s, f.Seq, now) {
		m.mu.Unlock()
		return
	}

	if !s.haveExpected {
		s.haveExpected = true
		s.expected = f.Seq
	}

	if SeqAhead(s.expected, f.Seq) {
		// Frame arrived after its slot already drained (late retransmission
		// or duplicate of an already-skipped seq); record and drop.
		m.markDeliveredLocked(s, f.Seq, now)
		m.mu.Unlock()
		return
	}

	s.buffered[f.Seq] = f
	toDeliver := m.drainLocked(s, now)

	if f.Seq != s.expected && s.gapFirstSeen.IsZero() {
		s.gapFirstSeen = now
	}
	if len(s.buffered) > 0 {
		m.armRetxLocked(s, listenerID, sourceID)
	}
	m.mu.Unlock()

	for _, d := range toDeliver {
		m.deliver(listenerID, sourceID, d)
	}
}

// armRetxLocked arms s's retransmission timer if none is already pending
// (spec §4.5 step 6: a steady trickle of in-order-but-incomplete arrivals
// must not keep pushing the deadline back). The fired callback recomputes
// the gap's current bounds rather than closing over the bounds seen at arm
// time, since more frames may arrive (and drain part of the gap) before it
// fires. Caller holds m.mu.
func (m *Manager) armRetxLocked(s *state, listenerID, sourceID string) {
	if m.request == nil {
		return
	}
	s.retx.ScheduleIfIdle(func() {
		m.mu.Lock()
		gapOpen := len(s.buffered) > 0
		startSeq := s.expected
		endSeq := m.gapEndLocked(s)
		m.mu.Unlock()
		if gapOpen {
			m.request(listenerID, sourceID, startSeq, endSeq)
		}
	})
}

// drainLocked releases every contiguous run starting at s.expected,
// advancing s.expected past each one, up to safetyCap frames per call.
// Caller holds m.mu.
func (m *Manager) drainLocked(s *state, now time.Time) []frameio.Frame {
	var out []frameio.Frame
	for i := 0; i < safetyCap; i++ {
		f, ok := s.buffered[s.expected]
		if !ok {
			break
		}
		delete(s.buffered, s.expected)
		m.markDeliveredLocked(s, s.expected, now)
		out = append(out, f)
		s.expected++
	}
	if len(s.buffered) == 0 {
		s.gapFirstSeen = time.Time{}
	}
	return out
}

// gapEndLocked returns the last missing seq of the open gap: one before the
// earliest seq currently buffered (by serial order, not raw comparison), or
// s.expected if nothing is buffered.
func (m *Manager) gapEndLocked(s *state) uint32 {
	var lowest uint32
	found := false
	for seq := range s.buffered {
		if !found || SeqAhead(lowest, seq) {
			lowest = seq
			found = true
		}
	}
	if !found {
		return s.expected
	}
	return lowest - 1
}

func (m *Manager) isDuplicateLocked(s *state, seq uint32, now time.Time) bool {
	for _, d := range s.recent {
		if d.seq == seq && now.Sub(d.at) < DuplicateWindow {
			return true
		}
	}
	return false
}

func (m *Manager) markDeliveredLocked(s *state, seq uint32, now time.Time) {
	s.recent = append(s.recent, delivered{seq: seq, at: now})
	cutoff := now.Add(-DuplicateWindow)
	kept := s.recent[:0]
	for _, d := range s.recent {
		if d.at.After(cutoff) {
			kept = append(kept, d)
		}
	}
	s.recent = kept
}

// SkipGap abandons the current gap by user request (spec §4.5's
// skipGap(sourceId, upToSeq)): expected is unconditionally advanced to
// upToSeq, marking every seq skipped over along the way as delivered (for
// duplicate suppression) even if nothing is buffered yet — the common
// "stalled, nothing received past the hole" resync case. Any buffered
// frames at or after upToSeq then drain normally. Returns the frames
// released, in seq order, for the caller to deliver.
func (m *Manager) SkipGap(listenerID, sourceID string, upToSeq uint32) []frameio.Frame {
	k := key{listenerID, sourceID}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(k)
	now := m.clock.Now()

	if !s.haveExpected {
		s.haveExpected = true
		s.expected = upToSeq
	}
	for i := 0; i < safetyCap && s.expected != upToSeq; i++ {
		m.markDeliveredLocked(s, s.expected, now)
		delete(s.buffered, s.expected)
		s.expected++
	}
	s.expected = upToSeq
	return m.drainLocked(s, now)
}

// Prune removes any (listener,source) state untouched for longer than
// IdleTimeout (spec §4.4). Nothing in this package calls it on a schedule;
// the caller decides when to sweep.
func (m *Manager) Prune(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.states {
		if now.Sub(s.lastTouched) > IdleTimeout {
			s.retx.Cancel()
			delete(m.states, k)
		}
	}
}

// Drop removes a single (listener,source) state immediately (leaveAsListener
// or source stop).
func (m *Manager) Drop(listenerID, sourceID string) {
	k := key{listenerID, sourceID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[k]; ok {
		s.retx.Cancel()
		delete(m.states, k)
	}
}
