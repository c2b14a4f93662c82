// Package history implements the hub's bounded per-source replay buffer
// (C3 in spec.md), serving retransmission requests without ever transcoding
// the frames it stores.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/kira666-sentient/audiorelay/internal/frameio"
)

// Defaults from spec §6.
const (
	DefaultMax   = 400
	DefaultAgeMs = 10000

	// evictBatch is how many of the oldest entries are removed per eviction
	// pass once size exceeds Max (spec §4.3).
	evictBatch = 50

	// maxRangeLen bounds a single fetchRange request (spec §4.3).
	maxRangeLen = 100

	// maxRangeBytes bounds the total payload size of a fetchRange response.
	maxRangeBytes = 50 * 1024 * 1024
)

// entry pairs a stored Frame with its insertion order for age-ordered eviction.
type entry struct {
	frame frameio.Frame
	order uint64
}

// perSource is the bounded seq->Frame map for one source.
type perSource struct {
	mu      sync.RWMutex
	byKey   map[uint32]entry
	order   uint64
	maxSize int
	maxAge  time.Duration
}

func newPerSource(maxSize int, maxAge time.Duration) *perSource {
	return &perSource{byKey: make(map[uint32]entry), maxSize: maxSize, maxAge: maxAge}
}

// Store is the hub-wide replay history, one perSource bucket per sourceId.
type Store struct {
	mu      sync.RWMutex
	sources map[string]*perSource
	maxSize int
	maxAge  time.Duration
}

// New returns a Store with the given per-source size cap and age cap.
func New(maxSize int, maxAge time.Duration) *Store {
	if maxSize <= 0 {
		maxSize = DefaultMax
	}
	if maxAge <= 0 {
		maxAge = DefaultAgeMs * time.Millisecond
	}
	return &Store{sources: make(map[string]*perSource), maxSize: maxSize, maxAge: maxAge}
}

func (s *Store) bucket(sourceID string) *perSource {
	s.mu.RLock()
	b, ok := s.sources[sourceID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.sources[sourceID]; ok {
		return b
	}
	b = newPerSource(s.maxSize, s.maxAge)
	s.sources[sourceID] = b
	return b
}

// Record stores f, keyed by its seq (wrapped to uint32 already). Record
// applies eviction (size and age) after insert, per spec §4.3.
func (s *Store) Record(sourceID string, f frameio.Frame) {
	b := s.bucket(sourceID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.order++
	b.byKey[f.Seq] = entry{frame: f, order: b.order}
	// Age eviction is relative to this frame's arrival time rather than
	// wall-clock time.Now(), so a source fed from a synthetic or replayed
	// clock (as in tests) ages its own history consistently.
	b.evictLocked(f.ReceivedAt)
}

// evictLocked removes entries past the age cap, then the oldest entries
// until size <= 0.8*maxSize, in batches of evictBatch (spec §4.3). Caller
// must hold b.mu.
func (b *perSource) evictLocked(now time.Time) {
	for key, e := range b.byKey {
		if now.Sub(e.frame.ReceivedAt) > b.maxAge {
			delete(b.byKey, key)
		}
	}

	if len(b.byKey) <= b.maxSize {
		return
	}
	target := (b.maxSize * 8) / 10
	for len(b.byKey) > target {
		type agedKey struct {
			key   uint32
			order uint64
		}
		aged := make([]agedKey, 0, len(b.byKey))
		for k, e := range b.byKey {
			aged = append(aged, agedKey{k, e.order})
		}
		sort.Slice(aged, func(i, j int) bool { return aged[i].order < aged[j].order })

		n := evictBatch
		if n > len(aged) {
			n = len(aged)
		}
		for i := 0; i < n; i++ {
			delete(b.byKey, aged[i].key)
		}
	}
}

// FetchRange returns the stored frames with seq in [startSeq, endSeq]
// (inclusive, walked forward from startSeq in 32-bit wrap-around order, so
// a range spanning the wrap is served), marked IsRetransmission, clamped to maxRangeLen sequences and
// maxRangeBytes of total sample payload (spec §4.3). On overflow the range
// is truncated at the sequence boundary rather than erroring.
func (s *Store) FetchRange(sourceID string, startSeq, endSeq uint32) []frameio.Frame {
	length := int(endSeq-startSeq) + 1
	if length <= 0 {
		return nil
	}
	if length > maxRangeLen {
		endSeq = startSeq + maxRangeLen - 1
	}

	b := s.bucket(sourceID)
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []frameio.Frame
	var total int
	for seq := startSeq; ; seq++ {
		if e, ok := b.byKey[seq]; ok {
			sz := len(e.frame.Samples) * 4
			if total+sz > maxRangeBytes {
				break
			}
			f := e.frame
			f.IsRetransmission = true
			out = append(out, f)
			total += sz
		}
		if seq == endSeq {
			break
		}
	}
	return out
}

// Size returns the number of retained frames for sourceID (test/metrics use).
func (s *Store) Size(sourceID string) int {
	b := s.bucket(sourceID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byKey)
}

// Drop removes a source's entire history (stopStreaming / disconnect).
func (s *Store) Drop(sourceID string) {
	s.mu.Lock()
	delete(s.sources, sourceID)
	s.mu.Unlock()
}
