// Package playback implements the listener-side playback scheduler (C8 in
// spec.md): a monotonic play-time timeline with underrun recovery, plus
// the per-frame sample shaping (transient suppression and crossfade) that
// smooths over gaps, retransmissions, and rate changes without the hub
// ever being involved.
package playback

import (
	"math"
	"time"
)

// LatencyMode selects how far ahead of "now" playback is scheduled.
type LatencyMode string

const (
	LatencyUltra  LatencyMode = "ultra"
	LatencyLow    LatencyMode = "low"
	LatencyStable LatencyMode = "stable"
)

// targetLatency returns the scheduling lead time for mode (spec §4.7).
func targetLatency(mode LatencyMode) time.Duration {
	switch mode {
	case LatencyUltra:
		return 70 * time.Millisecond
	case LatencyStable:
		return 150 * time.Millisecond
	default: // low, and any unrecognized mode
		return 120 * time.Millisecond
	}
}

// Sample shaping tunables (spec §4.7).
const (
	transientHardThreshold = 0.9  // |sample[i] - sample[i-1]| above this is a hard click
	transientSoftThreshold = 0.18 // above this but at/below the hard threshold is a soft click
	crossfadeLen           = 64   // samples per channel captured for the Hann crossfade tail
)

// Scheduling tunables (spec §4.7 steps 2-3).
const (
	underrunSlack = 5 * time.Millisecond  // how close now may trail nextPlayTime before it's an underrun
	minLead       = 1 * time.Millisecond  // floor applied to startAt so it's never in the past
)

// Scheduler maintains the monotonic playback timeline for one listener and
// shapes each incoming frame's samples before handing them to the audio
// output path.
type Scheduler struct {
	mode           LatencyMode
	nextPlayTime   time.Time
	haveSchedule   bool
	tails          map[int][]float32 // per-channel captured crossfade tail, keyed by channel index
	reliableOnly   bool              // pure reliable mode: bypass shaping entirely (spec §4.7)
	forceFadeIn    bool
}

// New returns a Scheduler starting in mode.
func New(mode LatencyMode) *Scheduler {
	return &Scheduler{mode: mode, tails: make(map[int][]float32)}
}

// SetMode switches latency modes, which per spec §4.7 forces a resync: the
// next Schedule call re-derives nextPlayTime from "now" instead of
// continuing the old timeline.
func (s *Scheduler) SetMode(mode LatencyMode) {
	if mode == s.mode {
		return
	}
	s.mode = mode
	s.ResetSync()
}

// SetReliableOnly toggles pure reliable mode, where samples pass through
// Prepare unshaped (no transient suppression, no crossfade) because the
// reorder manager already guarantees gapless, duplicate-free delivery and
// shaping would only cost latency for no benefit (spec §4.7).
func (s *Scheduler) SetReliableOnly(on bool) {
	s.reliableOnly = on
}

// ResetSync drops the current timeline so the next Schedule call starts a
// fresh one target-latency ahead of now, and marks the next Prepare call to
// fade in rather than crossfade against a tail computed under the old
// timeline (spec §4.7, §5 Open Questions: forceFadeIn skips crossfade and
// applies a fade-in instead of crossfading against a stale/absent tail).
func (s *Scheduler) ResetSync() {
	s.haveSchedule = false
	s.forceFadeIn = true
	for k := range s.tails {
		delete(s.tails, k)
	}
}

// Schedule computes when a frame arriving now with the given duration
// should play, applying the scheduler's 5-step rule:
//
//  1. No schedule yet: startAt = now + targetLatency; start the timeline there.
//  2. nextPlayTime is earlier than now + underrunSlack (an underrun): resync
//     the same way as (1) and set forceFadeIn.
//  3. Otherwise: startAt = nextPlayTime (the timeline holds), floored at
//     now + minLead.
//  4. Advance nextPlayTime by duration regardless of which branch ran.
//  5. Report whether this call recovered from an underrun, so callers can
//     count it.
func (s *Scheduler) Schedule(now time.Time, duration time.Duration) (startAt time.Time, underrun bool) {
	lead := targetLatency(s.mode)

	if !s.haveSchedule {
		startAt = now.Add(lead)
		s.nextPlayTime = startAt.Add(duration)
		s.haveSchedule = true
		return startAt, false
	}

	if s.nextPlayTime.Before(now.Add(underrunSlack)) {
		// The timeline has drifted within underrunSlack of (or past) now:
		// treat it as an underrun and resync rather than scheduling a start
		// time that's already arrived or about to.
		startAt = now.Add(lead)
		s.nextPlayTime = startAt.Add(duration)
		s.forceFadeIn = true
		return startAt, true
	}

	startAt = s.nextPlayTime
	if floor := now.Add(minLead); startAt.Before(floor) {
		startAt = floor
	}
	s.nextPlayTime = s.nextPlayTime.Add(duration)
	return startAt, false
}

// Prepare shapes one channel's samples for playback: hard clamp, transient
// suppression, and crossfade against (or fade-in in place of) the
// previously captured tail for that channel. channel indexes which tail to
// use/update; callers call Prepare once per channel per frame.
func (s *Scheduler) Prepare(channel int, samples []float32) []float32 {
	out := make([]float32, len(samples))
	copy(out, samples)
	hardClamp(out)

	if s.reliableOnly {
		return out
	}

	suppressTransients(out)

	tail, hadTail := s.tails[channel]
	switch {
	case s.forceFadeIn || !hadTail || len(tail) == 0:
		fadeIn(out)
	default:
		crossfade(tail, out)
	}
	s.tails[channel] = captureTail(out)
	return out
}

// FrameDone clears forceFadeIn after every channel of a frame has been
// prepared, so subsequent frames crossfade normally again.
func (s *Scheduler) FrameDone() {
	s.forceFadeIn = false
}

func hardClamp(samples []float32) {
	for i, v := range samples {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			samples[i] = 0
			continue
		}
		if v > 1 {
			samples[i] = 1
		} else if v < -1 {
			samples[i] = -1
		}
	}
}

// suppressTransients blends any sample whose jump from its predecessor
// exceeds one of two thresholds back toward the predecessor, rather than
// passing the click through unaltered (spec §4.7):
//
//   - delta > transientHardThreshold: a hard click, blended mostly toward
//     the clamped sign of the current sample.
//   - transientSoftThreshold < delta <= transientHardThreshold: a softer
//     click, blended 0.35 predecessor to 0.65 current sample.
//   - delta <= transientSoftThreshold: passed through unchanged.
func suppressTransients(samples []float32) {
	for i := 1; i < len(samples); i++ {
		prev := float64(samples[i-1])
		cur := float64(samples[i])
		delta := math.Abs(cur - prev)
		switch {
		case delta > transientHardThreshold:
			samples[i] = float32(0.25*prev + 0.75*signOf(cur)*0.85)
		case delta > transientSoftThreshold:
			samples[i] = float32(0.35*prev + 0.65*cur)
		}
	}
}

// signOf returns -1, 0, or 1 according to the sign of v.
func signOf(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// fadeIn ramps samples up from 0 over their own length using a Hann-style
// rise, used when there is no valid tail to crossfade against (spec §5
// Open Question: forceFadeIn behavior).
func fadeIn(samples []float32) {
	n := len(samples)
	if n == 0 {
		return
	}
	for i := range samples {
		g := hannRise(i, n)
		samples[i] = float32(float64(samples[i]) * g)
	}
}

// crossfade blends tail (the end of the previous frame) into the start of
// cur using a Hann window, overlapping min(len(tail), len(cur), crossfadeLen)
// samples.
func crossfade(tail []float32, cur []float32) {
	n := len(tail)
	if len(cur) < n {
		n = len(cur)
	}
	if n > crossfadeLen {
		n = crossfadeLen
	}
	for i := 0; i < n; i++ {
		g := hannRise(i, n) // 0 -> 1 across the overlap
		cur[i] = float32(float64(tail[len(tail)-n+i])*(1-g) + float64(cur[i])*g)
	}
}

// captureTail returns the trailing crossfadeLen samples of samples (or all
// of them if shorter), copied so later mutation of samples doesn't alias it.
func captureTail(samples []float32) []float32 {
	n := crossfadeLen
	if n > len(samples) {
		n = len(samples)
	}
	tail := make([]float32, n)
	copy(tail, samples[len(samples)-n:])
	return tail
}

// hannRise returns the Hann window's rising half evaluated at sample i of n
// (0 at i==0, 1 at i==n-1), used for both fade-in and crossfade.
func hannRise(i, n int) float64 {
	if n <= 1 {
		return 1
	}
	return 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(n-1)))
}
