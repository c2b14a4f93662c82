package playback

import (
	"math"
	"testing"
	"time"
)

func TestScheduleFirstCallUsesLatencyLead(t *testing.T) {
	s := New(LatencyLow)
	now := time.Unix(0, 0)
	startAt, underrun := s.Schedule(now, 20*time.Millisecond)
	if underrun {
		t.Fatal("first schedule call must never report underrun")
	}
	want := now.Add(targetLatency(LatencyLow))
	if !startAt.Equal(want) {
		t.Fatalf("expected startAt %v, got %v", want, startAt)
	}
}

func TestScheduleHoldsTimelineWhenOnTrack(t *testing.T) {
	s := New(LatencyLow)
	now := time.Unix(0, 0)
	first, _ := s.Schedule(now, 20*time.Millisecond)
	second, underrun := s.Schedule(now.Add(5*time.Millisecond), 20*time.Millisecond)
	if underrun {
		t.Fatal("should not underrun while well ahead of schedule")
	}
	if !second.Equal(first.Add(20 * time.Millisecond)) {
		t.Fatalf("expected monotonic advance by frame duration, got %v vs %v", second, first)
	}
}

func TestScheduleRecoversFromUnderrun(t *testing.T) {
	s := New(LatencyUltra)
	now := time.Unix(0, 0)
	s.Schedule(now, 20*time.Millisecond)

	// Jump far into the future, well past the scheduled timeline.
	later := now.Add(time.Second)
	startAt, underrun := s.Schedule(later, 20*time.Millisecond)
	if !underrun {
		t.Fatal("expected underrun to be reported")
	}
	want := later.Add(targetLatency(LatencyUltra))
	if !startAt.Equal(want) {
		t.Fatalf("expected resynced startAt %v, got %v", want, startAt)
	}
}

func TestSetModeForcesResync(t *testing.T) {
	s := New(LatencyLow)
	now := time.Unix(0, 0)
	s.Schedule(now, 20*time.Millisecond)
	s.SetMode(LatencyStable)
	startAt, _ := s.Schedule(now.Add(time.Millisecond), 20*time.Millisecond)
	want := now.Add(time.Millisecond).Add(targetLatency(LatencyStable))
	if !startAt.Equal(want) {
		t.Fatalf("expected mode switch to resync the timeline, got %v want %v", startAt, want)
	}
}

func TestPrepareHardClampsOutOfRangeSamples(t *testing.T) {
	// Use reliable mode to isolate hard-clamp behavior from transient
	// suppression, which would otherwise also touch these samples.
	s := New(LatencyLow)
	s.SetReliableOnly(true)
	out := s.Prepare(0, []float32{2.0, -2.0, 0.5})
	if out[0] != 1 || out[1] != -1 || out[2] != 0.5 {
		t.Fatalf("expected hard clamp to [-1,1], got %v", out)
	}
}

func TestPrepareSuppressesLargeTransients(t *testing.T) {
	s := New(LatencyLow)
	out := s.Prepare(0, []float32{1, -1, -1})
	if out[1] == -1 {
		t.Fatalf("expected the sharp 1 -> -1 jump to be suppressed, got %v", out)
	}
	for _, v := range out {
		if v > 1 || v < -1 {
			t.Fatalf("suppressed output must stay in range, got %v", out)
		}
	}
}

func TestPrepareFadesInWithNoPriorTail(t *testing.T) {
	s := New(LatencyLow)
	out := s.Prepare(0, []float32{0.5, 0.5, 0.5, 0.5})
	if out[0] >= out[len(out)-1] {
		t.Fatalf("expected a rising fade-in envelope, got %v", out)
	}
	if out[0] == 0.5 {
		t.Fatal("first sample should be attenuated by the fade-in, not passed through raw")
	}
}

func TestPrepareCrossfadesAgainstCapturedTail(t *testing.T) {
	s := New(LatencyLow)
	s.Prepare(0, make([]float32, 128)) // establishes a tail of zeros
	s.FrameDone()
	out := s.Prepare(0, ones(128))
	// Immediately after a zero tail, the start of the next frame should
	// ramp up from near zero rather than jumping straight to 1.
	if out[0] >= 0.9 {
		t.Fatalf("expected crossfade to start near the prior tail's level, got %v", out[0])
	}
}

func TestSuppressTransientsHardAndSoftTiers(t *testing.T) {
	// Hard tier: delta > 0.9 blends toward sign(cur)*0.85.
	hard := []float32{0.0, 1.0}
	suppressTransients(hard)
	wantHard := float32(0.25*0.0 + 0.75*1*0.85)
	if math.Abs(float64(hard[1]-wantHard)) > 1e-6 {
		t.Fatalf("hard tier: got %v want %v", hard[1], wantHard)
	}

	// Soft tier: 0.18 < delta <= 0.9 blends 0.35 prev / 0.65 cur.
	soft := []float32{0.0, 0.5}
	suppressTransients(soft)
	wantSoft := float32(0.35*0.0 + 0.65*0.5)
	if math.Abs(float64(soft[1]-wantSoft)) > 1e-6 {
		t.Fatalf("soft tier: got %v want %v", soft[1], wantSoft)
	}

	// Below threshold: passed through unchanged.
	clean := []float32{0.0, 0.1}
	suppressTransients(clean)
	if clean[1] != 0.1 {
		t.Fatalf("below threshold: got %v want unchanged 0.1", clean[1])
	}
}

func TestReliableModeBypassesShaping(t *testing.T) {
	s := New(LatencyLow)
	s.SetReliableOnly(true)
	in := []float32{0.1, 0.9, -0.9, 0.1}
	out := s.Prepare(0, in)
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("reliable mode must pass samples through unshaped, got %v want %v", out, in)
		}
	}
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
