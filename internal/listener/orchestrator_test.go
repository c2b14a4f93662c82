package listener

import (
	"testing"
	"time"

	"github.com/kira666-sentient/audiorelay/internal/frameio"
	"github.com/kira666-sentient/audiorelay/internal/metrics"
	"github.com/kira666-sentient/audiorelay/internal/playback"
	"github.com/kira666-sentient/audiorelay/internal/reorder"
	"github.com/kira666-sentient/audiorelay/internal/timers"
)

type fakeSink struct {
	plays []playCall
}

type playCall struct {
	sourceID string
	channel  int
	samples  []float32
}

func (f *fakeSink) Play(sourceID string, channel int, samples []float32) {
	f.plays = append(f.plays, playCall{sourceID, channel, samples})
}

func frame(seq uint32, sampleRate int) frameio.Frame {
	return frameio.Frame{
		SourceID:   "src1",
		Seq:        seq,
		SampleRate: sampleRate,
		Channels:   1,
		Samples:    []float32{0.1, 0.1, 0.1, 0.1},
		ReceivedAt: time.Unix(0, 0),
	}
}

func TestSubmitDeliversInOrderFrameToSink(t *testing.T) {
	v := timers.NewVirtual(time.Unix(0, 0))
	sink := &fakeSink{}
	m := &metrics.Counters{}
	o := New(v, nil, sink, 48000, playback.LatencyLow, m)

	o.Submit("l1", frame(0, 48000))

	if len(sink.plays) != 1 {
		t.Fatalf("expected 1 play call, got %d", len(sink.plays))
	}
	if sink.plays[0].sourceID != "src1" {
		t.Fatalf("expected sourceID src1, got %q", sink.plays[0].sourceID)
	}
	if m.PacketsPlayed.Load() != 1 {
		t.Fatalf("expected PacketsPlayed to be incremented, got %d", m.PacketsPlayed.Load())
	}
}

func TestSubmitBuffersOutOfOrderUntilGapFills(t *testing.T) {
	v := timers.NewVirtual(time.Unix(0, 0))
	sink := &fakeSink{}
	o := New(v, nil, sink, 48000, playback.LatencyLow, nil)

	o.Submit("l1", frame(0, 48000))
	o.Submit("l1", frame(2, 48000)) // gap at seq 1
	if len(sink.plays) != 1 {
		t.Fatalf("expected only seq 0 delivered so far, got %d plays", len(sink.plays))
	}
	o.Submit("l1", frame(1, 48000)) // fills the gap
	if len(sink.plays) != 3 {
		t.Fatalf("expected all 3 frames delivered after gap fill, got %d", len(sink.plays))
	}
}

func TestSubmitRequestsRetransmissionOnPersistentGap(t *testing.T) {
	v := timers.NewVirtual(time.Unix(0, 0))
	sink := &fakeSink{}
	var requested bool
	o := New(v, func(listenerID, sourceID string, startSeq, endSeq uint32) {
		requested = true
	}, sink, 48000, playback.LatencyLow, nil)

	o.Submit("l1", frame(0, 48000))
	o.Submit("l1", frame(2, 48000))
	v.Advance(reorder.RetxMaxDelay + time.Millisecond)

	if !requested {
		t.Fatal("expected a retransmission request once the gap outlives the debounce window")
	}
}

func TestSkipGapDeliversReleasedFramesToSink(t *testing.T) {
	v := timers.NewVirtual(time.Unix(0, 0))
	sink := &fakeSink{}
	o := New(v, nil, sink, 48000, playback.LatencyLow, nil)

	o.Submit("l1", frame(0, 48000))
	o.Submit("l1", frame(2, 48000))
	o.Submit("l1", frame(3, 48000))
	sink.plays = nil // clear the seq-0 delivery to isolate the skip's effect

	o.SkipGap("l1", "src1", 2)

	if len(sink.plays) != 2 {
		t.Fatalf("expected seq 2 and 3 delivered by the skip, got %d plays", len(sink.plays))
	}
}

func TestDropRemovesPipelineState(t *testing.T) {
	v := timers.NewVirtual(time.Unix(0, 0))
	sink := &fakeSink{}
	o := New(v, nil, sink, 48000, playback.LatencyLow, nil)

	o.Submit("l1", frame(0, 48000))
	o.Drop("l1", "src1")

	if _, ok := o.pipelines[pipelineKey{"l1", "src1"}]; ok {
		t.Fatal("expected pipeline to be removed after Drop")
	}
}
