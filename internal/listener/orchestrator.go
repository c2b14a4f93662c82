// Package listener wires the listener-side reliability, resampling, and
// playback-scheduling packages (C6/C7/C8 in spec.md) into a single
// pipeline driven by frames arriving off a hub connection, generalizing
// the teacher's fixed-cadence playbackLoop (client/audio.go) into the
// spec's explicit "socket -> C1 -> C6 -> C7 -> C8 -> sink" data flow
// (spec §2). It ships no audio device binding of its own: callers supply
// a Sink.
package listener

import (
	"sync"
	"time"

	"github.com/kira666-sentient/audiorelay/internal/frameio"
	"github.com/kira666-sentient/audiorelay/internal/metrics"
	"github.com/kira666-sentient/audiorelay/internal/playback"
	"github.com/kira666-sentient/audiorelay/internal/reorder"
	"github.com/kira666-sentient/audiorelay/internal/resample"
	"github.com/kira666-sentient/audiorelay/internal/timers"
)

// Sink receives shaped, resampled PCM ready for output, one call per
// channel per delivered frame. A real implementation hands samples to an
// audio device; a headless one can just log or discard them.
type Sink interface {
	Play(sourceID string, channel int, samples []float32)
}

// RequestFunc asks the hub to retransmit [startSeq, endSeq] for sourceID
// (spec §4.3).
type RequestFunc func(listenerID, sourceID string, startSeq, endSeq uint32)

type pipelineKey struct{ listenerID, sourceID string }

// pipeline is the per-(listener,source) resample+playback state: one
// resampler per channel, recreated whenever the declared source sample
// rate changes (a source can restart at a different rate), plus the
// scheduler that owns that pair's playback timeline.
type pipeline struct {
	mu         sync.Mutex
	dstRate    int
	srcRate    int
	resamplers map[int]*resample.Resampler
	sched      *playback.Scheduler
}

func newPipeline(mode playback.LatencyMode, dstRate int) *pipeline {
	return &pipeline{
		dstRate:    dstRate,
		resamplers: make(map[int]*resample.Resampler),
		sched:      playback.New(mode),
	}
}

// resamplerFor returns channel's Resampler, recreating every channel's
// resampler if srcRate has changed since the last call.
func (p *pipeline) resamplerFor(channel, srcRate int) *resample.Resampler {
	if srcRate != p.srcRate {
		p.srcRate = srcRate
		p.resamplers = make(map[int]*resample.Resampler)
		p.sched.ResetSync()
	}
	r, ok := p.resamplers[channel]
	if !ok {
		r = resample.New(srcRate, p.dstRate)
		p.resamplers[channel] = r
	}
	return r
}

// Orchestrator owns one reorder.Manager plus one pipeline per
// (listener,source) pair, turning raw incoming frames into shaped,
// resampled, correctly-timed samples handed to a Sink.
type Orchestrator struct {
	mu        sync.Mutex
	clock     timers.Clock
	reorder   *reorder.Manager
	pipelines map[pipelineKey]*pipeline
	dstRate   int
	mode      playback.LatencyMode
	sink      Sink
	metrics   *metrics.Counters
}

// New returns an Orchestrator delivering shaped audio to sink at dstRate
// in the given latency mode, driven by clock, requesting retransmissions
// through request, and recording underrun/playback counts into m (nil is
// replaced with a throwaway counter set, same convention as hub.New).
func New(clock timers.Clock, request RequestFunc, sink Sink, dstRate int, mode playback.LatencyMode, m *metrics.Counters) *Orchestrator {
	if m == nil {
		m = &metrics.Counters{}
	}
	o := &Orchestrator{
		clock:     clock,
		pipelines: make(map[pipelineKey]*pipeline),
		dstRate:   dstRate,
		mode:      mode,
		sink:      sink,
		metrics:   m,
	}
	o.reorder = reorder.NewManager(clock, request, o.deliver)
	return o
}

// Submit feeds one frame received from the hub into the reorder manager
// for listenerID. f.SourceID identifies which pipeline it belongs to. The
// frame may be delivered synchronously (immediately, if in order), later
// (once a gap fills), or never (if it's a stale duplicate).
func (o *Orchestrator) Submit(listenerID string, f frameio.Frame) {
	o.reorder.Submit(listenerID, f.SourceID, f)
}

// SetLatencyMode updates the mode used for new pipelines and resyncs every
// existing pipeline's scheduler (mirrors playback.Scheduler.SetMode's
// per-pipeline resync, applied to every pipeline of this Orchestrator).
func (o *Orchestrator) SetLatencyMode(mode playback.LatencyMode) {
	o.mu.Lock()
	pipelines := make([]*pipeline, 0, len(o.pipelines))
	o.mode = mode
	for _, p := range o.pipelines {
		pipelines = append(pipelines, p)
	}
	o.mu.Unlock()

	for _, p := range pipelines {
		p.mu.Lock()
		p.sched.SetMode(mode)
		p.mu.Unlock()
	}
}

// SkipGap forwards a user-initiated gap skip to the reorder manager (spec
// §4.5's skipGap(sourceId, upToSeq)) and delivers whatever it releases.
func (o *Orchestrator) SkipGap(listenerID, sourceID string, upToSeq uint32) {
	released := o.reorder.SkipGap(listenerID, sourceID, upToSeq)
	for _, f := range released {
		o.deliver(listenerID, sourceID, f)
	}
}

// Drop tears down listenerID's pipeline for sourceID, on leaveAsListener
// or the source stopping.
func (o *Orchestrator) Drop(listenerID, sourceID string) {
	o.reorder.Drop(listenerID, sourceID)
	o.mu.Lock()
	delete(o.pipelines, pipelineKey{listenerID, sourceID})
	o.mu.Unlock()
}

// Prune forwards to the reorder manager's idle sweep (spec §4.4). Nothing
// in this package calls it on a schedule; the caller decides when to sweep.
func (o *Orchestrator) Prune(now time.Time) {
	o.reorder.Prune(now)
}

func (o *Orchestrator) pipelineFor(listenerID, sourceID string) *pipeline {
	k := pipelineKey{listenerID, sourceID}
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pipelines[k]
	if !ok {
		p = newPipeline(o.mode, o.dstRate)
		o.pipelines[k] = p
	}
	return p
}

// deliver is the reorder.DeliverFunc for this Orchestrator: it resamples
// f's channels to the pipeline's output rate, schedules the resulting
// duration on the playback timeline, shapes each channel, and hands the
// result to the sink (spec §2's full data-flow chain).
func (o *Orchestrator) deliver(listenerID, sourceID string, f frameio.Frame) {
	p := o.pipelineFor(listenerID, sourceID)
	p.mu.Lock()
	defer p.mu.Unlock()

	channels := frameio.Deinterleave(f.Samples, f.Channels)
	resampled := make([][]float32, len(channels))
	for c, chSamples := range channels {
		resampled[c] = p.resamplerFor(c, f.SampleRate).Process(chSamples)
	}
	if len(resampled) == 0 || len(resampled[0]) == 0 {
		return
	}

	frameDuration := time.Duration(float64(len(resampled[0])) / float64(p.dstRate) * float64(time.Second))
	_, underrun := p.sched.Schedule(o.clock.Now(), frameDuration)
	if underrun {
		o.metrics.Underruns.Add(1)
	}

	for c, samples := range resampled {
		o.sink.Play(sourceID, c, p.sched.Prepare(c, samples))
	}
	p.sched.FrameDone()
	o.metrics.PacketsPlayed.Add(1)
}
