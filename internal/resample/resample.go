// Package resample implements the listener-side sample-rate converter
// (C7 in spec.md). The hub itself never resamples (it relays bits
// unchanged); this package runs only on the listener's playback path when
// a source's declared sample rate differs from the output device rate.
//
// No resampling library appears anywhere in the example corpus this
// module was grounded on, so this is implemented directly against the
// standard library's math package — see DESIGN.md for the justification.
package resample

import "math"

// kernelHalfWidth is the number of input samples considered on each side
// of a windowed-sinc tap (8 taps/side is a standard small-footprint choice
// for real-time resampling).
const kernelHalfWidth = 8

// Resampler converts a single channel's stream from srcRate to dstRate
// using a windowed-sinc (Lanczos-windowed) kernel. It keeps a small tail
// of trailing input samples across calls so streaming chunks resample
// continuously rather than clicking at buffer boundaries.
type Resampler struct {
	srcRate, dstRate int
	ratio            float64 // srcRate / dstRate
	history          []float64
	posInHistory     float64 // fractional read position within history, in source-sample units
}

// New returns a Resampler converting srcRate -> dstRate. If the rates are
// equal, Process is an identity copy.
func New(srcRate, dstRate int) *Resampler {
	r := &Resampler{srcRate: srcRate, dstRate: dstRate}
	if srcRate > 0 && dstRate > 0 {
		r.ratio = float64(srcRate) / float64(dstRate)
	} else {
		r.ratio = 1
	}
	r.history = make([]float64, kernelHalfWidth)
	r.posInHistory = float64(kernelHalfWidth)
	return r
}

// Identity reports whether this Resampler is a no-op passthrough.
func (r *Resampler) Identity() bool { return r.srcRate == r.dstRate }

// sinc is the normalized sinc function.
func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// lanczosWindow tapers the sinc kernel to zero at +-a.
func lanczosWindow(x, a float64) float64 {
	if math.Abs(x) >= a {
		return 0
	}
	return sinc(x / a)
}

// Process converts one channel's input samples, returning the resampled
// output. Input is appended to the Resampler's rolling history so
// consecutive calls interpolate smoothly across the boundary; callers
// must use one Resampler per channel and call Process with that channel's
// samples in delivery order.
func (r *Resampler) Process(input []float32) []float32 {
	if r.Identity() {
		out := make([]float32, len(input))
		copy(out, input)
		return out
	}
	if len(input) == 0 {
		return nil
	}

	buf := make([]float64, len(r.history)+len(input))
	copy(buf, r.history)
	for i, v := range input {
		buf[len(r.history)+i] = float64(v)
	}

	// outCount is how many output samples this call should produce given
	// the fractional read position already carried over.
	avail := float64(len(buf)) - r.posInHistory
	outCount := int(math.Floor(avail/r.ratio + 1e-9))
	if outCount < 0 {
		outCount = 0
	}

	out := make([]float32, outCount)
	pos := r.posInHistory
	for i := 0; i < outCount; i++ {
		out[i] = float32(clamp(interpolate(buf, pos), -1, 1))
		pos += r.ratio
	}

	// Carry the tail (kernelHalfWidth samples before the next read point)
	// forward as history for the next call.
	nextStart := int(math.Floor(pos)) - kernelHalfWidth
	if nextStart < 0 {
		nextStart = 0
	}
	if nextStart > len(buf) {
		nextStart = len(buf)
	}
	tail := append([]float64(nil), buf[nextStart:]...)
	r.posInHistory = pos - float64(nextStart)
	r.history = tail
	return out
}

// interpolate evaluates the windowed-sinc kernel at fractional position
// pos within buf, summing contributions from kernelHalfWidth taps on
// either side.
func interpolate(buf []float64, pos float64) float64 {
	center := int(math.Floor(pos))
	var sum float64
	for tap := center - kernelHalfWidth + 1; tap <= center+kernelHalfWidth; tap++ {
		if tap < 0 || tap >= len(buf) {
			continue
		}
		w := lanczosWindow(pos-float64(tap), kernelHalfWidth)
		sum += buf[tap] * w
	}
	return sum
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Reset clears carried-over history, used when a source restarts or a
// gap-skip makes the prior tail meaningless as continuation context.
func (r *Resampler) Reset() {
	r.history = make([]float64, kernelHalfWidth)
	r.posInHistory = float64(kernelHalfWidth)
}
