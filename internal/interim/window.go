package interim

import (
	"time"

	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/pcm"
)

// window is a bounded rolling sample buffer. Appends past the retention cap
// drop the oldest audio; reads snapshot the newest. Not safe for concurrent
// use; the Transcriber serialises access.
type window struct {
	sampleRate int
	maxSamples int
	samples    []int16
}

func newWindow(sampleRate int, retention time.Duration) *window {
	return &window{
		sampleRate: sampleRate,
		maxSamples: pcm.SampleCount(retention, sampleRate),
	}
}

func (w *window) append(samples []int16) {
	w.samples = append(w.samples, samples...)
	if excess := len(w.samples) - w.maxSamples; excess > 0 {
		w.samples = append([]int16(nil), w.samples[excess:]...)
	}
}

// truncateTo keeps only the newest d of audio. Used when a chunk finalises:
// the overlap that remains gives the next interim pass context across the
// chunk boundary without re-reading what the finalize path now owns.
func (w *window) truncateTo(d time.Duration) {
	keep := pcm.SampleCount(d, w.sampleRate)
	if keep >= len(w.samples) {
		return
	}
	w.samples = append([]int16(nil), w.samples[len(w.samples)-keep:]...)
}

// tail returns a copy of the newest d of audio, capped at what is buffered.
func (w *window) tail(d time.Duration) []int16 {
	n := pcm.SampleCount(d, w.sampleRate)
	if n > len(w.samples) {
		n = len(w.samples)
	}
	if n == 0 {
		return nil
	}
	return append([]int16(nil), w.samples[len(w.samples)-n:]...)
}

func (w *window) duration() time.Duration {
	return pcm.Duration(len(w.samples), w.sampleRate)
}

func (w *window) reset() {
	w.samples = nil
}
