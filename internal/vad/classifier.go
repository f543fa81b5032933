package vad

import (
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/pcm"
)

// Classifier makes the frame-level speech/silence decision. Implementations
// must be deterministic per frame: the same samples always yield the same
// answer.
type Classifier interface {
	// Classify reports whether the frame contains speech.
	Classify(frame []int16) (bool, error)

	// Reset clears any internal classifier state. Called alongside
	// Detector.Reset.
	Reset()
}

// thresholdClassifier is implemented by classifiers whose decision is a
// tunable scalar threshold.
type thresholdClassifier interface {
	SetThreshold(threshold float64)
}

// Compile-time assertions.
var _ Classifier = (*EnergyClassifier)(nil)
var _ thresholdClassifier = (*EnergyClassifier)(nil)

// EnergyClassifier classifies a frame as speech when its RMS energy exceeds a
// threshold on the 16-bit PCM scale. It is stateless apart from the threshold
// itself.
type EnergyClassifier struct {
	threshold float64
}

// NewEnergyClassifier creates an EnergyClassifier with the given RMS
// threshold.
func NewEnergyClassifier(threshold float64) *EnergyClassifier {
	return &EnergyClassifier{threshold: threshold}
}

// Classify implements Classifier. Never returns an error.
func (c *EnergyClassifier) Classify(frame []int16) (bool, error) {
	return pcm.RMS(frame) > c.threshold, nil
}

// Reset implements Classifier. The energy decision carries no state.
func (c *EnergyClassifier) Reset() {}

// SetThreshold replaces the RMS threshold. The caller serialises this with
// Classify.
func (c *EnergyClassifier) SetThreshold(threshold float64) {
	c.threshold = threshold
}

// Threshold returns the current RMS threshold.
func (c *EnergyClassifier) Threshold() float64 { return c.threshold }
