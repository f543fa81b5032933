package vad

import (
	"fmt"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/pcm"
)

// Compile-time assertion.
var _ Classifier = (*WebRTCClassifier)(nil)

// webrtcRates lists the sample rates the WebRTC VAD accepts.
var webrtcRates = []int{8000, 16000, 32000, 48000}

// WebRTCClassifier backs the Detector with the WebRTC voice activity
// detector. It trades the energy classifier's tunable threshold for a
// model-based decision with four fixed aggressiveness modes (0 = least
// aggressive about filtering non-speech, 3 = most aggressive).
//
// Frames must be 10, 20 or 30 ms long at the configured sample rate; the
// pipeline's standard 10 ms framing satisfies this.
type WebRTCClassifier struct {
	vad        *webrtcvad.VAD
	sampleRate int
	mode       int
}

// NewWebRTCClassifier creates a WebRTC-backed classifier. mode must be in
// [0,3] and sampleRate one of 8000, 16000, 32000 or 48000.
func NewWebRTCClassifier(sampleRate, mode int) (*WebRTCClassifier, error) {
	if mode < 0 || mode > 3 {
		return nil, fmt.Errorf("vad: webrtc mode must be between 0 and 3, got %d", mode)
	}
	valid := false
	for _, r := range webrtcRates {
		if sampleRate == r {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("vad: webrtc sample rate %d not supported, must be one of %v", sampleRate, webrtcRates)
	}

	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("vad: create webrtc detector: %w", err)
	}
	if err := v.SetMode(mode); err != nil {
		return nil, fmt.Errorf("vad: set webrtc mode %d: %w", mode, err)
	}
	return &WebRTCClassifier{vad: v, sampleRate: sampleRate, mode: mode}, nil
}

// Classify implements Classifier.
func (c *WebRTCClassifier) Classify(frame []int16) (bool, error) {
	active, err := c.vad.Process(c.sampleRate, pcm.SamplesToBytes(frame))
	if err != nil {
		return false, fmt.Errorf("vad: webrtc process: %w", err)
	}
	return active, nil
}

// Reset implements Classifier. The WebRTC detector keeps no per-utterance
// state worth clearing.
func (c *WebRTCClassifier) Reset() {}

// Mode returns the configured aggressiveness mode.
func (c *WebRTCClassifier) Mode() int { return c.mode }
