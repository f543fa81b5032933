// Package pcm provides primitives for working with 16-bit signed
// little-endian PCM audio: byte/sample conversion, energy measurement,
// duration math, and the WAV framing some transcription engines require.
//
// All functions treat audio as mono unless stated otherwise; the capture
// pipeline normalises to 16 kHz mono before any of this math runs.
package pcm

import (
	"encoding/binary"
	"math"
	"time"
)

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// BytesToSamples converts little-endian PCM bytes to int16 samples. A trailing
// odd byte is ignored; callers that care should validate length themselves.
func BytesToSamples(data []byte) []int16 {
	n := len(data) / BytesPerSample
	samples := make([]int16, n)
	for i := range n {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
	return samples
}

// SamplesToBytes converts int16 samples to little-endian PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// RMS returns the root-mean-square energy of the samples, expressed in the
// same units as PCM sample values (0-32767). Returns 0 for an empty slice.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Duration returns the playback duration of sampleCount mono samples at the
// given rate. Returns 0 for a non-positive rate.
func Duration(sampleCount, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(sampleCount) * time.Second / time.Duration(sampleRate)
}

// SampleCount returns the number of mono samples covering duration d at the
// given rate. Returns 0 for a non-positive rate.
func SampleCount(d time.Duration, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}

// Float32 converts int16 samples to float32 normalised to [-1.0, 1.0], the
// representation whisper.cpp's native bindings consume.
func Float32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}
