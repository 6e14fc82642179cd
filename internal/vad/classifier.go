package vad

import (
	"errors"
	"math"

	"github.com/voice-agent-lab/internal/audio"
)

// ErrModelUnavailable is returned when a model-backed classifier was not
// compiled in or cannot be loaded.
var ErrModelUnavailable = errors.New("vad: speech model unavailable")

// Classifier is the acoustic boundary model. It scores one frame of exactly
// FrameSize normalized samples with a speech probability in [0, 1].
type Classifier interface {
	FrameSize() int
	SpeechProbability(frame []float32) (float64, error)
}

// Resetter is implemented by classifiers that carry state between frames.
type Resetter interface {
	Reset() error
}

const (
	// DefaultFrameSamples is 32 ms at 16 kHz, the Silero v5 window.
	DefaultFrameSamples = 512
	// DefaultSpeechRMS is the energy at which EnergyClassifier reports 0.5.
	DefaultSpeechRMS = 0.015
)

// EnergyClassifier maps frame RMS to a probability: 0 at silence, 0.5 at
// SpeechRMS, saturating at 1 from twice SpeechRMS.
type EnergyClassifier struct {
	Samples   int
	SpeechRMS float64
}

// NewEnergyClassifier returns an energy classifier with the given frame size
// in samples. Non-positive values take defaults.
func NewEnergyClassifier(frameSamples int, speechRMS float64) *EnergyClassifier {
	if frameSamples <= 0 {
		frameSamples = DefaultFrameSamples
	}
	if speechRMS <= 0 {
		speechRMS = DefaultSpeechRMS
	}
	return &EnergyClassifier{Samples: frameSamples, SpeechRMS: speechRMS}
}

func (e *EnergyClassifier) FrameSize() int { return e.Samples }

func (e *EnergyClassifier) SpeechProbability(frame []float32) (float64, error) {
	level := audio.RMS(frame)
	return math.Min(1, level/(2*e.SpeechRMS)), nil
}
