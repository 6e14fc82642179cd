// Package vad implements the Speech-Activity Detector: per-frame speech
// decisions, the trailing-silence "utterance ended" edge, and a predictive
// early-trigger based on a falling probability trend.
package vad

import (
	"sync"
	"time"

	"github.com/voice-agent-lab/internal/audio"
	"github.com/voice-agent-lab/internal/logging"
)

// Config tunes the detector.
type Config struct {
	SampleRate      int
	Threshold       float64
	TrailingSilence time.Duration

	// Predictive early-trigger.
	HistorySize         int
	MinHistory          int
	TrendWindow         int
	PredictiveThreshold float64
	SafetyFloor         float64
}

// DefaultConfig returns the tuned defaults for 16 kHz speech.
func DefaultConfig() Config {
	return Config{
		SampleRate:          audio.DefaultSampleRate,
		Threshold:           0.5,
		TrailingSilence:     300 * time.Millisecond,
		HistorySize:         10,
		MinHistory:          8,
		TrendWindow:         5,
		PredictiveThreshold: 0.5,
		SafetyFloor:         0.3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.TrailingSilence <= 0 {
		c.TrailingSilence = d.TrailingSilence
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.MinHistory <= 0 || c.MinHistory > c.HistorySize {
		c.MinHistory = min(d.MinHistory, c.HistorySize)
	}
	if c.TrendWindow <= 0 || c.TrendWindow > c.HistorySize {
		c.TrendWindow = min(d.TrendWindow, c.HistorySize)
	}
	if c.PredictiveThreshold <= 0 {
		c.PredictiveThreshold = d.PredictiveThreshold
	}
	if c.SafetyFloor <= 0 {
		c.SafetyFloor = d.SafetyFloor
	}
	c.Threshold = clamp01(c.Threshold)
}

// Result is the decision for one observed chunk.
type Result struct {
	IsSpeech    bool
	Probability float64 // highest sub-frame probability
	Frames      int     // sub-frames evaluated for this chunk
}

// Stats is a snapshot of detector state for monitoring.
type Stats struct {
	Speaking        bool      `json:"speaking"`
	UtteranceEnded  bool      `json:"utterance_ended"`
	Frames          int64     `json:"frames"`
	ClassifierErrs  int64     `json:"classifier_errors"`
	LastProbability float64   `json:"last_probability"`
	History         []float64 `json:"history"`
	Threshold       float64   `json:"threshold"`
}

// Detector splits chunks into classifier-sized sub-frames and tracks the
// speaking state. Time is measured in audio: each evaluated sub-frame
// advances the detector clock by its duration.
type Detector struct {
	mu         sync.Mutex
	cfg        Config
	classifier Classifier
	frameBytes int
	frameDur   time.Duration

	pending []byte
	clock   time.Duration

	speaking      bool
	heardSpeech   bool
	lastSpeech    time.Duration
	silenceActive bool
	silenceStart  time.Duration
	ended         bool
	consumed      bool

	history  []float64
	last     Result
	frames   int64
	failures int64
}

// NewDetector returns a detector driven by classifier.
func NewDetector(cfg Config, classifier Classifier) *Detector {
	cfg.applyDefaults()
	fs := classifier.FrameSize()
	if fs <= 0 {
		fs = DefaultFrameSamples
	}
	return &Detector{
		cfg:        cfg,
		classifier: classifier,
		frameBytes: fs * audio.BytesPerSample,
		frameDur:   audio.Duration(fs*audio.BytesPerSample, cfg.SampleRate),
		history:    make([]float64, 0, cfg.HistorySize),
	}
}

// Observe classifies every complete sub-frame in chunk. Leftover bytes are
// kept for the next call. A chunk is speech if any of its sub-frames is.
// When no sub-frame completes, the previous decision is returned with
// Frames set to zero.
func (d *Detector) Observe(chunk []byte) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	data := chunk
	if len(d.pending) > 0 {
		data = append(d.pending, chunk...)
	}
	var res Result
	for len(data) >= d.frameBytes {
		frame := data[:d.frameBytes]
		data = data[d.frameBytes:]

		prob := d.classify(frame)
		frameStart := d.clock
		d.clock += d.frameDur
		d.frames++
		d.push(prob)

		res.Frames++
		if prob > res.Probability {
			res.Probability = prob
		}
		speech := prob > d.cfg.Threshold
		if speech {
			res.IsSpeech = true
		}
		d.advance(speech, frameStart)
	}
	d.pending = append(d.pending[:0:0], data...)

	if res.Frames == 0 {
		return Result{IsSpeech: d.last.IsSpeech, Probability: d.last.Probability}
	}
	d.last = res
	return res
}

func (d *Detector) classify(frame []byte) float64 {
	prob, err := d.classifier.SpeechProbability(audio.ToFloat32(frame))
	if err != nil {
		d.failures++
		logging.Warnw("vad: classifier failed, treating frame as silence", "err", err, "frame", d.frames)
		return 0
	}
	return clamp01(prob)
}

func (d *Detector) advance(speech bool, frameStart time.Duration) {
	if speech {
		if !d.speaking {
			d.ended = false
			d.consumed = false
			d.speaking = true
		}
		d.silenceActive = false
		d.heardSpeech = true
		d.lastSpeech = d.clock
		return
	}
	if !d.speaking || d.consumed {
		return
	}
	if !d.silenceActive {
		d.silenceActive = true
		d.silenceStart = frameStart
	}
	if d.clock-d.silenceStart >= d.cfg.TrailingSilence {
		d.ended = true
		d.speaking = false
		d.silenceActive = false
		logging.Debugw("vad: utterance ended", "silence_ms", (d.clock - d.silenceStart).Milliseconds(), "last_speech_ms", d.lastSpeech.Milliseconds())
	}
}

func (d *Detector) push(prob float64) {
	if len(d.history) == d.cfg.HistorySize {
		copy(d.history, d.history[1:])
		d.history = d.history[:len(d.history)-1]
	}
	d.history = append(d.history, prob)
}

// UtteranceEnded reports whether the trailing-silence edge is set.
func (d *Detector) UtteranceEnded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ended
}

// AcknowledgeUtteranceEnd clears the edge and marks it consumed so the same
// silence cannot fire it again.
func (d *Detector) AcknowledgeUtteranceEnd() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ended = false
	d.consumed = true
}

// Speaking reports the hysteresis state.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// ShouldTriggerEarly reports a falling speech trend: speech was heard since
// the last reset, the history holds at least MinHistory samples, and the
// mean of the last TrendWindow samples is under both PredictiveThreshold
// and SafetyFloor.
func (d *Detector) ShouldTriggerEarly() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.heardSpeech || len(d.history) < d.cfg.MinHistory {
		return false
	}
	n := min(d.cfg.TrendWindow, len(d.history))
	recent := d.history[len(d.history)-n:]
	var sum float64
	for _, p := range recent {
		sum += p
	}
	avg := sum / float64(len(recent))
	return avg < d.cfg.PredictiveThreshold && avg < d.cfg.SafetyFloor
}

// SetThreshold updates the speech threshold, clamped to [0, 1].
func (d *Detector) SetThreshold(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.Threshold = clamp01(v)
}

// Reset clears all per-utterance state including buffered partial frames.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = nil
	d.speaking = false
	d.heardSpeech = false
	d.silenceActive = false
	d.ended = false
	d.consumed = false
	d.history = d.history[:0]
	d.last = Result{}
	if r, ok := d.classifier.(Resetter); ok {
		if err := r.Reset(); err != nil {
			logging.Warnw("vad: classifier reset failed", "err", err)
		}
	}
}

// Stats returns a snapshot of the detector state.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := make([]float64, len(d.history))
	copy(h, d.history)
	return Stats{
		Speaking:        d.speaking,
		UtteranceEnded:  d.ended,
		Frames:          d.frames,
		ClassifierErrs:  d.failures,
		LastProbability: d.last.Probability,
		History:         h,
		Threshold:       d.cfg.Threshold,
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
