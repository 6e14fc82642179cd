// Package pipeline turns a caller's raw audio stream into utterances and
// drives each one through transcription, response generation and speech
// synthesis. A Pipeline holds the process-wide collaborators; a Session is
// the per-connection state machine.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voice-agent-lab/internal/cache"
	"github.com/voice-agent-lab/internal/config"
	"github.com/voice-agent-lab/internal/recorder"
	"github.com/voice-agent-lab/internal/stage"
	"github.com/voice-agent-lab/internal/transcribe"
	"github.com/voice-agent-lab/internal/vad"
)

// FallbackResponse is spoken when response generation fails.
const FallbackResponse = "I'm sorry, I'm having trouble processing your request right now. Please try again or speak with a human representative."

var (
	// ErrSessionClosed is returned by FeedAudio after Close.
	ErrSessionClosed = errors.New("pipeline: session closed")
	// ErrInternal wraps an unexpected failure that ends the session.
	ErrInternal = errors.New("pipeline: internal error")
	// ErrEmptyText is returned by Speak for blank text.
	ErrEmptyText = errors.New("pipeline: empty text")
	// ErrNoAudio is returned by Speak when synthesis produced nothing.
	ErrNoAudio = errors.New("pipeline: synthesis produced no audio")
)

// Responder answers a final transcript.
type Responder interface {
	Respond(ctx context.Context, text string) (string, error)
}

// Synthesizer turns response text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, text string) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, text string) (string, error) { return f(ctx, text) }

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, text string) ([]byte, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Model       transcribe.Model
	Responder   Responder
	Synthesizer Synthesizer
	Cache       *cache.ResponseCache
	Pool        *stage.Pool
	// NewClassifier builds the per-session speech classifier. Classifiers
	// that implement io.Closer are closed with the session.
	NewClassifier func() (vad.Classifier, error)
	Recorder      *recorder.Recorder
}

// Options are the per-session tunables.
type Options struct {
	SampleRate  int
	Profile     config.Profile
	MaxBuffer   time.Duration
	KeepBuffer  time.Duration
	VAD         vad.Config
	Transcriber transcribe.Options

	DedupWindow     time.Duration
	DedupCooldown   time.Duration
	DedupSimilarity float64
}

// OptionsFromConfig maps the agent configuration onto session options.
func OptionsFromConfig(cfg config.Config) Options {
	vcfg := vad.DefaultConfig()
	vcfg.SampleRate = cfg.SampleRate
	vcfg.Threshold = cfg.VAD.Threshold
	vcfg.TrailingSilence = cfg.VAD.TrailingSilence
	vcfg.PredictiveThreshold = cfg.VAD.PredictiveThreshold
	vcfg.SafetyFloor = cfg.VAD.SafetyFloor
	return Options{
		SampleRate: cfg.SampleRate,
		Profile:    cfg.Profile,
		MaxBuffer:  cfg.MaxBuffer,
		KeepBuffer: cfg.KeepBuffer,
		VAD:        vcfg,
		Transcriber: transcribe.Options{
			SampleRate:      cfg.SampleRate,
			MaxBuffer:       cfg.MaxBuffer,
			KeepBuffer:      cfg.KeepBuffer,
			PartialInterval: cfg.ASR.PartialInterval,
			MinAudio:        cfg.ASR.MinAudio,
			SilenceRMS:      cfg.ASR.SilenceRMS,
		},
		DedupWindow:     cfg.Dedup.Window,
		DedupCooldown:   cfg.Dedup.Cooldown,
		DedupSimilarity: cfg.Dedup.Similarity,
	}
}

func (o *Options) applyDefaults() {
	if o.SampleRate <= 0 {
		o.SampleRate = config.DefaultSampleRate
	}
	if o.Profile.Mode == "" {
		o.Profile = config.StandardProfile()
	}
	if o.Profile.Timeout <= 0 {
		o.Profile.Timeout = config.DefaultPipelineTimeout
	}
	if o.Profile.MinUtterance <= 0 {
		o.Profile.MinUtterance = config.DefaultMinUtterance
	}
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = config.DefaultMaxBuffer
	}
	if o.KeepBuffer <= 0 || o.KeepBuffer >= o.MaxBuffer {
		o.KeepBuffer = o.MaxBuffer * 4 / 5
	}
	// The buffer never holds more than MaxBuffer.
	if o.Profile.ForceCeiling > o.MaxBuffer {
		o.Profile.ForceCeiling = o.MaxBuffer
	}
	if o.VAD.SampleRate <= 0 {
		o.VAD.SampleRate = o.SampleRate
	}
	if o.Transcriber.SampleRate <= 0 {
		o.Transcriber.SampleRate = o.SampleRate
	}
}

// Pipeline creates sessions that share one set of collaborators.
type Pipeline struct {
	deps Deps
	opts Options

	active atomic.Int64
}

// New validates deps and returns a pipeline. A nil Cache gets a default
// sized cache; a nil NewClassifier uses the energy classifier.
func New(deps Deps, opts Options) (*Pipeline, error) {
	var errs []error
	if deps.Model == nil {
		errs = append(errs, errors.New("pipeline: transcription model is required"))
	}
	if deps.Responder == nil {
		errs = append(errs, errors.New("pipeline: responder is required"))
	}
	if deps.Synthesizer == nil {
		errs = append(errs, errors.New("pipeline: synthesizer is required"))
	}
	if deps.Pool == nil {
		errs = append(errs, errors.New("pipeline: stage pool is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(cache.DefaultCapacity)
	}
	if deps.NewClassifier == nil {
		deps.NewClassifier = func() (vad.Classifier, error) {
			return vad.NewEnergyClassifier(vad.DefaultFrameSamples, 0), nil
		}
	}
	opts.applyDefaults()
	return &Pipeline{deps: deps, opts: opts}, nil
}

// Cache returns the shared response cache.
func (p *Pipeline) Cache() *cache.ResponseCache { return p.deps.Cache }

// Profile returns the session profile in use.
func (p *Pipeline) Profile() config.Profile { return p.opts.Profile }

// ActiveSessions is the number of sessions not yet closed.
func (p *Pipeline) ActiveSessions() int64 { return p.active.Load() }

// Speak synthesizes text outside any session, through the response cache
// and the synthesis worker.
func (p *Pipeline) Speak(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	audio, err := stage.Do(ctx, p.deps.Pool.Synthesize, func(ctx context.Context) ([]byte, error) {
		b, _, err := p.deps.Cache.GetOrSynthesize(ctx, text, p.deps.Synthesizer.Synthesize)
		return b, err
	})
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, ErrNoAudio
	}
	return audio, nil
}
