// Package transcribe turns buffered utterance audio into text, either as
// rate-limited partial hypotheses while the caller is speaking or as one
// final transcript per utterance.
package transcribe

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/voice-agent-lab/internal/audio"
	"github.com/voice-agent-lab/internal/buffer"
	"github.com/voice-agent-lab/internal/logging"
)

// Pass selects the cost/accuracy trade-off of a model call.
type Pass int

const (
	// Fast is the cheap pass used for partials and as a finalize fallback.
	Fast Pass = iota
	// Thorough is the accurate pass used to finalize.
	Thorough
)

func (p Pass) String() string {
	if p == Thorough {
		return "thorough"
	}
	return "fast"
}

// Model transcribes mono float PCM in [-1,1].
type Model interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int, pass Pass) (string, error)
}

// normalizePeak is the peak level audio is scaled to before a model call.
const normalizePeak = 0.8

// Options configures an IncrementalTranscriber. Zero values fall back to
// the defaults noted on each field.
type Options struct {
	SampleRate      int           // 16000
	MaxBuffer       time.Duration // 10s
	KeepBuffer      time.Duration // 8s
	PartialInterval time.Duration // 200ms
	MinAudio        time.Duration // 100ms
	SilenceRMS      float64       // 0.001
	DisablePartials bool
	Now             func() time.Time
}

func (o *Options) applyDefaults() {
	if o.SampleRate <= 0 {
		o.SampleRate = audio.DefaultSampleRate
	}
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = 10 * time.Second
	}
	if o.KeepBuffer <= 0 {
		o.KeepBuffer = 8 * time.Second
	}
	if o.PartialInterval <= 0 {
		o.PartialInterval = 200 * time.Millisecond
	}
	if o.MinAudio <= 0 {
		o.MinAudio = 100 * time.Millisecond
	}
	if o.SilenceRMS <= 0 {
		o.SilenceRMS = 0.001
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats is a snapshot of transcriber counters for the current session.
type Stats struct {
	BufferedBytes int
	Partials      int
	ModelCalls    int
	LastPartial   string
	LastFinal     string
	Finalized     bool
}

// IncrementalTranscriber accumulates one utterance of audio and produces
// partial and final transcripts for it. Model calls run without holding the
// internal lock, so AppendAudio never waits on the model.
type IncrementalTranscriber struct {
	model Model
	opts  Options

	mu          sync.Mutex
	buf         *buffer.Buffer
	gen         uint64
	lastAttempt time.Time
	partialPos  int64
	partialFP   string
	lastPartial string
	finalized   bool
	final       string
	partials    int
	modelCalls  int

	// finalMu makes Finalize exactly-once under concurrent callers.
	finalMu sync.Mutex
}

// New returns a transcriber backed by model.
func New(model Model, opts Options) *IncrementalTranscriber {
	opts.applyDefaults()
	return &IncrementalTranscriber{
		model: model,
		opts:  opts,
		buf:   buffer.New(opts.SampleRate, opts.MaxBuffer, opts.KeepBuffer),
	}
}

// AppendAudio adds PCM16 audio to the session. Audio arriving after
// Finalize is discarded until Reset.
func (t *IncrementalTranscriber) AppendAudio(pcm []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized || len(pcm) == 0 {
		return
	}
	t.buf.Append(pcm)
}

// MaybeEmitPartial runs a fast pass over the audio so far and returns the
// text when it differs from the previous partial. ok is false whenever a
// gate skipped the call or the text did not change.
func (t *IncrementalTranscriber) MaybeEmitPartial(ctx context.Context) (text string, ok bool) {
	t.mu.Lock()
	if t.opts.DisablePartials || t.finalized {
		t.mu.Unlock()
		return "", false
	}
	now := t.opts.Now()
	if !t.lastAttempt.IsZero() && now.Sub(t.lastAttempt) < t.opts.PartialInterval {
		t.mu.Unlock()
		return "", false
	}
	if t.buf.Duration() < t.opts.MinAudio {
		t.mu.Unlock()
		return "", false
	}
	fresh := t.buf.Since(t.partialPos)
	if len(fresh) == 0 || audio.RMSBytes(fresh) < t.opts.SilenceRMS {
		t.mu.Unlock()
		return "", false
	}
	fp := t.buf.Fingerprint()
	if fp == t.partialFP {
		t.mu.Unlock()
		return "", false
	}
	snap := t.buf.Snapshot()
	gen := t.gen
	t.lastAttempt = now
	t.partialPos = t.buf.Total()
	t.partialFP = fp
	t.modelCalls++
	t.mu.Unlock()

	got := t.run(ctx, snap.PCM, Fast)

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.finalized {
		return "", false
	}
	if got == "" || got == t.lastPartial {
		return "", false
	}
	t.lastPartial = got
	t.partials++
	logging.Debugw("transcribe: partial", "text", got, "partials", t.partials)
	return got, true
}

// Finalize produces the final transcript once per session. Later calls
// return the cached text without touching the model.
//
// Degenerate cases fall back in order: audio that is too short or silent
// yields the last partial; an empty thorough pass is retried with the fast
// pass; if that is empty too the last partial is used.
func (t *IncrementalTranscriber) Finalize(ctx context.Context) string {
	t.finalMu.Lock()
	defer t.finalMu.Unlock()

	t.mu.Lock()
	if t.finalized {
		final := t.final
		t.mu.Unlock()
		return final
	}
	t.finalized = true
	gen := t.gen
	snap := t.buf.Snapshot()
	lastPartial := t.lastPartial
	t.mu.Unlock()

	final := t.finalize(ctx, snap, lastPartial)

	t.mu.Lock()
	if gen == t.gen {
		t.final = final
	}
	t.mu.Unlock()
	return final
}

func (t *IncrementalTranscriber) finalize(ctx context.Context, snap buffer.Utterance, lastPartial string) string {
	if len(snap.PCM) == 0 {
		logging.Debugw("transcribe: nothing to finalize")
		return lastPartial
	}
	if d := snap.Duration(); d < t.opts.MinAudio {
		logging.Debugw("transcribe: buffer too short to finalize", "duration_ms", d.Milliseconds())
		return lastPartial
	}
	if rms := audio.RMSBytes(snap.PCM); rms < t.opts.SilenceRMS {
		logging.Debugw("transcribe: buffer is silent", "rms", rms)
		return lastPartial
	}

	t.countCall()
	if text := t.run(ctx, snap.PCM, Thorough); text != "" {
		return text
	}
	t.countCall()
	if text := t.run(ctx, snap.PCM, Fast); text != "" {
		logging.Debugw("transcribe: using fast pass as final", "text", text)
		return text
	}
	return lastPartial
}

func (t *IncrementalTranscriber) countCall() {
	t.mu.Lock()
	t.modelCalls++
	t.mu.Unlock()
}

// run calls the model on normalized audio. Model errors become empty text.
func (t *IncrementalTranscriber) run(ctx context.Context, pcm []byte, pass Pass) string {
	samples := audio.Normalize(audio.ToFloat32(pcm), normalizePeak)
	start := time.Now()
	text, err := t.model.Transcribe(ctx, samples, t.opts.SampleRate, pass)
	if err != nil {
		logging.Warnw("transcribe: model call failed", "pass", pass.String(), "err", err, "elapsed_ms", time.Since(start).Milliseconds())
		return ""
	}
	text = strings.TrimSpace(text)
	logging.Debugw("transcribe: model call", "pass", pass.String(), "samples", len(samples), "elapsed_ms", time.Since(start).Milliseconds(), "empty", text == "")
	return text
}

// Finalized reports whether Finalize ran for the current session.
func (t *IncrementalTranscriber) Finalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalized
}

// Reset clears audio and transcript state and re-enables AppendAudio.
// Results of model calls started before Reset are dropped.
func (t *IncrementalTranscriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.buf.Reset()
	t.lastAttempt = time.Time{}
	t.partialPos = 0
	t.partialFP = ""
	t.lastPartial = ""
	t.finalized = false
	t.final = ""
	t.partials = 0
	t.modelCalls = 0
}

// Stats returns the current counters.
func (t *IncrementalTranscriber) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		BufferedBytes: t.buf.Len(),
		Partials:      t.partials,
		ModelCalls:    t.modelCalls,
		LastPartial:   t.lastPartial,
		LastFinal:     t.final,
		Finalized:     t.finalized,
	}
}
