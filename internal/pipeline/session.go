package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voice-agent-lab/internal/buffer"
	"github.com/voice-agent-lab/internal/config"
	"github.com/voice-agent-lab/internal/dedup"
	"github.com/voice-agent-lab/internal/logging"
	"github.com/voice-agent-lab/internal/stage"
	"github.com/voice-agent-lab/internal/transcribe"
	"github.com/voice-agent-lab/internal/vad"
)

// Result is the output of one processed utterance.
type Result struct {
	CorrelationID string
	Audio         []byte
	Text          string
	Transcript    string
	Elapsed       time.Duration
}

// Session is one caller's utterance state machine. FeedAudio calls are
// serialized; at most one utterance is processed at a time.
type Session struct {
	id   string
	p    *Pipeline
	emit Emitter

	ctx    context.Context
	cancel context.CancelFunc

	// feedMu guards buf and the trigger decision.
	feedMu sync.Mutex
	buf    *buffer.Buffer

	stateMu sync.RWMutex
	state   State

	detector    *vad.Detector
	classifier  vad.Classifier
	transcriber *transcribe.IncrementalTranscriber
	policy      *dedup.Policy

	inFlight       atomic.Bool
	partialPending atomic.Bool
	closed         atomic.Bool
	closeOnce      sync.Once

	stats counters
}

// NewSession starts a session. emit may be nil.
func (p *Pipeline) NewSession(id string, emit Emitter) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if emit == nil {
		emit = func(Event) {}
	}
	classifier, err := p.deps.NewClassifier()
	if err != nil {
		return nil, fmt.Errorf("pipeline: speech classifier: %w", err)
	}
	ctx, cancel := context.WithCancel(logging.WithFields(context.Background(), logging.SessionFields(id)...))
	s := &Session{
		id:          id,
		p:           p,
		emit:        emit,
		ctx:         ctx,
		cancel:      cancel,
		buf:         buffer.New(p.opts.SampleRate, p.opts.MaxBuffer, p.opts.KeepBuffer),
		detector:    vad.NewDetector(p.opts.VAD, classifier),
		classifier:  classifier,
		transcriber: transcribe.New(p.deps.Model, p.opts.Transcriber),
		policy:      dedup.New(p.opts.DedupWindow, p.opts.DedupCooldown, p.opts.DedupSimilarity),
	}
	p.active.Add(1)
	logging.InfowCtx(ctx, "pipeline: session started", "profile", p.opts.Profile.Name, "mode", string(p.opts.Profile.Mode))
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = next
	s.stateMu.Unlock()
	if prev != next {
		logging.DebugwCtx(s.ctx, "pipeline: state", "from", prev.String(), "to", next.String())
	}
}

// InFlight reports whether an utterance is being processed.
func (s *Session) InFlight() bool { return s.inFlight.Load() }

// FeedAudio ingests one PCM16 chunk. When the chunk completes an utterance,
// FeedAudio processes it under the profile deadline and returns its result;
// nil means no output. Only an unexpected internal failure returns an error
// (wrapping ErrInternal); the session is reset and the caller should close
// the connection.
func (s *Session) FeedAudio(ctx context.Context, chunk []byte) (res *Result, err error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	s.feedMu.Lock()
	locked := true
	defer func() {
		if locked {
			s.feedMu.Unlock()
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, s.fail(fmt.Errorf("panic: %v", r), locked)
		}
	}()

	s.stats.chunks.Add(1)
	s.stats.bytes.Add(int64(len(chunk)))
	if len(chunk) == 0 {
		return nil, nil
	}
	if s.State() == Idle {
		s.setState(Listening)
	}

	trimmed := s.buf.Append(chunk)
	busy := s.inFlight.Load()
	if !busy {
		s.transcriber.AppendAudio(chunk)
	}
	obs := s.detector.Observe(chunk)
	if busy {
		return nil, nil
	}

	reason := s.decide(trimmed)
	if reason == TriggerNone {
		if obs.IsSpeech {
			s.schedulePartial()
		}
		return nil, nil
	}

	fp := s.buf.Fingerprint()
	if s.policy.Check(fp, "") == dedup.ReasonContent {
		s.stats.dupContent.Add(1)
		logging.InfowCtx(s.ctx, "pipeline: duplicate audio suppressed", "trigger", string(reason), "duration_ms", s.buf.Duration().Milliseconds())
		s.resetUtterance()
		s.setState(Idle)
		return nil, nil
	}
	s.policy.RecordContent(fp)

	s.inFlight.Store(true)
	utt := s.buf.Take()
	s.setState(Processing)
	s.stats.triggered.Add(1)
	switch reason {
	case TriggerPredictive:
		s.stats.predictive.Add(1)
	case TriggerForced:
		s.stats.forced.Add(1)
	}
	cid := uuid.NewString()
	s.feedMu.Unlock()
	locked = false

	res, err = s.process(ctx, cid, utt, reason)
	if err != nil {
		return nil, s.fail(err, false)
	}
	s.finish()
	return res, nil
}

// decide picks the trigger for the buffered audio. trimmed reports that the
// last append overflowed the buffer, which means the ceiling was crossed
// even though the trimmed buffer is now shorter. Called with feedMu held and
// no utterance in flight.
func (s *Session) decide(trimmed bool) TriggerReason {
	prof := s.p.opts.Profile
	dur := s.buf.Duration()
	if dur < prof.MinUtterance {
		return TriggerNone
	}
	if s.detector.UtteranceEnded() {
		s.detector.AcknowledgeUtteranceEnd()
		return TriggerEndOfSpeech
	}
	if prof.PredictiveTrigger && dur > prof.StabilityFloor && s.detector.ShouldTriggerEarly() {
		return TriggerPredictive
	}
	if prof.ForceCeiling > 0 && (dur >= prof.ForceCeiling || trimmed) {
		return TriggerForced
	}
	return TriggerNone
}

// schedulePartial queues one partial transcription pass unless one is
// already pending. Partials are best effort: when the shared transcription
// queue is full the pass is dropped rather than stalling FeedAudio.
func (s *Session) schedulePartial() {
	if s.p.opts.Transcriber.DisablePartials || !s.partialPending.CompareAndSwap(false, true) {
		return
	}
	f, ok := stage.TrySubmit(s.ctx, s.p.deps.Pool.Transcribe, func(ctx context.Context) (struct{}, error) {
		text, ok := s.transcriber.MaybeEmitPartial(ctx)
		if ok && !s.inFlight.Load() {
			s.stats.partials.Add(1)
			s.emit(TranscriptEvent(text, false))
		}
		return struct{}{}, nil
	})
	if !ok {
		s.partialPending.Store(false)
		s.stats.partialsDropped.Add(1)
		logging.DebugwCtx(s.ctx, "pipeline: transcription queue full, partial dropped")
		return
	}
	go func() {
		<-f.Done()
		s.partialPending.Store(false)
	}()
}

// process runs finalize, respond and synthesize for one utterance under the
// profile deadline. A non-nil error is an internal failure.
func (s *Session) process(parent context.Context, cid string, utt buffer.Utterance, reason TriggerReason) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.p.opts.Profile.Timeout)
	defer cancel()
	fields := logging.UtteranceFields(cid, len(utt.PCM), int(utt.Duration().Milliseconds()))
	if len(logging.FromContext(parent)) == 0 {
		fields = append(logging.SessionFields(s.id), fields...)
	}
	ctx = logging.WithFields(ctx, fields...)
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	logging.InfowCtx(ctx, "pipeline: processing utterance", "trigger", string(reason), "mode", string(s.p.opts.Profile.Mode))
	if _, err := s.p.deps.Recorder.SaveUtterance(cid, utt); err != nil {
		logging.WarnwCtx(ctx, "pipeline: failed to record utterance", "err", err)
	}

	var (
		res     *Result
		outcome Outcome
		err     error
	)
	if s.p.opts.Profile.Mode == config.ModeParallel {
		res, outcome, err = s.runParallel(ctx, cid)
	} else {
		res, outcome, err = s.runSequential(ctx, cid)
	}
	elapsed := time.Since(start)
	s.stats.lastElapsedMs.Store(elapsed.Milliseconds())

	switch outcome {
	case OutcomeResponded:
		s.stats.processed.Add(1)
		res.Elapsed = elapsed
		logging.InfowCtx(ctx, "pipeline: utterance processed", "elapsed_ms", elapsed.Milliseconds(), "audio_bytes", len(res.Audio))
	case OutcomeTimeout:
		s.stats.timeouts.Add(1)
		logging.ErrorwCtx(ctx, "pipeline: processing timed out", "timeout", s.p.opts.Profile.Timeout.String(), "elapsed_ms", elapsed.Milliseconds())
	case OutcomeDuplicate:
		s.stats.dupTranscript.Add(1)
	case OutcomeFailed:
	default:
		s.stats.empty.Add(1)
		logging.InfowCtx(ctx, "pipeline: no output for utterance", "outcome", string(outcome), "elapsed_ms", elapsed.Milliseconds())
	}

	update := map[string]interface{}{
		"trigger":    string(reason),
		"outcome":    string(outcome),
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if res != nil {
		update["transcript"] = res.Transcript
		update["response_text"] = res.Text
	}
	if merr := s.p.deps.Recorder.MergeUpdates(cid, update); merr != nil {
		logging.DebugwCtx(ctx, "pipeline: failed to update recording", "err", merr)
	}
	if outcome != OutcomeResponded {
		return nil, err
	}
	return res, nil
}

func (s *Session) runSequential(ctx context.Context, cid string) (*Result, Outcome, error) {
	transcript, err := s.finalize(ctx)
	if o, err := s.classify(ctx, err); o != "" {
		return nil, o, err
	}
	if o := s.acceptTranscript(ctx, transcript); o != "" {
		return nil, o, nil
	}
	s.policy.RecordTranscript(transcript)
	s.emit(TranscriptEvent(transcript, true))

	text, err := s.submitRespond(ctx, transcript).Wait(ctx)
	if o, err := s.classify(ctx, err); o != "" {
		return nil, o, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, OutcomeEmptyResponse, nil
	}
	s.setState(Responding)

	audio, err := s.submitSynthesize(ctx, text).Wait(ctx)
	if o, err := s.classify(ctx, err); o != "" {
		return nil, o, err
	}
	return s.deliver(ctx, cid, transcript, text, audio)
}

// runParallel starts each stage as soon as its input exists and overlaps
// bookkeeping and event emission with the running stage.
func (s *Session) runParallel(ctx context.Context, cid string) (*Result, Outcome, error) {
	transcript, err := s.finalize(ctx)
	if o, err := s.classify(ctx, err); o != "" {
		return nil, o, err
	}
	if o := s.acceptTranscript(ctx, transcript); o != "" {
		return nil, o, nil
	}
	respond := s.submitRespond(ctx, transcript)
	s.policy.RecordTranscript(transcript)
	s.emit(TranscriptEvent(transcript, true))

	text, err := respond.Wait(ctx)
	if o, err := s.classify(ctx, err); o != "" {
		return nil, o, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, OutcomeEmptyResponse, nil
	}
	synth := s.submitSynthesize(ctx, text)
	s.setState(Responding)
	logging.DebugwCtx(ctx, "pipeline: response ready", "chars", len(text))

	audio, err := synth.Wait(ctx)
	if o, err := s.classify(ctx, err); o != "" {
		return nil, o, err
	}
	return s.deliver(ctx, cid, transcript, text, audio)
}

func (s *Session) deliver(ctx context.Context, cid, transcript, text string, audio []byte) (*Result, Outcome, error) {
	if len(audio) == 0 {
		logging.WarnwCtx(ctx, "pipeline: synthesis produced no audio")
		return nil, OutcomeNoAudio, nil
	}
	if o, err := s.classify(ctx, nil); o != "" {
		return nil, o, err
	}
	s.emit(AudioResponseEvent(text, audio))
	return &Result{CorrelationID: cid, Audio: audio, Text: text, Transcript: transcript}, OutcomeResponded, nil
}

func (s *Session) finalize(ctx context.Context) (string, error) {
	text, err := stage.Do(ctx, s.p.deps.Pool.Transcribe, func(ctx context.Context) (string, error) {
		return s.transcriber.Finalize(ctx), nil
	})
	return strings.TrimSpace(text), err
}

func (s *Session) acceptTranscript(ctx context.Context, transcript string) Outcome {
	if transcript == "" {
		logging.InfowCtx(ctx, "pipeline: empty transcript")
		return OutcomeEmptyTranscript
	}
	if s.policy.Check("", transcript) == dedup.ReasonTranscript {
		logging.InfowCtx(ctx, "pipeline: duplicate transcript suppressed", "transcript", transcript)
		return OutcomeDuplicate
	}
	logging.InfowCtx(ctx, "pipeline: final transcript", "transcript", transcript)
	return ""
}

func (s *Session) submitRespond(ctx context.Context, transcript string) *stage.Future[string] {
	return stage.Submit(ctx, s.p.deps.Pool.Respond, func(ctx context.Context) (string, error) {
		text, err := s.p.deps.Responder.Respond(ctx, transcript)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			logging.WarnwCtx(ctx, "pipeline: response generation failed, using fallback", "err", err)
			return FallbackResponse, nil
		}
		return text, nil
	})
}

// submitSynthesize serves cached audio directly and queues synthesis on a
// miss. Synthesis failures yield empty audio.
func (s *Session) submitSynthesize(ctx context.Context, text string) *stage.Future[[]byte] {
	c := s.p.deps.Cache
	if c.Contains(text) {
		if audio, ok := c.Get(text); ok {
			logging.DebugwCtx(ctx, "pipeline: response audio cache hit")
			return stage.Resolved(audio, nil)
		}
	}
	return stage.Submit(ctx, s.p.deps.Pool.Synthesize, func(ctx context.Context) ([]byte, error) {
		audio, _, err := c.GetOrSynthesize(ctx, text, s.p.deps.Synthesizer.Synthesize)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logging.WarnwCtx(ctx, "pipeline: synthesis failed", "err", err)
			return nil, nil
		}
		return audio, nil
	})
}

// classify maps a stage error to an outcome. An empty outcome means the
// stage succeeded and the deadline still holds.
func (s *Session) classify(ctx context.Context, err error) (Outcome, error) {
	if err == nil {
		err = ctx.Err()
	}
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout, nil
	case errors.Is(err, context.Canceled), errors.Is(err, stage.ErrClosed):
		return OutcomeStopped, nil
	default:
		return OutcomeFailed, err
	}
}

// resetUtterance clears buffer, detector and transcriber. Called with
// feedMu held.
func (s *Session) resetUtterance() {
	s.buf.Reset()
	s.detector.Reset()
	s.transcriber.Reset()
}

// finish ends a processing attempt and returns the session to Idle.
func (s *Session) finish() {
	s.feedMu.Lock()
	s.resetUtterance()
	s.inFlight.Store(false)
	s.feedMu.Unlock()
	s.setState(Idle)
}

// fail handles an unexpected failure: the session passes through Error,
// is fully reset and returns to Idle.
func (s *Session) fail(cause error, locked bool) error {
	s.setState(Error)
	s.stats.errors.Add(1)
	logging.ErrorwCtx(s.ctx, "pipeline: internal error, resetting session", "err", cause)
	if !locked {
		s.feedMu.Lock()
		defer s.feedMu.Unlock()
	}
	s.resetUtterance()
	s.inFlight.Store(false)
	s.setState(Idle)
	return fmt.Errorf("%w: %v", ErrInternal, cause)
}

// Close stops the session. Pending stage work for it is abandoned.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.p.active.Add(-1)
		if c, ok := s.classifier.(io.Closer); ok {
			err = c.Close()
		}
		logging.InfowCtx(s.ctx, "pipeline: session closed", s.Stats().fields()...)
	})
	return err
}
