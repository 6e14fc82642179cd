package transcribe

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/voice-agent-lab/internal/audio"
)

type fakeModel struct {
	mu       sync.Mutex
	replies  map[Pass][]string
	errs     map[Pass]error
	calls    map[Pass]int
	lastPeak float32
}

func newFakeModel() *fakeModel {
	return &fakeModel{replies: map[Pass][]string{}, errs: map[Pass]error{}, calls: map[Pass]int{}}
}

func (m *fakeModel) Transcribe(_ context.Context, samples []float32, _ int, pass Pass) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls[pass]
	m.calls[pass]++
	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	m.lastPeak = peak
	if err := m.errs[pass]; err != nil {
		return "", err
	}
	r := m.replies[pass]
	if len(r) == 0 {
		return "", nil
	}
	if i >= len(r) {
		return r[len(r)-1], nil
	}
	return r[i], nil
}

func (m *fakeModel) count(p Pass) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[p]
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock { return &clock{t: time.Unix(1700000000, 0)} }

func tone(d time.Duration, amp float64) []byte {
	n := audio.BytesFor(d, 16000) / 2
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(amp * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return audio.FromFloat32(s)
}

func newTestTranscriber(m Model, c *clock) *IncrementalTranscriber {
	return New(m, Options{Now: c.now})
}

func TestPartialGates(t *testing.T) {
	m := newFakeModel()
	m.replies[Fast] = []string{"hello", "hello", "hello there"}
	c := newClock()
	tr := newTestTranscriber(m, c)
	ctx := context.Background()

	tr.AppendAudio(tone(50*time.Millisecond, 0.3))
	if _, ok := tr.MaybeEmitPartial(ctx); ok || m.count(Fast) != 0 {
		t.Fatal("partial emitted below minimum duration")
	}

	tr.AppendAudio(tone(100*time.Millisecond, 0.3))
	if text, ok := tr.MaybeEmitPartial(ctx); !ok || text != "hello" {
		t.Fatalf("first partial = %q, %v", text, ok)
	}

	// Rate limited.
	tr.AppendAudio(tone(100*time.Millisecond, 0.3))
	if _, ok := tr.MaybeEmitPartial(ctx); ok || m.count(Fast) != 1 {
		t.Fatal("partial not rate limited")
	}

	// Same text is not re-emitted, but the call still advances the limiter.
	c.advance(250 * time.Millisecond)
	if _, ok := tr.MaybeEmitPartial(ctx); ok {
		t.Fatal("unchanged text emitted")
	}
	if m.count(Fast) != 2 {
		t.Fatalf("fast calls = %d, want 2", m.count(Fast))
	}

	// No new audio means the fingerprint is unchanged.
	c.advance(250 * time.Millisecond)
	if _, ok := tr.MaybeEmitPartial(ctx); ok || m.count(Fast) != 2 {
		t.Fatal("model called for unchanged audio")
	}

	tr.AppendAudio(tone(100*time.Millisecond, 0.3))
	if text, ok := tr.MaybeEmitPartial(ctx); !ok || text != "hello there" {
		t.Fatalf("second partial = %q, %v", text, ok)
	}
}

func TestNearSilentAudioNeverReachesModel(t *testing.T) {
	m := newFakeModel()
	m.replies[Fast] = []string{"ghost"}
	m.replies[Thorough] = []string{"ghost"}
	tr := newTestTranscriber(m, newClock())
	tr.AppendAudio(tone(500*time.Millisecond, 0.0005))
	if _, ok := tr.MaybeEmitPartial(context.Background()); ok {
		t.Fatal("partial from silence")
	}
	if got := tr.Finalize(context.Background()); got != "" {
		t.Fatalf("final = %q", got)
	}
	if m.count(Fast)+m.count(Thorough) != 0 {
		t.Fatal("model called for silent audio")
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	m := newFakeModel()
	m.replies[Thorough] = []string{"what is your return policy", "something else"}
	tr := newTestTranscriber(m, newClock())
	tr.AppendAudio(tone(time.Second, 0.3))

	first := tr.Finalize(context.Background())
	second := tr.Finalize(context.Background())
	if first != "what is your return policy" || second != first {
		t.Fatalf("finalize = %q then %q", first, second)
	}
	if m.count(Thorough) != 1 {
		t.Fatalf("thorough calls = %d, want 1", m.count(Thorough))
	}
	if m.lastPeak < 0.79 || m.lastPeak > 0.81 {
		t.Fatalf("audio not normalized, peak = %v", m.lastPeak)
	}

	// Audio after finalize is discarded.
	tr.AppendAudio(tone(time.Second, 0.3))
	if tr.Stats().BufferedBytes != audio.BytesFor(time.Second, 16000) {
		t.Fatal("audio appended after finalize")
	}
}

func TestFinalizeFallbacks(t *testing.T) {
	ctx := context.Background()

	t.Run("thorough empty uses fast", func(t *testing.T) {
		m := newFakeModel()
		m.replies[Fast] = []string{"fast text"}
		tr := newTestTranscriber(m, newClock())
		tr.AppendAudio(tone(time.Second, 0.3))
		if got := tr.Finalize(ctx); got != "fast text" {
			t.Fatalf("final = %q", got)
		}
	})

	t.Run("errors fall back to last partial", func(t *testing.T) {
		m := newFakeModel()
		m.replies[Fast] = []string{"partial words"}
		c := newClock()
		tr := newTestTranscriber(m, c)
		tr.AppendAudio(tone(time.Second, 0.3))
		if _, ok := tr.MaybeEmitPartial(ctx); !ok {
			t.Fatal("no partial")
		}
		m.errs[Fast] = errors.New("unavailable")
		m.errs[Thorough] = errors.New("unavailable")
		if got := tr.Finalize(ctx); got != "partial words" {
			t.Fatalf("final = %q", got)
		}
	})

	t.Run("short buffer uses last partial", func(t *testing.T) {
		m := newFakeModel()
		tr := newTestTranscriber(m, newClock())
		tr.AppendAudio(tone(50*time.Millisecond, 0.3))
		if got := tr.Finalize(ctx); got != "" {
			t.Fatalf("final = %q", got)
		}
		if m.count(Thorough) != 0 {
			t.Fatal("model called for short buffer")
		}
	})
}

func TestResetReenablesSession(t *testing.T) {
	m := newFakeModel()
	m.replies[Thorough] = []string{"one", "two"}
	tr := newTestTranscriber(m, newClock())
	tr.AppendAudio(tone(time.Second, 0.3))
	if got := tr.Finalize(context.Background()); got != "one" {
		t.Fatalf("final = %q", got)
	}
	tr.Reset()
	if tr.Finalized() {
		t.Fatal("still finalized after reset")
	}
	tr.AppendAudio(tone(time.Second, 0.3))
	if got := tr.Finalize(context.Background()); got != "two" {
		t.Fatalf("final after reset = %q", got)
	}
}

type blockingModel struct {
	started chan struct{}
	release chan struct{}
}

func (m *blockingModel) Transcribe(ctx context.Context, _ []float32, _ int, _ Pass) (string, error) {
	close(m.started)
	<-m.release
	return "stale", nil
}

func TestResetDropsInFlightPartial(t *testing.T) {
	m := &blockingModel{started: make(chan struct{}), release: make(chan struct{})}
	tr := newTestTranscriber(m, newClock())
	tr.AppendAudio(tone(time.Second, 0.3))

	done := make(chan bool)
	go func() {
		_, ok := tr.MaybeEmitPartial(context.Background())
		done <- ok
	}()
	<-m.started
	// AppendAudio must not wait on the model.
	tr.AppendAudio(tone(10*time.Millisecond, 0.3))
	tr.Reset()
	close(m.release)
	if <-done {
		t.Fatal("partial from before reset was emitted")
	}
	if tr.Stats().LastPartial != "" {
		t.Fatal("stale partial stored")
	}
}
