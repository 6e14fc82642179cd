package buffer

import (
	"bytes"
	"testing"
	"time"
)

func ramp(n int, start byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = start + byte(i)
	}
	return out
}

func TestAppendWithinCap(t *testing.T) {
	b := New(16000, time.Second, 500*time.Millisecond)
	if b.Append(make([]byte, 16000)) {
		t.Fatal("unexpected trim")
	}
	if b.Duration() != 500*time.Millisecond {
		t.Fatalf("Duration = %v", b.Duration())
	}
}

func TestTrimKeepsMostRecent(t *testing.T) {
	// 1000 samples/s keeps the arithmetic readable: max 100 bytes, keep 60 bytes.
	b := New(1000, 50*time.Millisecond, 30*time.Millisecond)
	b.Append(ramp(80, 0))
	if !b.Append(ramp(40, 100)) {
		t.Fatal("expected trim")
	}
	if b.Len() != 60 {
		t.Fatalf("Len = %d, want 60", b.Len())
	}
	got := b.Snapshot().PCM
	want := append(ramp(80, 0)[60:], ramp(40, 100)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("retained = %v, want %v", got, want)
	}
	if b.Trims() != 1 {
		t.Fatalf("Trims = %d", b.Trims())
	}
}

func TestTrimClearsWhenKeepNotBelowMax(t *testing.T) {
	b := New(1000, 50*time.Millisecond, 50*time.Millisecond)
	b.Append(ramp(80, 0))
	b.Append(ramp(40, 0))
	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0", b.Len())
	}
}

func TestSinceTracksTrimmedPositions(t *testing.T) {
	b := New(1000, 50*time.Millisecond, 30*time.Millisecond)
	b.Append(ramp(40, 0))
	pos := b.Total()
	b.Append(ramp(20, 50))
	if got := b.Since(pos); !bytes.Equal(got, ramp(20, 50)) {
		t.Fatalf("Since = %v", got)
	}
	b.Append(ramp(50, 100)) // 110 bytes -> trimmed to last 60
	got := b.Since(pos)
	if len(got) != 60 {
		t.Fatalf("Since after trim len = %d, want 60", len(got))
	}
	if b.Since(b.Total()) != nil {
		t.Fatal("expected nothing new at current position")
	}
}

func TestTakeLeavesFreshBuffer(t *testing.T) {
	b := New(16000, time.Second, 500*time.Millisecond)
	b.Append([]byte{1, 2, 3, 4})
	fp := b.Fingerprint()
	u := b.Take()
	if b.Len() != 0 {
		t.Fatal("buffer not empty after Take")
	}
	if u.Fingerprint != fp {
		t.Fatal("fingerprint mismatch")
	}
	b.Append([]byte{9, 9})
	if !bytes.Equal(u.PCM, []byte{1, 2, 3, 4}) {
		t.Fatalf("utterance mutated by later append: %v", u.PCM)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	b := New(16000, time.Second, 500*time.Millisecond)
	b.Append([]byte{1, 2})
	s := b.Snapshot()
	s.PCM[0] = 7
	if b.Snapshot().PCM[0] != 1 {
		t.Fatal("snapshot shares memory with buffer")
	}
	b.Reset()
	if b.Len() != 0 || b.Total() != 0 {
		t.Fatal("reset did not clear")
	}
}
