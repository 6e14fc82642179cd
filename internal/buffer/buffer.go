// Package buffer implements the bounded raw-audio accumulation buffer.
//
// A Buffer has a single owner and is not safe for concurrent use. Handing
// audio to another goroutine goes through Take or Snapshot, which return an
// Utterance that shares no memory with the buffer.
package buffer

import (
	"time"

	"github.com/voice-agent-lab/internal/audio"
)

// Buffer accumulates PCM16 mono audio up to a maximum retained duration.
type Buffer struct {
	sampleRate int
	maxBytes   int
	keepBytes  int

	data    []byte
	total   int64 // bytes ever appended since the last Reset
	dropped int64 // bytes removed from the front by trimming
	trims   int
}

// New returns a buffer retaining at most max audio. When an append pushes
// past max, only the most recent keep is retained; if keep is not below max
// the buffer is cleared instead. A non-positive max disables the cap.
func New(sampleRate int, max, keep time.Duration) *Buffer {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	return &Buffer{
		sampleRate: sampleRate,
		maxBytes:   audio.BytesFor(max, sampleRate),
		keepBytes:  audio.BytesFor(keep, sampleRate),
	}
}

// Append adds p to the buffer and enforces the retention cap. It reports
// whether a trim happened.
func (b *Buffer) Append(p []byte) bool {
	if len(p) == 0 {
		return false
	}
	b.data = append(b.data, p...)
	b.total += int64(len(p))
	return b.Trim()
}

// Trim enforces the retention cap and reports whether anything was removed.
func (b *Buffer) Trim() bool {
	if b.maxBytes <= 0 || len(b.data) <= b.maxBytes {
		return false
	}
	if b.keepBytes > 0 && b.keepBytes < b.maxBytes {
		cut := len(b.data) - b.keepBytes
		cut += cut % audio.BytesPerSample
		kept := make([]byte, len(b.data)-cut, cap(b.data))
		copy(kept, b.data[cut:])
		b.dropped += int64(cut)
		b.data = kept
	} else {
		b.dropped += int64(len(b.data))
		b.data = b.data[:0]
	}
	b.trims++
	return true
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Duration returns the duration of the buffered audio.
func (b *Buffer) Duration() time.Duration { return audio.Duration(len(b.data), b.sampleRate) }

// SampleRate of the buffered audio.
func (b *Buffer) SampleRate() int { return b.sampleRate }

// Trims returns how many times the cap was enforced since the last Reset.
func (b *Buffer) Trims() int { return b.trims }

// Total returns the count of bytes appended since the last Reset,
// including bytes later trimmed away. It serves as a stream position.
func (b *Buffer) Total() int64 { return b.total }

// Since returns a copy of the retained bytes appended after stream position
// pos. Bytes that were trimmed are not returned.
func (b *Buffer) Since(pos int64) []byte {
	start := pos - b.dropped
	if start < 0 {
		start = 0
	}
	if start >= int64(len(b.data)) {
		return nil
	}
	out := make([]byte, int64(len(b.data))-start)
	copy(out, b.data[start:])
	return out
}

// Fingerprint returns the content hash of the buffered bytes.
func (b *Buffer) Fingerprint() string { return audio.Fingerprint(b.data) }

// Snapshot copies the buffered audio into an Utterance and leaves the buffer
// unchanged.
func (b *Buffer) Snapshot() Utterance {
	pcm := make([]byte, len(b.data))
	copy(pcm, b.data)
	return newUtterance(pcm, b.sampleRate)
}

// Take moves the buffered audio into an Utterance and leaves a fresh empty
// buffer behind. The returned bytes are never touched by the buffer again.
func (b *Buffer) Take() Utterance {
	pcm := b.data
	b.data = nil
	return newUtterance(pcm, b.sampleRate)
}

// Reset clears all buffered audio and counters.
func (b *Buffer) Reset() {
	b.data = nil
	b.total = 0
	b.dropped = 0
	b.trims = 0
}

// Utterance is an owned copy of buffered audio at trigger time.
type Utterance struct {
	PCM         []byte
	SampleRate  int
	Fingerprint string
}

func newUtterance(pcm []byte, sampleRate int) Utterance {
	return Utterance{PCM: pcm, SampleRate: sampleRate, Fingerprint: audio.Fingerprint(pcm)}
}

// Duration of the utterance audio.
func (u Utterance) Duration() time.Duration { return audio.Duration(len(u.PCM), u.SampleRate) }
