// Package dedup decides whether an utterance repeats one that was just
// processed, either byte-for-byte or by transcript.
package dedup

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultWindow     = 2 * time.Second
	DefaultCooldown   = 2 * time.Second
	DefaultSimilarity = 0.9
)

// Reason names which check suppressed an utterance.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonContent    Reason = "content"
	ReasonTranscript Reason = "transcript"
)

// Policy holds the most recently processed fingerprint and transcript.
// Content checks compare fingerprints inside Window; transcript checks
// compare word-set similarity against Threshold inside Cooldown.
type Policy struct {
	Window    time.Duration
	Cooldown  time.Duration
	Threshold float64
	Now       func() time.Time

	mu             sync.Mutex
	lastPrint      string
	lastPrintAt    time.Time
	lastTranscript string
	lastTextAt     time.Time
}

// New returns a policy with the given windows. Zero values take defaults.
func New(window, cooldown time.Duration, threshold float64) *Policy {
	if window <= 0 {
		window = DefaultWindow
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarity
	}
	return &Policy{Window: window, Cooldown: cooldown, Threshold: threshold}
}

func (p *Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// ShouldSuppress reports whether an utterance with this fingerprint and
// transcript duplicates the last processed one. Either argument may be empty
// to skip that level of the check.
func (p *Policy) ShouldSuppress(fingerprint, transcript string) bool {
	return p.Check(fingerprint, transcript) != ReasonNone
}

// Check is ShouldSuppress with the reason attached.
func (p *Policy) Check(fingerprint, transcript string) Reason {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if fingerprint != "" && p.lastPrint != "" && fingerprint == p.lastPrint && now.Sub(p.lastPrintAt) < p.Window {
		return ReasonContent
	}
	if strings.TrimSpace(transcript) != "" && p.lastTranscript != "" && now.Sub(p.lastTextAt) < p.Cooldown {
		if Similarity(transcript, p.lastTranscript) >= p.Threshold {
			return ReasonTranscript
		}
	}
	return ReasonNone
}

// RecordContent marks fingerprint as processed now.
func (p *Policy) RecordContent(fingerprint string) {
	if fingerprint == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPrint = fingerprint
	p.lastPrintAt = p.now()
}

// RecordTranscript marks transcript as processed now.
func (p *Policy) RecordTranscript(transcript string) {
	if strings.TrimSpace(transcript) == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastTranscript = transcript
	p.lastTextAt = p.now()
}

// Reset forgets all history.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPrint, p.lastTranscript = "", ""
	p.lastPrintAt, p.lastTextAt = time.Time{}, time.Time{}
}
