package pipeline

import (
	"sync/atomic"
	"time"
)

type counters struct {
	chunks          atomic.Int64
	bytes           atomic.Int64
	triggered       atomic.Int64
	processed       atomic.Int64
	partials        atomic.Int64
	partialsDropped atomic.Int64
	dupContent      atomic.Int64
	dupTranscript   atomic.Int64
	timeouts        atomic.Int64
	empty           atomic.Int64
	errors          atomic.Int64
	predictive      atomic.Int64
	forced          atomic.Int64
	lastElapsedMs   atomic.Int64
}

// Stats is a snapshot of session counters.
type Stats struct {
	SessionID           string        `json:"session_id"`
	State               string        `json:"state"`
	Chunks              int64         `json:"chunks"`
	Bytes               int64         `json:"bytes"`
	Triggered           int64         `json:"utterances_triggered"`
	Processed           int64         `json:"utterances_processed"`
	Partials            int64         `json:"partials"`
	PartialsDropped     int64         `json:"partials_dropped"`
	DuplicateContent    int64         `json:"duplicates_content"`
	DuplicateTranscript int64         `json:"duplicates_transcript"`
	Timeouts            int64         `json:"timeouts"`
	Empty               int64         `json:"empty_outcomes"`
	Errors              int64         `json:"errors"`
	PredictiveTriggers  int64         `json:"predictive_triggers"`
	ForcedTriggers      int64         `json:"forced_triggers"`
	LastProcessing      time.Duration `json:"last_processing_ns"`
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		SessionID:           s.id,
		State:               s.State().String(),
		Chunks:              s.stats.chunks.Load(),
		Bytes:               s.stats.bytes.Load(),
		Triggered:           s.stats.triggered.Load(),
		Processed:           s.stats.processed.Load(),
		Partials:            s.stats.partials.Load(),
		PartialsDropped:     s.stats.partialsDropped.Load(),
		DuplicateContent:    s.stats.dupContent.Load(),
		DuplicateTranscript: s.stats.dupTranscript.Load(),
		Timeouts:            s.stats.timeouts.Load(),
		Empty:               s.stats.empty.Load(),
		Errors:              s.stats.errors.Load(),
		PredictiveTriggers:  s.stats.predictive.Load(),
		ForcedTriggers:      s.stats.forced.Load(),
		LastProcessing:      time.Duration(s.stats.lastElapsedMs.Load()) * time.Millisecond,
	}
}

func (st Stats) fields() []interface{} {
	return []interface{}{
		"chunks", st.Chunks,
		"bytes", st.Bytes,
		"triggered", st.Triggered,
		"processed", st.Processed,
		"partials", st.Partials,
		"partials_dropped", st.PartialsDropped,
		"duplicates_content", st.DuplicateContent,
		"duplicates_transcript", st.DuplicateTranscript,
		"timeouts", st.Timeouts,
		"empty", st.Empty,
		"errors", st.Errors,
		"predictive_triggers", st.PredictiveTriggers,
		"forced_triggers", st.ForcedTriggers,
	}
}
