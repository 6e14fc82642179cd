package pipeline

// State is the session's position in the utterance lifecycle.
type State int

const (
	Idle State = iota
	Listening
	Processing
	Responding
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Responding:
		return "responding"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// TriggerReason names what started processing of an utterance.
type TriggerReason string

const (
	TriggerNone        TriggerReason = ""
	TriggerEndOfSpeech TriggerReason = "end_of_speech"
	TriggerPredictive  TriggerReason = "predictive"
	TriggerForced      TriggerReason = "forced"
)

// Outcome is how a processed utterance ended.
type Outcome string

const (
	OutcomeResponded       Outcome = "responded"
	OutcomeEmptyTranscript Outcome = "empty_transcript"
	OutcomeDuplicate       Outcome = "duplicate_transcript"
	OutcomeEmptyResponse   Outcome = "empty_response"
	OutcomeNoAudio         Outcome = "no_audio"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeStopped         Outcome = "stopped"
	OutcomeFailed          Outcome = "failed"
)
