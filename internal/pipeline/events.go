package pipeline

// EventType identifies an event sent toward the caller.
type EventType string

const (
	EventStatus        EventType = "status"
	EventTranscript    EventType = "transcript"
	EventAudioResponse EventType = "audio_response"
)

// AudioFormat of synthesized responses.
const AudioFormat = "wav"

// Event is emitted to the caller as the session makes progress. Only the
// fields relevant to Type are set.
type Event struct {
	Type    EventType
	Message string // status
	Text    string // transcript, audio_response
	Final   bool   // transcript
	Audio   []byte // audio_response
	Format  string // audio_response
}

// Emitter receives session events. It is called from the goroutine that
// produced the event and must not block for long.
type Emitter func(Event)

func StatusEvent(msg string) Event { return Event{Type: EventStatus, Message: msg} }

func TranscriptEvent(text string, final bool) Event {
	return Event{Type: EventTranscript, Text: text, Final: final}
}

func AudioResponseEvent(text string, audio []byte) Event {
	return Event{Type: EventAudioResponse, Text: text, Audio: audio, Format: AudioFormat}
}
