package realtime

import "fmt"

// EventKind classifies a normalized provider event.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventSessionInitialized
	EventAudioDelta
	EventAudioDone
	EventTurnCompleted
	EventSpeechDetected
	EventInputTranscriptPartial
	EventInputTranscriptCompleted
	EventOutputTranscriptPartial
	EventOutputTranscriptCompleted
	EventFunctionCall
	EventError
)

var eventKindNames = [...]string{
	EventUnknown:                   "unknown",
	EventSessionInitialized:        "session_initialized",
	EventAudioDelta:                "audio_delta",
	EventAudioDone:                 "audio_done",
	EventTurnCompleted:             "turn_completed",
	EventSpeechDetected:            "speech_detected",
	EventInputTranscriptPartial:    "input_transcript_partial",
	EventInputTranscriptCompleted:  "input_transcript_completed",
	EventOutputTranscriptPartial:   "output_transcript_partial",
	EventOutputTranscriptCompleted: "output_transcript_completed",
	EventFunctionCall:              "function_call",
	EventError:                     "error",
}

// String returns the snake_case name of the kind, used as a metric label.
func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Speakers attached to transcript events.
const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Event is a protocol-independent provider event. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind EventKind

	// Audio is the decoded payload of an AudioDelta, in the adapter's
	// negotiated output format.
	Audio []byte

	// ItemID identifies the assistant output item an AudioDelta belongs to.
	// Empty for providers without item ids.
	ItemID string

	// Text and Speaker are set on transcript events.
	Text    string
	Speaker string

	// Name, Arguments and CallID are set on FunctionCall.
	Name      string
	Arguments string
	CallID    string

	// Message and Critical are set on Error. A critical error ends the
	// session.
	Message  string
	Critical bool

	// Raw carries the provider's discriminator for Unknown events.
	Raw string
}

// ParseError builds the critical Error event adapters return for frames that
// are not valid JSON for their protocol. A frame that decodes but carries a
// corrupt audio payload yields a non-critical Error instead.
func ParseError(err error) Event {
	return Event{Kind: EventError, Message: "parse: " + err.Error(), Critical: true}
}
