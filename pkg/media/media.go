// Package media defines the client side of the relay: the [Adapter] that
// parses frames from a telephony or browser media stream into normalized
// [Event] values and builds outbound frames in that client's wire format.
//
// An Adapter instance is scoped to exactly one session. It may remember the
// stream id announced in the client's start frame so that every outbound
// frame can echo it; apart from that it is a pure translator. ParseMessage
// and the Build methods are called from the session's read loop and from
// provider-side goroutines, so implementations guard that one field.
package media

import "github.com/MrWong99/callrelay/pkg/audio"

// Kind identifies a client protocol.
type Kind string

const (
	KindTwilio Kind = "twilio"
	KindWeb    Kind = "web"
)

// EventKind classifies a normalized client event.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventStart
	EventStop
	EventAudio
	EventImage
	EventText
	EventMark
)

var eventKindNames = [...]string{
	EventUnknown: "unknown",
	EventStart:   "start",
	EventStop:    "stop",
	EventAudio:   "audio",
	EventImage:   "image",
	EventText:    "text",
	EventMark:    "mark",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

// Metadata keys set by adapters.
const (
	MetaStreamID = "stream_id"
	MetaCallID   = "call_id"
	MetaDTMF     = "dtmf"
	MetaMark     = "mark"
	MetaRaw      = "raw"
)

// Event is a protocol-independent client event.
type Event struct {
	Kind EventKind

	// Payload is decoded audio or image bytes, or UTF-8 text.
	Payload []byte

	// MIMEType is set on Image events.
	MIMEType string

	// Timestamp is the client's media clock in milliseconds for Audio
	// events, or -1 when the client does not send one.
	Timestamp int64

	// Metadata carries correlation ids and protocol extras.
	Metadata map[string]string
}

// Adapter translates one client protocol. Build methods return a value ready
// for JSON encoding, or nil when the protocol has no such frame.
type Adapter interface {
	Kind() Kind

	// InputFormat is the format of audio the client sends.
	InputFormat() audio.Format

	// OutputFormat is the format of audio the client plays.
	OutputFormat() audio.Format

	// ParseMessage never panics; malformed frames yield EventUnknown.
	ParseMessage(frame []byte) Event

	BuildAudioDeltaFrame(payloadB64, sessionID string) any
	BuildInterruptFrame(sessionID string) any
	BuildTurnCompletedFrame(sessionID string) any
	BuildTranscriptionFrame(eventType, text, sessionID string) any
	BuildErrorFrame(code, message, sessionID string) any
}

// Unknown returns an Unknown event carrying raw as diagnostic metadata.
func Unknown(raw string) Event {
	return Event{Kind: EventUnknown, Timestamp: -1, Metadata: map[string]string{MetaRaw: raw}}
}
