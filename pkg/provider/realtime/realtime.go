// Package realtime defines the provider side of the relay: the protocol
// [Adapter] that translates between a realtime voice provider's wire format
// and the normalized [Event] set, and the [Transport] that owns the duplex
// socket to the provider.
//
// Adapters are pure translators. They never touch a socket, hold no
// per-session state and are safe for concurrent use; one instance serves
// every session for its provider. Adding a provider means adding one
// Adapter (and reusing or adding a Transport), never touching the engine.
package realtime

import (
	"encoding/json"
	"net/http"

	"github.com/MrWong99/callrelay/pkg/audio"
)

// Provider identifies a realtime voice provider.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// Tool describes a function the model may call. Parameters is an opaque JSON
// Schema object passed through to the provider unchanged.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// SessionOptions carries everything an adapter needs to build the session
// initiation payload. Instructions must already be fully resolved.
type SessionOptions struct {
	Model        string
	Voice        string
	Language     string
	Instructions string
	Tools        []Tool
	Temperature  float64

	// TurnDetection and NoiseReduction are provider-specific objects passed
	// through verbatim when non-nil.
	TurnDetection  map[string]any
	NoiseReduction map[string]any

	// InputFormat and OutputFormat are the formats returned by
	// [Adapter.NegotiateFormats].
	InputFormat  audio.Format
	OutputFormat audio.Format
}

// Adapter translates between one provider's wire protocol and normalized
// events. Build methods that return (string, bool) report false when the
// provider has no such message; callers must not send anything in that case.
type Adapter interface {
	// Provider returns the provider this adapter speaks.
	Provider() Provider

	// Endpoint returns the socket URL for model, pinned to region when the
	// provider exposes regional endpoints.
	Endpoint(model, region string) string

	// Headers returns the authentication and protocol headers for a dial.
	Headers(region string) http.Header

	// NegotiateFormats picks the audio formats sent to and received from the
	// provider given the client's native format. Formats equal to the
	// client's need no conversion.
	NegotiateFormats(client audio.Format) (in, out audio.Format)

	BuildSessionConfig(opts SessionOptions) (string, error)
	BuildAudioAppendMessage(pcm []byte) (string, error)
	BuildImageAppendMessage(image []byte, mimeType string) (string, bool)
	BuildTextUserMessage(text, sessionID string) (string, error)
	BuildInterruptMessage(lastItemID string, playedMs int64) (string, bool)
	BuildTriggerResponseMessage() (string, bool)
	BuildFunctionResultMessage(callID, name, output string) ([]string, error)

	// ParseMessage converts one inbound frame into one or more events. It
	// never panics: malformed frames yield a single critical Error event and
	// well-formed but unrecognized frames yield Unknown.
	ParseMessage(frame []byte) []Event
}
