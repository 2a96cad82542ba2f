// Package engine runs relay sessions. A [Session] owns one call: it bridges
// an open client connection and a provider transport through their protocol
// adapters, applies the session state machine, invokes consumer callbacks and
// produces the final transcript and recording.
//
// Each session runs two read loops, one per socket, under an errgroup. All
// mutable session state sits behind one per-session mutex; audio conversion
// and socket I/O happen outside it. Sends are serialized per socket. Either
// loop ending cancels the other, and cancellation closes both sockets so the
// loops observe closure instead of being abandoned. Artifacts are flushed on
// every exit path, including failures.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/media"
	"github.com/MrWong99/callrelay/pkg/provider/realtime"
)

// Errors classifying why a session failed.
var (
	// ErrTransport wraps connect, send and receive failures on either socket.
	ErrTransport = errors.New("engine: transport error")

	// ErrProtocol wraps critical provider protocol errors.
	ErrProtocol = errors.New("engine: protocol error")

	// ErrInvalidConfig is returned by [New] for unusable configuration.
	ErrInvalidConfig = errors.New("engine: invalid config")
)

// State is a session lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateProviderConnecting
	StateActive
	// StateSuspended is Active with client audio withheld from the provider.
	StateSuspended
	StateClosing
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateInitializing:       "initializing",
	StateProviderConnecting: "provider_connecting",
	StateActive:             "active",
	StateSuspended:          "suspended",
	StateClosing:            "closing",
	StateClosed:             "closed",
	StateFailed:             "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ClientConn is the already-open duplex connection to the client. The engine
// never calls WriteJSON concurrently. Close must unblock a pending
// ReadMessage. ReadMessage returns io.EOF when the client closed normally.
type ClientConn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// ModelConfig is the resolved provider configuration for one session. It is
// immutable for the session's lifetime.
type ModelConfig struct {
	Model  string
	Voice  string
	Region string

	// Language is a BCP-47 tag used for transcription and speech.
	Language string

	// Instructions is the system prompt with every variable already
	// substituted.
	Instructions string

	Tools       []realtime.Tool
	Temperature float64

	// TurnDetection and NoiseReduction are passed to the provider verbatim.
	TurnDetection  map[string]any
	NoiseReduction map[string]any
}

// IdlePolicy configures proactive follow-ups after the caller goes quiet.
// A zero Timeout disables it. The timer is armed after an assistant turn
// completes and disarmed by user speech or text.
type IdlePolicy struct {
	Timeout time.Duration

	// FollowUpText is sent as a user-turn prompt when the timer fires.
	FollowUpText string

	// SkipTurns is the number of initial assistant turns after which the
	// timer is not armed, typically 1 to skip the greeting.
	SkipTurns int

	// MaxFollowUps bounds consecutive follow-ups without user activity.
	// Zero means unlimited.
	MaxFollowUps int

	// HangupAfterMax ends the session when the timer fires after
	// MaxFollowUps follow-ups.
	HangupAfterMax bool
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string
}

// FunctionResult is the consumer's answer to a [FunctionCall]. Output is sent
// to the provider verbatim, usually a JSON object.
type FunctionResult struct {
	Output string
}

// TranscriptEntry is one utterance of the session transcript.
type TranscriptEntry struct {
	Speaker string
	Text    string
	Order   int
	// At is the offset from session start.
	At time.Duration
}

// Summary describes a finished session.
type Summary struct {
	SessionID string
	Provider  realtime.Provider
	Client    media.Kind
	State     State
	// Err is nil for sessions that closed normally.
	Err error
	// Reason is the first recorded cause of teardown, e.g. "client_stop".
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time

	Turns         int
	Interruptions int
	FunctionCalls int
	FollowUps     int

	// Metadata is the client's start frame metadata.
	Metadata map[string]string
}

// Actions is the handle passed to callbacks.
type Actions interface {
	SessionID() string

	// Metadata returns a copy of the client's start frame metadata.
	Metadata() map[string]string

	// SendAudio plays audio to the client, converting from f to the
	// client's output format.
	SendAudio(ctx context.Context, data []byte, f audio.Format) error

	// SendText sends a user text turn to the provider and triggers a
	// response where the provider needs one.
	SendText(ctx context.Context, text string) error

	// SuspendClientAudioToProvider withholds client audio from the provider.
	// Client frames are still read and recorded.
	SuspendClientAudioToProvider()

	// ResumeClientAudioToProvider restores forwarding from the next frame.
	ResumeClientAudioToProvider()

	// Hangup ends the session.
	Hangup(reason string)
}

// Callbacks are consumer hooks. Any may be nil. Errors and panics are logged
// and never propagate into the session. The end-of-session callbacks fire
// exactly once each, in the order OnTranscriptComplete, OnRecordingComplete
// (only when recording is enabled), OnSessionEnded.
type Callbacks struct {
	// OnSessionReady fires once when the provider confirms the session.
	OnSessionReady func(ctx context.Context, a Actions) error

	// OnFunctionCall answers a tool call. A nil result sends no reply.
	OnFunctionCall func(ctx context.Context, a Actions, call FunctionCall) (*FunctionResult, error)

	// OnIdleTimeout fires when the idle timer expires, after the follow-up
	// text has been sent.
	OnIdleTimeout func(ctx context.Context, a Actions) error

	OnTranscriptComplete func(ctx context.Context, sessionID string, entries []TranscriptEntry) error
	OnRecordingComplete  func(ctx context.Context, sessionID string, wav []byte) error
	OnSessionEnded       func(ctx context.Context, s Summary)
}

// Config describes one session.
type Config struct {
	// SessionID is generated when empty.
	SessionID string

	Provider realtime.Provider
	Client   media.Kind
	Model    ModelConfig
	Idle     IdlePolicy

	// Recording enables the stereo WAV artifact.
	Recording bool
	// RecordingSampleRate defaults to 16000.
	RecordingSampleRate int

	// ForwardDTMF sends keypad digits to the provider as text turns.
	ForwardDTMF bool

	// ConnectTimeout bounds one provider dial. Defaults to 10s.
	ConnectTimeout time.Duration

	Callbacks Callbacks
}

func (c *Config) validate() error {
	var errs []error
	if c.Provider == "" {
		errs = append(errs, errors.New("provider is required"))
	}
	if c.Client == "" {
		errs = append(errs, errors.New("client is required"))
	}
	if c.Idle.Timeout < 0 {
		errs = append(errs, errors.New("idle timeout must not be negative"))
	}
	if c.Idle.SkipTurns < 0 || c.Idle.MaxFollowUps < 0 {
		errs = append(errs, errors.New("idle counters must not be negative"))
	}
	if c.RecordingSampleRate < 0 {
		errs = append(errs, errors.New("recording sample rate must not be negative"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}
