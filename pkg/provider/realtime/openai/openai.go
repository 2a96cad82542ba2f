// Package openai implements the realtime.Adapter for OpenAI's Realtime API.
//
// The protocol is a flat stream of JSON events discriminated by a "type"
// field. Audio travels base64-encoded in input_audio_buffer.append and
// response.audio.delta events. G.711 telephony audio is accepted natively, so
// μ-law and A-law callers need no transcoding.
package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/provider/realtime"
)

// Compile-time assertion that Adapter satisfies realtime.Adapter.
var _ realtime.Adapter = (*Adapter)(nil)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithModel sets the default model used when a session does not name one.
// An empty model keeps the built-in default.
func WithModel(model string) Option {
	return func(a *Adapter) {
		if model != "" {
			a.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// WithRegionBaseURL pins a region name to its own base URL (for example an
// Azure OpenAI deployment). Unknown regions fall back to the base URL.
func WithRegionBaseURL(region, url string) Option {
	return func(a *Adapter) { a.regions[region] = url }
}

// WithTranscriptionModel sets the model used for input audio transcription.
func WithTranscriptionModel(model string) Option {
	return func(a *Adapter) { a.transcriptionModel = model }
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter implements realtime.Adapter for OpenAI's Realtime API.
type Adapter struct {
	apiKey             string
	model              string
	baseURL            string
	regions            map[string]string
	transcriptionModel string
}

// New creates a new OpenAI Realtime adapter with the given API key and options.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		regions:            make(map[string]string),
		transcriptionModel: defaultTranscriptionModel,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Provider returns realtime.ProviderOpenAI.
func (a *Adapter) Provider() realtime.Provider { return realtime.ProviderOpenAI }

// Endpoint returns the socket URL for model in region.
func (a *Adapter) Endpoint(model, region string) string {
	if model == "" {
		model = a.model
	}
	base := a.baseURL
	if u, ok := a.regions[region]; ok {
		base = u
	}
	return fmt.Sprintf("%s?model=%s", base, url.QueryEscape(model))
}

// Headers returns the bearer token and beta header.
func (a *Adapter) Headers(string) http.Header {
	return http.Header{
		"Authorization": []string{"Bearer " + a.apiKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	}
}

// NegotiateFormats passes G.711 through unchanged and uses 24kHz PCM16
// otherwise.
func (a *Adapter) NegotiateFormats(client audio.Format) (in, out audio.Format) {
	switch client {
	case audio.FormatMulaw8k, audio.FormatAlaw8k:
		return client, client
	}
	return audio.FormatPCM24k, audio.FormatPCM24k
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities               []string                `json:"modalities"`
	Voice                    string                  `json:"voice,omitempty"`
	Instructions             string                  `json:"instructions,omitempty"`
	Tools                    []oaiTool               `json:"tools,omitempty"`
	ToolChoice               string                  `json:"tool_choice,omitempty"`
	InputAudioFormat         string                  `json:"input_audio_format"`
	OutputAudioFormat        string                  `json:"output_audio_format"`
	InputAudioTranscription  *inputTranscriptionOpts `json:"input_audio_transcription,omitempty"`
	TurnDetection            map[string]any          `json:"turn_detection,omitempty"`
	InputAudioNoiseReduction map[string]any          `json:"input_audio_noise_reduction,omitempty"`
	Temperature              float64                 `json:"temperature,omitempty"`
}

type inputTranscriptionOpts struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type oaiTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type truncateMessage struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta  string `json:"delta,omitempty"`
	ItemID string `json:"item_id,omitempty"`

	// *.completed / *.done transcript events
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── Builders ───────────────────────────────────────────────────────────────────

// BuildSessionConfig returns the session.update event.
func (a *Adapter) BuildSessionConfig(opts realtime.SessionOptions) (string, error) {
	params := sessionParams{
		Modalities:               []string{"audio", "text"},
		Voice:                    opts.Voice,
		Instructions:             opts.Instructions,
		InputAudioFormat:         formatName(opts.InputFormat),
		OutputAudioFormat:        formatName(opts.OutputFormat),
		TurnDetection:            opts.TurnDetection,
		InputAudioNoiseReduction: opts.NoiseReduction,
		Temperature:              opts.Temperature,
		InputAudioTranscription: &inputTranscriptionOpts{
			Model:    a.transcriptionModel,
			Language: opts.Language,
		},
	}
	if len(opts.Tools) > 0 {
		params.Tools = toOAITools(opts.Tools)
		params.ToolChoice = "auto"
	}
	return marshal(sessionUpdateMessage{Type: "session.update", Session: params})
}

// BuildAudioAppendMessage returns an input_audio_buffer.append event.
func (a *Adapter) BuildAudioAppendMessage(chunk []byte) (string, error) {
	return marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// BuildImageAppendMessage reports false: the realtime audio session does not
// accept streamed image frames.
func (a *Adapter) BuildImageAppendMessage([]byte, string) (string, bool) {
	return "", false
}

// BuildTextUserMessage returns a user conversation item carrying text.
// The caller follows it with [Adapter.BuildTriggerResponseMessage].
func (a *Adapter) BuildTextUserMessage(text, _ string) (string, error) {
	return marshal(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	})
}

// BuildInterruptMessage truncates the assistant item at the point the caller
// had actually heard. It reports false when no item is tracked.
func (a *Adapter) BuildInterruptMessage(lastItemID string, playedMs int64) (string, bool) {
	if lastItemID == "" {
		return "", false
	}
	msg, err := marshal(truncateMessage{
		Type:         "conversation.item.truncate",
		ItemID:       lastItemID,
		ContentIndex: 0,
		AudioEndMs:   max(playedMs, 0),
	})
	if err != nil {
		return "", false
	}
	return msg, true
}

// BuildTriggerResponseMessage returns response.create.
func (a *Adapter) BuildTriggerResponseMessage() (string, bool) {
	return `{"type":"response.create"}`, true
}

// BuildFunctionResultMessage returns the function_call_output item followed
// by response.create so the model continues the turn.
func (a *Adapter) BuildFunctionResultMessage(callID, _ string, output string) ([]string, error) {
	item, err := marshal(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
	if err != nil {
		return nil, err
	}
	trigger, _ := a.BuildTriggerResponseMessage()
	return []string{item, trigger}, nil
}

// ── Parser ─────────────────────────────────────────────────────────────────────

// ParseMessage maps one server event to normalized events.
func (a *Adapter) ParseMessage(frame []byte) []realtime.Event {
	var evt serverEvent
	if err := json.Unmarshal(frame, &evt); err != nil {
		return []realtime.Event{realtime.ParseError(err)}
	}

	switch evt.Type {
	case "session.updated":
		return one(realtime.Event{Kind: realtime.EventSessionInitialized})

	case "response.audio.delta", "response.output_audio.delta":
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return one(realtime.Event{Kind: realtime.EventError, Message: "openai: audio delta: " + err.Error()})
		}
		return one(realtime.Event{Kind: realtime.EventAudioDelta, Audio: data, ItemID: evt.ItemID})

	case "response.audio.done", "response.output_audio.done":
		return one(realtime.Event{Kind: realtime.EventAudioDone, ItemID: evt.ItemID})

	case "response.done":
		return one(realtime.Event{Kind: realtime.EventTurnCompleted})

	case "input_audio_buffer.speech_started":
		return one(realtime.Event{Kind: realtime.EventSpeechDetected, ItemID: evt.ItemID})

	case "conversation.item.input_audio_transcription.delta":
		return one(transcript(realtime.EventInputTranscriptPartial, realtime.SpeakerUser, evt.Delta))

	case "conversation.item.input_audio_transcription.completed":
		return one(transcript(realtime.EventInputTranscriptCompleted, realtime.SpeakerUser, evt.Transcript))

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		return one(transcript(realtime.EventOutputTranscriptPartial, realtime.SpeakerAssistant, evt.Delta))

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return one(transcript(realtime.EventOutputTranscriptCompleted, realtime.SpeakerAssistant, evt.Transcript))

	case "response.function_call_arguments.done":
		return one(realtime.Event{
			Kind:      realtime.EventFunctionCall,
			Name:      evt.Name,
			Arguments: evt.Arguments,
			CallID:    evt.CallID,
		})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return one(realtime.Event{Kind: realtime.EventError, Message: "openai: " + msg})
	}

	return one(realtime.Event{Kind: realtime.EventUnknown, Raw: evt.Type})
}

// ── Helpers ────────────────────────────────────────────────────────────────────

func one(e realtime.Event) []realtime.Event { return []realtime.Event{e} }

func transcript(kind realtime.EventKind, speaker, text string) realtime.Event {
	return realtime.Event{Kind: kind, Speaker: speaker, Text: text}
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("openai: marshal: %w", err)
	}
	return string(data), nil
}

// formatName maps an audio format to the Realtime API's format identifier.
func formatName(f audio.Format) string {
	switch f.Codec {
	case audio.CodecMulaw:
		return "g711_ulaw"
	case audio.CodecAlaw:
		return "g711_alaw"
	}
	return "pcm16"
}

// toOAITools converts tool definitions to the Realtime tool format.
func toOAITools(tools []realtime.Tool) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}
