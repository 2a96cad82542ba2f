// Package gemini implements the realtime.Adapter for Google's Gemini Live API.
//
// The BidiGenerateContent protocol has no type discriminator: every server
// message is an object whose populated members (setupComplete, serverContent,
// toolCall, goAway) say what it carries, and one message may carry audio,
// transcription and turn completion at once. Inbound frames are decoded into
// genai.LiveServerMessage. Gemini performs barge-in on the server, so the
// adapter has no interrupt message, and it answers text turns without an
// explicit trigger.
package gemini

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/provider/realtime"
)

// Compile-time assertion that Adapter satisfies realtime.Adapter.
var _ realtime.Adapter = (*Adapter)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	bidiPath       = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
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

// WithRegionBaseURL pins a region name to its own base URL.
func WithRegionBaseURL(region, url string) Option {
	return func(a *Adapter) { a.regions[region] = url }
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter implements realtime.Adapter for the Gemini Live API.
type Adapter struct {
	apiKey  string
	model   string
	baseURL string
	regions map[string]string
}

// New creates a new Gemini Live adapter with the given API key and options.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		regions: make(map[string]string),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Provider returns realtime.ProviderGemini.
func (a *Adapter) Provider() realtime.Provider { return realtime.ProviderGemini }

// Endpoint returns the BidiGenerateContent socket URL. The model is named in
// the setup message, not the URL.
func (a *Adapter) Endpoint(_, region string) string {
	base := a.baseURL
	if u, ok := a.regions[region]; ok {
		base = u
	}
	return strings.TrimSuffix(base, "/") + bidiPath
}

// Headers returns the API key header.
func (a *Adapter) Headers(string) http.Header {
	return http.Header{
		"X-Goog-Api-Key": []string{a.apiKey},
		"Content-Type":   []string{"application/json"},
	}
}

// NegotiateFormats returns Gemini's fixed formats: 16kHz PCM16 in, 24kHz
// PCM16 out.
func (a *Adapter) NegotiateFormats(audio.Format) (in, out audio.Format) {
	return audio.FormatPCM16k, audio.FormatPCM24k
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *systemInstruction   `json:"systemInstruction,omitempty"`
	Tools                    []geminiTool         `json:"tools,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *struct{}            `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}            `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
	Temperature        float64       `json:"temperature,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection map[string]any `json:"automaticActivityDetection,omitempty"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse *genai.LiveClientToolResponse `json:"toolResponse"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverMessage extends the SDK's message with the error object the socket
// sends before closing on a fatal request error.
type serverMessage struct {
	genai.LiveServerMessage
	Error *geminiError `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// ── Builders ───────────────────────────────────────────────────────────────────

// BuildSessionConfig returns the setup message.
func (a *Adapter) BuildSessionConfig(opts realtime.SessionOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = a.model
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				Temperature:        opts.Temperature,
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if opts.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: opts.Instructions}},
		}
	}

	if opts.Voice != "" || opts.Language != "" {
		sc := &speechConfig{LanguageCode: opts.Language}
		if opts.Voice != "" {
			sc.VoiceConfig = &voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: opts.Voice},
			}
		}
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}

	if len(opts.TurnDetection) > 0 {
		msg.Setup.RealtimeInputConfig = &realtimeInputConfig{
			AutomaticActivityDetection: opts.TurnDetection,
		}
	}

	if len(opts.Tools) > 0 {
		decls := make([]functionDeclaration, len(opts.Tools))
		for i, t := range opts.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return marshal(msg)
}

// BuildAudioAppendMessage returns a realtimeInput message with one 16kHz PCM
// chunk.
func (a *Adapter) BuildAudioAppendMessage(chunk []byte) (string, error) {
	return marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: "audio/pcm;rate=16000",
				Data:     base64.StdEncoding.EncodeToString(chunk),
			}},
		},
	})
}

// BuildImageAppendMessage returns a realtimeInput message carrying one image
// frame.
func (a *Adapter) BuildImageAppendMessage(image []byte, mimeType string) (string, bool) {
	if len(image) == 0 {
		return "", false
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	msg, err := marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: mimeType,
				Data:     base64.StdEncoding.EncodeToString(image),
			}},
		},
	})
	if err != nil {
		return "", false
	}
	return msg, true
}

// BuildTextUserMessage returns a completed user turn.
func (a *Adapter) BuildTextUserMessage(text, _ string) (string, error) {
	return marshal(clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	})
}

// BuildInterruptMessage reports false: Gemini cancels generation itself when
// it detects user speech.
func (a *Adapter) BuildInterruptMessage(string, int64) (string, bool) {
	return "", false
}

// BuildTriggerResponseMessage reports false: a completed client turn starts
// a response.
func (a *Adapter) BuildTriggerResponseMessage() (string, bool) {
	return "", false
}

// BuildFunctionResultMessage returns a toolResponse. A JSON object output is
// passed through as the response; anything else is wrapped as
// {"output": ...}.
func (a *Adapter) BuildFunctionResultMessage(callID, name, output string) ([]string, error) {
	var resp map[string]any
	if err := json.Unmarshal([]byte(output), &resp); err != nil || resp == nil {
		resp = map[string]any{"output": output}
	}
	msg, err := marshal(toolResponseMessage{
		ToolResponse: &genai.LiveClientToolResponse{
			FunctionResponses: []*genai.FunctionResponse{{
				ID:       callID,
				Name:     name,
				Response: resp,
			}},
		},
	})
	if err != nil {
		return nil, err
	}
	return []string{msg}, nil
}

// ── Parser ─────────────────────────────────────────────────────────────────────

// ParseMessage maps one server message to normalized events in the order
// audio, transcription, interruption, completion.
func (a *Adapter) ParseMessage(frame []byte) []realtime.Event {
	var out []realtime.Event

	var msg serverMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		// A corrupt inline payload is reported without dropping what did
		// decode.
		var corrupt base64.CorruptInputError
		if !errors.As(err, &corrupt) {
			return []realtime.Event{realtime.ParseError(err)}
		}
		out = append(out, realtime.Event{Kind: realtime.EventError, Message: "gemini: inline data: " + err.Error()})
	}

	if msg.SetupComplete != nil {
		out = append(out, realtime.Event{Kind: realtime.EventSessionInitialized})
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p == nil {
					continue
				}
				if p.InlineData != nil && len(p.InlineData.Data) > 0 {
					out = append(out, realtime.Event{Kind: realtime.EventAudioDelta, Audio: p.InlineData.Data})
				}
				if p.Text != "" && !p.Thought {
					out = append(out, realtime.Event{
						Kind:    realtime.EventOutputTranscriptPartial,
						Speaker: realtime.SpeakerAssistant,
						Text:    p.Text,
					})
				}
			}
		}
		if t := sc.InputTranscription; t != nil && (t.Text != "" || t.Finished) {
			kind := realtime.EventInputTranscriptPartial
			if t.Finished {
				kind = realtime.EventInputTranscriptCompleted
			}
			out = append(out, realtime.Event{Kind: kind, Speaker: realtime.SpeakerUser, Text: t.Text})
		}
		if t := sc.OutputTranscription; t != nil && (t.Text != "" || t.Finished) {
			kind := realtime.EventOutputTranscriptPartial
			if t.Finished {
				kind = realtime.EventOutputTranscriptCompleted
			}
			out = append(out, realtime.Event{Kind: kind, Speaker: realtime.SpeakerAssistant, Text: t.Text})
		}
		if sc.Interrupted {
			out = append(out, realtime.Event{Kind: realtime.EventSpeechDetected})
		}
		if sc.GenerationComplete {
			out = append(out, realtime.Event{Kind: realtime.EventAudioDone})
		}
		if sc.TurnComplete {
			out = append(out, realtime.Event{Kind: realtime.EventTurnCompleted})
		}
	}

	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			args := "{}"
			if len(fc.Args) > 0 {
				if b, err := json.Marshal(fc.Args); err == nil {
					args = string(b)
				}
			}
			out = append(out, realtime.Event{
				Kind:      realtime.EventFunctionCall,
				Name:      fc.Name,
				Arguments: args,
				CallID:    fc.ID,
			})
		}
	}

	if msg.GoAway != nil {
		out = append(out, realtime.Event{
			Kind:    realtime.EventError,
			Message: fmt.Sprintf("gemini: server closing in %s", msg.GoAway.TimeLeft),
		})
	}

	if msg.Error != nil {
		out = append(out, realtime.Event{
			Kind:    realtime.EventError,
			Message: fmt.Sprintf("gemini: %d %s: %s", msg.Error.Code, msg.Error.Status, msg.Error.Message),
		})
	}

	if len(out) == 0 {
		return []realtime.Event{{Kind: realtime.EventUnknown, Raw: discriminator(frame)}}
	}
	return out
}

// ── Helpers ────────────────────────────────────────────────────────────────────

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("gemini: marshal: %w", err)
	}
	return string(data), nil
}

// discriminator returns the top-level member names of an unrecognized
// message, e.g. "usageMetadata".
func discriminator(frame []byte) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(frame, &m); err != nil || len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return strings.Join(keys, ",")
}
