// Package web implements the media.Adapter for the browser client protocol.
//
// Frames are JSON objects discriminated by "type". The browser sends 16kHz
// PCM16 and plays 24kHz PCM16; both are carried as base64 in "data".
//
// Inbound:
//
//	{"type":"start","sessionId":"...","metadata":{...}}
//	{"type":"media","media":{"type":"audio","data":"...","timestamp":120}}
//	{"type":"media","media":{"type":"image","mimeType":"image/png","data":"..."}}
//	{"type":"text","text":"hello"}
//	{"type":"mark","name":"..."}
//	{"type":"stop"}
//
// Outbound frames are audio, clear, mark, transcription and error.
package web

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/media"
)

// Compile-time assertion that Adapter satisfies media.Adapter.
var _ media.Adapter = (*Adapter)(nil)

type inboundFrame struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Media     *mediaBody        `json:"media,omitempty"`
	Text      string            `json:"text,omitempty"`
	Name      string            `json:"name,omitempty"`
}

type mediaBody struct {
	Type      string `json:"type"`
	MIMEType  string `json:"mimeType,omitempty"`
	Data      string `json:"data"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

// Frame is the outbound envelope. Unused fields are omitted.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Name      string `json:"name,omitempty"`
	Event     string `json:"event,omitempty"`
	Text      string `json:"text,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Adapter implements media.Adapter for one browser session.
type Adapter struct {
	mu       sync.Mutex
	streamID string
}

// New returns an Adapter for a single browser session.
func New() *Adapter { return &Adapter{} }

// Kind returns media.KindWeb.
func (a *Adapter) Kind() media.Kind { return media.KindWeb }

// InputFormat returns 16kHz PCM.
func (a *Adapter) InputFormat() audio.Format { return audio.FormatPCM16k }

// OutputFormat returns 24kHz PCM.
func (a *Adapter) OutputFormat() audio.Format { return audio.FormatPCM24k }

func (a *Adapter) stream(sessionID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.streamID != "" {
		return a.streamID
	}
	return sessionID
}

// ParseMessage maps one browser frame to a normalized event.
func (a *Adapter) ParseMessage(frame []byte) media.Event {
	var in inboundFrame
	if err := json.Unmarshal(frame, &in); err != nil {
		return media.Unknown("malformed")
	}

	switch in.Type {
	case "start":
		a.mu.Lock()
		a.streamID = in.SessionID
		a.mu.Unlock()
		meta := map[string]string{media.MetaStreamID: in.SessionID}
		for k, v := range in.Metadata {
			meta["param."+k] = v
		}
		return media.Event{Kind: media.EventStart, Timestamp: -1, Metadata: meta}

	case "media":
		if in.Media == nil {
			return media.Unknown("media")
		}
		data, err := base64.StdEncoding.DecodeString(in.Media.Data)
		if err != nil || len(data) == 0 {
			return media.Unknown("media:data")
		}
		switch in.Media.Type {
		case "", "audio":
			ts := int64(-1)
			if in.Media.Timestamp != nil {
				ts = *in.Media.Timestamp
			}
			return media.Event{Kind: media.EventAudio, Payload: data, Timestamp: ts}
		case "image":
			mime := in.Media.MIMEType
			if mime == "" {
				mime = "image/jpeg"
			}
			return media.Event{Kind: media.EventImage, Payload: data, MIMEType: mime, Timestamp: -1}
		}
		return media.Unknown("media:" + in.Media.Type)

	case "text":
		if in.Text == "" {
			return media.Unknown("text")
		}
		return media.Event{Kind: media.EventText, Payload: []byte(in.Text), Timestamp: -1}

	case "mark":
		return media.Event{Kind: media.EventMark, Timestamp: -1, Metadata: map[string]string{media.MetaMark: in.Name}}

	case "stop":
		return media.Event{Kind: media.EventStop, Timestamp: -1}
	}
	return media.Unknown(in.Type)
}

// BuildAudioDeltaFrame returns an audio frame for the active stream.
func (a *Adapter) BuildAudioDeltaFrame(payloadB64, sessionID string) any {
	return Frame{Type: "audio", SessionID: a.stream(sessionID), Data: payloadB64}
}

// BuildInterruptFrame returns a clear frame.
func (a *Adapter) BuildInterruptFrame(sessionID string) any {
	return Frame{Type: "clear", SessionID: a.stream(sessionID)}
}

// BuildTurnCompletedFrame returns a mark frame named after the session.
func (a *Adapter) BuildTurnCompletedFrame(sessionID string) any {
	return Frame{Type: "mark", SessionID: a.stream(sessionID), Name: sessionID}
}

// BuildTranscriptionFrame returns a transcription frame; eventType is the
// provider event name such as "output_transcript_completed".
func (a *Adapter) BuildTranscriptionFrame(eventType, text, sessionID string) any {
	return Frame{Type: "transcription", SessionID: a.stream(sessionID), Event: eventType, Text: text}
}

// BuildErrorFrame returns an error frame carrying code and message.
func (a *Adapter) BuildErrorFrame(code, message, sessionID string) any {
	return Frame{Type: "error", SessionID: a.stream(sessionID), Code: code, Message: message}
}
