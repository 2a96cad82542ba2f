// Package twilio implements the media.Adapter for Twilio Media Streams.
//
// Twilio sends JSON frames discriminated by "event": connected, start,
// media, mark, dtmf and stop. Audio is 8kHz μ-law in both directions. The
// outbound protocol has media, clear and mark frames only, so transcription
// and error frames are unsupported.
package twilio

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/media"
)

// Compile-time assertion that Adapter satisfies media.Adapter.
var _ media.Adapter = (*Adapter)(nil)

// ── Protocol message types (incoming) ─────────────────────────────────────────

type inboundFrame struct {
	Event     string     `json:"event"`
	StreamSid string     `json:"streamSid,omitempty"`
	Start     *startInfo `json:"start,omitempty"`
	Media     *mediaInfo `json:"media,omitempty"`
	Mark      *markInfo  `json:"mark,omitempty"`
	DTMF      *dtmfInfo  `json:"dtmf,omitempty"`
}

type startInfo struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaInfo struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markInfo struct {
	Name string `json:"name"`
}

type dtmfInfo struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

// MediaFrame plays base64 μ-law audio on the call.
type MediaFrame struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

// MediaPayload is the body of a MediaFrame.
type MediaPayload struct {
	Payload string `json:"payload"`
}

// ClearFrame discards audio Twilio has buffered but not yet played.
type ClearFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// MarkFrame asks Twilio to echo a mark once preceding audio has played.
type MarkFrame struct {
	Event     string   `json:"event"`
	StreamSid string   `json:"streamSid"`
	Mark      markInfo `json:"mark"`
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter implements media.Adapter for one Twilio media stream.
type Adapter struct {
	mu        sync.Mutex
	streamSid string
}

// New returns an Adapter for a single call.
func New() *Adapter { return &Adapter{} }

// Kind returns media.KindTwilio.
func (a *Adapter) Kind() media.Kind { return media.KindTwilio }

// InputFormat returns 8kHz μ-law.
func (a *Adapter) InputFormat() audio.Format { return audio.FormatMulaw8k }

// OutputFormat returns 8kHz μ-law.
func (a *Adapter) OutputFormat() audio.Format { return audio.FormatMulaw8k }

// StreamSid returns the stream id captured from the start frame.
func (a *Adapter) StreamSid() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streamSid
}

// ParseMessage maps one Twilio frame to a normalized event.
func (a *Adapter) ParseMessage(frame []byte) media.Event {
	var in inboundFrame
	if err := json.Unmarshal(frame, &in); err != nil {
		return media.Unknown("malformed")
	}

	switch in.Event {
	case "start":
		if in.Start == nil {
			return media.Unknown("start")
		}
		sid := in.Start.StreamSid
		if sid == "" {
			sid = in.StreamSid
		}
		a.mu.Lock()
		a.streamSid = sid
		a.mu.Unlock()

		meta := map[string]string{
			media.MetaStreamID: sid,
			media.MetaCallID:   in.Start.CallSid,
			"account_sid":      in.Start.AccountSid,
		}
		for k, v := range in.Start.CustomParameters {
			meta["param."+k] = v
		}
		return media.Event{Kind: media.EventStart, Timestamp: -1, Metadata: meta}

	case "media":
		if in.Media == nil {
			return media.Unknown("media")
		}
		// Only the caller's audio is relayed.
		if in.Media.Track != "" && in.Media.Track != "inbound" && in.Media.Track != "inbound_track" {
			return media.Unknown("media:" + in.Media.Track)
		}
		payload, err := base64.StdEncoding.DecodeString(in.Media.Payload)
		if err != nil {
			return media.Unknown("media:payload")
		}
		ts := int64(-1)
		if in.Media.Timestamp != "" {
			if v, err := strconv.ParseInt(in.Media.Timestamp, 10, 64); err == nil {
				ts = v
			}
		}
		return media.Event{
			Kind:      media.EventAudio,
			Payload:   payload,
			Timestamp: ts,
			Metadata:  map[string]string{media.MetaStreamID: in.StreamSid},
		}

	case "mark":
		name := ""
		if in.Mark != nil {
			name = in.Mark.Name
		}
		return media.Event{Kind: media.EventMark, Timestamp: -1, Metadata: map[string]string{media.MetaMark: name}}

	case "dtmf":
		if in.DTMF == nil || in.DTMF.Digit == "" {
			return media.Unknown("dtmf")
		}
		return media.Event{
			Kind:      media.EventText,
			Payload:   []byte(in.DTMF.Digit),
			Timestamp: -1,
			Metadata:  map[string]string{media.MetaDTMF: in.DTMF.Digit},
		}

	case "stop":
		return media.Event{Kind: media.EventStop, Timestamp: -1, Metadata: map[string]string{media.MetaStreamID: in.StreamSid}}
	}

	return media.Unknown(in.Event)
}

// BuildAudioDeltaFrame returns a media frame for the active stream.
func (a *Adapter) BuildAudioDeltaFrame(payloadB64, _ string) any {
	return MediaFrame{Event: "media", StreamSid: a.StreamSid(), Media: MediaPayload{Payload: payloadB64}}
}

// BuildInterruptFrame returns a clear frame.
func (a *Adapter) BuildInterruptFrame(string) any {
	return ClearFrame{Event: "clear", StreamSid: a.StreamSid()}
}

// BuildTurnCompletedFrame returns a mark frame named after the session.
func (a *Adapter) BuildTurnCompletedFrame(sessionID string) any {
	return MarkFrame{Event: "mark", StreamSid: a.StreamSid(), Mark: markInfo{Name: sessionID}}
}

// BuildTranscriptionFrame returns nil: Twilio has no transcription frame.
func (a *Adapter) BuildTranscriptionFrame(string, string, string) any { return nil }

// BuildErrorFrame returns nil: Twilio has no error frame.
func (a *Adapter) BuildErrorFrame(string, string, string) any { return nil }
