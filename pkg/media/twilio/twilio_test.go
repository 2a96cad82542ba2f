package twilio_test

import (
	"encoding/json"
	"testing"

	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/media"
	"github.com/MrWong99/callrelay/pkg/media/twilio"
)

const startFrame = `{
	"event": "start",
	"sequenceNumber": "1",
	"start": {
		"streamSid": "MZ123",
		"accountSid": "AC1",
		"callSid": "CA9",
		"tracks": ["inbound"],
		"customParameters": {"assistant": "support", "lang": "de"}
	},
	"streamSid": "MZ123"
}`

func TestParseMessage_Start(t *testing.T) {
	t.Parallel()

	a := twilio.New()
	ev := a.ParseMessage([]byte(startFrame))
	if ev.Kind != media.EventStart {
		t.Fatalf("Kind = %s, want start", ev.Kind)
	}
	want := map[string]string{
		media.MetaStreamID: "MZ123",
		media.MetaCallID:   "CA9",
		"account_sid":      "AC1",
		"param.assistant":  "support",
		"param.lang":       "de",
	}
	for k, v := range want {
		if ev.Metadata[k] != v {
			t.Errorf("Metadata[%q] = %q, want %q", k, ev.Metadata[k], v)
		}
	}
	if a.StreamSid() != "MZ123" {
		t.Errorf("StreamSid = %q", a.StreamSid())
	}
}

func TestParseMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		frame   string
		kind    media.EventKind
		payload string
		ts      int64
		meta    map[string]string
	}{
		{
			name:    "media inbound",
			frame:   `{"event":"media","streamSid":"MZ1","media":{"track":"inbound","chunk":"2","timestamp":"5120","payload":"AQID"}}`,
			kind:    media.EventAudio,
			payload: "\x01\x02\x03",
			ts:      5120,
		},
		{
			name:    "media without timestamp",
			frame:   `{"event":"media","media":{"payload":"AQ=="}}`,
			kind:    media.EventAudio,
			payload: "\x01",
			ts:      -1,
		},
		{
			name:  "media outbound track ignored",
			frame: `{"event":"media","media":{"track":"outbound","payload":"AQ=="}}`,
			kind:  media.EventUnknown,
			ts:    -1,
		},
		{
			name:  "media bad base64",
			frame: `{"event":"media","media":{"payload":"!!!"}}`,
			kind:  media.EventUnknown,
			ts:    -1,
		},
		{
			name:  "mark",
			frame: `{"event":"mark","streamSid":"MZ1","mark":{"name":"sess-1"}}`,
			kind:  media.EventMark,
			ts:    -1,
			meta:  map[string]string{media.MetaMark: "sess-1"},
		},
		{
			name:    "dtmf",
			frame:   `{"event":"dtmf","streamSid":"MZ1","dtmf":{"track":"inbound_track","digit":"7"}}`,
			kind:    media.EventText,
			payload: "7",
			ts:      -1,
			meta:    map[string]string{media.MetaDTMF: "7"},
		},
		{
			name:  "stop",
			frame: `{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA9"}}`,
			kind:  media.EventStop,
			ts:    -1,
		},
		{
			name:  "connected",
			frame: `{"event":"connected","protocol":"Call","version":"1.0.0"}`,
			kind:  media.EventUnknown,
			ts:    -1,
			meta:  map[string]string{media.MetaRaw: "connected"},
		},
		{
			name:  "not json",
			frame: `not json`,
			kind:  media.EventUnknown,
			ts:    -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := twilio.New().ParseMessage([]byte(tt.frame))
			if ev.Kind != tt.kind {
				t.Fatalf("Kind = %s, want %s", ev.Kind, tt.kind)
			}
			if string(ev.Payload) != tt.payload {
				t.Errorf("Payload = %q, want %q", ev.Payload, tt.payload)
			}
			if ev.Timestamp != tt.ts {
				t.Errorf("Timestamp = %d, want %d", ev.Timestamp, tt.ts)
			}
			for k, v := range tt.meta {
				if ev.Metadata[k] != v {
					t.Errorf("Metadata[%q] = %q, want %q", k, ev.Metadata[k], v)
				}
			}
		})
	}
}

func TestBuildFrames_EchoStreamSid(t *testing.T) {
	t.Parallel()

	a := twilio.New()
	a.ParseMessage([]byte(startFrame))

	tests := []struct {
		name  string
		frame any
		want  string
	}{
		{"media", a.BuildAudioDeltaFrame("AAAA", "sess-1"), `{"event":"media","streamSid":"MZ123","media":{"payload":"AAAA"}}`},
		{"clear", a.BuildInterruptFrame("sess-1"), `{"event":"clear","streamSid":"MZ123"}`},
		{"mark", a.BuildTurnCompletedFrame("sess-1"), `{"event":"mark","streamSid":"MZ123","mark":{"name":"sess-1"}}`},
	}
	for _, tt := range tests {
		b, err := json.Marshal(tt.frame)
		if err != nil {
			t.Fatalf("%s: marshal: %v", tt.name, err)
		}
		if string(b) != tt.want {
			t.Errorf("%s = %s, want %s", tt.name, b, tt.want)
		}
	}

	if f := a.BuildTranscriptionFrame("input_transcript_completed", "hi", "sess-1"); f != nil {
		t.Errorf("BuildTranscriptionFrame = %v, want nil", f)
	}
	if f := a.BuildErrorFrame("provider", "boom", "sess-1"); f != nil {
		t.Errorf("BuildErrorFrame = %v, want nil", f)
	}
}

func TestFormats(t *testing.T) {
	t.Parallel()

	a := twilio.New()
	if a.Kind() != media.KindTwilio {
		t.Errorf("Kind = %s", a.Kind())
	}
	if a.InputFormat() != audio.FormatMulaw8k || a.OutputFormat() != audio.FormatMulaw8k {
		t.Errorf("formats = %s/%s, want mulaw 8k", a.InputFormat(), a.OutputFormat())
	}
}
