package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/callrelay/pkg/audio"
)

func TestParseFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    audio.Format
		wantErr bool
	}{
		{in: "mulaw/8000", want: audio.FormatMulaw8k},
		{in: "ALAW/8000", want: audio.FormatAlaw8k},
		{in: " pcm16/24000 ", want: audio.FormatPCM24k},
		{in: audio.FormatPCM16k.String(), want: audio.FormatPCM16k},
		{in: "pcm16", wantErr: true},
		{in: "opus/48000", wantErr: true},
		{in: "pcm16/0", wantErr: true},
		{in: "pcm16/fast", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := audio.ParseFormat(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseFormat(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFormat(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormat_Duration(t *testing.T) {
	t.Parallel()

	if d := audio.FormatMulaw8k.Duration(160); d != 20*time.Millisecond {
		t.Errorf("mulaw 160 bytes = %s, want 20ms", d)
	}
	if d := audio.FormatPCM24k.Duration(960); d != 20*time.Millisecond {
		t.Errorf("pcm24k 960 bytes = %s, want 20ms", d)
	}
	if d := (audio.Format{Codec: audio.CodecPCM16}).Duration(100); d != 0 {
		t.Errorf("zero rate = %s, want 0", d)
	}
}
