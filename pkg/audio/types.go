// Package audio holds the codec layer of the relay: format descriptors, the
// external-transcoder adapter, in-process PCM helpers and the call recorder.
//
// All formats are mono. Telephony carriers and the supported realtime
// providers only exchange single-channel audio, so channel count is not part
// of [Format]; the only multi-channel output is the stereo recording produced
// by [Recorder.Finalize].
package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Codec identifies a raw sample encoding.
type Codec string

const (
	// CodecPCM16 is signed 16-bit little-endian linear PCM.
	CodecPCM16 Codec = "pcm16"

	// CodecMulaw is G.711 μ-law, one byte per sample.
	CodecMulaw Codec = "mulaw"

	// CodecAlaw is G.711 A-law, one byte per sample.
	CodecAlaw Codec = "alaw"
)

// ffmpegFormats maps each supported codec to the raw demuxer/muxer name the
// transcoder understands.
var ffmpegFormats = map[Codec]string{
	CodecPCM16: "s16le",
	CodecMulaw: "mulaw",
	CodecAlaw:  "alaw",
}

// IsValid reports whether c is a known codec.
func (c Codec) IsValid() bool {
	_, ok := ffmpegFormats[c]
	return ok
}

// BytesPerSample returns the number of bytes one mono sample occupies.
func (c Codec) BytesPerSample() int {
	if c == CodecPCM16 {
		return 2
	}
	return 1
}

// Format describes a mono audio stream: its codec and sample rate in Hz.
type Format struct {
	Codec      Codec
	SampleRate int
}

// Common formats.
var (
	FormatMulaw8k = Format{Codec: CodecMulaw, SampleRate: 8000}
	FormatAlaw8k  = Format{Codec: CodecAlaw, SampleRate: 8000}
	FormatPCM16k  = Format{Codec: CodecPCM16, SampleRate: 16000}
	FormatPCM24k  = Format{Codec: CodecPCM16, SampleRate: 24000}
)

// String returns e.g. "mulaw/8000".
func (f Format) String() string {
	return fmt.Sprintf("%s/%d", f.Codec, f.SampleRate)
}

// ParseFormat parses the "codec/rate" form produced by [Format.String].
func ParseFormat(s string) (Format, error) {
	codec, rate, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Format{}, fmt.Errorf("audio: format %q: want codec/rate", s)
	}
	c := Codec(strings.ToLower(codec))
	if !c.IsValid() {
		return Format{}, fmt.Errorf("audio: format %q: unknown codec %q", s, codec)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return Format{}, fmt.Errorf("audio: format %q: invalid sample rate", s)
	}
	return Format{Codec: c, SampleRate: n}, nil
}

// Duration returns the playback length of n bytes encoded in f.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := n / f.Codec.BytesPerSample()
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
