package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/callrelay/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestInterleave(t *testing.T) {
	left := samplesToBytes([]int16{1, 2, 3})
	right := samplesToBytes([]int16{-1})
	got := bytesToSamples(audio.Interleave(left, right))
	want := []int16{1, -1, 2, 0, 3, 0}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestInterleave_Empty(t *testing.T) {
	if out := audio.Interleave(nil, nil); len(out) != 0 {
		t.Errorf("Interleave(nil, nil) = %d bytes, want 0", len(out))
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 1000, 2000, 3000})
	out := audio.ResampleMono16(pcm, 8000, 16000)
	got := bytesToSamples(out)
	if len(got) != 8 {
		t.Fatalf("sample count = %d, want 8", len(got))
	}
	if got[0] != 0 || got[2] != 1000 {
		t.Errorf("unexpected samples: %v", got)
	}
	if got[1] != 500 {
		t.Errorf("interpolated sample = %d, want 500", got[1])
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	pcm := samplesToBytes(make([]int16, 240))
	out := audio.ResampleMono16(pcm, 24000, 8000)
	if got := len(out) / 2; got != 80 {
		t.Errorf("sample count = %d, want 80", got)
	}
}

func TestResampleMono16_TelephonyToRecordingRate(t *testing.T) {
	// 20 ms of 24 kHz provider audio becomes 20 ms at the 16 kHz recording rate.
	pcm := samplesToBytes(make([]int16, 480))
	if got := len(audio.ResampleMono16(pcm, 24000, 16000)) / 2; got != 320 {
		t.Errorf("sample count = %d, want 320", got)
	}
}

func TestResampleMono16_RoundsAndKeepsExtremes(t *testing.T) {
	pcm := samplesToBytes([]int16{-32768, 32767, 1, 2})
	got := bytesToSamples(audio.ResampleMono16(pcm, 8000, 16000))
	if got[0] != -32768 || got[2] != 32767 {
		t.Errorf("extremes = %d, %d", got[0], got[2])
	}
	if got[5] != 2 {
		t.Errorf("midpoint of 1 and 2 = %d, want 2 (rounded)", got[5])
	}
}

func TestResampleMono16_InvalidRates(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2})
	if out := audio.ResampleMono16(pcm, 0, 16000); len(out) != len(pcm) {
		t.Errorf("zero source rate should return input unchanged")
	}
}
