package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for deterministic offsets.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// expandConverter maps every input byte to one PCM16 sample of value b*10.
type expandConverter struct {
	calls int
	err   error
}

func (c *expandConverter) Convert(_ context.Context, data []byte, _, _ Format) ([]byte, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	out := make([]byte, len(data)*2)
	for i, b := range data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(b)*10))
	}
	return out, nil
}

func pcm(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// stereoFrames decodes the data chunk of a 44-byte-header WAV into frames.
func stereoFrames(t *testing.T, wav []byte) [][2]int16 {
	t.Helper()
	if len(wav) < 44 {
		t.Fatalf("wav too short: %d bytes", len(wav))
	}
	if got := binary.LittleEndian.Uint16(wav[22:]); got != 2 {
		t.Fatalf("channels = %d, want 2", got)
	}
	data := wav[44:]
	frames := make([][2]int16, len(data)/4)
	for i := range frames {
		frames[i][0] = int16(binary.LittleEndian.Uint16(data[i*4:]))
		frames[i][1] = int16(binary.LittleEndian.Uint16(data[i*4+2:]))
	}
	return frames
}

func TestRecorder_EmptyProducesHeaderOnly(t *testing.T) {
	r := NewRecorder()
	if !r.Empty() {
		t.Fatal("new recorder should be empty")
	}
	wav, err := r.Finalize(context.Background(), &expandConverter{}, 8000)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if wav == nil || len(wav) != 44 {
		t.Errorf("len(wav) = %d, want 44", len(wav))
	}
}

func TestRecorder_PlacesTracksAtOffsets(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	r := newRecorderWithClock(clk.now)
	pcm1k := Format{Codec: CodecPCM16, SampleRate: 1000}

	r.Append(TrackUser, pcm1k, pcm(1, 2))
	clk.advance(5 * time.Millisecond)
	r.Append(TrackAssistant, pcm1k, pcm(7))

	wav, err := r.Finalize(context.Background(), &expandConverter{}, 1000)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	frames := stereoFrames(t, wav)
	if len(frames) != 6 {
		t.Fatalf("frames = %d, want 6", len(frames))
	}
	if frames[0] != [2]int16{1, 0} || frames[1] != [2]int16{2, 0} {
		t.Errorf("user samples misplaced: %v", frames[:2])
	}
	if frames[5] != [2]int16{0, 7} {
		t.Errorf("assistant sample at 5ms = %v, want {0 7}", frames[5])
	}
}

func TestRecorder_QueuesBurstWithinTrack(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	r := newRecorderWithClock(clk.now)
	pcm1k := Format{Codec: CodecPCM16, SampleRate: 1000}

	// Two deltas arriving at the same instant must play back to back.
	r.Append(TrackAssistant, pcm1k, pcm(1, 1, 1))
	r.Append(TrackAssistant, pcm1k, pcm(2, 2))

	wav, _ := r.Finalize(context.Background(), &expandConverter{}, 1000)
	frames := stereoFrames(t, wav)
	want := []int16{1, 1, 1, 2, 2}
	if len(frames) != len(want) {
		t.Fatalf("frames = %d, want %d", len(frames), len(want))
	}
	for i, w := range want {
		if frames[i][1] != w {
			t.Errorf("frame %d right = %d, want %d", i, frames[i][1], w)
		}
	}
}

func TestRecorder_ConvertsCompandedOncePerFormat(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	r := newRecorderWithClock(clk.now)
	mulaw1k := Format{Codec: CodecMulaw, SampleRate: 1000}

	r.Append(TrackUser, mulaw1k, []byte{1})
	clk.advance(3 * time.Millisecond)
	r.Append(TrackUser, mulaw1k, []byte{2, 3})

	conv := &expandConverter{}
	wav, err := r.Finalize(context.Background(), conv, 1000)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if conv.calls != 1 {
		t.Errorf("converter calls = %d, want 1", conv.calls)
	}
	frames := stereoFrames(t, wav)
	want := []int16{10, 0, 0, 20, 30}
	if len(frames) != len(want) {
		t.Fatalf("frames = %d, want %d", len(frames), len(want))
	}
	for i, w := range want {
		if frames[i][0] != w {
			t.Errorf("frame %d left = %d, want %d", i, frames[i][0], w)
		}
	}
}

func TestRecorder_FailedConversionDropsAudio(t *testing.T) {
	r := NewRecorder()
	r.Append(TrackUser, FormatMulaw8k, []byte{1, 2, 3})
	r.Append(TrackAssistant, Format{Codec: CodecPCM16, SampleRate: 8000}, pcm(4))

	wav, err := r.Finalize(context.Background(), &expandConverter{err: errors.New("boom")}, 8000)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	for _, f := range stereoFrames(t, wav) {
		if f[0] != 0 {
			t.Fatalf("user track should be silent after failed conversion, got %v", f)
		}
	}
}
