package audio

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Track selects one side of a recorded call.
type Track int

const (
	// TrackUser is the caller's audio (left channel).
	TrackUser Track = iota

	// TrackAssistant is the provider's audio (right channel).
	TrackAssistant
)

func (t Track) String() string {
	if t == TrackUser {
		return "user"
	}
	return "assistant"
}

type segment struct {
	offset time.Duration
	format Format
	data   []byte
}

// Recorder accumulates per-track audio segments tagged with their offset from
// the start of the call. Segments of one track never overlap: a segment that
// arrives while the previous one would still be playing is queued behind it,
// which matches how a client plays out provider audio that streams in faster
// than realtime.
//
// Recorder is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	start  time.Time
	now    func() time.Time
	tracks [2][]segment
	cursor [2]time.Duration
}

// NewRecorder returns a Recorder whose clock starts now.
func NewRecorder() *Recorder {
	return newRecorderWithClock(time.Now)
}

func newRecorderWithClock(now func() time.Time) *Recorder {
	return &Recorder{start: now(), now: now}
}

// Append records data for track t. The data is copied.
func (r *Recorder) Append(t Track, f Format, data []byte) {
	if len(data) == 0 {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	r.mu.Lock()
	defer r.mu.Unlock()
	offset := max(r.now().Sub(r.start), r.cursor[t])
	r.tracks[t] = append(r.tracks[t], segment{offset: offset, format: f, data: buf})
	r.cursor[t] = offset + f.Duration(len(buf))
}

// Empty reports whether nothing was recorded.
func (r *Recorder) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracks[TrackUser]) == 0 && len(r.tracks[TrackAssistant]) == 0
}

// Finalize lays both tracks on a common timeline at sampleRate and returns a
// stereo PCM16 WAV file: user left, assistant right. PCM16 segments are
// resampled in-process; companded segments are decoded through conv, one call
// per track and source format. A failed conversion drops that audio and is
// logged; the returned buffer is never nil.
func (r *Recorder) Finalize(ctx context.Context, conv Converter, sampleRate int) ([]byte, error) {
	r.mu.Lock()
	tracks := [2][]segment{
		append([]segment(nil), r.tracks[TrackUser]...),
		append([]segment(nil), r.tracks[TrackAssistant]...),
	}
	r.mu.Unlock()

	left := renderTrack(ctx, conv, TrackUser, tracks[TrackUser], sampleRate)
	right := renderTrack(ctx, conv, TrackAssistant, tracks[TrackAssistant], sampleRate)
	return EncodeWAV(Interleave(left, right), sampleRate, 2)
}

// renderTrack converts every segment of one track to PCM16 at rate and
// writes it into a silence-initialised buffer at its offset.
func renderTrack(ctx context.Context, conv Converter, t Track, segs []segment, rate int) []byte {
	target := Format{Codec: CodecPCM16, SampleRate: rate}

	// Group by source format so each distinct format is converted once.
	groups := make(map[Format][]int)
	var order []Format
	for i, s := range segs {
		if _, ok := groups[s.format]; !ok {
			order = append(order, s.format)
		}
		groups[s.format] = append(groups[s.format], i)
	}

	var track []byte
	for _, f := range order {
		idx := groups[f]
		var joined []byte
		for _, i := range idx {
			joined = append(joined, segs[i].data...)
		}

		var pcm []byte
		if f.Codec == CodecPCM16 {
			pcm = ResampleMono16(joined, f.SampleRate, rate)
		} else {
			var err error
			pcm, err = conv.Convert(ctx, joined, f, target)
			if err != nil {
				slog.Warn("recording: dropping audio after failed conversion",
					"track", t.String(),
					"format", f.String(),
					"bytes", len(joined),
					"err", err,
				)
				continue
			}
		}

		// Split the converted stream back into segments using cumulative
		// sample positions so rounding never accumulates.
		bps := f.Codec.BytesPerSample()
		var inSamples int64
		for _, i := range idx {
			s := segs[i]
			from := int(inSamples*int64(rate)/int64(f.SampleRate)) * 2
			inSamples += int64(len(s.data) / bps)
			to := int(inSamples*int64(rate)/int64(f.SampleRate)) * 2
			from, to = min(from, len(pcm)), min(to, len(pcm))
			if from >= to {
				continue
			}
			at := int(s.offset*time.Duration(rate)/time.Second) * 2
			track = place(track, at, pcm[from:to])
		}
	}
	return track
}

// place copies chunk into dst at byte offset at, growing dst with silence as
// needed.
func place(dst []byte, at int, chunk []byte) []byte {
	if need := at + len(chunk); need > len(dst) {
		dst = append(dst, make([]byte, need-len(dst))...)
	}
	copy(dst[at:], chunk)
	return dst
}
