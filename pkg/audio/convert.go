package audio

import (
	"encoding/binary"
	"math"
)

// Interleave combines two mono PCM16 tracks into one stereo stream with left
// as channel 0 and right as channel 1. The shorter track is padded with
// silence.
func Interleave(left, right []byte) []byte {
	frames := max(len(left), len(right)) / 2
	out := make([]byte, frames*4)
	for i := range frames {
		j := i * 4
		if i*2+1 < len(left) {
			copy(out[j:j+2], left[i*2:i*2+2])
		}
		if i*2+1 < len(right) {
			copy(out[j+2:j+4], right[i*2:i*2+2])
		}
	}
	return out
}

// ResampleMono16 converts little-endian PCM16 mono from srcRate to dstRate by
// linear interpolation. It is used for recording tracks, where the provider
// and client legs arrive at different PCM rates and spawning the transcoder
// per segment would be wasteful. Invalid or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	outN := int(int64(n) * int64(dstRate) / int64(srcRate))
	if outN == 0 {
		return nil
	}

	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	step := float64(srcRate) / float64(dstRate)
	out := make([]byte, outN*2)
	for i := range outN {
		pos := float64(i) * step
		k := int(pos)
		a := sample(k)
		b := a
		if k+1 < n {
			b = sample(k + 1)
		}
		v := math.Round(a + (b-a)*(pos-float64(k)))
		v = max(math.MinInt16, min(math.MaxInt16, v))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
