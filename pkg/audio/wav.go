package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
)

// EncodeWAV wraps raw PCM16LE audio bytes in a WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	if err := WriteWAV(&buf, pcm, sampleRate, channels); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAV writes raw PCM16LE audio bytes to out as a WAV stream.
func WriteWAV(out io.Writer, pcm []byte, sampleRate, channels int) error {
	const (
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	fmtChunk := []any{
		uint32(16),
		uint16(audioFormat),
		uint16(channels),
		uint32(sampleRate),
		byteRate,
		blockAlign,
		uint16(bitsPerSample),
	}
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	for _, v := range fmtChunk {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}
