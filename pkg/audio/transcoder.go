package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBinary  = "ffmpeg"
	defaultTimeout = 2 * time.Second
)

// ErrTimeout is returned by [Transcoder.Convert] when the transcoder process
// does not finish within its bounded timeout. The process is killed.
var ErrTimeout = errors.New("audio: conversion timed out")

// ErrUnsupported is returned when a format pair cannot be converted.
var ErrUnsupported = errors.New("audio: unsupported conversion")

// ConversionError reports a transcoder process that exited unsuccessfully.
type ConversionError struct {
	From, To Format
	Err      error
	Stderr   string
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("audio: convert %s to %s: %v", e.From, e.To, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Converter converts raw mono audio between formats.
type Converter interface {
	Convert(ctx context.Context, data []byte, in, out Format) ([]byte, error)
}

// Compile-time interface assertion.
var _ Converter = (*Transcoder)(nil)

// Transcoder converts audio by piping it through an external ffmpeg process.
// One process is spawned per conversion; a Transcoder is safe for concurrent
// use.
type Transcoder struct {
	binary  string
	timeout time.Duration
}

// TranscoderOption is a functional option for [NewTranscoder].
type TranscoderOption func(*Transcoder)

// WithBinary overrides the transcoder executable (default "ffmpeg").
func WithBinary(path string) TranscoderOption {
	return func(t *Transcoder) { t.binary = path }
}

// WithTimeout overrides the per-conversion timeout (default 2s).
func WithTimeout(d time.Duration) TranscoderOption {
	return func(t *Transcoder) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// NewTranscoder returns a Transcoder with the given options applied.
func NewTranscoder(opts ...TranscoderOption) *Transcoder {
	t := &Transcoder{binary: defaultBinary, timeout: defaultTimeout}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Binary returns the configured transcoder executable.
func (t *Transcoder) Binary() string { return t.binary }

// LookPath resolves the transcoder executable on PATH. It is used by the
// readiness probe.
func (t *Transcoder) LookPath() error {
	_, err := exec.LookPath(t.binary)
	return err
}

// IsConversionSupported reports whether both formats name a known codec and a
// positive sample rate. It never spawns a process.
func IsConversionSupported(in, out Format) bool {
	return in.Codec.IsValid() && out.Codec.IsValid() && in.SampleRate > 0 && out.SampleRate > 0
}

// Convert transcodes data from in to out. When both formats are identical the
// input slice is returned unchanged and no process is started.
//
// The process reads data on stdin and writes the result to stdout; both
// output streams are drained while it runs. It is always reaped: on timeout
// or parent cancellation it is killed before Convert returns.
func (t *Transcoder) Convert(ctx context.Context, data []byte, in, out Format) ([]byte, error) {
	if in == out {
		return data, nil
	}
	if !IsConversionSupported(in, out) {
		return nil, fmt.Errorf("%w: %s to %s", ErrUnsupported, in, out)
	}
	if len(data) == 0 {
		return nil, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.binary, ffmpegArgs(in, out)...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 500 * time.Millisecond

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("audio: convert %s to %s: %w", in, out, ctx.Err())
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s (%s to %s)", ErrTimeout, t.timeout, in, out)
		}
		return nil, &ConversionError{
			From:   in,
			To:     out,
			Err:    err,
			Stderr: strings.TrimSpace(stderr.String()),
		}
	}
	return stdout.Bytes(), nil
}

func ffmpegArgs(in, out Format) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", ffmpegFormats[in.Codec], "-ar", strconv.Itoa(in.SampleRate), "-ac", "1",
		"-i", "pipe:0",
		"-f", ffmpegFormats[out.Codec], "-ar", strconv.Itoa(out.SampleRate), "-ac", "1",
		"pipe:1",
	}
}
