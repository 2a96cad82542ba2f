package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidID is returned for session ids that cannot name a file.
var ErrInvalidID = errors.New("store: invalid session id")

// FileSink writes session recordings as <dir>/<session id>.wav.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed and returns a sink writing into it.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, errors.New("store: recording dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("store: create recording dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Path returns where the recording for sessionID is stored.
func (f *FileSink) Path(sessionID string) (string, error) {
	if sessionID == "" || sessionID == "." || sessionID == ".." ||
		strings.ContainsAny(sessionID, `/\`) || strings.ContainsRune(sessionID, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, sessionID)
	}
	return filepath.Join(f.dir, sessionID+".wav"), nil
}

// SaveRecording writes wav atomically. An empty buffer is skipped.
func (f *FileSink) SaveRecording(ctx context.Context, sessionID string, wav []byte) error {
	if len(wav) == 0 {
		return nil
	}
	path, err := f.Path(sessionID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, ".rec-*.wav")
	if err != nil {
		return fmt.Errorf("store: save recording: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(wav); err != nil {
		tmp.Close()
		return fmt.Errorf("store: save recording: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: save recording: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store: save recording: %w", err)
	}
	slog.Info("recording saved", "session_id", sessionID, "path", path, "bytes", len(wav))
	return nil
}
