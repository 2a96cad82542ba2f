package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/internal/engine"
)

// ErrSessionNotFound is returned when no live session has the given id.
var ErrSessionNotFound = errors.New("app: session not found")

// ErrDraining is returned by [SessionManager.Add] once shutdown has begun.
var ErrDraining = errors.New("app: server is shutting down")

// SessionInfo holds metadata about a live session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	Assistant string    `json:"assistant"`
	Provider  string    `json:"provider"`
	Client    string    `json:"client"`
	State     string    `json:"state"`
	Remote    string    `json:"remote,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// LiveSession is the part of [engine.Session] the manager needs.
type LiveSession interface {
	ID() string
	State() engine.State
	Hangup(reason string)
}

// Compile-time assertion that engine sessions can be managed.
var _ LiveSession = (*engine.Session)(nil)

type entry struct {
	info SessionInfo
	sess LiveSession
}

// SessionManager tracks the relay sessions running on this server. All
// exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]entry
	draining bool
	wg       sync.WaitGroup
}

// NewSessionManager returns an empty SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]entry)}
}

// Add registers a live session. The returned function must be called once
// the session's Run has returned.
func (sm *SessionManager) Add(info SessionInfo, sess LiveSession) (done func(), err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.draining {
		return nil, ErrDraining
	}
	if _, ok := sm.sessions[info.SessionID]; ok {
		return nil, fmt.Errorf("app: session %q already registered", info.SessionID)
	}
	sm.sessions[info.SessionID] = entry{info: info, sess: sess}
	sm.wg.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			sm.mu.Lock()
			delete(sm.sessions, info.SessionID)
			sm.mu.Unlock()
			sm.wg.Done()
		})
	}, nil
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// List returns the live sessions, oldest first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, e := range sm.sessions {
		info := e.info
		info.State = e.sess.State().String()
		out = append(out, info)
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// Info returns the live session with id.
func (sm *SessionManager) Info(id string) (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	e, ok := sm.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	info := e.info
	info.State = e.sess.State().String()
	return info, true
}

// Hangup ends the live session with id.
func (sm *SessionManager) Hangup(id, reason string) error {
	sm.mu.Lock()
	e, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	e.sess.Hangup(reason)
	slog.Info("session hung up by operator", "session_id", id, "reason", reason)
	return nil
}

// Drain stops admitting sessions, hangs up every live one and waits until
// all have finished or ctx expires.
func (sm *SessionManager) Drain(ctx context.Context, reason string) error {
	sm.mu.Lock()
	sm.draining = true
	live := make([]LiveSession, 0, len(sm.sessions))
	for _, e := range sm.sessions {
		live = append(live, e.sess)
	}
	sm.mu.Unlock()

	if len(live) > 0 {
		slog.Info("draining sessions", "count", len(live))
	}
	for _, s := range live {
		s.Hangup(reason)
	}

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		slog.Warn("drain deadline exceeded", "remaining", sm.Len())
		return ctx.Err()
	}
}
