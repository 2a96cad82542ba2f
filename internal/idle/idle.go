// Package idle manages per-session inactivity timers.
//
// A [Manager] holds at most one timer per session id. Starting a timer for an
// id that already has one replaces it; the replaced timer never fires, even if
// its runtime timer had already expired and its goroutine is about to run.
// That guarantee comes from a generation token stamped on every armed timer
// and re-checked under the manager lock right before the callback runs.
package idle

import (
	"log/slog"
	"sync"
	"time"
)

// Callback is invoked when a timer expires. It runs on its own goroutine.
type Callback func(id string)

type entry struct {
	gen     uint64
	timeout time.Duration
	cb      Callback
	timer   *time.Timer
}

// Manager is a set of restartable, cancellable timers keyed by session id.
// All methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	gen     uint64
	entries map[string]*entry
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

// Start arms a timer for id that calls cb after timeout. Any timer already
// armed for id is cancelled first and its callback will not run.
func (m *Manager) Start(id string, timeout time.Duration, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(id)
	m.armLocked(id, &entry{timeout: timeout, cb: cb})
}

// Reset re-arms the timer for id with its original timeout and callback. It is
// a no-op when no timer is armed for id.
func (m *Manager) Reset(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return
	}
	e.timer.Stop()
	m.armLocked(id, &entry{timeout: e.timeout, cb: e.cb})
}

// Stop cancels and removes the timer for id. Safe to call repeatedly and for
// unknown ids.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(id)
}

// StopAll cancels every armed timer and returns how many were cancelled.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	for id := range m.entries {
		m.stopLocked(id)
	}
	if n > 0 {
		slog.Debug("idle timers cancelled", "count", n)
	}
	return n
}

// IsRunning reports whether a timer is armed for id. It returns false as soon
// as the timer's callback has started.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// Len returns the number of armed timers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) stopLocked(id string) {
	if e, ok := m.entries[id]; ok {
		e.timer.Stop()
		delete(m.entries, id)
	}
}

func (m *Manager) armLocked(id string, e *entry) {
	m.gen++
	e.gen = m.gen
	gen := e.gen
	e.timer = time.AfterFunc(e.timeout, func() { m.fire(id, gen) })
	m.entries[id] = e
}

// fire runs the callback for id if the timer generation is still current.
func (m *Manager) fire(id string, gen uint64) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.entries, id)
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("idle: timer callback panicked", "session_id", id, "panic", r)
		}
	}()
	e.cb(id)
}
