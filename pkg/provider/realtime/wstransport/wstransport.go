// Package wstransport implements realtime.Transport over a WebSocket using
// github.com/coder/websocket.
//
// A Transport is single-use: it is connected once, and after it reaches
// Closed or Aborted a new one must be created. One goroutine reads the
// socket and delivers frames on Messages in receipt order; it closes all
// three event channels when the socket ends.
package wstransport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callrelay/pkg/provider/realtime"
)

// Compile-time assertion that Transport satisfies realtime.Transport.
var _ realtime.Transport = (*Transport)(nil)

const (
	defaultReadLimit    = 4 << 20
	defaultMessageQueue = 64
	keepaliveTimeout    = 5 * time.Second
)

// Guard wraps the dial, typically a circuit breaker shared by every session
// of one provider.
type Guard interface {
	Execute(fn func() error) error
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithKeepalive enables WebSocket pings at the given interval.
func WithKeepalive(interval time.Duration) Option {
	return func(t *Transport) { t.keepalive = interval }
}

// WithGuard routes the dial through g.
func WithGuard(g Guard) Option {
	return func(t *Transport) { t.guard = g }
}

// WithReadLimit sets the maximum inbound frame size in bytes (default 4 MiB).
func WithReadLimit(n int64) Option {
	return func(t *Transport) { t.readLimit = n }
}

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport is a realtime.Transport backed by one WebSocket connection.
type Transport struct {
	keepalive time.Duration
	guard     Guard
	readLimit int64
	log       *slog.Logger

	messages chan []byte
	states   chan realtime.ConnState
	errs     chan error

	sendMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	state    realtime.ConnState
	closing  bool
	finished bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an unconnected Transport.
func New(opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		readLimit: defaultReadLimit,
		log:       slog.Default(),
		messages:  make(chan []byte, defaultMessageQueue),
		// Every transition is reported at most once, so this buffer never
		// fills and state reporting never blocks.
		states: make(chan realtime.ConnState, 8),
		errs:   make(chan error, 4),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Messages returns inbound text frames in receipt order.
func (t *Transport) Messages() <-chan []byte { return t.messages }

// StateChanges returns every state transition.
func (t *Transport) StateChanges() <-chan realtime.ConnState { return t.states }

// Errors returns receive and keepalive failures.
func (t *Transport) Errors() <-chan error { return t.errs }

// State returns the current connection state.
func (t *Transport) State() realtime.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect dials endpoint with headers. A failed dial moves the transport to
// Aborted and returns the error; it is not retried.
func (t *Transport) Connect(ctx context.Context, endpoint string, headers http.Header) error {
	t.mu.Lock()
	if t.state != realtime.StateNone {
		t.mu.Unlock()
		return fmt.Errorf("wstransport: connect in state %s", t.state)
	}
	t.setStateLocked(realtime.StateConnecting)
	t.mu.Unlock()

	var conn *websocket.Conn
	dial := func() error {
		c, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: headers})
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	var err error
	if t.guard != nil {
		err = t.guard.Execute(dial)
	} else {
		err = dial()
	}
	if err != nil {
		t.mu.Lock()
		t.setStateLocked(realtime.StateAborted)
		t.finishLocked()
		t.mu.Unlock()
		close(t.done)
		return fmt.Errorf("wstransport: dial: %w", err)
	}
	conn.SetReadLimit(t.readLimit)

	t.mu.Lock()
	if t.closing {
		// Disconnect raced the dial.
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "disconnected")
		t.mu.Lock()
		t.setStateLocked(realtime.StateClosed)
		t.finishLocked()
		t.mu.Unlock()
		close(t.done)
		return fmt.Errorf("wstransport: dial: %w", context.Canceled)
	}
	t.conn = conn
	t.setStateLocked(realtime.StateOpen)
	t.mu.Unlock()

	go t.receiveLoop()
	if t.keepalive > 0 {
		go t.keepaliveLoop()
	}
	return nil
}

// Send writes msg as one text frame. Concurrent calls are serialized.
func (t *Transport) Send(ctx context.Context, msg string) error {
	t.mu.Lock()
	conn, state := t.conn, t.state
	t.mu.Unlock()
	if state != realtime.StateOpen || conn == nil {
		return realtime.ErrNotConnected
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		return fmt.Errorf("wstransport: write: %w", err)
	}
	return nil
}

// Disconnect performs the close handshake and waits for the receive loop to
// exit or ctx to end. Safe to call repeatedly and before Connect.
func (t *Transport) Disconnect(ctx context.Context, code int, reason string) error {
	t.mu.Lock()
	if t.closing || t.finished {
		t.mu.Unlock()
		return t.wait(ctx)
	}
	t.closing = true
	conn := t.conn
	switch t.state {
	case realtime.StateNone:
		t.setStateLocked(realtime.StateClosed)
		t.finishLocked()
		t.mu.Unlock()
		close(t.done)
		return nil
	case realtime.StateOpen:
		t.setStateLocked(realtime.StateCloseSent)
	}
	t.mu.Unlock()

	if conn == nil {
		// Still dialing; Connect observes closing and tears down.
		return t.wait(ctx)
	}

	err := conn.Close(websocket.StatusCode(code), reason)
	t.cancel()
	if err != nil {
		t.log.Debug("wstransport: close handshake incomplete", "err", err)
	}
	return t.wait(ctx)
}

func (t *Transport) wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop owns the three event channels and closes them when it exits.
func (t *Transport) receiveLoop() {
	defer close(t.done)

	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			t.mu.Lock()
			closing := t.closing
			t.mu.Unlock()

			switch {
			case closing:
				t.finish(realtime.StateClosed)
			case websocket.CloseStatus(err) != -1:
				t.log.Debug("wstransport: peer closed", "code", websocket.CloseStatus(err))
				t.mu.Lock()
				t.setStateLocked(realtime.StateCloseReceived)
				t.mu.Unlock()
				t.finish(realtime.StateClosed)
			default:
				t.reportErr(fmt.Errorf("wstransport: read: %w", err))
				t.finish(realtime.StateAborted)
			}
			t.cancel()
			return
		}

		select {
		case t.messages <- data:
		case <-t.ctx.Done():
			t.finish(realtime.StateClosed)
			return
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep idle provider connections
// alive.
func (t *Transport) keepaliveLoop() {
	ticker := time.NewTicker(t.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(t.ctx, keepaliveTimeout)
			err := t.conn.Ping(pingCtx)
			cancel()
			if err != nil && t.ctx.Err() == nil {
				t.log.Warn("wstransport: keepalive ping failed", "err", err)
			}
		}
	}
}

func (t *Transport) finish(final realtime.ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setStateLocked(final)
	t.finishLocked()
}

// setStateLocked records and publishes a transition. Must be called with
// t.mu held.
func (t *Transport) setStateLocked(s realtime.ConnState) {
	if t.finished || t.state == s {
		return
	}
	t.state = s
	select {
	case t.states <- s:
	default:
	}
}

// finishLocked closes the event channels once. Must be called with t.mu held.
func (t *Transport) finishLocked() {
	if t.finished {
		return
	}
	t.finished = true
	close(t.messages)
	close(t.states)
	close(t.errs)
}

func (t *Transport) reportErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	select {
	case t.errs <- err:
	default:
	}
}
