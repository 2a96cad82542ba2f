package realtime

import (
	"context"
	"errors"
	"net/http"
)

// ConnState is the lifecycle state of a provider socket.
type ConnState int

const (
	StateNone ConnState = iota
	StateConnecting
	StateOpen
	StateCloseSent
	StateCloseReceived
	StateClosed
	StateAborted
)

var connStateNames = [...]string{
	StateNone:          "none",
	StateConnecting:    "connecting",
	StateOpen:          "open",
	StateCloseSent:     "close_sent",
	StateCloseReceived: "close_received",
	StateClosed:        "closed",
	StateAborted:       "aborted",
}

func (s ConnState) String() string {
	if s >= 0 && int(s) < len(connStateNames) {
		return connStateNames[s]
	}
	return "unknown"
}

// Terminal reports whether s is Closed or Aborted.
func (s ConnState) Terminal() bool {
	return s == StateClosed || s == StateAborted
}

// Close codes used by the engine.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseInternalError = 1011
)

// ErrNotConnected is returned by Send on a transport that is not open.
var ErrNotConnected = errors.New("realtime: transport not connected")

// Transport owns one duplex socket to a provider.
//
// Messages are delivered on Messages in receipt order by a single goroutine.
// Messages, StateChanges and Errors are closed once the transport reaches a
// terminal state. Connect failures are returned, not retried.
type Transport interface {
	Connect(ctx context.Context, endpoint string, headers http.Header) error
	Send(ctx context.Context, msg string) error
	Disconnect(ctx context.Context, code int, reason string) error
	State() ConnState

	Messages() <-chan []byte
	StateChanges() <-chan ConnState
	Errors() <-chan error
}
