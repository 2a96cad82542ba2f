package app

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/callrelay/internal/engine"
)

const (
	clientWriteTimeout = 5 * time.Second
	clientReadLimit    = 1 << 20
)

// Compile-time assertion that wsConn satisfies engine.ClientConn.
var _ engine.ClientConn = (*wsConn)(nil)

// wsConn adapts an upgraded gorilla connection to engine.ClientConn.
type wsConn struct {
	c         *websocket.Conn
	closeOnce sync.Once
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(clientReadLimit)
	return &wsConn{c: c}
}

// ReadMessage returns the next data frame. A normal close from the client is
// reported as io.EOF.
func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteJSON sends v as a text frame.
func (w *wsConn) WriteJSON(v any) error {
	if err := w.c.SetWriteDeadline(time.Now().Add(clientWriteTimeout)); err != nil {
		return err
	}
	return w.c.WriteJSON(v)
}

// Close sends a close frame and closes the socket, which unblocks a pending
// ReadMessage. Only the first call has an effect.
func (w *wsConn) Close(code int, reason string) error {
	var err error
	w.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		werr := w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if errors.Is(werr, websocket.ErrCloseSent) {
			werr = nil
		}
		err = errors.Join(werr, w.c.Close())
	})
	return err
}
