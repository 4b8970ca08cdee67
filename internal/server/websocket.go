package server

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const transportWebSocket = "websocket"

// wsConn adapts a WebSocket connection: each text or binary message is one
// frame.
type wsConn struct {
	conn *websocket.Conn
	addr string

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn, addr string, readLimit int) *wsConn {
	conn.SetReadLimit(int64(readLimit))
	return &wsConn{conn: conn, addr: addr}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteFrame(frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(frame, []byte{'\n'}))
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close sends a best-effort close frame and closes the connection.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsConn) RemoteAddr() string { return c.addr }

func (c *wsConn) Transport() string { return transportWebSocket }
