package server

import (
	"io"
	"net"
	"sync"
	"time"
)

// Conn is the connection handle a Session owns. Each transport adapts its
// native connection to this shape.
type Conn interface {
	// ReadFrame blocks for the next frame. A closed peer yields io.EOF or an
	// empty frame.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one frame, failing if it cannot complete within timeout.
	WriteFrame(frame []byte, timeout time.Duration) error
	// SetReadDeadline bounds the next ReadFrame; the zero time clears it.
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
	Transport() string
}

// deadlineStream is satisfied by net.Conn and by QUIC streams.
type deadlineStream interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// streamConn frames a byte stream by read: every Read call yields one frame,
// bounded by the buffer size.
type streamConn struct {
	stream    deadlineStream
	closeFn   func() error
	addr      string
	transport string
	buf       []byte

	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(stream deadlineStream, closeFn func() error, addr, transport string, bufferSize int) *streamConn {
	return &streamConn{
		stream:    stream,
		closeFn:   closeFn,
		addr:      addr,
		transport: transport,
		buf:       make([]byte, bufferSize),
	}
}

// newTCPConn adapts an accepted TCP connection.
func newTCPConn(conn net.Conn, bufferSize int) *streamConn {
	return newStreamConn(conn, conn.Close, conn.RemoteAddr().String(), "tcp", bufferSize)
}

func (c *streamConn) ReadFrame() ([]byte, error) {
	n, err := c.stream.Read(c.buf)
	if n > 0 {
		frame := make([]byte, n)
		copy(frame, c.buf[:n])
		return frame, nil
	}
	if err == nil {
		return nil, io.EOF
	}
	return nil, err
}

func (c *streamConn) WriteFrame(frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := c.stream.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := c.stream.Write(frame)
	return err
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.closeFn()
	})
	return c.closeErr
}

func (c *streamConn) RemoteAddr() string { return c.addr }

func (c *streamConn) Transport() string { return c.transport }
