package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/logger"
)

var errBrokenPipe = errors.New("write: broken pipe")

// fakeConn is an in-memory Conn. Frames pushed with feed are returned by
// ReadFrame; written frames are recorded.
type fakeConn struct {
	addr   string
	frames chan []byte

	mu            sync.Mutex
	written       [][]byte
	writeAttempts int
	failWrites    bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{
		addr:   addr,
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) feed(frame string) { c.frames <- []byte(frame) }

// hangUp simulates the peer closing its side.
func (c *fakeConn) hangUp() { close(c.frames) }

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case frame, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteFrame(frame []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeAttempts++
	if c.failWrites || c.isClosed() {
		return errBrokenPipe
	}
	c.written = append(c.written, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) Transport() string { return "fake" }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) setFailWrites(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWrites = fail
}

func (c *fakeConn) attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeAttempts
}

// messages decodes every recorded frame.
func (c *fakeConn) messages(t *testing.T) []OutboundMessage {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]OutboundMessage, 0, len(c.written))
	for _, frame := range c.written {
		require.Equal(t, byte('\n'), frame[len(frame)-1], "frames are newline terminated")
		var msg OutboundMessage
		require.NoError(t, json.Unmarshal(frame, &msg))
		out = append(out, msg)
	}
	return out
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.HTTPAddr = ""
	cfg.RateLimit.Burst = 0
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newTestRelay(cfg config.Config) *Relay {
	return NewRelay(cfg.Sanitize(), logger.Discard(), NewMetrics())
}

// registerSession adds an Active session backed by a fakeConn without
// running its loop.
func registerSession(t *testing.T, r *Relay, name string) (*Session, *fakeConn) {
	t.Helper()

	conn := newFakeConn("10.0.0.1:" + name)
	s := newSession(r, conn, false)
	require.NoError(t, s.transition(StateHandshaking))
	require.NoError(t, s.join(name))
	return s, conn
}

// runSession starts s.run and returns a channel closed when it returns.
func runSession(r *Relay, s *Session) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(r.ctx)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
