package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"time"
)

// SystemName authors messages generated by the relay itself.
const SystemName = "SERVER"

const timestampLayout = "15:04:05"

// InboundMessage is the decoded client payload. Unknown fields are ignored.
type InboundMessage struct {
	Text string `json:"text"`
}

// OutboundMessage is the wire payload relayed to clients.
type OutboundMessage struct {
	Timestamp string `json:"timestamp"`
	Name      string `json:"name"`
	Text      string `json:"text"`
}

// NewOutboundMessage stamps text with the sender name and the HH:MM:SS of now.
func NewOutboundMessage(now time.Time, name, text string) OutboundMessage {
	return OutboundMessage{
		Timestamp: now.Format(timestampLayout),
		Name:      name,
		Text:      text,
	}
}

// encode serializes msg as one newline-terminated frame.
func (m OutboundMessage) encode() ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(payload, '\n'), nil
}

// Close reasons reported in logs and metrics.
const (
	closeReasonPeerClosed = "peer_closed"
	closeReasonReset      = "reset"
	closeReasonTimeout    = "timeout"
	closeReasonShutdown   = "shutdown"
	closeReasonEvicted    = "evicted"
	closeReasonHandshake  = "handshake_failed"
	closeReasonError      = "error"
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

// classifyReadError maps a read failure to the reason a session closed.
func classifyReadError(err error) string {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return closeReasonPeerClosed
	case errors.Is(err, net.ErrClosed):
		return closeReasonShutdown
	case errors.Is(err, os.ErrDeadlineExceeded):
		return closeReasonTimeout
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED):
		return closeReasonReset
	case isExpectedCloseError(err):
		return closeReasonPeerClosed
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return closeReasonTimeout
		}
		return closeReasonError
	}
}
