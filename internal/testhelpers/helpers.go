// Package testhelpers provides client-side utilities shared by the relay tests.
//
// The helpers speak the relay's wire protocol from the outside: a display-name
// handshake followed by {"text": ...} frames, with newline-terminated JSON
// coming back. They deliberately avoid importing the server package so that
// in-package tests can use them.
package testhelpers

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultTimeout bounds every blocking helper.
const DefaultTimeout = 2 * time.Second

// Message is a relayed frame as seen by a client.
type Message struct {
	Timestamp string `json:"timestamp"`
	Name      string `json:"name"`
	Text      string `json:"text"`
}

// Client is a TCP chat client.
type Client struct {
	Conn   net.Conn
	reader *bufio.Reader
}

// Dial opens a TCP connection without sending a handshake.
func Dial(t *testing.T, addr string) *Client {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &Client{Conn: conn, reader: bufio.NewReader(conn)}
}

// Join dials addr and sends name as the handshake.
func Join(t *testing.T, addr, name string) *Client {
	t.Helper()

	c := Dial(t, addr)
	if err := c.SendRaw([]byte(name)); err != nil {
		t.Fatalf("Failed to send handshake %q: %v", name, err)
	}
	return c
}

// SendRaw writes bytes as a single frame.
func (c *Client) SendRaw(data []byte) error {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		return err
	}
	_, err := c.Conn.Write(data)
	return err
}

// SendText writes a {"text": text} frame.
func (c *Client) SendText(text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// Receive reads the next relayed message, waiting up to timeout.
func (c *Client) Receive(timeout time.Duration) (Message, error) {
	var msg Message
	if err := c.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return msg, err
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal(line, &msg)
	return msg, err
}

// MustReceive reads the next message or fails the test.
func (c *Client) MustReceive(t *testing.T) Message {
	t.Helper()

	msg, err := c.Receive(DefaultTimeout)
	if err != nil {
		t.Fatalf("Failed to receive message: %v", err)
	}
	return msg
}

// ExpectNothing fails the test if a message arrives within d.
func (c *Client) ExpectNothing(t *testing.T, d time.Duration) {
	t.Helper()

	msg, err := c.Receive(d)
	if err == nil {
		t.Fatalf("Expected no message, got %+v", msg)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("Expected read timeout, got %v", err)
	}
}

// ExpectClosed fails the test unless the server closes the connection within
// the default timeout.
func (c *Client) ExpectClosed(t *testing.T) {
	t.Helper()

	_ = c.Conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
	buf := make([]byte, 1)
	for {
		_, err := c.Conn.Read(buf)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("Expected connection to be closed by the server")
		}
		return
	}
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.Conn.Close()
}

// ConnectWebSocket opens a WebSocket connection with the given Origin header.
// An empty origin sends no header.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: DefaultTimeout,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// ReceiveWebSocket reads the next message from a WebSocket connection.
func ReceiveWebSocket(conn *websocket.Conn, timeout time.Duration) (Message, error) {
	var msg Message
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return msg, err
	}
	err := conn.ReadJSON(&msg)
	return msg, err
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// MakeRequest executes an HTTP request with a 5-second timeout.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	return resp
}
