package server

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/testhelpers"
)

const testOriginURL = "http://localhost:8080"

func gatewayConfig() config.Config {
	cfg := testConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.AllowedOrigins = []string{testOriginURL}
	return cfg
}

func wsURL(srv *Server) string {
	return "ws://" + srv.HTTPAddr().String() + "/ws"
}

func dialWebSocket(t *testing.T, srv *Server, origin string) *websocket.Conn {
	t.Helper()

	conn, _, err := testhelpers.ConnectWebSocket(wsURL(srv), origin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// TestWebSocketAndTCPShareOneRoom verifies that clients on different
// transports see each other's messages.
func TestWebSocketAndTCPShareOneRoom(t *testing.T) {
	srv := startServer(t, gatewayConfig())

	ws := dialWebSocket(t, srv, testOriginURL)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("Wendy")))
	waitForSessions(t, srv, 1)

	tcp := testhelpers.Join(t, srv.Addr().String(), "Tom")
	waitForSessions(t, srv, 2)

	joined, err := testhelpers.ReceiveWebSocket(ws, testhelpers.DefaultTimeout)
	require.NoError(t, err)
	assert.Equal(t, "Tom has joined the chat.", joined.Text)

	require.NoError(t, tcp.SendText("hello from tcp"))
	got, err := testhelpers.ReceiveWebSocket(ws, testhelpers.DefaultTimeout)
	require.NoError(t, err)
	assert.Equal(t, "Tom", got.Name)
	assert.Equal(t, "hello from tcp", got.Text)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"text":"hello from ws"}`)))
	reply := tcp.MustReceive(t)
	assert.Equal(t, "Wendy", reply.Name)
	assert.Equal(t, "hello from ws", reply.Text)

	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.admissions.WithLabelValues(transportWebSocket, "admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.admissions.WithLabelValues("tcp", "admitted")))
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	srv := startServer(t, gatewayConfig())

	conn, resp, err := testhelpers.ConnectWebSocket(wsURL(srv), "http://evil.example")
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	eventually(t, func() bool { return srv.Relay().Admission().Count("127.0.0.1") == 0 }, "slot released after failed upgrade")
	assert.Zero(t, srv.Relay().Registry().Len())
}

func TestWebSocketWithoutOriginIsAllowed(t *testing.T) {
	srv := startServer(t, gatewayConfig())

	ws := dialWebSocket(t, srv, "")
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("cli")))
	waitForSessions(t, srv, 1)
}

func TestWebSocketConnectionCap(t *testing.T) {
	cfg := gatewayConfig()
	cfg.MaxConnectionsPerAddress = 1
	srv := startServer(t, cfg)

	dialWebSocket(t, srv, testOriginURL)

	conn, resp, err := testhelpers.ConnectWebSocket(wsURL(srv), testOriginURL)
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 1, srv.Relay().Admission().Count("127.0.0.1"))
}

func TestWebSocketClosedOnStop(t *testing.T) {
	srv := startServer(t, gatewayConfig())

	ws := dialWebSocket(t, srv, testOriginURL)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("Wendy")))
	waitForSessions(t, srv, 1)

	require.NoError(t, srv.Stop())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(testhelpers.DefaultTimeout)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.Zero(t, srv.Relay().Admission().Count("127.0.0.1"))
}

func TestWebSocketOversizedMessageDropped(t *testing.T) {
	srv := startServer(t, gatewayConfig())

	ws := dialWebSocket(t, srv, testOriginURL)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("Wendy")))
	waitForSessions(t, srv, 1)
	tcp := testhelpers.Join(t, srv.Addr().String(), "Tom")
	waitForSessions(t, srv, 2)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"text":"`+strings.Repeat("a", 501)+`"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"text":"short"}`)))

	assert.Equal(t, "short", tcp.MustReceive(t).Text)
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.messagesRejected.WithLabelValues("too-long")))
}

func TestGatewayHTTPEndpoints(t *testing.T) {
	srv := startServer(t, gatewayConfig())
	base := "http://" + srv.HTTPAddr().String()

	testhelpers.Join(t, srv.Addr().String(), "Tom")
	waitForSessions(t, srv, 1)

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{path: "/", status: http.StatusOK, contains: "relaychat server is running!"},
		{path: "/healthz", status: http.StatusOK, contains: "active_sessions 1"},
		{path: "/metrics", status: http.StatusOK, contains: "relaychat_active_sessions 1"},
		{path: "/missing", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := testhelpers.MakeRequest(t, http.MethodGet, base+tt.path)
			defer resp.Body.Close()

			testhelpers.AssertStatusCode(t, resp, tt.status)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(body), tt.contains)
		})
	}
}
