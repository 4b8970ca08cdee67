package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// newUpgrader builds the WebSocket upgrader with the configured origin policy.
func (s *Server) newUpgrader() *websocket.Upgrader {
	policy, invalid := newOriginPolicy(s.cfg.AllowedOrigins)
	for _, origin := range invalid {
		s.logger.Warn("ignoring invalid origin in configuration", "origin", origin)
	}

	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if policy.allows(r) {
				return true
			}
			s.logger.Warn("blocked websocket connection from disallowed origin",
				"origin", r.Header.Get("Origin"),
				"remote_addr", r.RemoteAddr,
			)
			return false
		},
	}
}

// webSocketHandler admits the peer, upgrades the request and starts a session
// on the resulting connection. Denied peers get 403 (allow-list) or 429 (cap)
// before any upgrade.
func (s *Server) webSocketHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.Admit(r.RemoteAddr, transportWebSocket); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, ErrTooManyConnections) {
			status = http.StatusTooManyRequests
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.relay.Admission().Release(r.RemoteAddr)
		s.logger.Info("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s.relay.Serve(newWSConn(conn, r.RemoteAddr, s.cfg.ReadBufferSize), true)
}

// HealthHandler provides a plain-text liveness response.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "relaychat server is running!")
}

// healthzHandler reports liveness together with the registry size.
func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if s.State() != ListenerListening {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "%s\n", s.State())
		return
	}
	_, _ = fmt.Fprintf(w, "ok\nactive_sessions %d\n", s.relay.Registry().Len())
}
