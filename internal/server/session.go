package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrEmptyName is returned when the handshake carries no visible name.
	ErrEmptyName = errors.New("display name is empty")

	// ErrNameTooLong is returned when the handshake name exceeds the limit.
	ErrNameTooLong = errors.New("display name is too long")

	// ErrInvalidName is returned when the handshake is not valid UTF-8.
	ErrInvalidName = errors.New("display name is not valid UTF-8")

	// ErrInvalidTransition is returned when a session state change would move
	// backwards or skip a required state.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrRegistryClosed is returned when a session completes its handshake
	// after the registry was drained.
	ErrRegistryClosed = errors.New("registry is closed")
)

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateConnecting:  {StateHandshaking, StateClosed},
	StateHandshaking: {StateActive, StateClosed},
	StateActive:      {StateClosed},
}

// Session is one connected client: its connection handle, display name and
// lifecycle. Teardown runs exactly once, whatever ends the session.
type Session struct {
	id         string
	conn       Conn
	relay      *Relay
	remoteAddr string
	logger     *slog.Logger
	limiter    *rateLimiter
	admitted   bool

	// name and joinedAt are written once before the session joins the registry.
	name     string
	joinedAt time.Time

	mu          sync.Mutex
	state       State
	closeReason string

	writeMu      sync.Mutex
	teardownOnce sync.Once
}

func newSession(relay *Relay, conn Conn, admitted bool) *Session {
	id := uuid.NewString()
	s := &Session{
		id:         id,
		conn:       conn,
		relay:      relay,
		remoteAddr: conn.RemoteAddr(),
		admitted:   admitted,
		state:      StateConnecting,
		logger: relay.logger.With(
			"session_id", id,
			"remote_addr", conn.RemoteAddr(),
			"transport", conn.Transport(),
		),
	}
	if burst := relay.cfg.RateLimit.Burst; burst > 0 {
		s.limiter = newRateLimiter(burst, relay.cfg.RateLimit.RefillInterval)
	}
	return s
}

// ID returns the session identifier used in diagnostics.
func (s *Session) ID() string { return s.id }

// Name returns the display name, empty until the handshake succeeds.
func (s *Session) Name() string { return s.name }

// RemoteAddr returns the peer address captured at accept time.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// JoinedAt returns when the handshake completed.
func (s *Session) JoinedAt() time.Time { return s.joinedAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
}

// Send writes one frame to the client. Concurrent senders are serialized.
func (s *Session) Send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteFrame(frame, s.relay.cfg.WriteTimeout)
}

// closeWith records why the session is ending and closes its connection,
// which unblocks the read loop. The first recorded reason wins.
func (s *Session) closeWith(reason string) {
	s.setCloseReason(reason)
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Warn("error closing connection", "error", err)
	}
}

func (s *Session) setCloseReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
}

func (s *Session) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason == "" {
		return closeReasonPeerClosed
	}
	return s.closeReason
}

// run drives the session from handshake to teardown.
func (s *Session) run(ctx context.Context) {
	defer s.teardown(ctx)

	if err := s.transition(StateHandshaking); err != nil {
		s.logger.Debug("session closed before handshake", "error", err)
		return
	}

	name, err := s.handshake()
	if err != nil {
		s.setCloseReason(closeReasonHandshake)
		s.relay.metrics.handshakes.WithLabelValues("rejected").Inc()
		s.logger.Info("handshake rejected", "error", err)
		return
	}

	if err := s.join(name); err != nil {
		s.setCloseReason(closeReasonShutdown)
		s.logger.Info("session not registered", "name", name, "error", err)
		return
	}

	s.relay.broadcast(ctx, NewOutboundMessage(s.relay.now(), SystemName, name+" has joined the chat."), s)
	s.receive(ctx)
}

// handshake performs the single read that carries the display name.
func (s *Session) handshake() (string, error) {
	if timeout := s.relay.cfg.HandshakeTimeout; timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", fmt.Errorf("set handshake deadline: %w", err)
		}
	}

	frame, err := s.conn.ReadFrame()
	if err != nil {
		return "", fmt.Errorf("read display name: %w", err)
	}
	return parseDisplayName(frame, s.relay.cfg.MaxNameLength)
}

// parseDisplayName trims and NFC-normalizes raw, then enforces 1..maxLen characters.
func parseDisplayName(raw []byte, maxLen int) (string, error) {
	if !utf8.Valid(raw) {
		return "", ErrInvalidName
	}
	name := norm.NFC.String(strings.TrimSpace(string(raw)))
	n := utf8.RuneCountInString(name)
	switch {
	case n == 0:
		return "", ErrEmptyName
	case n > maxLen:
		return "", fmt.Errorf("%w: %d characters, limit %d", ErrNameTooLong, n, maxLen)
	}
	return name, nil
}

// join makes the session Active and inserts it into the registry.
func (s *Session) join(name string) error {
	s.name = name
	s.joinedAt = s.relay.now()

	if err := s.transition(StateActive); err != nil {
		return err
	}
	if !s.relay.registry.Add(s) {
		return ErrRegistryClosed
	}

	s.relay.metrics.activeSessions.Inc()
	s.relay.metrics.handshakes.WithLabelValues("accepted").Inc()
	s.logger.Info("client joined", "name", name, "active_sessions", s.relay.registry.Len())
	return nil
}

// receive reads frames until the peer goes away or the connection is closed.
func (s *Session) receive(ctx context.Context) {
	idle := s.relay.cfg.IdleTimeout
	if idle <= 0 && s.relay.cfg.HandshakeTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			s.logger.Debug("error clearing handshake deadline", "error", err)
		}
	}

	for {
		if idle > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
				s.setCloseReason(classifyReadError(err))
				return
			}
		}

		frame, err := s.conn.ReadFrame()
		if err != nil {
			s.setCloseReason(classifyReadError(err))
			if !isExpectedCloseError(err) {
				s.logger.Info("read failed", "error", err)
			}
			return
		}
		if len(frame) == 0 {
			s.setCloseReason(closeReasonPeerClosed)
			return
		}

		s.handleFrame(ctx, frame)
	}
}

// handleFrame validates one frame and relays it. Rejected frames are dropped.
func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	if s.limiter != nil && !s.limiter.allow() {
		s.relay.metrics.messagesRejected.WithLabelValues("rate-limited").Inc()
		s.logger.Info("rate limit exceeded; discarding message",
			"burst", s.relay.cfg.RateLimit.Burst,
			"interval", s.relay.cfg.RateLimit.RefillInterval,
		)
		return
	}

	msg, err := s.relay.validator.Validate(frame)
	if err != nil {
		s.relay.metrics.messagesRejected.WithLabelValues(rejectionReason(err)).Inc()
		s.logger.Info("message rejected", "name", s.name, "reason", rejectionReason(err), "error", err)
		return
	}

	s.relay.metrics.messagesRelayed.Inc()
	s.relay.broadcast(ctx, NewOutboundMessage(s.relay.now(), s.name, msg.Text), s)
}

// teardown removes the session from the registry, releases its admission
// slot and closes the connection.
func (s *Session) teardown(ctx context.Context) {
	s.teardownOnce.Do(func() {
		wasActive := s.State() == StateActive
		if err := s.transition(StateClosed); err != nil {
			s.logger.Debug("teardown transition", "error", err)
		}

		if s.relay.registry.Remove(s) {
			s.relay.metrics.activeSessions.Dec()
		}
		if s.admitted {
			s.relay.admission.Release(s.remoteAddr)
		}
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("error closing connection", "error", err)
		}

		reason := s.reason()
		s.relay.metrics.sessionsClosed.WithLabelValues(reason).Inc()
		s.relay.forget(s)
		s.logger.Info("session closed", "name", s.name, "reason", reason, "active_sessions", s.relay.registry.Len())

		if wasActive && s.relay.cfg.AnnounceLeaves && reason != closeReasonShutdown {
			s.relay.broadcast(ctx, NewOutboundMessage(s.relay.now(), SystemName, s.name+" has left the chat."), s)
		}
	})
}
