package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/config"
)

// Relay ties together admission, validation, the registry and the broadcast
// engine. Every transport hands accepted connections to the same Relay, so
// TCP, WebSocket and QUIC clients share one registry.
type Relay struct {
	cfg         config.Config
	logger      *slog.Logger
	metrics     *Metrics
	registry    *Registry
	admission   *Admission
	validator   *Validator
	broadcaster *Broadcaster
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	live     map[*Session]struct{}
	draining bool
	wg       sync.WaitGroup
}

// NewRelay builds a Relay from a sanitized configuration.
func NewRelay(cfg config.Config, logger *slog.Logger, metrics *Metrics) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry()

	return &Relay{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		registry:    registry,
		admission:   NewAdmission(cfg.AllowedAddresses, cfg.MaxConnectionsPerAddress),
		validator:   NewValidator(cfg.MaxMessageLength),
		broadcaster: NewBroadcaster(registry, logger, metrics),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		live:        make(map[*Session]struct{}),
	}
}

// Registry exposes the live session set.
func (r *Relay) Registry() *Registry { return r.registry }

// Admission exposes the admission policy and its connection counter.
func (r *Relay) Admission() *Admission { return r.admission }

// Admit applies the admission policy to remoteAddr and records the decision.
func (r *Relay) Admit(remoteAddr, transport string) error {
	err := r.admission.Admit(remoteAddr)
	switch {
	case err == nil:
		r.metrics.admissions.WithLabelValues(transport, "admitted").Inc()
	case errors.Is(err, ErrAddressNotAllowed):
		r.metrics.admissions.WithLabelValues(transport, "not_allowed").Inc()
		r.logger.Warn("connection denied", "remote_addr", remoteAddr, "transport", transport, "reason", "address not allowed")
	case errors.Is(err, ErrTooManyConnections):
		r.metrics.admissions.WithLabelValues(transport, "over_cap").Inc()
		r.logger.Warn("connection denied", "remote_addr", remoteAddr, "transport", transport,
			"reason", "connection limit reached", "limit", r.cfg.MaxConnectionsPerAddress)
	}
	return err
}

// Accept admits conn and starts its session, or closes it on denial.
func (r *Relay) Accept(conn Conn) bool {
	if err := r.Admit(conn.RemoteAddr(), conn.Transport()); err != nil {
		if cerr := conn.Close(); cerr != nil && !isExpectedCloseError(cerr) {
			r.logger.Warn("error closing denied connection", "remote_addr", conn.RemoteAddr(), "error", cerr)
		}
		return false
	}
	return r.Serve(conn, true)
}

// Serve starts a session for conn in its own goroutine. admitted reports
// whether Admit succeeded for conn, so teardown releases the slot. It returns
// false, releasing and closing conn, if the relay is draining.
func (r *Relay) Serve(conn Conn, admitted bool) bool {
	s := newSession(r, conn, admitted)

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		s.setCloseReason(closeReasonShutdown)
		s.teardown(r.ctx)
		return false
	}
	r.live[s] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		s.run(r.ctx)
	}()
	return true
}

// forget drops s from the live set once it is torn down.
func (r *Relay) forget(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, s)
}

// broadcast relays msg and logs unexpected engine errors.
func (r *Relay) broadcast(ctx context.Context, msg OutboundMessage, exclude *Session) {
	if _, err := r.broadcaster.Broadcast(ctx, msg, exclude); err != nil {
		r.logger.ErrorContext(ctx, "unexpected broadcast error", "sender", msg.Name, "error", err)
	}
}

// Broadcast relays msg to every registered session except exclude.
func (r *Relay) Broadcast(ctx context.Context, msg OutboundMessage, exclude *Session) (int, error) {
	return r.broadcaster.Broadcast(ctx, msg, exclude)
}

// Drain refuses new sessions, empties the registry and closes every live
// session, including those still handshaking. It returns how many sessions
// were closed. Calling it again is a no-op.
func (r *Relay) Drain() int {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return 0
	}
	r.draining = true
	sessions := make([]*Session, 0, len(r.live))
	for s := range r.live {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	if drained := r.registry.Drain(); len(drained) > 0 {
		r.metrics.activeSessions.Sub(float64(len(drained)))
	}

	for _, s := range sessions {
		s.closeWith(closeReasonShutdown)
	}
	r.cancel()

	r.logger.Info("closed client connections", "count", len(sessions))
	return len(sessions)
}

// Wait blocks until every session goroutine has finished or timeout elapses.
func (r *Relay) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		r.logger.Warn("shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
