package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"

	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/logger"
)

var (
	// ErrServerStarted is returned by Start on a server that is already running.
	ErrServerStarted = errors.New("server already started")

	// ErrServerClosed is returned by Start on a server that has been stopped.
	ErrServerClosed = errors.New("server closed")
)

// ListenerState is the lifecycle state of a Server.
type ListenerState int32

const (
	ListenerStopped ListenerState = iota
	ListenerListening
	ListenerDraining
)

func (s ListenerState) String() string {
	switch s {
	case ListenerStopped:
		return "stopped"
	case ListenerListening:
		return "listening"
	case ListenerDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server accepts client connections on TCP and, when configured, on the
// WebSocket gateway and QUIC, feeding all of them into one Relay.
type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *Metrics
	relay    *Relay
	upgrader *websocket.Upgrader

	mu           sync.Mutex
	state        ListenerState
	stopped      bool
	listener     net.Listener
	httpServer   *http.Server
	httpListener net.Listener
	quicListener *quic.Listener
	err          error
	done         chan struct{}
	acceptWG     sync.WaitGroup
}

// New creates a stopped Server for cfg.
func New(cfg config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg.Sanitize(),
		logger:  logger.Discard(),
		metrics: NewMetrics(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.relay = NewRelay(s.cfg, s.logger, s.metrics)
	s.upgrader = s.newUpgrader()
	return s
}

// Relay returns the relay shared by every transport.
func (s *Server) Relay() *Relay { return s.relay }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// State returns the current lifecycle state.
func (s *Server) State() ListenerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the TCP listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the WebSocket gateway address, or nil when disabled.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// QUICAddr returns the QUIC listen address, or nil when disabled.
func (s *Server) QUICAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quicListener == nil {
		return nil
	}
	return s.quicListener.Addr()
}

// Done is closed once the server has fully stopped.
func (s *Server) Done() <-chan struct{} { return s.done }

// Err returns the fatal listener error that stopped the server, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start binds host:port and begins accepting in the background. The optional
// gateways are bound too; any bind failure closes what was opened and is
// returned.
func (s *Server) Start(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServerClosed
	}
	if s.state != ListenerStopped {
		return ErrServerStarted
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	var httpLn net.Listener
	if s.cfg.HTTPAddr != "" {
		httpLn, err = net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddr, err)
		}
	}

	var quicLn *quic.Listener
	if s.cfg.QUICAddr != "" {
		quicLn, err = listenQUIC(s.cfg)
		if err != nil {
			_ = ln.Close()
			if httpLn != nil {
				_ = httpLn.Close()
			}
			return err
		}
	}

	s.listener = ln
	s.state = ListenerListening
	s.logger.Info("relay listening", "addr", ln.Addr().String(), "transport", "tcp")

	s.acceptWG.Add(1)
	go s.acceptLoop(ln)

	if httpLn != nil {
		s.httpListener = httpLn
		s.httpServer = CreateServer(httpLn.Addr().String(), SetupRoutes(s))
		s.acceptWG.Add(1)
		go s.serveHTTP(s.httpServer, httpLn)
	}

	if quicLn != nil {
		s.quicListener = quicLn
		s.acceptWG.Add(1)
		go s.serveQUIC(quicLn)
	}
	return nil
}

// acceptLoop admits each TCP connection synchronously and hands it to a
// session goroutine.
func (s *Server) acceptLoop(ln net.Listener) {
	defer s.acceptWG.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.draining() {
				return
			}
			s.fail(fmt.Errorf("accept on %s: %w", ln.Addr(), err))
			return
		}
		s.relay.Accept(newTCPConn(conn, s.cfg.ReadBufferSize))
	}
}

func (s *Server) serveHTTP(srv *http.Server, ln net.Listener) {
	defer s.acceptWG.Done()

	s.logger.Info("websocket gateway listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if s.draining() {
			return
		}
		s.fail(fmt.Errorf("http gateway: %w", err))
	}
}

func (s *Server) draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != ListenerListening
}

// fail records a listener-level error and shuts the server down.
func (s *Server) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()

	s.logger.Error("listener failed, shutting down", "error", err)
	go func() { _ = s.Stop() }()
}

// Stop stops accepting, closes every live session and then the listening
// sockets, and waits up to the shutdown timeout for sessions to finish. It is
// idempotent; concurrent callers wait for the first to complete. Stopping a
// server that was never started marks it closed, so a later Start fails.
func (s *Server) Stop() error {
	s.mu.Lock()
	switch s.state {
	case ListenerDraining:
		s.mu.Unlock()
		<-s.done
		return nil
	case ListenerStopped:
		if !s.stopped {
			s.stopped = true
			close(s.done)
		}
		s.mu.Unlock()
		return nil
	}
	s.state = ListenerDraining
	ln, httpSrv, quicLn := s.listener, s.httpServer, s.quicListener
	s.mu.Unlock()

	s.logger.Info("relay draining")
	s.relay.Drain()

	if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Warn("error closing listener", "error", err)
	}
	if quicLn != nil {
		if err := quicLn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("error closing quic listener", "error", err)
		}
	}
	if httpSrv != nil {
		_ = ShutdownServer(s.logger, httpSrv, s.cfg.ShutdownTimeout)
	}

	s.acceptWG.Wait()
	waitErr := s.relay.Wait(s.cfg.ShutdownTimeout)

	s.mu.Lock()
	s.state = ListenerStopped
	s.stopped = true
	s.mu.Unlock()
	close(s.done)

	s.logger.Info("relay stopped")
	return waitErr
}
