package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// CreateServer creates the gateway HTTP server with the given address and handler.
// Upgraded WebSocket connections are not subject to these timeouts.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ShutdownServer gracefully shuts down the HTTP server, waiting for in-flight
// requests until the timeout is reached.
func ShutdownServer(logger *slog.Logger, server *http.Server, timeout time.Duration) error {
	logger.Info("shutting down http gateway")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http gateway shutdown error", "error", err)
		return err
	}

	logger.Info("http gateway shutdown completed")
	return nil
}
