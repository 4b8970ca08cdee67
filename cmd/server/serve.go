package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/logger"
	"github.com/Tyrowin/relaychat/internal/server"
)

type serveOptions struct {
	envFiles []string
	host     string
	port     int
	httpAddr string
}

func serveCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay",
		Long: `Start the relay and serve until interrupted.

Configuration is read from RELAY_* environment variables, optionally
loaded from .env files. --host, --port and --http-addr override
RELAY_HOST, RELAY_PORT and RELAY_HTTP_ADDR. The HTTP gateway and the
QUIC listener are off unless an address is configured.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.envFiles...)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = opts.host
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTPAddr = opts.httpAddr
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = opts.port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", nil, "Load environment from file (repeatable)")
	cmd.Flags().StringVar(&opts.host, "host", "0.0.0.0", "Address to listen on")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 8888, "TCP port to listen on")
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", "", "Serve /ws, /healthz and /metrics on this address (disabled when empty)")
	return cmd
}

func runServer(parent context.Context, cfg config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logger.New(
		logger.WithLevel(level),
		logger.WithFormat(logger.Format(cfg.LogFormat)),
		logger.WithAttr(slog.String("service", "relaychat"), slog.String("version", version)),
	)
	slog.SetDefault(log)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, server.WithLogger(log))
	if err := srv.Start(cfg.Host, cfg.Port); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			log.Info("shutdown signal received")
			return srv.Stop()
		case <-srv.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-srv.Done()
		if err := srv.Err(); err != nil {
			return fmt.Errorf("relay stopped: %w", err)
		}
		return nil
	})
	return g.Wait()
}
