package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tair/rxsync/pkg/logger"
	"github.com/tair/rxsync/pkg/tracing"
)

const (
	serviceVersion  = "1.0.0"
	shutdownTimeout = 30 * time.Second
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var noTracing bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, dispatch workers and sweep schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, noTracing)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().BoolVar(&noTracing, "no-tracing", false, "do not export traces to Jaeger")

	return cmd
}

func runServe(opts *RootOptions, noTracing bool) error {
	cfg := opts.load(false)

	logger.Logger.Info().
		Str("service", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Str("log_level", cfg.LogLevel).
		Msg("Starting sync service")

	if !noTracing {
		tp, err := tracing.InitTracer(cfg.ServiceName, serviceVersion, cfg.JaegerEndpoint)
		if err != nil {
			logger.Logger.Warn().Err(err).Msg("Tracing disabled")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tracing.Shutdown(ctx, tp)
			}()
		}
	}

	a, cleanup, err := opts.bootstrap(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer cleanup()

	errCh := a.Start(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var serveErr error
	select {
	case sig := <-quit:
		logger.Logger.Info().Str("signal", sig.String()).Msg("Shutting down server...")
	case serveErr = <-errCh:
		logger.Logger.Error().Err(serveErr).Msg("Server failed, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		logger.Logger.Error().Err(err).Msg("Shutdown did not complete cleanly")
	}
	logger.Logger.Info().Msg("Server stopped")
	return serveErr
}
