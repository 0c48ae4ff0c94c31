package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/internal/app"
	"github.com/charlesng35/collabhub/pkg/logger"
)

const defaultShutdownGrace = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := app.NewFlagSet("collabhub-server")
	fs.SetOutput(os.Stdout)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := app.LoadConfigWithFlags(fs)
	if err != nil {
		return err
	}

	logFile, err := app.ConfigureLogging(cfg)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")
	log.Info("configuration loaded",
		zap.String("environment", cfg.Server.Environment),
		zap.Bool("persistence", cfg.Store.Enabled()),
		zap.Bool("auth", cfg.Auth.Enabled()),
		zap.String("log_file", logFile),
	)

	stack, err := bootstrapRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}

	return serve(ctx, cfg, stack, log)
}

// serve runs the listener until ctx is done, then shuts the stack down in order: stop
// accepting, close live connections, flush sessions, drain the bridge, release stores.
func serve(ctx context.Context, cfg *app.Config, stack *runtimeStack, log *zap.Logger) error {
	listener, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace(cfg))
		defer cancel()
		_ = stack.Shutdown(shutdownCtx, log)
		return fmt.Errorf("listen on %s: %w", cfg.Address(), err)
	}

	server := &http.Server{
		Handler:           stack.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var errs error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			errs = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace(cfg))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = multierr.Append(errs, fmt.Errorf("graceful shutdown: %w", err))
	}
	if err := stack.Shutdown(shutdownCtx, log); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("release runtime: %w", err))
	}

	if errs != nil {
		log.Warn("shutdown completed with errors", zap.Error(errs))
		return errs
	}
	log.Info("server stopped gracefully")
	return nil
}

func grace(cfg *app.Config) time.Duration {
	if cfg.Server.ShutdownGrace > 0 {
		return cfg.Server.ShutdownGrace
	}
	return defaultShutdownGrace
}
