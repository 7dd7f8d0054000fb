package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/api"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/config"
)

const shutdownTimeout = 10 * time.Second

// runServer implements `connector serve`. It blocks until SIGINT or SIGTERM.
func runServer(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "", "Listen address (default :$PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(logger)

	if *addr == "" {
		*addr = ":" + cfg.Port
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintf(stdout, "%sDataspace Connector starting...%s\n", ColorBold+ColorBlue, ColorReset)
	if cfg.DatabaseURL == "" {
		_, _ = fmt.Fprintf(stdout, "DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite).\n", ColorBold+ColorCyan, ColorReset)
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := serve(ctx, cfg, logger, ln); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, "connector stopped")
	return 0
}

// serve runs the connector on ln until ctx is done, then shuts the HTTP
// server down gracefully and stops the background components.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	c, err := NewConnector(ctx, cfg, logger)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("connector close", "error", err)
		}
	}()

	if err := c.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	limiter := api.NewRateLimiter(cfg.API.RatePerSecond, cfg.API.Burst)
	defer limiter.Close()

	srv := &http.Server{
		Handler:           c.APIServer(limiter).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	logger.InfoContext(ctx, "connector ready",
		"addr", ln.Addr().String(),
		"connector", cfg.ConnectorID,
		"framework", cfg.Framework,
		"sweep", c.Sweeper.IsRunning(),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
