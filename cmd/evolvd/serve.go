package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evolvd/internal/http"
	"github.com/fyrsmithlabs/evolvd/internal/orchestrator"
)

var serveFlags struct {
	host   string
	port   int
	write  bool
	review bool
}

// serveCmd runs the HTTP daemon
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the evolvd HTTP server",
	Long: `Serve exposes the controller over HTTP. Runs are checkpointed to the
configured store and can be listed, inspected and resumed through the API.

Examples:
  # Listen on the configured address
  evolvd serve

  # Listen on every interface and write approved patches back
  evolvd serve --host 0.0.0.0 --port 9000 --write`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.host, "host", "", "listen host (default server.host)")
	f.IntVar(&serveFlags.port, "port", 0, "listen port (default server.port)")
	f.BoolVar(&serveFlags.write, "write", false, "write approved patches to their project")
	f.BoolVar(&serveFlags.review, "review", false, "ask the oracle to review every final diff")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.host != "" {
		cfg.Server.Host = serveFlags.host
	}
	if serveFlags.port != 0 {
		cfg.Server.Port = serveFlags.port
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The server exists only after the controller, so progress is routed
	// through this variable. It is set before any run starts.
	var srv *http.Server
	track := func(p orchestrator.Progress) {
		if srv != nil {
			srv.Track(p)
		}
	}

	a, err := newApp(ctx, cfg, appOptions{progress: track, writeBack: serveFlags.write, review: serveFlags.review})
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close(context.Background())
	}()
	logger := a.logger.Underlying()

	srv, err = http.NewServer(a.controller, a.store, logger.Named("http"), &http.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
		Meter:   a.tel.Meter(instrumentationName),
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	logger.Info("starting evolvd",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("oracle", cfg.Oracle.Provider),
		zap.Bool("retrieval", cfg.Retrieval.Enabled),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}
