package cli

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

	"donationcore/internal/core"

	"github.com/spf13/cobra"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
	Seed bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		Long: `Run the HTTP server that receives signed checkout webhooks.

Routes:
  POST /webhooks/stripe   verified checkout-session events
  GET  /healthz           liveness
  GET  /metrics           metrics, unless metrics.backend is none

Example:
  donationcore serve --config donationcore.yaml --seed`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")
	cmd.Flags().BoolVar(&opts.Seed, "seed", false, "install the default receipt templates before serving")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Addr != "" {
		cfg.HTTP.Addr = opts.Addr
	}
	logger, err := opts.newLogger(cmd, cfg.Log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	app, err := BuildApp(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer func() {
		if closeErr := app.Close(context.Background()); closeErr != nil {
			logger.Error("error releasing resources", "error", closeErr)
		}
	}()

	if opts.Seed {
		seeded, err := core.SeedTemplates(ctx, app.Store)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to seed templates", err)
		}
		logger.Info("templates seeded", "created", seeded)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           app.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	logger.Info("webhook server listening", "addr", ln.Addr().String())
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", ln.Addr())

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "graceful shutdown failed", err)
	}
	logger.Info("webhook server stopped")
	return nil
}
