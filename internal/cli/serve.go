package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/covenant/internal/engine"
	"github.com/roach88/covenant/internal/httpapi"
	"github.com/roach88/covenant/internal/policy"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr    string
	Execute bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the contract engine behind the HTTP API until interrupted.

By default runs are deferred (build mode): a run is recorded and the job
parks in waiting. --execute leaves running jobs to an external executor.

Examples:
  covenant serve
  covenant serve --addr :9090 --registry-dir ./registry
  DATABASE_URL=postgres://... covenant serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.Execute, "execute", false, "leave runs to an external executor instead of deferring them")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Service.Addr = opts.Addr
	}
	if opts.Execute {
		cfg.Execution.Deferred = false
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := loadValidator(cfg)
	if err != nil {
		return err
	}
	reg, err := loadRegistry(ctx, cfg, v, logger)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	eng := engine.New(st, v, policy.NewResolver(reg),
		engine.WithLimits(cfg.Limits),
		engine.WithDeferred(cfg.Execution.Deferred),
		engine.WithCommitAttempts(cfg.Engine.CommitAttempts),
		engine.WithLogger(logger))
	api := httpapi.New(eng, reg, httpapi.WithLogger(logger))

	listener, err := net.Listen("tcp", cfg.Service.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "listen on "+cfg.Service.Addr, err)
	}
	server := &http.Server{
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("covenant listening",
		"addr", listener.Addr().String(),
		"registry", reg.SourceName(),
		"storage", cfg.Storage.Driver,
		"deferred", cfg.Execution.Deferred)

	select {
	case err := <-errCh:
		if err != nil {
			return WrapExitError(ExitFailure, "serve", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.Service.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	logger.Info("server exited")
	return nil
}
