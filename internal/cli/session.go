package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/agentsync/internal/config"
	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/service"
	"github.com/roach88/agentsync/internal/store"
	"github.com/roach88/agentsync/internal/telemetry"
)

// session is the wiring one command invocation runs against.
type session struct {
	cfg      *config.Config
	svc      *service.Service
	provider *telemetry.Provider
	logger   *slog.Logger
}

// openSession loads configuration for the selected worktree and builds the
// service. The store itself is opened lazily by the service.
func (o *RootOptions) openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(o.Worktree)
	if err != nil {
		return nil, commandError("failed to load config", err)
	}
	if o.DBPath != "" {
		cfg.StorePath = o.DBPath
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, o.Verbose)
	slog.SetDefault(logger)

	ctx := commandContext(cmd)
	if cfg.Telemetry.Enabled && cfg.Telemetry.Writer == nil {
		cfg.Telemetry.Writer = cmd.ErrOrStderr()
	}
	provider, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to initialize telemetry", err)
	}
	metrics := telemetry.MustNoopMetrics()
	if cfg.Telemetry.Enabled {
		metrics, err = telemetry.NewMetrics(provider.Meter)
		if err != nil {
			_ = provider.Shutdown(ctx)
			return nil, WrapExitError(ExitCommandError, "failed to create metrics", err)
		}
	}

	logger.Debug("config loaded",
		"worktree", cfg.Worktree,
		"main_checkout", cfg.MainCheckout,
		"store", cfg.StorePath,
		"config_file", cfg.ConfigFile,
	)

	svc := service.New(cfg.StorePath,
		service.WithStoreOptions(
			store.WithBusyTimeout(cfg.BusyTimeout),
			store.WithRetryBudget(cfg.RetryBudget),
		),
		service.WithActor(cfg.Actor),
		service.WithDefaultTrack(cfg.DefaultTrack),
		service.WithLogger(logger),
		service.WithTelemetry(provider, metrics),
	)

	return &session{cfg: cfg, svc: svc, provider: provider, logger: logger}, nil
}

// close releases the store and flushes telemetry.
func (s *session) close(ctx context.Context) error {
	return errors.Join(s.svc.Close(), s.provider.Shutdown(ctx))
}

// withSession runs fn against a fresh session and closes it afterwards.
func (o *RootOptions) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) (err error) {
	s, err := o.openSession(cmd)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	defer func() {
		if cerr := s.close(ctx); cerr != nil && err == nil {
			err = WrapExitError(ExitCommandError, "failed to close store", cerr)
		}
	}()
	return fn(ctx, s)
}

// newLogger builds the process logger. Logs go to stderr so JSON output on
// stdout stays parseable.
func newLogger(w io.Writer, format string, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// worktreeArg returns the explicit worktree, falling back to the configured one.
func (s *session) worktreeArg(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return s.cfg.Worktree
}

// errorCode names the JSON error code for err.
func errorCode(err error) string {
	switch {
	case ir.IsValidationError(err):
		return "E_VALIDATION"
	case ir.IsReferentialError(err):
		return "E_REFERENTIAL"
	case ir.IsTransitionError(err):
		return "E_INVALID_TRANSITION"
	case errors.Is(err, store.ErrNotFound):
		return "E_NOT_FOUND"
	default:
		return "E_COMMAND"
	}
}

// commandError maps an operation error to an exit code. Errors the core
// refused on its own terms exit 1; anything else is a command error.
func commandError(message string, err error) *ExitError {
	if errorCode(err) == "E_COMMAND" {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

// failf reports a failure without an underlying error.
func failf(format string, args ...any) *ExitError {
	return NewExitError(ExitFailure, fmt.Sprintf(format, args...))
}
