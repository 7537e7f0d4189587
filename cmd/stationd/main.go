package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cloudpico-stations/internal/app"
	"cloudpico-stations/internal/config"
	"cloudpico-stations/internal/logging"
)

const appName = "stationd"

// Default version is "dev" if not set with -ldflags "-X main.version=..."
var version = "dev"

type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

// env is filled by the root command before any subcommand runs.
type env struct {
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:           appName,
		Short:         "Poll weather stations and answer observatory safety queries",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return configError{err}
			}
			if f := cmd.Flag("stations"); f != nil && f.Changed {
				cfg.StationsFile = f.Value.String()
			}
			e.cfg = cfg
			e.logger = logging.New(cfg, version, appName)
			slog.SetDefault(e.logger)
			return nil
		},
	}
	root.PersistentFlags().String("stations", "", "stations file (overrides STATIONS_FILE)")

	root.AddCommand(newServeCmd(e), newMigrateCmd(e), newInterventionCmd(e))
	return root
}

func newServeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll the configured stations and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e.logger.Info("starting",
				"app", appName,
				"version", version,
				"env", e.cfg.AppEnv,
				"log_level", e.cfg.LogLevel.String(),
			)
			err := app.Run(cmd.Context(), e.cfg, e.logger)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			e.logger.Info("shutting down")
			return nil
		},
	}
}

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the reading repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			applied, err := app.Migrate(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			e.logger.Info("migrations done", "driver", e.cfg.Driver, "applied", applied)
			return nil
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return
	}
	var cerr configError
	if errors.As(err, &cerr) {
		fmt.Fprintf(os.Stderr, "config error: %v\n", cerr.err)
	} else {
		slog.Error("run failed", "err", err)
	}
	stop()
	os.Exit(1)
}
