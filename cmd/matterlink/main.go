// Copyright 2024-2026 Aiku AI

// Command matterlink is a plain-client Matrix-Mattermost channel relay with
// supervised connections: each network session is watched by a recovery
// manager that reconnects with backoff and a circuit breaker, relayed
// messages are tracked so edits and deletions follow them across, and
// outbound traffic is rate limited per user.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/matterlink/pkg/bridge"
	"github.com/aiku/matterlink/pkg/session"
	"github.com/aiku/matterlink/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "matterlink",
		Short:         "Supervised Matrix-Mattermost channel relay",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(
		newRunCmd(),
		newVersionCmd(),
		newExampleConfigCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "matterlink %s (%s, built %s)\n", Tag, Commit, BuildTime)
			return err
		},
	}
}

func newExampleConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print the example configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), bridge.ExampleConfig)
			return err
		},
	}
}

func newRunCmd() *cobra.Command {
	var configPath string
	var logJSON bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, configPath, logJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON logs instead of console output")
	return cmd
}

func run(cmd *cobra.Command, configPath string, logJSON bool) error {
	log := newLogger(logJSON)
	log.Info().Str("version", Tag).Str("commit", Commit).Str("built", BuildTime).Msg("Starting matterlink")

	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		return err
	}

	var recordStore store.RecordStore
	if cfg.DatabasePath != "" {
		sqlStore, err := store.NewSQLiteStore(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		recordStore = sqlStore
	} else {
		log.Warn().Msg("No database_path configured, channel links will not persist")
		recordStore = store.NewMemoryStore()
	}
	defer func() {
		if err := recordStore.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close record store")
		}
	}()

	matrixFactory := &session.MatrixFactory{
		HomeserverURL: cfg.Matrix.HomeserverURL,
		UserID:        cfg.Matrix.UserID,
		AccessToken:   cfg.Matrix.AccessToken,
		Log:           log,
	}
	mattermostFactory := &session.MattermostFactory{
		ServerURL: cfg.Mattermost.ServerURL,
		Token:     cfg.Mattermost.Token,
		Log:       log,
	}

	b := bridge.New(cfg, matrixFactory, mattermostFactory, recordStore, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logBusEvents(ctx, b.Events(), log)

	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Stop()

	var admin *bridge.AdminServer
	if cfg.AdminAPIAddr != "" {
		admin = bridge.NewAdminServer(b, cfg.AdminAPIAddr, log)
		admin.Start()
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin API shutdown failed")
		}
	}
	return nil
}

// logBusEvents mirrors recovery and rate-limit events into the log so the
// bus always has at least one consumer.
func logBusEvents(ctx context.Context, bus *bridge.EventBus, log zerolog.Logger) {
	events := bus.Subscribe(64)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				log.Info().
					Str("event", evt.Name).
					Str("service", evt.Service).
					Str("detail", evt.Detail).
					Msg("Bridge event")
			}
		}
	}()
}

func newLogger(logJSON bool) zerolog.Logger {
	if logJSON {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}
