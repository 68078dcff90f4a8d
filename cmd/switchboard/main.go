package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"switchboard/internal/app"
	"switchboard/internal/config"
	"switchboard/internal/jobs"
	"switchboard/internal/logging"
	"switchboard/internal/status"
	"switchboard/internal/store"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "switchboard",
		Short:         "Switchboard - shared WhatsApp inbox for clinic front desks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCommand(),
		migrateCommand(),
		mediaCommand(),
		channelsCommand(),
		searchCommand(),
		versionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhooks, realtime feed and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.notify != nil {
				go func() {
					if err := rt.notify.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("realtime listener stopped", slog.Any("error", err))
					}
				}()
			}

			scheduler := jobs.NewScheduler(logger)
			sweeper := status.NewSweeper(rt.statuses, rt.activeChannelIDs, cfg.AutoResolveAfter, logger)
			if err := scheduler.Add("auto-resolve", cfg.SweepSchedule, func(ctx context.Context) error {
				_, err := sweeper.Sweep(ctx)
				return err
			}); err != nil {
				return err
			}
			if err := scheduler.Add("media-migrate", cfg.MediaSchedule, func(ctx context.Context) error {
				report, err := rt.service.MigrateMedia(ctx, "schedule", app.MediaMigrateInput{})
				if report.Migrated > 0 || report.Failed > 0 {
					logger.Info("scheduled media migration",
						slog.String("run_id", report.RunID),
						slog.Int("migrated", report.Migrated),
						slog.Int("failed", report.Failed))
				}
				return err
			}); err != nil {
				return err
			}
			scheduler.Start()

			httpServer := app.NewHTTPServer(rt.service, cfg.CORSOrigin)
			server := &http.Server{
				Addr:              cfg.Addr,
				Handler:           httpServer.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      60 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("switchboard listening", slog.String("addr", cfg.Addr), slog.String("version", version))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutdown error", slog.Any("error", err))
			}
			scheduler.Stop(shutdownCtx)
			return nil
		},
	}
}

func migrateCommand() *cobra.Command {
	var statusOnly bool
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if statusOnly {
				db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer db.Close()
				pending, err := store.PendingMigrations(cmd.Context(), db, cfg.MigrationsDir)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"pending": pending})
			}
			db, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return db.Close()
		},
	}
	migrateCmd.Flags().BoolVar(&statusOnly, "status", false, "list pending migrations without applying them")
	return migrateCmd
}

func mediaCommand() *cobra.Command {
	mediaCmd := &cobra.Command{
		Use:   "media",
		Short: "Manage inline media payloads",
	}

	var (
		channels []string
		batch    int
		dryRun   bool
	)
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move base64 payloads from message tables into object storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.service.MigrateMedia(cmd.Context(), "cli", app.MediaMigrateInput{
				ChannelIDs: channels,
				BatchSize:  batch,
				DryRun:     dryRun,
			})
			if printErr := printJSON(report); printErr != nil {
				return printErr
			}
			return err
		},
	}
	migrateCmd.Flags().StringSliceVar(&channels, "channel", nil, "channel id or name (repeatable, default all active channels)")
	migrateCmd.Flags().IntVar(&batch, "batch", 0, "rows per batch (default SWITCHBOARD_MEDIA_BATCH_SIZE)")
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would move without uploading")

	mediaCmd.AddCommand(migrateCmd)
	return mediaCmd
}

func channelsCommand() *cobra.Command {
	channelsCmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect configured channels",
	}
	var all bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print channels and their message tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			return printJSON(rt.service.ListChannels(cmd.Context(), all))
		},
	}
	listCmd.Flags().BoolVar(&all, "all", false, "include inactive channels")
	channelsCmd.AddCommand(listCmd)
	return channelsCmd
}

func searchCommand() *cobra.Command {
	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Manage the message search index",
	}
	reindexCmd := &cobra.Command{
		Use:   "reindex",
		Short: "Push every stored message of the active channels to Meilisearch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.MeiliURL == "" {
				return errors.New("MEILI_URL is required for reindexing")
			}
			rt, err := buildRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			sent, err := rt.service.Reindex(cmd.Context(), rt.store)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"indexed": sent})
		},
	}
	searchCmd.AddCommand(reindexCmd)
	return searchCmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(map[string]any{"version": version})
		},
	}
}

func printJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
