package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"switchboard/internal/app"
	"switchboard/internal/authpw"
	"switchboard/internal/channel"
	"switchboard/internal/config"
	"switchboard/internal/contacts"
	"switchboard/internal/email"
	"switchboard/internal/exams"
	"switchboard/internal/export"
	"switchboard/internal/ingest"
	"switchboard/internal/media"
	"switchboard/internal/realtime"
	"switchboard/internal/search"
	"switchboard/internal/session"
	"switchboard/internal/status"
	"switchboard/internal/store"
)

// runtime holds the wired service and everything that must be closed with
// it.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *sql.DB
	store    *store.PostgresStore
	channels *channel.Registry
	statuses status.Store
	service  *app.Service
	notify   *realtime.NotifySource
	manager  *realtime.Manager
	closers  []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// activeChannelIDs feeds the auto-resolve sweep.
func (rt *runtime) activeChannelIDs(ctx context.Context) []string {
	active := rt.channels.List(ctx, true)
	ids := make([]string, 0, len(active))
	for _, ch := range active {
		ids = append(ids, ch.ID)
	}
	return ids
}

func openDatabase(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	logger.Info("database ready", slog.String("migrations_dir", cfg.MigrationsDir))
	return db, nil
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger, db: db}
	rt.closers = append(rt.closers, func() { _ = db.Close() })
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	pg := store.NewPostgresStore(db)
	rt.store = pg
	deps := app.Dependencies{Store: pg, Logger: logger}

	// Redis backs refresh sessions and conversation statuses when configured.
	var statuses status.Store = status.NewMemoryStore()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = redisStore.Close() })
		statuses = status.NewRedisStore(redisStore.Client())
		deps.Sessions = redisStore
		deps.Redis = redisStore
		logger.Info("using redis for sessions and statuses")
	} else {
		logger.Warn("REDIS_URL not set; conversation statuses are kept in memory")
	}
	rt.statuses = statuses
	deps.Statuses = statuses

	static, err := channel.LoadStatic(cfg.ChannelsFile)
	if err != nil {
		return nil, err
	}
	registry := channel.NewRegistry(static, pg, cfg.ChannelCacheTTL, logger)
	if err := registry.Refresh(ctx); err != nil {
		return nil, err
	}
	if err := registry.EnsureTables(ctx); err != nil {
		return nil, err
	}
	rt.channels = registry
	deps.Channels = registry

	deps.Contacts = contacts.NewResolver(pg, cfg.ContactCacheTTL, logger)
	deps.Exams = exams.NewService(pg, registry, logger)

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		rt.closers = append(rt.closers, meili.Close)
	}
	searchService := search.NewService(meili, search.NewPostgres(pg), logger)
	deps.Search = searchService
	deps.Ingest = ingest.NewService(registry, pg, statuses, searchService, logger)

	var objects media.ObjectStore
	if cfg.ObjectStorageEnabled() {
		minioStore, err := media.NewMinioStore(ctx, media.MinioConfig{
			Endpoint:   cfg.MinioEndpoint,
			AccessKey:  cfg.MinioAccessKey,
			SecretKey:  cfg.MinioSecretKey,
			Bucket:     cfg.MinioBucket,
			UseSSL:     cfg.MinioUseSSL,
			PublicURL:  cfg.MinioPublicURL,
			PublicRead: cfg.MinioPublicRead,
		})
		if err != nil {
			return nil, fmt.Errorf("object storage: %w", err)
		}
		objects = minioStore
	} else {
		logger.Warn("MINIO_ENDPOINT not set; media migration only supports dry runs")
	}
	deps.Media = media.NewMigrator(pg, objects, pg, logger)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		Security: cfg.SMTPSecurity,
		AppName:  "Switchboard",
	}, logger)
	accounts := authpw.NewService(pg, mailer, cfg.AppURL, logger)
	if cfg.AdminEmail != "" {
		created, err := accounts.Bootstrap(ctx, cfg.AdminEmail, cfg.AdminPassword)
		if err != nil {
			logger.Warn("admin bootstrap failed", slog.Any("error", err))
		} else if created {
			logger.Info("admin account created", slog.String("email", cfg.AdminEmail))
		}
	}
	deps.Accounts = accounts

	var source realtime.Source
	if cfg.RealtimeMode == config.RealtimePoll {
		source = realtime.NewPollSource(pg, cfg.PollInterval, logger)
	} else {
		rt.notify = realtime.NewNotifySource(cfg.DatabaseURL, logger)
		source = rt.notify
		if cfg.PollBackstop > 0 {
			// Catches rows committed while LISTEN was reconnecting.
			source = realtime.Combine(rt.notify, realtime.NewPollSource(pg, cfg.PollBackstop, logger))
		}
	}
	rt.manager = realtime.NewManager(source, cfg.DedupWindow, logger)
	rt.closers = append(rt.closers, rt.manager.Close)
	deps.Realtime = realtime.NewHub(rt.manager, cfg.CORSOrigin, logger)

	deps.Printer = export.ChromePrinter{ExecPath: cfg.ChromePath}

	rt.service = app.New(cfg, deps)
	ok = true
	return rt, nil
}
