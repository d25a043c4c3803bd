package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlchat/sqlchat/internal/api"
	"github.com/sqlchat/sqlchat/internal/archive"
	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/catalog"
	catalogpostgres "github.com/sqlchat/sqlchat/internal/catalog/postgres"
	"github.com/sqlchat/sqlchat/internal/chat"
	"github.com/sqlchat/sqlchat/internal/config"
	"github.com/sqlchat/sqlchat/internal/maintenance"
	"github.com/sqlchat/sqlchat/internal/nl2sql"
	"github.com/sqlchat/sqlchat/internal/observability"
	querypostgres "github.com/sqlchat/sqlchat/internal/query/postgres"
	"github.com/sqlchat/sqlchat/internal/sqlast/pgquery"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
	s3store "github.com/sqlchat/sqlchat/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlchat-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	db, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	allowlist := sqlguard.NewAllowlist(cfg.Schema.Default)
	registry, err := catalog.NewRegistry(catalogpostgres.NewSchemaLoader(db, cfg.Schema.Include), allowlist, logger)
	if err != nil {
		logger.Error("failed to build schema registry", slog.Any("error", err))
		os.Exit(1)
	}
	if _, err := registry.Reload(context.Background()); err != nil {
		logger.Error("failed to load database schema", slog.Any("error", err))
		os.Exit(1)
	}

	validator, err := sqlguard.New(pgquery.New(), allowlist, cfg.Guard.MaxRowLimit, sqlguard.WithObserver(observability.GuardObserver{}))
	if err != nil {
		logger.Error("failed to build sql validator", slog.Any("error", err))
		os.Exit(1)
	}
	executor := querypostgres.NewExecutor(db, cfg.Schema.Default, cfg.Database.StatementTimeout)

	chatDeps := chat.Dependencies{
		Logger:    logger,
		Schema:    registry,
		Validator: validator,
		Executor:  executor,
	}
	if cfg.AI.APIKey != "" {
		client, err := nl2sql.NewOpenAIClient(nl2sql.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
			JSONMode:    nl2sql.JSONMode(cfg.AI.JSONMode),
		})
		if err != nil {
			logger.Error("failed to initialize model client", slog.Any("error", err))
			os.Exit(1)
		}
		chatDeps.Translator = client
		chatDeps.Summarizer = client
	} else {
		logger.Warn("SQLCHAT_AI_API_KEY is not set; /v1/chat is disabled")
	}

	var (
		archiver  *archive.Archiver
		retention *maintenance.Service
	)
	if cfg.Archive.Enabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		archiver, err = archive.NewArchiver(objectStore)
		if err != nil {
			logger.Error("failed to initialize exchange archive", slog.Any("error", err))
			os.Exit(1)
		}
		chatDeps.Archiver = archiver
		if cfg.Archive.Retention > 0 {
			retention = &maintenance.Service{
				Store:  objectStore,
				Config: maintenance.Config{RetentionInterval: cfg.Archive.RetentionInterval, MaxAge: cfg.Archive.Retention},
				Logger: logger,
			}
		}
	}

	service, err := chat.NewService(chat.Config{
		MaxAttempts:     cfg.AI.MaxAttempts,
		PromptMaxTables: cfg.Schema.PromptMaxTables,
		SummaryEnabled:  cfg.AI.SummaryEnabled,
	}, chatDeps)
	if err != nil {
		logger.Error("failed to build chat service", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:    logger,
		Chat:      service,
		Validator: validator,
		Schema:    registry,
		Readiness: api.CombineReadinessChecks(
			func(ctx context.Context) error { return catalogpostgres.Ping(ctx, db) },
			api.CheckSchemaLoaded(registry),
		),
		DependencyTimeout: time.Second,
	}
	if archiver != nil {
		deps.Archive = archiver
	}
	if cfg.Auth.Required {
		keys, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		if keys.Len() == 0 {
			logger.Warn("auth is required but SQLCHAT_AUTH_STATIC_KEYS is empty; every protected request will be rejected")
		}
		deps.AuthMiddleware = auth.Middleware(logger, keys)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		_ = registry.Run(ctx, cfg.Schema.ReloadInterval)
	}()
	if retention != nil {
		go func() {
			_ = retention.Run(ctx)
		}()
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("default_schema", cfg.Schema.Default),
			slog.Int64("max_row_limit", cfg.Guard.MaxRowLimit),
			slog.Bool("archive_enabled", cfg.Archive.Enabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
