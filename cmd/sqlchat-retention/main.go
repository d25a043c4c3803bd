package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sqlchat/sqlchat/internal/config"
	"github.com/sqlchat/sqlchat/internal/maintenance"
	"github.com/sqlchat/sqlchat/internal/observability"
	s3store "github.com/sqlchat/sqlchat/internal/storage/s3"
)

func main() {
	once := flag.Bool("once", false, "run a single retention sweep and exit")
	flag.Parse()

	cfg, err := config.LoadFromEnv("sqlchat-retention")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if cfg.Archive.Retention <= 0 {
		logger.Error("SQLCHAT_ARCHIVE_RETENTION must be set to run retention")
		os.Exit(2)
	}

	store, err := s3store.New(context.Background(), s3store.Config{
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

	svc := &maintenance.Service{
		Store: store,
		Config: maintenance.Config{
			RetentionInterval: cfg.Archive.RetentionInterval,
			MaxAge:            cfg.Archive.Retention,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		summary, err := svc.RunRetentionOnce(ctx)
		if err != nil {
			logger.Error("retention sweep failed", slog.Any("error", err), slog.Any("summary", summary))
			os.Exit(1)
		}
		logger.Info("retention sweep completed", slog.Any("summary", summary))
		return
	}

	logger.Info("retention worker started", slog.Duration("max_age", cfg.Archive.Retention), slog.Duration("interval", cfg.Archive.RetentionInterval))
	if err := svc.Run(ctx); err != nil {
		logger.Error("retention worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("retention worker stopped")
}
