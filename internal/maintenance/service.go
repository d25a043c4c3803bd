// Package maintenance sweeps archived exchanges older than the configured
// retention out of the object store.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sqlchat/sqlchat/internal/storage"
)

type Config struct {
	RetentionInterval time.Duration
	// MaxAge is measured from the UTC day partition of the key, so an object
	// becomes eligible once its whole day is older than MaxAge.
	MaxAge time.Duration
}

type Service struct {
	Store  storage.Pruner
	Config Config
	Logger *slog.Logger
	Clock  func() time.Time
}

type RetentionSummary struct {
	ObjectsScanned int `json:"objects_scanned"`
	ObjectsSkipped int `json:"objects_skipped"`
	ObjectsDeleted int `json:"objects_deleted"`
	Failures       int `json:"failures"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := s.RunRetentionOnce(ctx)
			if err != nil {
				if s.Logger != nil {
					s.Logger.ErrorContext(ctx, "retention cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				}
				continue
			}
			if s.Logger != nil {
				s.Logger.InfoContext(ctx, "retention cycle completed", slog.Any("summary", summary))
			}
		}
	}
}

func (s *Service) RunRetentionOnce(ctx context.Context) (RetentionSummary, error) {
	s.ensureDefaults()
	if s.Store == nil {
		return RetentionSummary{}, fmt.Errorf("object store is required")
	}
	if s.Config.MaxAge <= 0 {
		return RetentionSummary{}, fmt.Errorf("retention max age must be > 0")
	}

	objects, err := s.Store.List(ctx, storage.ExchangePrefix+"/")
	if err != nil {
		retentionRunsTotal.WithLabelValues("failed").Inc()
		return RetentionSummary{}, err
	}

	cutoff := s.Clock().UTC().Add(-s.Config.MaxAge)
	summary := RetentionSummary{ObjectsScanned: len(objects)}
	failures := make([]string, 0)
	for _, object := range objects {
		day, ok := storage.ParseExchangeKey(object.Key)
		if !ok {
			summary.ObjectsSkipped++
			continue
		}
		if !day.AddDate(0, 0, 1).Before(cutoff) {
			continue
		}
		if err := s.Store.Delete(ctx, object.Key); err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("delete %s: %v", object.Key, err))
			continue
		}
		summary.ObjectsDeleted++
	}

	if summary.ObjectsDeleted > 0 {
		archiveObjectsDeletedTotal.Add(float64(summary.ObjectsDeleted))
	}
	if len(failures) > 0 {
		retentionRunsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("retention encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
	}
	retentionRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

func (s *Service) ensureDefaults() {
	if s.Config.RetentionInterval <= 0 {
		s.Config.RetentionInterval = time.Hour
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
}
