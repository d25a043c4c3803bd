package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

// Registry owns the loaded schema and the allowlist derived from it. Both are
// published in one allowlist snapshot whose Origin is the schema, so a reader
// never pairs a new schema with an old allowlist. Reloads are serialized;
// readers never wait for one.
type Registry struct {
	loader    Loader
	allowlist *sqlguard.Allowlist
	logger    *slog.Logger

	reloadMu sync.Mutex
}

func NewRegistry(loader Loader, allowlist *sqlguard.Allowlist, logger *slog.Logger) (*Registry, error) {
	if loader == nil {
		return nil, errors.New("schema loader is required")
	}
	if allowlist == nil {
		return nil, errors.New("allowlist is required")
	}
	return &Registry{loader: loader, allowlist: allowlist, logger: logger}, nil
}

func (r *Registry) Allowlist() *sqlguard.Allowlist {
	return r.allowlist
}

func (r *Registry) DefaultSchema() string {
	return r.allowlist.DefaultSchema()
}

// Current returns the last successfully loaded schema.
func (r *Registry) Current() (Schema, bool) {
	schema, _, ok := r.State()
	return schema, ok
}

// State returns the schema together with the allowlist snapshot built from
// it. ok is false until the first successful reload.
func (r *Registry) State() (Schema, *sqlguard.Snapshot, bool) {
	snapshot := r.allowlist.Snapshot()
	schema, ok := snapshot.Origin.(*Schema)
	if !ok || schema == nil {
		return Schema{}, snapshot, false
	}
	return *schema, snapshot, true
}

// Reload loads the schema and publishes it together with a new allowlist
// snapshot. On failure the previous schema and allowlist stay in place.
func (r *Registry) Reload(ctx context.Context) (Schema, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	start := time.Now()
	schema, err := r.loader.Load(ctx)
	if err != nil {
		observability.ObserveSchemaReload(0, err)
		return Schema{}, fmt.Errorf("load schema: %w", err)
	}
	if schema.LoadedAt.IsZero() {
		schema.LoadedAt = time.Now().UTC()
	}

	snapshot := r.allowlist.Publish(schema.Identities(), &schema)
	observability.ObserveSchemaReload(snapshot.Len(), nil)

	if r.logger != nil {
		r.logger.InfoContext(ctx, "schema loaded",
			slog.Int("tables", snapshot.Len()),
			slog.Uint64("allowlist_version", snapshot.Version),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return schema, nil
}

// Run reloads on every tick until ctx is done. A non-positive interval
// disables periodic reloads and Run just waits for cancellation.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Reload(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if r.logger != nil {
					r.logger.ErrorContext(ctx, "schema reload failed", slog.Any("error", err))
				}
			}
		}
	}
}

// PromptContext renders the current schema for the generator prompt.
func (r *Registry) PromptContext(maxTables int) (string, error) {
	schema, ok := r.Current()
	if !ok {
		return "", ErrNotLoaded
	}
	return schema.PromptContext(r.DefaultSchema(), maxTables), nil
}

// Ready reports ErrNotLoaded until the first successful reload.
func (r *Registry) Ready(_ context.Context) error {
	if _, ok := r.Current(); !ok {
		return ErrNotLoaded
	}
	return nil
}
