package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlchat/sqlchat/internal/archive"
	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/catalog"
	"github.com/sqlchat/sqlchat/internal/chat"
	"github.com/sqlchat/sqlchat/internal/config"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

type ReadinessCheck func(ctx context.Context) error

type ChatService interface {
	Ask(ctx context.Context, q chat.Question) (chat.Answer, error)
	Run(ctx context.Context, req chat.RunRequest) (chat.RunResult, error)
}

type SQLValidator interface {
	Validate(req sqlguard.Request) (sqlguard.Accepted, error)
	EffectiveCeiling(requested int64) int64
}

type SchemaRegistry interface {
	Current() (catalog.Schema, bool)
	Reload(ctx context.Context) (catalog.Schema, error)
	State() (catalog.Schema, *sqlguard.Snapshot, bool)
	DefaultSchema() string
}

type ArchiveReader interface {
	Read(ctx context.Context, key string) (archive.Record, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Chat              ChatService
	Validator         SQLValidator
	Schema            SchemaRegistry
	Archive           ArchiveReader
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		schemaLoaded := false
		if deps.Schema != nil {
			_, schemaLoaded = deps.Schema.Current()
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name, "schema_loaded": schemaLoaded})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := map[string]http.HandlerFunc{
		"POST /v1/chat": func(w http.ResponseWriter, r *http.Request) {
			handleChat(deps, w, r)
		},
		"POST /v1/query": func(w http.ResponseWriter, r *http.Request) {
			handleQuery(deps, w, r)
		},
		"POST /v1/sql/validate": func(w http.ResponseWriter, r *http.Request) {
			handleValidate(deps, w, r)
		},
		"GET /v1/schema": func(w http.ResponseWriter, r *http.Request) {
			handleSchema(deps, w, r)
		},
		"POST /v1/schema/reload": func(w http.ResponseWriter, r *http.Request) {
			handleSchemaReload(deps, w, r)
		},
		"GET /v1/archive/{key...}": func(w http.ResponseWriter, r *http.Request) {
			handleArchive(deps, w, r)
		},
	}

	protected := http.NewServeMux()
	for pattern, handler := range routes {
		protected.HandleFunc(pattern, handler)
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for pattern := range routes {
		mux.Handle(pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		CORSMiddleware(cfg.HTTP.CORSOrigins),
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckSchemaLoaded(registry interface{ Ready(context.Context) error }) ReadinessCheck {
	return func(ctx context.Context) error {
		return registry.Ready(ctx)
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

func subjectFromRequest(r *http.Request) string {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return ""
	}
	return identity.Subject
}

// decodeBody reads a strict JSON body. Numbers are kept as json.Number so
// bind parameters keep their integer type.
func decodeBody(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	decoder.UseNumber()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func normalizeParams(params []any) []any {
	out := make([]any, 0, len(params))
	for _, param := range params {
		number, ok := param.(json.Number)
		if !ok {
			out = append(out, param)
			continue
		}
		if i, err := number.Int64(); err == nil {
			out = append(out, i)
		} else if f, err := number.Float64(); err == nil {
			out = append(out, f)
		} else {
			out = append(out, number.String())
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
