package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sqlchat/sqlchat/internal/catalog"
	"github.com/sqlchat/sqlchat/internal/chat"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

// writeServiceError maps validator rejections and chat stage failures onto the
// error envelope.
func writeServiceError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if rejection, ok := sqlguard.AsRejection(err); ok {
		writeError(ctx, w, http.StatusBadRequest, rejection.Code(), rejection.Detail, false, rejection.Context())
		return
	}

	details := map[string]any{"details": err.Error()}
	var stageErr *chat.StageError
	if errors.As(err, &stageErr) {
		details["stage"] = string(stageErr.Stage)
	}

	status, code, message, retryable := classify(err, stageErr)
	if status >= http.StatusInternalServerError && deps.Logger != nil {
		deps.Logger.ErrorContext(ctx, "request failed",
			observability.TraceAttr(ctx),
			slog.String("error_code", code),
			slog.Any("error", err),
		)
	}
	writeError(ctx, w, status, code, message, retryable, details)
}

func classify(err error, stageErr *chat.StageError) (int, string, string, bool) {
	switch {
	case errors.Is(err, catalog.ErrNotLoaded):
		return http.StatusServiceUnavailable, "SCHEMA_NOT_LOADED", "database schema is not loaded yet", true
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "request timed out", true
	case errors.Is(err, context.Canceled):
		return 499, "CANCELED", "request canceled", true
	}
	if stageErr == nil {
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", false
	}
	switch stageErr.Stage {
	case chat.StageSchema:
		return http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", "database schema is unavailable", true
	case chat.StageTranslate:
		return http.StatusBadGateway, "GENERATION_FAILED", "sql generation failed", true
	case chat.StageExecute:
		return http.StatusInternalServerError, "QUERY_EXECUTION_FAILED", "query execution failed", false
	case chat.StageSummarize:
		return http.StatusBadGateway, "SUMMARY_FAILED", "result summarization failed", true
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", false
	}
}
