package api

import (
	"net/http"
	"strings"

	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/chat"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

type queryRequest struct {
	SQL      string `json:"sql"`
	Params   []any  `json:"params"`
	RowLimit int64  `json:"row_limit"`
}

type queryResponse struct {
	SQL       string         `json:"sql"`
	Params    []any          `json:"params"`
	Columns   []string       `json:"columns"`
	Rows      [][]any        `json:"rows"`
	Limits    []int64        `json:"limits"`
	Truncated bool           `json:"truncated"`
	Stats     map[string]any `json:"stats"`
}

type validateResponse struct {
	Valid            bool    `json:"valid"`
	SQL              string  `json:"sql"`
	Params           []any   `json:"params"`
	Limits           []int64 `json:"limits"`
	AllowlistVersion uint64  `json:"allowlist_version"`
}

func decodeSQLRequest(w http.ResponseWriter, r *http.Request) (queryRequest, bool) {
	var request queryRequest
	if err := decodeBody(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return queryRequest{}, false
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return queryRequest{}, false
	}
	if request.RowLimit < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ROW_LIMIT", "row_limit must be >= 0", false, nil)
		return queryRequest{}, false
	}
	request.Params = normalizeParams(request.Params)
	return request, true
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Chat == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	request, ok := decodeSQLRequest(w, r)
	if !ok {
		return
	}

	result, err := deps.Chat.Run(r.Context(), chat.RunRequest{SQL: request.SQL, Params: request.Params, RowLimit: request.RowLimit})
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}

	rows := result.Rows
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, queryResponse{
		SQL:       result.SQL,
		Params:    nonNilParams(result.Params),
		Columns:   nonNilStrings(result.Columns),
		Rows:      rows,
		Limits:    result.Limits,
		Truncated: result.Truncated,
		Stats: map[string]any{
			"duration_ms": result.Duration.Milliseconds(),
			"row_count":   len(rows),
		},
	})
}

func handleValidate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Validator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "VALIDATOR_NOT_CONFIGURED", "validator is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	request, ok := decodeSQLRequest(w, r)
	if !ok {
		return
	}

	accepted, err := deps.Validator.Validate(sqlguard.Request{
		SQL:     request.SQL,
		Params:  request.Params,
		Ceiling: deps.Validator.EffectiveCeiling(request.RowLimit),
	})
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{
		Valid:            true,
		SQL:              accepted.SQL,
		Params:           nonNilParams(accepted.Params),
		Limits:           accepted.Limits,
		AllowlistVersion: accepted.AllowlistVersion,
	})
}
