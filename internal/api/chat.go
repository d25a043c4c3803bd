package api

import (
	"net/http"
	"strings"

	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/chat"
)

type chatRequest struct {
	Query    string `json:"query"`
	RowLimit int64  `json:"row_limit"`
	Archive  bool   `json:"archive"`
}

type chatResponse struct {
	Summary     string           `json:"summary"`
	Rows        []map[string]any `json:"rows"`
	Columns     []string         `json:"columns"`
	Explanation string           `json:"explanation"`
	SQL         string           `json:"sql"`
	Params      []any            `json:"params"`
	Limits      []int64          `json:"limits"`
	Attempts    int              `json:"attempts"`
	Truncated   bool             `json:"truncated"`
	Model       string           `json:"model,omitempty"`
	ArchiveKey  string           `json:"archive_key,omitempty"`
}

func handleChat(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Chat == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request chatRequest
	if err := decodeBody(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid chat request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Query) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", "query is required", false, nil)
		return
	}
	if request.RowLimit < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ROW_LIMIT", "row_limit must be >= 0", false, nil)
		return
	}

	answer, err := deps.Chat.Ask(r.Context(), chat.Question{
		Text:     request.Query,
		RowLimit: request.RowLimit,
		Archive:  request.Archive,
		Subject:  subjectFromRequest(r),
	})
	if err != nil {
		writeServiceError(deps, w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Summary:     answer.Summary,
		Rows:        rowObjects(answer.Columns, answer.Rows),
		Columns:     nonNilStrings(answer.Columns),
		Explanation: answer.Explanation,
		SQL:         answer.SQL,
		Params:      nonNilParams(answer.Params),
		Limits:      answer.Limits,
		Attempts:    answer.Attempts,
		Truncated:   answer.Truncated,
		Model:       answer.Model,
		ArchiveKey:  answer.ArchiveKey,
	})
}

// rowObjects keys each row by column name. Duplicate column names keep the
// last value, so /v1/query returns positional rows instead.
func rowObjects(columns []string, rows [][]any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		record := make(map[string]any, len(columns))
		for i, column := range columns {
			if i < len(row) {
				record[column] = row[i]
			}
		}
		out = append(out, record)
	}
	return out
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilParams(values []any) []any {
	if values == nil {
		return []any{}
	}
	return values
}
