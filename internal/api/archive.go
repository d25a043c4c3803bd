package api

import (
	"errors"
	"net/http"

	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/storage"
)

func handleArchive(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Archive == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ARCHIVE_NOT_CONFIGURED", "exchange archive is not enabled", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	key := r.PathValue("key")
	record, err := deps.Archive.Read(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "ARCHIVE_NOT_FOUND", "archived exchange not found", false, map[string]any{"key": key})
			return
		}
		writeServiceError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}
