package api

import (
	"net/http"
	"time"

	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/catalog"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

type schemaResponse struct {
	DefaultSchema    string          `json:"default_schema"`
	LoadedAt         time.Time       `json:"loaded_at"`
	AllowlistVersion uint64          `json:"allowlist_version"`
	AllowedTables    []string        `json:"allowed_tables"`
	Tables           []catalog.Table `json:"tables"`
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema registry is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	schema, snapshot, ok := deps.Schema.State()
	if !ok {
		writeServiceError(deps, w, r, catalog.ErrNotLoaded)
		return
	}
	writeJSON(w, http.StatusOK, newSchemaResponse(deps.Schema.DefaultSchema(), schema, snapshot))
}

func handleSchemaReload(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema registry is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleSchemaAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	if _, err := deps.Schema.Reload(r.Context()); err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_RELOAD_FAILED", "schema reload failed", true, map[string]any{"details": err.Error()})
		return
	}
	schema, snapshot, _ := deps.Schema.State()
	writeJSON(w, http.StatusOK, newSchemaResponse(deps.Schema.DefaultSchema(), schema, snapshot))
}

func newSchemaResponse(defaultSchema string, schema catalog.Schema, snapshot *sqlguard.Snapshot) schemaResponse {
	tables := schema.Tables
	if tables == nil {
		tables = []catalog.Table{}
	}
	return schemaResponse{
		DefaultSchema:    defaultSchema,
		LoadedAt:         schema.LoadedAt,
		AllowlistVersion: snapshot.Version,
		AllowedTables:    nonNilStrings(snapshot.Tables()),
		Tables:           tables,
	}
}
