package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/sqlchat/sqlchat/internal/archive"
	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/catalog"
	"github.com/sqlchat/sqlchat/internal/chat"
	"github.com/sqlchat/sqlchat/internal/config"
	"github.com/sqlchat/sqlchat/internal/sqlast/pgquery"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
	"github.com/sqlchat/sqlchat/internal/storage"
)

type fakeChat struct {
	answer   chat.Answer
	result   chat.RunResult
	err      error
	question chat.Question
	run      chat.RunRequest
}

func (f *fakeChat) Ask(_ context.Context, q chat.Question) (chat.Answer, error) {
	f.question = q
	return f.answer, f.err
}

func (f *fakeChat) Run(_ context.Context, req chat.RunRequest) (chat.RunResult, error) {
	f.run = req
	return f.result, f.err
}

type staticLoader struct {
	schema catalog.Schema
	err    error
}

func (s staticLoader) Load(context.Context) (catalog.Schema, error) {
	return s.schema, s.err
}

type fakeArchive struct {
	records map[string]archive.Record
}

func (f fakeArchive) Read(_ context.Context, key string) (archive.Record, error) {
	record, ok := f.records[key]
	if !ok {
		return archive.Record{}, storage.ErrObjectNotFound
	}
	return record, nil
}

func testConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load("sqlchat-api", mapLookup(env))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func newRegistry(t *testing.T, loaded bool) *catalog.Registry {
	t.Helper()
	schema := catalog.Schema{Tables: []catalog.Table{
		{Schema: "public", Name: "orders", Columns: []catalog.Column{{Name: "id", Type: "bigint"}}},
		{Schema: "public", Name: "customers", Columns: []catalog.Column{{Name: "id", Type: "integer"}}},
	}}
	registry, err := catalog.NewRegistry(staticLoader{schema: schema}, sqlguard.NewAllowlist("public"), nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if loaded {
		if _, err := registry.Reload(context.Background()); err != nil {
			t.Fatalf("Reload() error = %v", err)
		}
	}
	return registry
}

func newTestValidator(t *testing.T, registry *catalog.Registry) *sqlguard.Validator {
	t.Helper()
	validator, err := sqlguard.New(pgquery.New(), registry.Allowlist(), 100)
	if err != nil {
		t.Fatalf("sqlguard.New() error = %v", err)
	}
	return validator
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(typed))
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var decoded map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("json decode failed: %v (%s)", err, rr.Body.String())
		}
	}
	return rr, decoded
}

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{Schema: newRegistry(t, true)})
	rr, body := doJSON(t, h, http.MethodGet, "/v1/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body["schema_loaded"] != true || body["service"] != "sqlchat-api" {
		t.Fatalf("body = %v", body)
	}
}

func TestReadyEndpointReturns503UntilSchemaLoads(t *testing.T) {
	registry := newRegistry(t, false)
	h := NewHandler(testConfig(t, nil), Dependencies{Readiness: CombineReadinessChecks(nil, CheckSchemaLoaded(registry))})

	rr, body := doJSON(t, h, http.MethodGet, "/v1/ready", nil, nil)
	if rr.Code != http.StatusServiceUnavailable || body["error_code"] != "NOT_READY" || body["retryable"] != true {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}

	if _, err := registry.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	rr, _ = doJSON(t, h, http.MethodGet, "/v1/ready", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status after load = %d", rr.Code)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	cfg := testConfig(t, map[string]string{"SQLCHAT_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:analyst:query_reader,k2:admin:query_reader|schema_admin")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	registry := newRegistry(t, true)
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Schema:         registry,
	})

	rr, _ := doJSON(t, h, http.MethodGet, "/v1/schema", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", rr.Code)
	}
	rr, body := doJSON(t, h, http.MethodGet, "/v1/schema", nil, map[string]string{"X-API-Key": "k1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("auth status = %d body = %v", rr.Code, body)
	}

	rr, body = doJSON(t, h, http.MethodPost, "/v1/schema/reload", nil, map[string]string{"X-API-Key": "k1"})
	if rr.Code != http.StatusForbidden || body["error_code"] != "FORBIDDEN" {
		t.Fatalf("reader reload status = %d body = %v", rr.Code, body)
	}
	rr, body = doJSON(t, h, http.MethodPost, "/v1/schema/reload", nil, map[string]string{"Authorization": "Bearer k2"})
	if rr.Code != http.StatusOK {
		t.Fatalf("admin reload status = %d body = %v", rr.Code, body)
	}
}

func TestAuthRequiredWithoutMiddlewareFailsClosed(t *testing.T) {
	cfg := testConfig(t, map[string]string{"SQLCHAT_AUTH_REQUIRED": "true"})
	h := NewHandler(cfg, Dependencies{Schema: newRegistry(t, true)})
	rr, body := doJSON(t, h, http.MethodGet, "/v1/schema", nil, nil)
	if rr.Code != http.StatusInternalServerError || body["error_code"] != "AUTH_MIDDLEWARE_MISSING" {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}
}

func TestChatEndpointReturnsAnswer(t *testing.T) {
	fake := &fakeChat{answer: chat.Answer{
		Summary:     "Two orders.",
		Explanation: "Lists orders",
		SQL:         "SELECT id, status FROM orders LIMIT 100",
		Columns:     []string{"id", "status"},
		Rows:        [][]any{{int64(1), "open"}, {int64(2), "shipped"}},
		Limits:      []int64{100},
		Attempts:    1,
	}}
	h := NewHandler(testConfig(t, nil), Dependencies{Chat: fake})

	rr, body := doJSON(t, h, http.MethodPost, "/v1/chat", map[string]any{"query": "list orders", "row_limit": 10, "archive": true}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}
	if fake.question.Text != "list orders" || fake.question.RowLimit != 10 || !fake.question.Archive {
		t.Fatalf("question = %+v", fake.question)
	}
	rows, ok := body["rows"].([]any)
	if !ok || len(rows) != 2 {
		t.Fatalf("rows = %v", body["rows"])
	}
	first := rows[0].(map[string]any)
	if first["id"] != float64(1) || first["status"] != "open" {
		t.Fatalf("first row = %v", first)
	}
	if body["summary"] != "Two orders." || body["sql"] != "SELECT id, status FROM orders LIMIT 100" {
		t.Fatalf("body = %v", body)
	}
	if params, ok := body["params"].([]any); !ok || len(params) != 0 {
		t.Fatalf("params = %v, want empty array", body["params"])
	}
}

func TestChatEndpointValidatesRequest(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{Chat: &fakeChat{}})

	tests := []struct {
		body string
		code string
	}{
		{body: `{"query": ""}`, code: "QUERY_REQUIRED"},
		{body: `{"query": "x", "unknown": 1}`, code: "INVALID_JSON"},
		{body: `not json`, code: "INVALID_JSON"},
		{body: `{"query": "x", "row_limit": -1}`, code: "INVALID_ROW_LIMIT"},
	}
	for _, tt := range tests {
		rr, body := doJSON(t, h, http.MethodPost, "/v1/chat", tt.body, nil)
		if rr.Code != http.StatusBadRequest || body["error_code"] != tt.code {
			t.Fatalf("body %s: status = %d response = %v, want %s", tt.body, rr.Code, body, tt.code)
		}
	}
}

func TestChatEndpointMapsErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "translate", err: &chat.StageError{Stage: chat.StageTranslate, Err: boom}, status: http.StatusBadGateway, code: "GENERATION_FAILED"},
		{name: "execute", err: &chat.StageError{Stage: chat.StageExecute, Err: boom}, status: http.StatusInternalServerError, code: "QUERY_EXECUTION_FAILED"},
		{name: "summarize", err: &chat.StageError{Stage: chat.StageSummarize, Err: boom}, status: http.StatusBadGateway, code: "SUMMARY_FAILED"},
		{name: "schema not loaded", err: &chat.StageError{Stage: chat.StageSchema, Err: catalog.ErrNotLoaded}, status: http.StatusServiceUnavailable, code: "SCHEMA_NOT_LOADED"},
		{name: "timeout", err: &chat.StageError{Stage: chat.StageExecute, Err: context.DeadlineExceeded}, status: http.StatusGatewayTimeout, code: "TIMEOUT"},
		{name: "unknown", err: boom, status: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(testConfig(t, nil), Dependencies{Chat: &fakeChat{err: tt.err}})
			rr, body := doJSON(t, h, http.MethodPost, "/v1/chat", map[string]any{"query": "q"}, nil)
			if rr.Code != tt.status || body["error_code"] != tt.code {
				t.Fatalf("status = %d body = %v, want %d %s", rr.Code, body, tt.status, tt.code)
			}
		})
	}
}

func TestSchemaEndpoint(t *testing.T) {
	registry := newRegistry(t, false)
	h := NewHandler(testConfig(t, nil), Dependencies{Schema: registry})

	rr, body := doJSON(t, h, http.MethodGet, "/v1/schema", nil, nil)
	if rr.Code != http.StatusServiceUnavailable || body["error_code"] != "SCHEMA_NOT_LOADED" {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}

	rr, body = doJSON(t, h, http.MethodPost, "/v1/schema/reload", nil, nil)
	if rr.Code != http.StatusOK || body["allowlist_version"] != float64(1) {
		t.Fatalf("reload status = %d body = %v", rr.Code, body)
	}

	rr, body = doJSON(t, h, http.MethodGet, "/v1/schema", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}
	if body["default_schema"] != "public" || !reflect.DeepEqual(body["allowed_tables"], []any{"public.customers", "public.orders"}) {
		t.Fatalf("body = %v", body)
	}
	if tables, _ := body["tables"].([]any); len(tables) != 2 {
		t.Fatalf("tables = %v", body["tables"])
	}
}

func TestSchemaReloadFailure(t *testing.T) {
	registry, err := catalog.NewRegistry(staticLoader{err: errors.New("db down")}, sqlguard.NewAllowlist(""), nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	h := NewHandler(testConfig(t, nil), Dependencies{Schema: registry})
	rr, body := doJSON(t, h, http.MethodPost, "/v1/schema/reload", nil, nil)
	if rr.Code != http.StatusServiceUnavailable || body["error_code"] != "SCHEMA_RELOAD_FAILED" {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}
}

func TestArchiveEndpoint(t *testing.T) {
	key := "exchanges/2026/03/04/abc.parquet"
	h := NewHandler(testConfig(t, nil), Dependencies{Archive: fakeArchive{records: map[string]archive.Record{
		key: {TraceID: "abc", Question: "orders?", SQL: "SELECT 1 LIMIT 1"},
	}}})

	rr, body := doJSON(t, h, http.MethodGet, "/v1/archive/"+key, nil, nil)
	if rr.Code != http.StatusOK || body["question"] != "orders?" || body["trace_id"] != "abc" {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}
	rr, body = doJSON(t, h, http.MethodGet, "/v1/archive/exchanges/missing.parquet", nil, nil)
	if rr.Code != http.StatusNotFound || body["error_code"] != "ARCHIVE_NOT_FOUND" {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}

	disabled := NewHandler(testConfig(t, nil), Dependencies{})
	rr, _ = doJSON(t, disabled, http.MethodGet, "/v1/archive/"+key, nil, nil)
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("disabled status = %d", rr.Code)
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
