package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/sqlchat/sqlchat/internal/archive"
	"github.com/sqlchat/sqlchat/internal/nl2sql"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/query"
	"github.com/sqlchat/sqlchat/internal/query/postgres"
	"github.com/sqlchat/sqlchat/internal/sqlast/pgquery"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

type fakeSchema struct {
	text string
	err  error
}

func (f fakeSchema) PromptContext(int) (string, error) {
	return f.text, f.err
}

type scriptedTranslator struct {
	mu       sync.Mutex
	outputs  []string
	err      error
	requests []nl2sql.Request
}

func (s *scriptedTranslator) Translate(_ context.Context, req nl2sql.Request) (nl2sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nl2sql.Result{}, s.err
	}
	sql := s.outputs[0]
	if len(s.outputs) > 1 {
		s.outputs = s.outputs[1:]
	}
	return nl2sql.Result{SQL: sql, Params: []any{}, Explanation: "explained", Model: "test-model"}, nil
}

type fakeExecutor struct {
	requests []query.Request
	result   query.Result
	err      error
}

func (f *fakeExecutor) Execute(_ context.Context, req query.Request) (query.Result, error) {
	f.requests = append(f.requests, req)
	return f.result, f.err
}

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(context.Context, nl2sql.SummaryRequest) (string, error) {
	f.calls++
	return f.summary, f.err
}

type fakeArchiver struct {
	records []archive.Record
	err     error
}

func (f *fakeArchiver) Archive(_ context.Context, record archive.Record) (string, error) {
	f.records = append(f.records, record)
	if f.err != nil {
		return "", f.err
	}
	return "exchanges/" + record.TraceID + ".parquet", nil
}

func newValidator(t *testing.T, tables ...string) *sqlguard.Validator {
	t.Helper()
	allowlist := sqlguard.NewAllowlist("public")
	allowlist.Replace(tables)
	validator, err := sqlguard.New(pgquery.New(), allowlist, 100)
	if err != nil {
		t.Fatalf("sqlguard.New() error = %v", err)
	}
	return validator
}

func newService(t *testing.T, cfg Config, deps Dependencies) *Service {
	t.Helper()
	if deps.Schema == nil {
		deps.Schema = fakeSchema{text: "## Table: orders"}
	}
	if deps.Validator == nil {
		deps.Validator = newValidator(t, "orders", "customers")
	}
	service, err := NewService(cfg, deps)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return service
}

func TestAskReturnsSummarizedAnswer(t *testing.T) {
	translator := &scriptedTranslator{outputs: []string{"SELECT id FROM orders"}}
	executor := &fakeExecutor{result: query.Result{Columns: []string{"id"}, Rows: [][]any{{int64(1)}, {int64(2)}}}}
	summarizer := &fakeSummarizer{summary: "Two orders."}
	service := newService(t, Config{MaxAttempts: 2, SummaryEnabled: true}, Dependencies{
		Translator: translator,
		Summarizer: summarizer,
		Executor:   executor,
	})

	answer, err := service.Ask(context.Background(), Question{Text: "How many orders?", RowLimit: 20})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.SQL != "SELECT id FROM orders LIMIT 20" {
		t.Fatalf("SQL = %q", answer.SQL)
	}
	if answer.Summary != "Two orders." || answer.Attempts != 1 || answer.Explanation != "explained" || answer.Model != "test-model" {
		t.Fatalf("unexpected answer: %+v", answer)
	}
	if len(executor.requests) != 1 || len(executor.requests[0].Statements) != 1 {
		t.Fatalf("executor requests = %+v", executor.requests)
	}
	if got := executor.requests[0].Statements[0]; got.SQL != "SELECT id FROM orders LIMIT 21" || got.RowLimit != 20 {
		t.Fatalf("executed statement = %+v", got)
	}
	if translator.requests[0].SchemaContext != "## Table: orders" || translator.requests[0].RowLimit != 20 {
		t.Fatalf("translator request = %+v", translator.requests[0])
	}
}

func TestAskRepromptsAfterRejection(t *testing.T) {
	translator := &scriptedTranslator{outputs: []string{"SELECT * FROM secrets", "SELECT id FROM orders LIMIT 5"}}
	executor := &fakeExecutor{}
	service := newService(t, Config{MaxAttempts: 3}, Dependencies{Translator: translator, Executor: executor})

	answer, err := service.Ask(context.Background(), Question{Text: "orders"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", answer.Attempts)
	}
	if len(translator.requests) != 2 {
		t.Fatalf("translator called %d times, want 2", len(translator.requests))
	}
	feedback := translator.requests[1].Feedback
	if len(feedback) != 1 || feedback[0].SQL != "SELECT * FROM secrets" || !strings.Contains(feedback[0].Reason, `"secrets"`) {
		t.Fatalf("feedback = %+v", feedback)
	}
	if answer.Summary != "Query returned 0 row(s)." {
		t.Fatalf("Summary = %q, want fallback", answer.Summary)
	}
}

func TestAskReturnsRejectionAfterLastAttempt(t *testing.T) {
	translator := &scriptedTranslator{outputs: []string{"DELETE FROM orders"}}
	executor := &fakeExecutor{}
	service := newService(t, Config{MaxAttempts: 2}, Dependencies{Translator: translator, Executor: executor})

	_, err := service.Ask(context.Background(), Question{Text: "remove everything"})
	rejection, ok := sqlguard.AsRejection(err)
	if !ok || rejection.Kind != sqlguard.KindDisallowedStatementType {
		t.Fatalf("Ask() error = %v, want DisallowedStatementType rejection", err)
	}
	if len(translator.requests) != 2 {
		t.Fatalf("translator called %d times, want 2", len(translator.requests))
	}
	if len(executor.requests) != 0 {
		t.Fatal("rejected SQL must never reach the executor")
	}
}

func TestAskWrapsStageErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		deps  Dependencies
		cfg   Config
		stage Stage
	}{
		{
			name:  "schema",
			deps:  Dependencies{Schema: fakeSchema{err: boom}, Translator: &scriptedTranslator{outputs: []string{"SELECT 1"}}, Executor: &fakeExecutor{}},
			stage: StageSchema,
		},
		{
			name:  "translate",
			deps:  Dependencies{Translator: &scriptedTranslator{err: boom}, Executor: &fakeExecutor{}},
			stage: StageTranslate,
		},
		{
			name:  "execute",
			deps:  Dependencies{Translator: &scriptedTranslator{outputs: []string{"SELECT id FROM orders"}}, Executor: &fakeExecutor{err: boom}},
			stage: StageExecute,
		},
		{
			name:  "summarize",
			deps:  Dependencies{Translator: &scriptedTranslator{outputs: []string{"SELECT id FROM orders"}}, Executor: &fakeExecutor{}, Summarizer: &fakeSummarizer{err: boom}},
			cfg:   Config{SummaryEnabled: true},
			stage: StageSummarize,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := newService(t, tt.cfg, tt.deps)
			_, err := service.Ask(context.Background(), Question{Text: "q"})
			var stageErr *StageError
			if !errors.As(err, &stageErr) || stageErr.Stage != tt.stage {
				t.Fatalf("Ask() error = %v, want stage %q", err, tt.stage)
			}
			if !errors.Is(err, boom) {
				t.Fatalf("Ask() error = %v, want wrapped boom", err)
			}
		})
	}
}

func TestAskArchivesWhenRequested(t *testing.T) {
	archiver := &fakeArchiver{}
	service := newService(t, Config{}, Dependencies{
		Translator: &scriptedTranslator{outputs: []string{"SELECT id FROM orders"}},
		Executor:   &fakeExecutor{result: query.Result{Columns: []string{"id"}, Rows: [][]any{{int64(9)}}}},
		Archiver:   archiver,
	})

	ctx := observability.ContextWithTraceID(context.Background(), "trace-abc")
	answer, err := service.Ask(ctx, Question{Text: "orders", Archive: true, Subject: "analyst"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.ArchiveKey != "exchanges/trace-abc.parquet" {
		t.Fatalf("ArchiveKey = %q", answer.ArchiveKey)
	}
	record := archiver.records[0]
	if record.Subject != "analyst" || record.SQL != answer.SQL || len(record.Rows) != 1 {
		t.Fatalf("archived record = %+v", record)
	}

	if _, err := service.Ask(ctx, Question{Text: "orders"}); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if len(archiver.records) != 1 {
		t.Fatalf("archived %d records, want 1 (second question did not ask)", len(archiver.records))
	}
}

func TestAskArchiveFailureKeepsAnswer(t *testing.T) {
	service := newService(t, Config{}, Dependencies{
		Translator: &scriptedTranslator{outputs: []string{"SELECT id FROM orders"}},
		Executor:   &fakeExecutor{},
		Archiver:   &fakeArchiver{err: errors.New("bucket gone")},
	})
	answer, err := service.Ask(context.Background(), Question{Text: "orders", Archive: true})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.ArchiveKey != "" {
		t.Fatalf("ArchiveKey = %q, want empty", answer.ArchiveKey)
	}
}

func TestRunValidatesBeforeExecuting(t *testing.T) {
	executor := &fakeExecutor{result: query.Result{Columns: []string{"n"}}}
	service := newService(t, Config{}, Dependencies{Executor: executor})

	result, err := service.Run(context.Background(), RunRequest{SQL: "SELECT n FROM customers LIMIT 1000", Params: []any{1}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.SQL != "SELECT n FROM customers LIMIT 100" || len(result.Limits) != 1 || result.Limits[0] != 100 {
		t.Fatalf("unexpected result: %+v", result)
	}
	executed := executor.requests[0].Statements
	if len(executed) != 1 || executed[0].SQL != "SELECT n FROM customers LIMIT 101" || executed[0].RowLimit != 100 || len(executed[0].Params) != 1 {
		t.Fatalf("executor request = %+v", executor.requests[0])
	}

	_, err = service.Run(context.Background(), RunRequest{SQL: "DROP TABLE customers"})
	if _, ok := sqlguard.AsRejection(err); !ok {
		t.Fatalf("Run() error = %v, want rejection", err)
	}
	if len(executor.requests) != 1 {
		t.Fatal("rejected SQL must never reach the executor")
	}
}

func TestRunReportsResultCutOffByCappedLimit(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	rows := sqlmock.NewRows([]string{"n"})
	for i := 0; i < 101; i++ {
		rows.AddRow(int64(i))
	}
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT n FROM customers LIMIT 101`)).WillReturnRows(rows)
	mock.ExpectRollback()

	service := newService(t, Config{}, Dependencies{Executor: postgres.NewExecutor(db, "", 0)})
	result, err := service.Run(context.Background(), RunRequest{SQL: "SELECT n FROM customers LIMIT 5000"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Truncated || len(result.Rows) != 100 {
		t.Fatalf("rows = %d truncated = %v, want 100 rows truncated", len(result.Rows), result.Truncated)
	}
	if result.SQL != "SELECT n FROM customers LIMIT 100" {
		t.Fatalf("SQL = %q", result.SQL)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestRunSplitsBatchIntoStatements(t *testing.T) {
	executor := &fakeExecutor{}
	service := newService(t, Config{}, Dependencies{Executor: executor})

	result, err := service.Run(context.Background(), RunRequest{
		SQL:    "SELECT id FROM orders WHERE id = $1; SELECT id FROM customers LIMIT 10",
		Params: []any{int64(7)},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.SQL != "SELECT id FROM orders WHERE id = $1 LIMIT 100; SELECT id FROM customers LIMIT 10" {
		t.Fatalf("SQL = %q", result.SQL)
	}
	executed := executor.requests[0].Statements
	if len(executed) != 2 {
		t.Fatalf("executed statements = %+v", executed)
	}
	if executed[0].SQL != "SELECT id FROM orders WHERE id = $1 LIMIT 101" || len(executed[0].Params) != 1 || executed[0].RowLimit != 100 {
		t.Fatalf("first statement = %+v", executed[0])
	}
	if executed[1].SQL != "SELECT id FROM customers LIMIT 10" || len(executed[1].Params) != 0 || executed[1].RowLimit != 10 {
		t.Fatalf("second statement = %+v", executed[1])
	}
}

func TestAskWithoutTranslatorFails(t *testing.T) {
	service := newService(t, Config{}, Dependencies{Executor: &fakeExecutor{}})
	var stageErr *StageError
	if _, err := service.Ask(context.Background(), Question{Text: "q"}); !errors.As(err, &stageErr) {
		t.Fatalf("Ask() error = %v, want StageError", err)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(Config{}, Dependencies{Executor: &fakeExecutor{}}); err == nil {
		t.Fatal("expected error for missing validator")
	}
	if _, err := NewService(Config{}, Dependencies{Validator: newValidator(t)}); err == nil {
		t.Fatal("expected error for missing executor")
	}
}
