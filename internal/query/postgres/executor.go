package postgres

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/query"
)

// Executor runs validated statements inside a read-only transaction that is
// always rolled back. The search path is pinned to the default schema so
// bare table names resolve the same way the validator resolved them.
type Executor struct {
	db               *sql.DB
	defaultSchema    string
	statementTimeout time.Duration
}

func NewExecutor(db *sql.DB, defaultSchema string, statementTimeout time.Duration) *Executor {
	return &Executor{db: db, defaultSchema: defaultSchema, statementTimeout: statementTimeout}
}

const setConfigQuery = `SELECT set_config($1, $2, true)`

func (e *Executor) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	statements := request.Batch()
	for i, statement := range statements {
		if strings.TrimSpace(statement.SQL) == "" {
			return query.Result{}, fmt.Errorf("statement %d: sql is required", i+1)
		}
	}
	if e.db == nil {
		return query.Result{}, fmt.Errorf("database is required")
	}

	start := time.Now()
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if e.statementTimeout > 0 {
		timeout := strconv.FormatInt(e.statementTimeout.Milliseconds(), 10)
		if _, err := tx.ExecContext(ctx, setConfigQuery, "statement_timeout", timeout); err != nil {
			return query.Result{}, fmt.Errorf("set statement timeout: %w", err)
		}
	}
	if e.defaultSchema != "" {
		searchPath := pgx.Identifier{e.defaultSchema}.Sanitize()
		if _, err := tx.ExecContext(ctx, setConfigQuery, "search_path", searchPath); err != nil {
			return query.Result{}, fmt.Errorf("set search path: %w", err)
		}
	}

	last := len(statements) - 1
	for i, statement := range statements[:last] {
		if err := discard(ctx, tx, statement); err != nil {
			return query.Result{}, fmt.Errorf("execute statement %d: %w", i+1, err)
		}
	}
	result, err := collect(ctx, tx, statements[last])
	if err != nil {
		if last > 0 {
			return query.Result{}, fmt.Errorf("execute statement %d: %w", last+1, err)
		}
		return query.Result{}, err
	}

	result.Duration = time.Since(start)
	observability.ObserveQuery(len(result.Rows), result.Duration)
	return result, nil
}

// discard runs a statement whose rows nobody reads, surfacing any error the
// server reports while producing them.
func discard(ctx context.Context, tx *sql.Tx, statement query.Statement) error {
	rows, err := tx.QueryContext(ctx, statement.SQL, statement.Params...)
	if err != nil {
		return err
	}
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}

func collect(ctx context.Context, tx *sql.Tx, statement query.Statement) (query.Result, error) {
	rows, err := tx.QueryContext(ctx, statement.SQL, statement.Params...)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	truncated := false
	for rows.Next() {
		if statement.RowLimit > 0 && len(resultRows) == statement.RowLimit {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}
	return query.Result{Columns: columns, Rows: resultRows, Truncated: truncated}, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		normalized[i] = normalizeValue(value)
	}
	return normalized
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case time.Time:
		return typed.Format(time.RFC3339Nano)
	case []byte:
		return hex.EncodeToString(typed)
	case [16]byte:
		return formatUUID(typed)
	case []string:
		return "{" + strings.Join(typed, ",") + "}"
	case [][16]byte:
		parts := make([]string, 0, len(typed))
		for _, id := range typed {
			parts = append(parts, formatUUID(id))
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return typed
	}
}

func formatUUID(id [16]byte) string {
	encoded := hex.EncodeToString(id[:])
	return encoded[0:8] + "-" + encoded[8:12] + "-" + encoded[12:16] + "-" + encoded[16:20] + "-" + encoded[20:32]
}
