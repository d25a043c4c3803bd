// Package query runs SQL that has already passed validation.
package query

import (
	"context"
	"time"
)

// Request is either one statement given by SQL, Params and RowLimit, or an
// ordered batch in Statements. A batch runs in one transaction and the result
// is the last statement's.
type Request struct {
	SQL        string
	Params     []any
	RowLimit   int
	Statements []Statement
}

// Statement is one entry of a batch. RowLimit caps the rows kept from it; a
// statement that returns more reports a truncated result.
type Statement struct {
	SQL      string
	Params   []any
	RowLimit int
}

// Batch returns the statements to run, treating a request without
// Statements as a batch of one.
func (r Request) Batch() []Statement {
	if len(r.Statements) > 0 {
		return r.Statements
	}
	return []Statement{{SQL: r.SQL, Params: r.Params, RowLimit: r.RowLimit}}
}

type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

type Executor interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
