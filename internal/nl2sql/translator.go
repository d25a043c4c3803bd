// Package nl2sql turns questions into candidate SQL and query results into
// prose. Nothing it returns is trusted: generated SQL still goes through the
// validator before it reaches the database.
package nl2sql

import "context"

// Attempt is a previously generated statement and the reason it was refused,
// fed back to the generator on the next try.
type Attempt struct {
	SQL    string `json:"sql"`
	Reason string `json:"reason"`
}

type Request struct {
	Question      string    `json:"question"`
	SchemaContext string    `json:"schema_context"`
	RowLimit      int64     `json:"row_limit"`
	Feedback      []Attempt `json:"feedback,omitempty"`
}

type Result struct {
	SQL         string `json:"sql"`
	Params      []any  `json:"params"`
	Explanation string `json:"explanation"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

type SummaryRequest struct {
	Question string
	SQL      string
	Columns  []string
	Rows     [][]any
}

type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}
