// Package sqlguard decides whether generated SQL may run and rewrites the
// accepted statements so that every one of them carries a bounded row limit.
package sqlguard

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sqlchat/sqlchat/internal/sqlast"
)

// Request is one validation call. Params are passed through untouched.
type Request struct {
	SQL     string
	Params  []any
	Ceiling int64
}

// Accepted is a validated batch. SQL joins the rewritten statements for
// display and archiving; Statements is what gets executed.
type Accepted struct {
	SQL              string
	Params           []any
	Limits           []int64
	Statements       []Statement
	AllowlistVersion uint64
}

// Statement is one rewritten top-level statement. FetchSQL asks for one row
// past Limit when the limit was injected or capped, so the executor can tell
// a cut-off result from one that simply ended; otherwise it equals SQL.
type Statement struct {
	SQL      string
	FetchSQL string
	Params   []any
	Limit    int64
	Action   LimitAction
}

const (
	OutcomeAccepted = "accepted"
	OutcomeError    = "error"
)

// Observer receives the outcome of every validation: OutcomeAccepted, the
// ErrorKind of a rejection, or OutcomeError. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveValidation(outcome string, actions []LimitAction)
}

type Option func(*Validator)

func WithObserver(observer Observer) Option {
	return func(v *Validator) {
		v.observer = observer
	}
}

type Validator struct {
	parser     sqlast.Parser
	allowlist  *Allowlist
	maxCeiling int64
	observer   Observer
}

func New(parser sqlast.Parser, allowlist *Allowlist, maxCeiling int64, opts ...Option) (*Validator, error) {
	if parser == nil {
		return nil, errors.New("parser is required")
	}
	if allowlist == nil {
		return nil, errors.New("allowlist is required")
	}
	if maxCeiling <= 0 || maxCeiling > math.MaxInt32 {
		return nil, fmt.Errorf("max row ceiling must be between 1 and %d, got %d", math.MaxInt32, maxCeiling)
	}
	v := &Validator{parser: parser, allowlist: allowlist, maxCeiling: maxCeiling}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *Validator) MaxCeiling() int64 {
	return v.maxCeiling
}

// EffectiveCeiling clamps a per-request ceiling to the configured maximum.
// Zero and negative values select the maximum.
func (v *Validator) EffectiveCeiling(requested int64) int64 {
	if requested > 0 && requested < v.maxCeiling {
		return requested
	}
	return v.maxCeiling
}

// Validate parses req.SQL, applies the statement and table policy against the
// current allowlist snapshot, bounds every top-level limit and returns the
// rewritten statements. The snapshot is read once, so a concurrent reload never
// affects a validation already in progress.
func (v *Validator) Validate(req Request) (Accepted, error) {
	snapshot := v.allowlist.Snapshot()

	batch, err := v.parser.Parse(req.SQL)
	if err != nil {
		return v.reject(syntaxFrom(err))
	}
	if err := Check(batch.Statements, snapshot); err != nil {
		return v.reject(err)
	}
	statements, limits, actions, err := EnforceLimits(batch.Statements, v.EffectiveCeiling(req.Ceiling))
	if err != nil {
		return v.reject(err)
	}
	batch.Statements = statements

	texts, err := v.parser.Deparse(batch)
	if err != nil {
		return Accepted{}, fmt.Errorf("serialize validated statements: %w", err)
	}
	batch.Statements = withLookahead(statements, actions)
	fetchTexts, err := v.parser.Deparse(batch)
	if err != nil {
		return Accepted{}, fmt.Errorf("serialize fetch statements: %w", err)
	}
	if len(texts) != len(statements) || len(fetchTexts) != len(statements) {
		return Accepted{}, fmt.Errorf("serializer returned %d statements, want %d", len(texts), len(statements))
	}

	accepted := Accepted{
		SQL:              strings.Join(texts, "; "),
		Params:           req.Params,
		Limits:           limits,
		Statements:       make([]Statement, 0, len(statements)),
		AllowlistVersion: snapshot.Version,
	}
	for i := range statements {
		accepted.Statements = append(accepted.Statements, Statement{
			SQL:      texts[i],
			FetchSQL: fetchTexts[i],
			Params:   statementParams(req.Params, batch.ParamCounts, i, len(statements)),
			Limit:    limits[i],
			Action:   actions[i],
		})
	}
	if v.observer != nil {
		v.observer.ObserveValidation(OutcomeAccepted, actions)
	}
	return accepted, nil
}

// withLookahead raises injected and capped limits by one row. Kept limits are
// the caller's own and stay as written.
func withLookahead(statements []sqlast.Statement, actions []LimitAction) []sqlast.Statement {
	out := make([]sqlast.Statement, len(statements))
	for i, stmt := range statements {
		out[i] = stmt
		if actions[i] == LimitKept {
			continue
		}
		switch typed := stmt.(type) {
		case *sqlast.Select:
			copied := *typed
			copied.Limit = &sqlast.LimitCount{Value: typed.Limit.(*sqlast.LimitCount).Value + 1}
			out[i] = &copied
		case *sqlast.SetOperation:
			copied := *typed
			copied.Limit = &sqlast.LimitCount{Value: typed.Limit.(*sqlast.LimitCount).Value + 1}
			out[i] = &copied
		}
	}
	return out
}

// statementParams hands a lone statement every parameter unchanged. In a
// batch each statement gets $1 through its own highest reference.
func statementParams(params []any, counts []int, i, total int) []any {
	if total == 1 || i >= len(counts) {
		return params
	}
	n := min(counts[i], len(params))
	if n == 0 {
		return nil
	}
	return params[:n:n]
}

func (v *Validator) reject(err error) (Accepted, error) {
	if v.observer != nil {
		outcome := OutcomeError
		if rejection, ok := AsRejection(err); ok {
			outcome = string(rejection.Kind)
		}
		v.observer.ObserveValidation(outcome, nil)
	}
	return Accepted{}, err
}

func syntaxFrom(err error) error {
	var syntax *sqlast.SyntaxError
	if errors.As(err, &syntax) {
		return syntaxError(syntax)
	}
	return syntaxError(err)
}
