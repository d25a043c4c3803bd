package sqlguard

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindSyntaxError             ErrorKind = "SyntaxError"
	KindDisallowedStatementType ErrorKind = "DisallowedStatementType"
	KindDisallowedTable         ErrorKind = "DisallowedTable"
	KindUnsupportedConstruct    ErrorKind = "UnsupportedConstruct"
	KindInvalidLimitValue       ErrorKind = "InvalidLimitValue"
)

// Rejection is the terminal outcome of a validation. Only the fields relevant
// to Kind are set.
type Rejection struct {
	Kind   ErrorKind
	Detail string

	Statement     string
	Table         string
	QualifiedName string
	AllowedTables []string
	Construct     string
	Limit         string

	cause error
}

func (r *Rejection) Error() string {
	return string(r.Kind) + ": " + r.Detail
}

func (r *Rejection) Unwrap() error {
	return r.cause
}

// Code is the stable error code exposed to API clients.
func (r *Rejection) Code() string {
	switch r.Kind {
	case KindSyntaxError:
		return "SQL_SYNTAX_ERROR"
	case KindDisallowedStatementType:
		return "DISALLOWED_STATEMENT_TYPE"
	case KindDisallowedTable:
		return "DISALLOWED_TABLE"
	case KindUnsupportedConstruct:
		return "UNSUPPORTED_CONSTRUCT"
	case KindInvalidLimitValue:
		return "INVALID_LIMIT_VALUE"
	default:
		return "SQL_REJECTED"
	}
}

// Context returns the diagnostic fields for error envelopes.
func (r *Rejection) Context() map[string]any {
	out := map[string]any{"kind": string(r.Kind)}
	if r.Statement != "" {
		out["statement"] = r.Statement
	}
	if r.Table != "" {
		out["table"] = r.Table
		out["qualified_name"] = r.QualifiedName
		out["allowed_tables"] = r.AllowedTables
	}
	if r.Construct != "" {
		out["construct"] = r.Construct
	}
	if r.Limit != "" {
		out["limit"] = r.Limit
	}
	return out
}

// AsRejection unwraps err into a *Rejection when it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

func syntaxError(cause error) *Rejection {
	return &Rejection{Kind: KindSyntaxError, Detail: cause.Error(), cause: cause}
}

func disallowedStatement(kind string) *Rejection {
	return &Rejection{
		Kind:      KindDisallowedStatementType,
		Detail:    fmt.Sprintf("only SELECT queries are allowed, found %s", kind),
		Statement: kind,
	}
}

func disallowedTable(table, qualified string, allowed []string) *Rejection {
	return &Rejection{
		Kind:          KindDisallowedTable,
		Detail:        fmt.Sprintf("table %q is not in the allowed schema; allowed tables: [%s]", table, strings.Join(allowed, ", ")),
		Table:         table,
		QualifiedName: qualified,
		AllowedTables: allowed,
	}
}

func unsupported(construct string) *Rejection {
	return &Rejection{
		Kind:      KindUnsupportedConstruct,
		Detail:    fmt.Sprintf("unsupported construct: %s", construct),
		Construct: construct,
	}
}

func invalidLimit(limit, reason string) *Rejection {
	return &Rejection{
		Kind:   KindInvalidLimitValue,
		Detail: fmt.Sprintf("invalid LIMIT %s: %s", limit, reason),
		Limit:  limit,
	}
}
