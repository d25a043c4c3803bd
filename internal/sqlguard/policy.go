package sqlguard

import (
	"errors"
	"fmt"

	"github.com/sqlchat/sqlchat/internal/sqlast"
)

// Check enforces the statement-kind and table rules over a parsed batch.
//
// The walk is pre-order and follows textual clause order, so the first
// violation reported is stable for identical input. A disallowed statement
// kind anywhere in the batch wins over any table or construct violation.
func Check(statements []sqlast.Statement, snapshot *Snapshot) error {
	if len(statements) == 0 {
		return errors.New("at least one statement is required")
	}
	if snapshot == nil {
		return errors.New("allowlist snapshot is required")
	}
	w := &walker{snapshot: snapshot}
	for _, stmt := range statements {
		w.statement(stmt)
	}
	if w.kindErr != nil {
		return w.kindErr
	}
	if w.refErr != nil {
		return w.refErr
	}
	return nil
}

type walker struct {
	snapshot *Snapshot
	scopes   []map[string]struct{}
	kindErr  *Rejection
	refErr   *Rejection
}

func (w *walker) kindViolation(r *Rejection) {
	if w.kindErr == nil {
		w.kindErr = r
	}
}

func (w *walker) refViolation(r *Rejection) {
	if w.refErr == nil {
		w.refErr = r
	}
}

func (w *walker) statement(stmt sqlast.Statement) {
	switch s := stmt.(type) {
	case *sqlast.Select:
		if s == nil {
			w.refViolation(unsupported("empty SELECT"))
			return
		}
		if w.with(s.With) {
			defer w.popScope()
		}
		w.exprs(s.DistinctOn)
		w.exprs(s.Targets)
		for _, item := range s.From {
			w.fromItem(item)
		}
		w.expr(s.Where)
		w.exprs(s.GroupBy)
		w.expr(s.Having)
		w.exprs(s.Windows)
		for _, row := range s.Values {
			w.exprs(row)
		}
		w.exprs(s.OrderBy)
		w.limit(s.Limit)
		w.expr(s.Offset)
	case *sqlast.SetOperation:
		if s == nil {
			w.refViolation(unsupported("empty set operation"))
			return
		}
		if w.with(s.With) {
			defer w.popScope()
		}
		w.statement(s.Left)
		w.statement(s.Right)
		w.exprs(s.OrderBy)
		w.limit(s.Limit)
		w.expr(s.Offset)
	case *sqlast.Other:
		if s == nil {
			w.kindViolation(disallowedStatement("unknown statement"))
			return
		}
		w.kindViolation(disallowedStatement(s.Kind))
	default:
		w.refViolation(unsupported(fmt.Sprintf("statement %T", stmt)))
	}
}

// with walks CTE bodies under the same visibility rules the parser applies and
// reports whether a scope was pushed.
func (w *walker) with(with *sqlast.With) bool {
	if with == nil {
		return false
	}
	scope := map[string]struct{}{}
	if with.Recursive {
		for _, cte := range with.CTEs {
			scope[cte.Name] = struct{}{}
		}
	}
	w.scopes = append(w.scopes, scope)
	for _, cte := range with.CTEs {
		if cte.Name == "" {
			w.refViolation(unsupported("unnamed CTE"))
		}
		w.statement(cte.Body)
		scope[cte.Name] = struct{}{}
	}
	return true
}

func (w *walker) popScope() {
	w.scopes = w.scopes[:len(w.scopes)-1]
}

func (w *walker) cteVisible(name string) bool {
	for i := len(w.scopes) - 1; i >= 0; i-- {
		if _, ok := w.scopes[i][name]; ok {
			return true
		}
	}
	return false
}

func (w *walker) fromItem(item sqlast.FromItem) {
	switch f := item.(type) {
	case *sqlast.TableRef:
		w.table(f)
	case *sqlast.Join:
		w.fromItem(f.Left)
		w.fromItem(f.Right)
		w.expr(f.On)
	case *sqlast.SubqueryRef:
		w.statement(f.Stmt)
	case *sqlast.CteRef:
		if !w.cteVisible(f.Name) {
			w.refViolation(unsupported(fmt.Sprintf("reference to undefined CTE %q", f.Name)))
		}
	case *sqlast.FunctionRef:
		w.exprs(f.Args)
	case *sqlast.Unsupported:
		w.refViolation(unsupported(f.Construct))
	default:
		w.refViolation(unsupported(fmt.Sprintf("FROM item %T", item)))
	}
}

func (w *walker) table(ref *sqlast.TableRef) {
	if ref == nil {
		w.refViolation(unsupported("empty table reference"))
		return
	}
	if ref.Catalog != "" {
		w.refViolation(unsupported(fmt.Sprintf("cross-database reference %q", ref.String())))
		return
	}
	schema := ref.Schema
	if schema == "" {
		schema = w.snapshot.DefaultSchema
	}
	if !w.snapshot.Contains(schema, ref.Name) {
		w.refViolation(disallowedTable(ref.String(), ref.Qualified(w.snapshot.DefaultSchema), w.snapshot.Tables()))
	}
}

func (w *walker) exprs(exprs []sqlast.Expr) {
	for _, e := range exprs {
		w.expr(e)
	}
}

// expr accepts nil: absent optional clauses are represented that way.
func (w *walker) expr(e sqlast.Expr) {
	switch x := e.(type) {
	case nil:
	case *sqlast.Subquery:
		w.expr(x.Test)
		w.statement(x.Stmt)
	case *sqlast.Composite:
		w.exprs(x.Args)
	case *sqlast.ColumnRef, *sqlast.Literal, *sqlast.Param, *sqlast.Star:
	case *sqlast.Unsupported:
		w.refViolation(unsupported(x.Construct))
	default:
		w.refViolation(unsupported(fmt.Sprintf("expression %T", e)))
	}
}

func (w *walker) limit(limit sqlast.Limit) {
	switch l := limit.(type) {
	case nil, *sqlast.LimitCount, *sqlast.LimitParam:
	case *sqlast.LimitExpr:
		w.expr(l.Expr)
	default:
		w.refViolation(unsupported(fmt.Sprintf("limit %T", limit)))
	}
}
