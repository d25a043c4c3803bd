package pgquery

import (
	"errors"
	"math"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/sqlchat/sqlchat/internal/sqlast"
)

// converter maps one raw statement onto the model. scopes holds the CTE names
// visible at the current nesting level, innermost last.
type converter struct {
	scopes []map[string]struct{}
}

func (c *converter) statement(node *pg_query.Node) sqlast.Statement {
	if node == nil || node.Node == nil {
		return &sqlast.Other{Kind: "empty statement"}
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		return c.selectStmt(n.SelectStmt)
	case *pg_query.Node_InsertStmt:
		return &sqlast.Other{Kind: "INSERT"}
	case *pg_query.Node_UpdateStmt:
		return &sqlast.Other{Kind: "UPDATE"}
	case *pg_query.Node_DeleteStmt:
		return &sqlast.Other{Kind: "DELETE"}
	case *pg_query.Node_MergeStmt:
		return &sqlast.Other{Kind: "MERGE"}
	case *pg_query.Node_DropStmt:
		return &sqlast.Other{Kind: "DROP " + strings.ReplaceAll(strings.TrimPrefix(n.DropStmt.RemoveType.String(), "OBJECT_"), "_", " ")}
	case *pg_query.Node_TruncateStmt:
		return &sqlast.Other{Kind: "TRUNCATE"}
	case *pg_query.Node_CreateStmt:
		return &sqlast.Other{Kind: "CREATE TABLE"}
	case *pg_query.Node_CreateTableAsStmt:
		return &sqlast.Other{Kind: "CREATE TABLE AS"}
	case *pg_query.Node_AlterTableStmt:
		return &sqlast.Other{Kind: "ALTER TABLE"}
	case *pg_query.Node_IndexStmt:
		return &sqlast.Other{Kind: "CREATE INDEX"}
	case *pg_query.Node_ViewStmt:
		return &sqlast.Other{Kind: "CREATE VIEW"}
	case *pg_query.Node_ExplainStmt:
		return &sqlast.Other{Kind: "EXPLAIN"}
	case *pg_query.Node_CopyStmt:
		return &sqlast.Other{Kind: "COPY"}
	case *pg_query.Node_GrantStmt:
		return &sqlast.Other{Kind: "GRANT"}
	case *pg_query.Node_VariableSetStmt:
		return &sqlast.Other{Kind: "SET"}
	case *pg_query.Node_TransactionStmt:
		return &sqlast.Other{Kind: "TRANSACTION"}
	case *pg_query.Node_DoStmt:
		return &sqlast.Other{Kind: "DO"}
	case *pg_query.Node_CallStmt:
		return &sqlast.Other{Kind: "CALL"}
	case *pg_query.Node_VacuumStmt:
		return &sqlast.Other{Kind: "VACUUM"}
	default:
		return &sqlast.Other{Kind: nodeName(node)}
	}
}

func (c *converter) selectStmt(s *pg_query.SelectStmt) sqlast.Statement {
	if s == nil {
		return &sqlast.Other{Kind: "empty statement"}
	}
	if s.IntoClause != nil {
		return &sqlast.Other{Kind: "SELECT INTO"}
	}
	if len(s.LockingClause) > 0 {
		return &sqlast.Other{Kind: "SELECT FOR UPDATE/SHARE"}
	}

	with := c.with(s.WithClause)
	if with != nil {
		defer c.popScope()
	}

	switch s.Op {
	case pg_query.SetOperation_SETOP_UNION, pg_query.SetOperation_SETOP_INTERSECT, pg_query.SetOperation_SETOP_EXCEPT:
		return &sqlast.SetOperation{
			Op:      setOp(s.Op),
			All:     s.All,
			Left:    c.selectStmt(s.Larg),
			Right:   c.selectStmt(s.Rarg),
			With:    with,
			OrderBy: c.exprs(s.SortClause),
			Limit:   c.limit(s.LimitCount, s.LimitOption),
			Offset:  c.expr(s.LimitOffset),
		}
	}

	sel := &sqlast.Select{
		With:       with,
		DistinctOn: c.exprs(s.DistinctClause),
		Targets:    c.exprs(s.TargetList),
		Where:      c.expr(s.WhereClause),
		GroupBy:    c.exprs(s.GroupClause),
		Having:     c.expr(s.HavingClause),
		Windows:    c.exprs(s.WindowClause),
		OrderBy:    c.exprs(s.SortClause),
		Limit:      c.limit(s.LimitCount, s.LimitOption),
		Offset:     c.expr(s.LimitOffset),
	}
	for _, item := range s.FromClause {
		sel.From = append(sel.From, c.fromItem(item))
	}
	for _, row := range s.ValuesLists {
		if list := row.GetList(); list != nil {
			sel.Values = append(sel.Values, c.exprs(list.Items))
			continue
		}
		sel.Values = append(sel.Values, []sqlast.Expr{c.expr(row)})
	}
	return sel
}

// with converts a WITH clause and leaves its scope pushed for the caller.
// Non-recursive CTEs see only their earlier siblings; recursive ones see all.
func (c *converter) with(clause *pg_query.WithClause) *sqlast.With {
	if clause == nil {
		return nil
	}
	scope := map[string]struct{}{}
	if clause.Recursive {
		for _, item := range clause.Ctes {
			if cte := item.GetCommonTableExpr(); cte != nil {
				scope[cte.Ctename] = struct{}{}
			}
		}
	}
	c.scopes = append(c.scopes, scope)

	out := &sqlast.With{Recursive: clause.Recursive}
	for _, item := range clause.Ctes {
		cte := item.GetCommonTableExpr()
		if cte == nil {
			out.CTEs = append(out.CTEs, sqlast.CTE{Name: "", Body: &sqlast.Other{Kind: nodeName(item)}})
			continue
		}
		out.CTEs = append(out.CTEs, sqlast.CTE{Name: cte.Ctename, Body: c.statement(cte.Ctequery)})
		scope[cte.Ctename] = struct{}{}
	}
	return out
}

func (c *converter) popScope() {
	c.scopes = c.scopes[:len(c.scopes)-1]
}

func (c *converter) cteVisible(name string) bool {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if _, ok := c.scopes[i][name]; ok {
			return true
		}
	}
	return false
}

func (c *converter) fromItem(node *pg_query.Node) sqlast.FromItem {
	if node == nil || node.Node == nil {
		return &sqlast.Unsupported{Construct: "empty FROM item"}
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_RangeVar:
		rv := n.RangeVar
		if rv.Catalogname == "" && rv.Schemaname == "" && c.cteVisible(rv.Relname) {
			return &sqlast.CteRef{Name: rv.Relname}
		}
		return &sqlast.TableRef{Catalog: rv.Catalogname, Schema: rv.Schemaname, Name: rv.Relname}
	case *pg_query.Node_JoinExpr:
		j := n.JoinExpr
		return &sqlast.Join{
			Kind:  strings.TrimPrefix(j.Jointype.String(), "JOIN_"),
			Left:  c.fromItem(j.Larg),
			Right: c.fromItem(j.Rarg),
			On:    c.expr(j.Quals),
		}
	case *pg_query.Node_RangeSubselect:
		return &sqlast.SubqueryRef{Lateral: n.RangeSubselect.Lateral, Stmt: c.statement(n.RangeSubselect.Subquery)}
	case *pg_query.Node_RangeFunction:
		return c.rangeFunction(n.RangeFunction)
	default:
		return &sqlast.Unsupported{Construct: nodeName(node)}
	}
}

// rangeFunction flattens FROM f(...) and ROWS FROM (f(...), g(...)).
// Each entry of Functions is a two-item list: the call and its column list.
func (c *converter) rangeFunction(rf *pg_query.RangeFunction) sqlast.FromItem {
	names := make([]string, 0, len(rf.Functions))
	var args []sqlast.Expr
	for _, item := range rf.Functions {
		list := item.GetList()
		if list == nil || len(list.Items) == 0 {
			return &sqlast.Unsupported{Construct: "function in FROM"}
		}
		call := list.Items[0]
		if fn := call.GetFuncCall(); fn != nil {
			names = append(names, qualifiedName(fn.Funcname))
			args = append(args, c.exprs(fn.Args)...)
			continue
		}
		names = append(names, nodeName(call))
		args = append(args, c.expr(call))
	}
	return &sqlast.FunctionRef{Name: strings.Join(names, ","), Args: args}
}

func (c *converter) exprs(nodes []*pg_query.Node) []sqlast.Expr {
	out := make([]sqlast.Expr, 0, len(nodes))
	for _, node := range nodes {
		if e := c.expr(node); e != nil {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *converter) composite(kind string, nodes ...*pg_query.Node) sqlast.Expr {
	return &sqlast.Composite{Kind: kind, Args: c.exprs(nodes)}
}

func (c *converter) expr(node *pg_query.Node) sqlast.Expr {
	if node == nil || node.Node == nil {
		return nil
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_ColumnRef:
		parts := make([]string, 0, len(n.ColumnRef.Fields))
		for _, field := range n.ColumnRef.Fields {
			switch {
			case field.GetString_() != nil:
				parts = append(parts, field.GetString_().Sval)
			case field.GetAStar() != nil:
				parts = append(parts, "*")
			}
		}
		return &sqlast.ColumnRef{Parts: parts}
	case *pg_query.Node_AConst:
		return &sqlast.Literal{Text: constText(n.AConst)}
	case *pg_query.Node_ParamRef:
		return &sqlast.Param{Index: int(n.ParamRef.Number)}
	case *pg_query.Node_AStar:
		return &sqlast.Star{}
	case *pg_query.Node_String_:
		return &sqlast.Literal{Text: n.String_.Sval}
	case *pg_query.Node_Integer:
		return &sqlast.Literal{Text: strconv.Itoa(int(n.Integer.Ival))}
	case *pg_query.Node_Float:
		return &sqlast.Literal{Text: n.Float.Fval}
	case *pg_query.Node_Boolean:
		return &sqlast.Literal{Text: strconv.FormatBool(n.Boolean.Boolval)}
	case *pg_query.Node_SqlvalueFunction:
		return &sqlast.Literal{Text: n.SqlvalueFunction.Op.String()}
	case *pg_query.Node_SubLink:
		return &sqlast.Subquery{
			Kind: subqueryKind(n.SubLink.SubLinkType),
			Test: c.expr(n.SubLink.Testexpr),
			Stmt: c.statement(n.SubLink.Subselect),
		}
	case *pg_query.Node_ResTarget:
		return c.expr(n.ResTarget.Val)
	case *pg_query.Node_AExpr:
		return c.composite("op:"+qualifiedName(n.AExpr.Name), n.AExpr.Lexpr, n.AExpr.Rexpr)
	case *pg_query.Node_BoolExpr:
		return c.composite("bool:"+n.BoolExpr.Boolop.String(), n.BoolExpr.Args...)
	case *pg_query.Node_FuncCall:
		fn := n.FuncCall
		args := append([]*pg_query.Node{}, fn.Args...)
		args = append(args, fn.AggOrder...)
		args = append(args, fn.AggFilter)
		out := &sqlast.Composite{Kind: "func:" + qualifiedName(fn.Funcname), Args: c.exprs(args)}
		if fn.Over != nil {
			out.Args = append(out.Args, c.window(fn.Over))
		}
		return out
	case *pg_query.Node_WindowDef:
		return c.window(n.WindowDef)
	case *pg_query.Node_TypeCast:
		return c.composite("cast", n.TypeCast.Arg)
	case *pg_query.Node_CaseExpr:
		args := append([]*pg_query.Node{n.CaseExpr.Arg}, n.CaseExpr.Args...)
		args = append(args, n.CaseExpr.Defresult)
		return c.composite("case", args...)
	case *pg_query.Node_CaseWhen:
		return c.composite("when", n.CaseWhen.Expr, n.CaseWhen.Result)
	case *pg_query.Node_NullTest:
		return c.composite("null_test", n.NullTest.Arg)
	case *pg_query.Node_BooleanTest:
		return c.composite("boolean_test", n.BooleanTest.Arg)
	case *pg_query.Node_CoalesceExpr:
		return c.composite("coalesce", n.CoalesceExpr.Args...)
	case *pg_query.Node_MinMaxExpr:
		return c.composite("min_max", n.MinMaxExpr.Args...)
	case *pg_query.Node_RowExpr:
		return c.composite("row", n.RowExpr.Args...)
	case *pg_query.Node_AArrayExpr:
		return c.composite("array", n.AArrayExpr.Elements...)
	case *pg_query.Node_AIndirection:
		args := append([]*pg_query.Node{n.AIndirection.Arg}, n.AIndirection.Indirection...)
		return c.composite("indirection", args...)
	case *pg_query.Node_AIndices:
		return c.composite("indices", n.AIndices.Lidx, n.AIndices.Uidx)
	case *pg_query.Node_CollateClause:
		return c.composite("collate", n.CollateClause.Arg)
	case *pg_query.Node_GroupingFunc:
		return c.composite("grouping", n.GroupingFunc.Args...)
	case *pg_query.Node_GroupingSet:
		return c.composite("grouping_set", n.GroupingSet.Content...)
	case *pg_query.Node_NamedArgExpr:
		return c.composite("named_arg", n.NamedArgExpr.Arg)
	case *pg_query.Node_SortBy:
		return c.composite("sort", n.SortBy.Node)
	case *pg_query.Node_List:
		return c.composite("list", n.List.Items...)
	default:
		return &sqlast.Unsupported{Construct: nodeName(node)}
	}
}

func (c *converter) window(def *pg_query.WindowDef) sqlast.Expr {
	args := append([]*pg_query.Node{}, def.PartitionClause...)
	args = append(args, def.OrderClause...)
	args = append(args, def.StartOffset, def.EndOffset)
	return c.composite("window", args...)
}

// limit classifies a LIMIT / FETCH FIRST count. LIMIT ALL and LIMIT NULL parse
// to a null constant and count as no limit.
func (c *converter) limit(node *pg_query.Node, option pg_query.LimitOption) sqlast.Limit {
	if node == nil || node.Node == nil {
		return nil
	}
	withTies := option == pg_query.LimitOption_LIMIT_OPTION_WITH_TIES
	switch n := node.Node.(type) {
	case *pg_query.Node_AConst:
		if n.AConst.Isnull {
			return nil
		}
		if iv := n.AConst.GetIval(); iv != nil {
			return &sqlast.LimitCount{Value: int64(iv.Ival), WithTies: withTies}
		}
		if fv := n.AConst.GetFval(); fv != nil {
			if value, ok := parseIntegral(fv.Fval); ok {
				return &sqlast.LimitCount{Value: value, WithTies: withTies}
			}
		}
	case *pg_query.Node_ParamRef:
		return &sqlast.LimitParam{Index: int(n.ParamRef.Number)}
	case *pg_query.Node_TypeCast:
		if inner := c.limit(n.TypeCast.Arg, option); inner != nil {
			if _, isExpr := inner.(*sqlast.LimitExpr); !isExpr {
				return inner
			}
		}
	}
	return &sqlast.LimitExpr{Expr: c.expr(node)}
}

// parseIntegral accepts integer literals too large for int32. Out-of-range
// values saturate so that clamping still applies.
func parseIntegral(text string) (int64, bool) {
	value, err := strconv.ParseInt(text, 10, 64)
	if err == nil {
		return value, true
	}
	if errors.Is(err, strconv.ErrRange) {
		if strings.HasPrefix(text, "-") {
			return math.MinInt64, true
		}
		return math.MaxInt64, true
	}
	return 0, false
}

func constText(value *pg_query.A_Const) string {
	switch {
	case value.Isnull:
		return "NULL"
	case value.GetIval() != nil:
		return strconv.Itoa(int(value.GetIval().Ival))
	case value.GetFval() != nil:
		return value.GetFval().Fval
	case value.GetBoolval() != nil:
		return strconv.FormatBool(value.GetBoolval().Boolval)
	case value.GetSval() != nil:
		return value.GetSval().Sval
	case value.GetBsval() != nil:
		return value.GetBsval().Bsval
	default:
		return ""
	}
}

func qualifiedName(parts []*pg_query.Node) string {
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		if s := part.GetString_(); s != nil {
			names = append(names, s.Sval)
		}
	}
	return strings.Join(names, ".")
}

func setOp(op pg_query.SetOperation) sqlast.SetOp {
	switch op {
	case pg_query.SetOperation_SETOP_INTERSECT:
		return sqlast.SetOpIntersect
	case pg_query.SetOperation_SETOP_EXCEPT:
		return sqlast.SetOpExcept
	default:
		return sqlast.SetOpUnion
	}
}

func subqueryKind(kind pg_query.SubLinkType) sqlast.SubqueryKind {
	switch kind {
	case pg_query.SubLinkType_EXISTS_SUBLINK:
		return sqlast.SubqueryExists
	case pg_query.SubLinkType_ANY_SUBLINK:
		return sqlast.SubqueryAny
	case pg_query.SubLinkType_ALL_SUBLINK:
		return sqlast.SubqueryAll
	case pg_query.SubLinkType_ARRAY_SUBLINK:
		return sqlast.SubqueryArray
	case pg_query.SubLinkType_ROWCOMPARE_SUBLINK:
		return sqlast.SubqueryRowCompare
	default:
		return sqlast.SubqueryScalar
	}
}
