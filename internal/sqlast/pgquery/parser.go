// Package pgquery adapts the libpg_query parser to the sqlast model.
package pgquery

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/sqlchat/sqlchat/internal/sqlast"
)

type Parser struct{}

func New() *Parser {
	return &Parser{}
}

func (p *Parser) Parse(sqlText string) (*sqlast.Batch, error) {
	if strings.TrimSpace(sqlText) == "" {
		return nil, &sqlast.SyntaxError{Message: "empty statement"}
	}
	tree, err := pg_query.Parse(sqlText)
	if err != nil {
		return nil, &sqlast.SyntaxError{Message: err.Error()}
	}
	if len(tree.Stmts) == 0 {
		return nil, &sqlast.SyntaxError{Message: "no statements found"}
	}

	statements := make([]sqlast.Statement, 0, len(tree.Stmts))
	paramCounts := make([]int, 0, len(tree.Stmts))
	for _, raw := range tree.Stmts {
		c := &converter{}
		statements = append(statements, c.statement(raw.Stmt))
		paramCounts = append(paramCounts, highestParam(raw.ProtoReflect()))
	}
	return &sqlast.Batch{Statements: statements, ParamCounts: paramCounts, Origin: tree}, nil
}

// Deparse writes each top-level limit of the batch back into the parse tree
// it came from and serializes every statement on its own. The Origin tree is
// rewritten in place, so calls on the same batch must not overlap.
func (p *Parser) Deparse(batch *sqlast.Batch) ([]string, error) {
	if batch == nil {
		return nil, errors.New("batch is required")
	}
	tree, ok := batch.Origin.(*pg_query.ParseResult)
	if !ok || tree == nil {
		return nil, errors.New("batch was not produced by this parser")
	}
	if len(tree.Stmts) != len(batch.Statements) {
		return nil, fmt.Errorf("batch has %d statements, parse tree has %d", len(batch.Statements), len(tree.Stmts))
	}

	for i, stmt := range batch.Statements {
		raw := tree.Stmts[i].Stmt.GetSelectStmt()
		if raw == nil {
			return nil, fmt.Errorf("statement %d is not a query", i+1)
		}
		switch typed := stmt.(type) {
		case *sqlast.Select:
			applyLimit(raw, typed.Limit)
		case *sqlast.SetOperation:
			applyLimit(raw, typed.Limit)
		default:
			return nil, fmt.Errorf("statement %d cannot be serialized", i+1)
		}
	}

	out := make([]string, 0, len(tree.Stmts))
	for i, raw := range tree.Stmts {
		single := &pg_query.ParseResult{Version: tree.Version, Stmts: []*pg_query.RawStmt{{Stmt: raw.Stmt}}}
		text, err := pg_query.Deparse(single)
		if err != nil {
			return nil, fmt.Errorf("deparse statement %d: %w", i+1, err)
		}
		out = append(out, text)
	}
	return out, nil
}

// highestParam returns the largest $n referenced anywhere under m, or zero.
func highestParam(m protoreflect.Message) int {
	highest := 0
	if ref, ok := m.Interface().(*pg_query.ParamRef); ok {
		highest = int(ref.Number)
	}
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Kind() != protoreflect.MessageKind || fd.IsMap() {
			return true
		}
		if fd.IsList() {
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				highest = max(highest, highestParam(list.Get(i).Message()))
			}
			return true
		}
		highest = max(highest, highestParam(v.Message()))
		return true
	})
	return highest
}

func applyLimit(raw *pg_query.SelectStmt, limit sqlast.Limit) {
	switch typed := limit.(type) {
	case nil:
		raw.LimitCount = nil
		raw.LimitOption = pg_query.LimitOption_LIMIT_OPTION_DEFAULT
	case *sqlast.LimitCount:
		raw.LimitCount = makeIntConst(typed.Value)
		if typed.WithTies {
			raw.LimitOption = pg_query.LimitOption_LIMIT_OPTION_WITH_TIES
		} else {
			raw.LimitOption = pg_query.LimitOption_LIMIT_OPTION_COUNT
		}
	case *sqlast.LimitParam, *sqlast.LimitExpr:
		// left exactly as parsed
	}
}

func makeIntConst(value int64) *pg_query.Node {
	if value >= math.MinInt32 && value <= math.MaxInt32 {
		return &pg_query.Node{Node: &pg_query.Node_AConst{AConst: &pg_query.A_Const{
			Val:      &pg_query.A_Const_Ival{Ival: &pg_query.Integer{Ival: int32(value)}},
			Location: -1,
		}}}
	}
	return &pg_query.Node{Node: &pg_query.Node_AConst{AConst: &pg_query.A_Const{
		Val:      &pg_query.A_Const_Fval{Fval: &pg_query.Float{Fval: strconv.FormatInt(value, 10)}},
		Location: -1,
	}}}
}

func nodeName(node *pg_query.Node) string {
	if node == nil || node.Node == nil {
		return "empty node"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", node.Node), "*pg_query.Node_")
}
