// Package sqlast is the closed statement model consumed by the SQL guard.
//
// Every interface here is sealed by an unexported marker method, so the set of
// node kinds is fixed at compile time and consumers can switch over it
// exhaustively.
package sqlast

type Statement interface {
	statementNode()
}

type FromItem interface {
	fromItem()
}

type Expr interface {
	exprNode()
}

type Limit interface {
	limitNode()
}

// Batch is the ordered result of parsing one SQL text. ParamCounts holds the
// highest $n each statement references. Origin belongs to the parser that
// produced the batch and is opaque to everyone else.
type Batch struct {
	Statements  []Statement
	ParamCounts []int
	Origin      any
}

// Parser turns SQL text into a Batch. Deparse renders each statement of a
// batch it produced as its own SQL text, in order.
type Parser interface {
	Parse(sqlText string) (*Batch, error)
	Deparse(batch *Batch) ([]string, error)
}

type CTE struct {
	Name string
	Body Statement
}

type With struct {
	Recursive bool
	CTEs      []CTE
}

type Select struct {
	With       *With
	DistinctOn []Expr
	Targets    []Expr
	From       []FromItem
	Where      Expr
	GroupBy    []Expr
	Having     Expr
	Windows    []Expr
	Values     [][]Expr
	OrderBy    []Expr
	Limit      Limit
	Offset     Expr
}

type SetOp string

const (
	SetOpUnion     SetOp = "UNION"
	SetOpIntersect SetOp = "INTERSECT"
	SetOpExcept    SetOp = "EXCEPT"
)

// SetOperation combines two statements. The trailing clauses bound the
// combined result, not either arm.
type SetOperation struct {
	Op      SetOp
	All     bool
	Left    Statement
	Right   Statement
	With    *With
	OrderBy []Expr
	Limit   Limit
	Offset  Expr
}

// Other is any statement kind that is not a plain query.
type Other struct {
	Kind string
}

func (*Select) statementNode()       {}
func (*SetOperation) statementNode() {}
func (*Other) statementNode()        {}

type TableRef struct {
	Catalog string
	Schema  string
	Name    string
}

// Qualified returns schema.name, falling back to defaultSchema for bare names.
func (t *TableRef) Qualified(defaultSchema string) string {
	schema := t.Schema
	if schema == "" {
		schema = defaultSchema
	}
	return schema + "." + t.Name
}

// String renders the reference as written.
func (t *TableRef) String() string {
	switch {
	case t.Catalog != "":
		return t.Catalog + "." + t.Schema + "." + t.Name
	case t.Schema != "":
		return t.Schema + "." + t.Name
	default:
		return t.Name
	}
}

type Join struct {
	Kind  string
	Left  FromItem
	Right FromItem
	On    Expr
}

type SubqueryRef struct {
	Lateral bool
	Stmt    Statement
}

type CteRef struct {
	Name string
}

type FunctionRef struct {
	Name string
	Args []Expr
}

func (*TableRef) fromItem()    {}
func (*Join) fromItem()        {}
func (*SubqueryRef) fromItem() {}
func (*CteRef) fromItem()      {}
func (*FunctionRef) fromItem() {}
func (*Unsupported) fromItem() {}

type SubqueryKind string

const (
	SubqueryScalar     SubqueryKind = "scalar"
	SubqueryExists     SubqueryKind = "exists"
	SubqueryAny        SubqueryKind = "any"
	SubqueryAll        SubqueryKind = "all"
	SubqueryArray      SubqueryKind = "array"
	SubqueryRowCompare SubqueryKind = "row_compare"
)

type Subquery struct {
	Kind SubqueryKind
	Test Expr
	Stmt Statement
}

// Composite is any expression built from child expressions: operators,
// function calls, casts, CASE, row and array constructors, window specs.
type Composite struct {
	Kind string
	Args []Expr
}

type ColumnRef struct {
	Parts []string
}

type Literal struct {
	Text string
}

type Param struct {
	Index int
}

type Star struct{}

func (*Subquery) exprNode()    {}
func (*Composite) exprNode()   {}
func (*ColumnRef) exprNode()   {}
func (*Literal) exprNode()     {}
func (*Param) exprNode()       {}
func (*Star) exprNode()        {}
func (*Unsupported) exprNode() {}

// Unsupported marks a construct the parser accepted but the model cannot
// represent. It must be rejected, never skipped.
type Unsupported struct {
	Construct string
}

type LimitCount struct {
	Value    int64
	WithTies bool
}

type LimitParam struct {
	Index int
}

type LimitExpr struct {
	Expr Expr
}

func (*LimitCount) limitNode() {}
func (*LimitParam) limitNode() {}
func (*LimitExpr) limitNode()  {}
