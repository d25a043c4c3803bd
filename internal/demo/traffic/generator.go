package traffic

import (
	"fmt"
	"math/rand"
)

// Query is a parameterized statement against the sample database.
type Query struct {
	SQL    string
	Params []any
}

// UnsafeStatement is a statement the validator must reject with ExpectCode.
type UnsafeStatement struct {
	SQL        string
	ExpectCode string
}

var (
	countries  = []string{"US", "DE", "FR", "JP", "BR"}
	categories = []string{"books", "games", "garden", "kitchen"}
	statuses   = []string{"pending", "paid", "shipped", "cancelled"}
)

var questionTemplates = []func(r *rand.Rand) string{
	func(r *rand.Rand) string {
		return fmt.Sprintf("How many orders were placed by customers in %s?", pickOne(r, countries))
	},
	func(r *rand.Rand) string {
		return fmt.Sprintf("What are the top %d products by revenue in the %s category?", 3+r.Intn(5), pickOne(r, categories))
	},
	func(r *rand.Rand) string {
		return fmt.Sprintf("Which customers have the most %s orders?", pickOne(r, statuses))
	},
	func(_ *rand.Rand) string {
		return "What is the average order value per country?"
	},
	func(r *rand.Rand) string {
		return fmt.Sprintf("List the %d most recent orders with their customer names.", 5+r.Intn(10))
	},
}

var queryTemplates = []func(r *rand.Rand) Query{
	func(r *rand.Rand) Query {
		return Query{
			SQL:    "SELECT c.country, count(*) AS orders FROM orders o JOIN customers c ON c.id = o.customer_id WHERE o.status = $1 GROUP BY c.country ORDER BY orders DESC",
			Params: []any{pickOne(r, statuses)},
		}
	},
	func(r *rand.Rand) Query {
		return Query{
			SQL:    "SELECT p.name, sum(i.quantity * i.unit_cents) AS revenue_cents FROM order_items i JOIN products p ON p.id = i.product_id WHERE p.category = $1 GROUP BY p.name ORDER BY revenue_cents DESC",
			Params: []any{pickOne(r, categories)},
		}
	},
	func(r *rand.Rand) Query {
		return Query{
			SQL:    "WITH totals AS (SELECT customer_id, sum(total_cents) AS spent FROM order_totals GROUP BY customer_id) SELECT c.name, t.spent FROM totals t JOIN customers c ON c.id = t.customer_id WHERE c.country = $1 ORDER BY t.spent DESC",
			Params: []any{pickOne(r, countries)},
		}
	},
	func(r *rand.Rand) Query {
		return Query{
			SQL:    "SELECT id, status, ordered_at FROM orders WHERE customer_id = $1 ORDER BY ordered_at DESC LIMIT 500",
			Params: []any{int64(1 + r.Intn(50))},
		}
	},
}

var unsafeStatements = []UnsafeStatement{
	{SQL: "DELETE FROM orders", ExpectCode: "DISALLOWED_STATEMENT_TYPE"},
	{SQL: "SELECT * FROM orders; DROP TABLE orders;", ExpectCode: "DISALLOWED_STATEMENT_TYPE"},
	{SQL: "SELECT usename, passwd FROM pg_shadow", ExpectCode: "DISALLOWED_TABLE"},
	{SQL: "SELECT * FROM customers WHERE id IN (SELECT version FROM sqlchat_meta.schema_migrations)", ExpectCode: "DISALLOWED_TABLE"},
	{SQL: "WITH gone AS (DELETE FROM orders RETURNING id) SELECT * FROM gone", ExpectCode: "DISALLOWED_STATEMENT_TYPE"},
	{SQL: "SELECT * FROM orders LIMIT -1", ExpectCode: "INVALID_LIMIT_VALUE"},
	{SQL: "SELEC * FROM orders", ExpectCode: "SQL_SYNTAX_ERROR"},
}

type Generator struct {
	rnd *rand.Rand
}

func NewGenerator(seed int64) *Generator {
	return &Generator{rnd: rand.New(rand.NewSource(seed))}
}

func (g *Generator) NextQuestion() string {
	return questionTemplates[g.rnd.Intn(len(questionTemplates))](g.rnd)
}

func (g *Generator) NextQuery() Query {
	return queryTemplates[g.rnd.Intn(len(queryTemplates))](g.rnd)
}

func (g *Generator) NextUnsafe() UnsafeStatement {
	return unsafeStatements[g.rnd.Intn(len(unsafeStatements))]
}

func pickOne(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}
