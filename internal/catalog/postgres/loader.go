package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sqlchat/sqlchat/internal/catalog"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

// SchemaLoader introspects tables, columns and foreign keys from the system
// catalogs. An empty schema list loads every user schema.
type SchemaLoader struct {
	db      *sql.DB
	schemas []string
	now     func() time.Time
}

func NewSchemaLoader(db *sql.DB, schemas []string) *SchemaLoader {
	cleaned := make([]string, 0, len(schemas))
	for _, schema := range schemas {
		if schema = strings.TrimSpace(schema); schema != "" {
			cleaned = append(cleaned, schema)
		}
	}
	return &SchemaLoader{db: db, schemas: cleaned, now: time.Now}
}

const loadTablesQuery = `
SELECT n.nspname, c.relname, COALESCE(obj_description(c.oid, 'pg_class'), '')
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r', 'p', 'v', 'm')
  AND NOT c.relispartition
  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
  AND n.nspname NOT LIKE 'pg\_toast%'
  AND ($1 = '' OR n.nspname = ANY(string_to_array($1, ',')))
ORDER BY n.nspname, c.relname`

const loadColumnsQuery = `
SELECT n.nspname, c.relname, a.attname, format_type(a.atttypid, a.atttypmod), NOT a.attnotnull,
       COALESCE(col_description(c.oid, a.attnum), '')
FROM pg_attribute a
JOIN pg_class c ON c.oid = a.attrelid
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE a.attnum > 0
  AND NOT a.attisdropped
  AND c.relkind IN ('r', 'p', 'v', 'm')
  AND NOT c.relispartition
  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
  AND n.nspname NOT LIKE 'pg\_toast%'
  AND ($1 = '' OR n.nspname = ANY(string_to_array($1, ',')))
ORDER BY n.nspname, c.relname, a.attnum`

const loadForeignKeysQuery = `
SELECT tc.table_schema, tc.table_name, kcu.column_name,
       ccu.table_schema, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
  AND ($1 = '' OR tc.table_schema = ANY(string_to_array($1, ',')))
ORDER BY tc.table_schema, tc.table_name, kcu.ordinal_position`

// Load reads the catalog in one read-only transaction so the three result
// sets describe the same point in time.
func (l *SchemaLoader) Load(ctx context.Context) (catalog.Schema, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return catalog.Schema{}, fmt.Errorf("begin introspection: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	filter := strings.Join(l.schemas, ",")

	tables, index, err := loadTables(ctx, tx, filter)
	if err != nil {
		return catalog.Schema{}, err
	}
	if err := loadColumns(ctx, tx, filter, tables, index); err != nil {
		return catalog.Schema{}, err
	}
	if err := loadForeignKeys(ctx, tx, filter, tables, index); err != nil {
		return catalog.Schema{}, err
	}
	if err := tx.Commit(); err != nil {
		return catalog.Schema{}, fmt.Errorf("commit introspection: %w", err)
	}

	return catalog.Schema{Tables: tables, LoadedAt: l.now().UTC()}, nil
}

func loadTables(ctx context.Context, tx *sql.Tx, filter string) ([]catalog.Table, map[sqlguard.Identity]int, error) {
	rows, err := tx.QueryContext(ctx, loadTablesQuery, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	tables := make([]catalog.Table, 0)
	index := make(map[sqlguard.Identity]int)
	for rows.Next() {
		var table catalog.Table
		if err := rows.Scan(&table.Schema, &table.Name, &table.Comment); err != nil {
			return nil, nil, fmt.Errorf("scan table: %w", err)
		}
		index[sqlguard.Identity{Schema: table.Schema, Name: table.Name}] = len(tables)
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, index, nil
}

func loadColumns(ctx context.Context, tx *sql.Tx, filter string, tables []catalog.Table, index map[sqlguard.Identity]int) error {
	rows, err := tx.QueryContext(ctx, loadColumnsQuery, filter)
	if err != nil {
		return fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table string
		var column catalog.Column
		if err := rows.Scan(&schema, &table, &column.Name, &column.Type, &column.Nullable, &column.Comment); err != nil {
			return fmt.Errorf("scan column: %w", err)
		}
		i, ok := index[sqlguard.Identity{Schema: schema, Name: table}]
		if !ok {
			continue
		}
		tables[i].Columns = append(tables[i].Columns, column)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate columns: %w", err)
	}
	return nil
}

func loadForeignKeys(ctx context.Context, tx *sql.Tx, filter string, tables []catalog.Table, index map[sqlguard.Identity]int) error {
	rows, err := tx.QueryContext(ctx, loadForeignKeysQuery, filter)
	if err != nil {
		return fmt.Errorf("list foreign keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table string
		var fk catalog.ForeignKey
		if err := rows.Scan(&schema, &table, &fk.Column, &fk.RefSchema, &fk.RefTable, &fk.RefColumn); err != nil {
			return fmt.Errorf("scan foreign key: %w", err)
		}
		i, ok := index[sqlguard.Identity{Schema: schema, Name: table}]
		if !ok {
			continue
		}
		tables[i].ForeignKeys = append(tables[i].ForeignKeys, fk)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate foreign keys: %w", err)
	}
	return nil
}
