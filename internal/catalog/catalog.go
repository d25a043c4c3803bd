// Package catalog describes the queryable database schema: the tables the
// validator allows and the context handed to the SQL generator.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

var ErrNotLoaded = errors.New("catalog: schema not loaded")

type Loader interface {
	Load(ctx context.Context) (Schema, error)
}

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Comment  string `json:"comment,omitempty"`
}

type ForeignKey struct {
	Column    string `json:"column"`
	RefSchema string `json:"references_schema"`
	RefTable  string `json:"references_table"`
	RefColumn string `json:"references_column"`
}

type Table struct {
	Schema      string       `json:"schema"`
	Name        string       `json:"name"`
	Comment     string       `json:"comment,omitempty"`
	Columns     []Column     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

func (t Table) QualifiedName() string {
	return t.Schema + "." + t.Name
}

// DisplayName omits the schema for tables in defaultSchema, matching how
// queries may reference them.
func (t Table) DisplayName(defaultSchema string) string {
	return displayName(t.Schema, t.Name, defaultSchema)
}

type Schema struct {
	Tables   []Table   `json:"tables"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Identities lists every table as a separate schema and name pair, in load
// order.
func (s Schema) Identities() []sqlguard.Identity {
	identities := make([]sqlguard.Identity, 0, len(s.Tables))
	for _, table := range s.Tables {
		identities = append(identities, sqlguard.Identity{Schema: table.Schema, Name: table.Name})
	}
	return identities
}

// PromptContext renders the schema as the markdown-ish block the generator
// prompt embeds. maxTables <= 0 includes every table.
func (s Schema) PromptContext(defaultSchema string, maxTables int) string {
	tables := s.Tables
	if maxTables > 0 && len(tables) > maxTables {
		tables = tables[:maxTables]
	}

	var b strings.Builder
	for _, table := range tables {
		fmt.Fprintf(&b, "\n## Table: %s\n", table.DisplayName(defaultSchema))
		if table.Comment != "" {
			fmt.Fprintf(&b, "Description: %s\n", table.Comment)
		}
		b.WriteString("Columns:\n")
		for _, column := range table.Columns {
			nullable := "NOT NULL"
			if column.Nullable {
				nullable = "nullable"
			}
			fmt.Fprintf(&b, "  - %s: %s (%s)", column.Name, column.Type, nullable)
			if column.Comment != "" {
				fmt.Fprintf(&b, " -- %s", column.Comment)
			}
			b.WriteByte('\n')
		}
		if len(table.ForeignKeys) > 0 {
			b.WriteString("Foreign Keys:\n")
			for _, fk := range table.ForeignKeys {
				fmt.Fprintf(&b, "  - %s -> %s.%s\n", fk.Column, displayName(fk.RefSchema, fk.RefTable, defaultSchema), fk.RefColumn)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func displayName(schema, name, defaultSchema string) string {
	if schema == "" || schema == defaultSchema {
		return name
	}
	return schema + "." + name
}
