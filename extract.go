package main

import (
	"context"
	"strings"
)

// TableName is a schema-qualified table inside the extract.
type TableName struct {
	Schema string
	Name   string
}

// String renders the name quoted for use in a query.
func (t TableName) String() string {
	if t.Schema == "" {
		return quoteIdent(t.Name)
	}
	return quoteIdent(t.Schema) + "." + quoteIdent(t.Name)
}

// ColumnDescriptor describes one extract column. Name is the caption from the
// .tds file when one exists, the internal identifier otherwise.
type ColumnDescriptor struct {
	Name     string
	Type     string
	Nullable bool
}

// extractReader reads the embedded extract. Each call manages its own engine session.
type extractReader interface {
	ListTables(ctx context.Context) ([]TableName, error)
	DescribeColumns(ctx context.Context, table TableName) ([]ColumnDescriptor, error)
	ReadAllRows(ctx context.Context, table TableName) ([][]any, error)
}

// rawColumn is a column as reported by the engine catalog.
type rawColumn struct {
	Name    string
	Type    string
	NotNull bool
}

// resolveColumns turns catalog columns into descriptors, renaming through mapping.
func resolveColumns(raw []rawColumn, mapping map[string]string) []ColumnDescriptor {
	out := make([]ColumnDescriptor, len(raw))
	for i, c := range raw {
		out[i] = ColumnDescriptor{
			Name:     resolveColumnName(c.Name, mapping),
			Type:     c.Type,
			Nullable: !c.NotNull,
		}
	}
	return out
}

// resolveColumnName strips quote and bracket decoration from an identifier and
// returns its caption, or the stripped identifier when there is none.
func resolveColumnName(raw string, mapping map[string]string) string {
	name := cleanIdentifier(raw)
	if caption, ok := mapping[name]; ok {
		return caption
	}
	return name
}

func cleanIdentifier(raw string) string {
	return strings.NewReplacer(`"`, "", "[", "", "]", "").Replace(raw)
}

// quoteIdent double-quotes an identifier, escaping embedded quotes.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
