// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package offsync

import "strings"

// FieldKind is the expected type of a record field after coercion.
type FieldKind int

const (
	KindString FieldKind = iota
	KindNumber
	KindTimestamp
	KindColor
	KindID
)

// FieldSchema describes one field of a synced table.
type FieldSchema struct {
	Name     string    // canonical camelCase name
	Kind     FieldKind
	Required bool
	MaxLen   int      // strings only; exceeding is a hard error, 0 = unbounded
	Positive bool     // numbers only; must be > 0
	Refs     string   // foreign-key target table, "" = none
	Enum     []string // allowed values, nil = unrestricted
}

// TableSchema describes a synced table. The "id" identity field is implicit
// and handled by the validator for every table.
type TableSchema struct {
	Table  string
	Fields []FieldSchema
}

// Field returns the schema for a canonical field name, or nil.
func (ts *TableSchema) Field(name string) *FieldSchema {
	for i := range ts.Fields {
		if ts.Fields[i].Name == name {
			return &ts.Fields[i]
		}
	}
	return nil
}

// DefaultSchemas returns the schemas for the expense tracker's synced
// tables.
func DefaultSchemas() map[string]TableSchema {
	return map[string]TableSchema{
		"transactions": {
			Table: "transactions",
			Fields: []FieldSchema{
				{Name: "amount", Kind: KindNumber, Required: true, Positive: true},
				{Name: "description", Kind: KindString, MaxLen: 1000},
				{Name: "date", Kind: KindTimestamp, Required: true},
				{Name: "categoryId", Kind: KindID, Refs: "categories"},
				{Name: "accountId", Kind: KindID, Refs: "accounts"},
				{Name: "updatedAt", Kind: KindTimestamp},
			},
		},
		"categories": {
			Table: "categories",
			Fields: []FieldSchema{
				{Name: "name", Kind: KindString, Required: true, MaxLen: 200},
				{Name: "color", Kind: KindColor},
				{Name: "type", Kind: KindString, Enum: []string{"expense", "income"}},
				{Name: "updatedAt", Kind: KindTimestamp},
			},
		},
		"accounts": {
			Table: "accounts",
			Fields: []FieldSchema{
				{Name: "name", Kind: KindString, Required: true, MaxLen: 200},
				{Name: "balance", Kind: KindNumber},
				{Name: "type", Kind: KindString, MaxLen: 50},
				{Name: "updatedAt", Kind: KindTimestamp},
			},
		},
	}
}

// canonicalKey folds a payload key to the schema's canonical camelCase name.
// Remote rows may arrive snake_cased (category_id, updated_at); local and
// remote naming must be tolerated, not assumed identical.
func canonicalKey(schema *TableSchema, key string) string {
	if key == "id" || schema.Field(key) != nil {
		return key
	}
	camel := snakeToCamel(key)
	if camel == "id" || schema.Field(camel) != nil {
		return camel
	}
	return key
}

func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
