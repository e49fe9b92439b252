// Package schema holds the warehouse catalog model, discovery, and the
// question-scoped context reducer.
package schema

import (
	"fmt"
	"strings"
)

// ColumnRole tags a column with its business meaning. Roles drive the
// reducer's relevance scoring and the compressed schema description sent
// to the model.
type ColumnRole string

const (
	RoleIdentifier ColumnRole = "identifier"
	RoleName       ColumnRole = "name"
	RoleDate       ColumnRole = "date"
	RoleAmount     ColumnRole = "amount"
	RoleCategory   ColumnRole = "category"
	RoleOther      ColumnRole = "other"
)

// Cardinality describes how rows of the source table relate to rows of the
// target table across a relationship.
type Cardinality string

const (
	OneToOne   Cardinality = "one_to_one"
	OneToMany  Cardinality = "one_to_many"
	ManyToOne  Cardinality = "many_to_one"
	ManyToMany Cardinality = "many_to_many"
)

// Column describes a single column of a table.
type Column struct {
	Name         string
	Type         string
	Role         ColumnRole
	BusinessName string   // optional human-friendly alias
	SampleValues []string // populated during discovery for categorical columns
}

// Relationship is a join edge between two tables in the catalog.
type Relationship struct {
	SourceTable  string
	TargetTable  string
	SourceColumn string
	TargetColumn string
	Cardinality  Cardinality
}

// Table describes one table (or view) of the catalog.
type Table struct {
	Name         string
	BusinessName string
	IsView       bool
	Columns      []Column
}

// Column returns the named column, matching case-insensitively.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Catalog is the full schema of one data-source connection. It is built at
// discovery time and read-only afterwards; refresh replaces the whole
// catalog rather than mutating it.
type Catalog struct {
	Name          string
	Tables        []Table
	Relationships []Relationship
}

// Validate checks the catalog invariants: unique table names and
// relationships whose endpoints exist in the catalog.
func (c *Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c.Tables))
	for _, t := range c.Tables {
		key := strings.ToLower(t.Name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate table name %q", t.Name)
		}
		seen[key] = struct{}{}
	}
	for _, r := range c.Relationships {
		if _, ok := seen[strings.ToLower(r.SourceTable)]; !ok {
			return fmt.Errorf("relationship references unknown table %q", r.SourceTable)
		}
		if _, ok := seen[strings.ToLower(r.TargetTable)]; !ok {
			return fmt.Errorf("relationship references unknown table %q", r.TargetTable)
		}
	}
	return nil
}

// Table returns the named table, matching case-insensitively.
func (c *Catalog) Table(name string) (*Table, bool) {
	for i := range c.Tables {
		if strings.EqualFold(c.Tables[i].Name, name) {
			return &c.Tables[i], true
		}
	}
	return nil, false
}

// IsEmpty reports whether the catalog has no tables.
func (c *Catalog) IsEmpty() bool {
	return c == nil || len(c.Tables) == 0
}

// ColumnNames returns every column name in the catalog, lowercased, for
// identifier grounding checks.
func (c *Catalog) ColumnNames() map[string]struct{} {
	names := make(map[string]struct{})
	for _, t := range c.Tables {
		for _, col := range t.Columns {
			names[strings.ToLower(col.Name)] = struct{}{}
		}
	}
	return names
}

// essentialRoles lists the roles worth including in a compressed schema
// description when a table has more columns than the per-table cap.
var essentialRoles = map[ColumnRole]bool{
	RoleIdentifier: true,
	RoleName:       true,
	RoleDate:       true,
	RoleAmount:     true,
	RoleCategory:   true,
}

// maxColumnsPerTable caps how many columns of each table the compressed
// description carries. Wide tables would otherwise dominate the prompt.
const maxColumnsPerTable = 12

// Describe renders the catalog as a compact text block for the generation
// prompt: one line per table with essential columns, sample values for
// categorical columns, then the join edges.
func (c *Catalog) Describe() string {
	var sb strings.Builder
	for _, t := range c.Tables {
		if t.BusinessName != "" && !strings.EqualFold(t.BusinessName, t.Name) {
			sb.WriteString(t.Name + " (" + t.BusinessName + ")")
		} else {
			sb.WriteString(t.Name)
		}
		if t.IsView {
			sb.WriteString(" [view]")
		}
		sb.WriteString(":\n")

		cols := essentialColumns(t.Columns)
		for _, col := range cols {
			sb.WriteString("  - " + col.Name + " (" + col.Type + ")")
			if len(col.SampleValues) > 0 {
				sb.WriteString(" values: " + strings.Join(col.SampleValues, ", "))
			}
			sb.WriteString("\n")
		}
	}
	if len(c.Relationships) > 0 {
		sb.WriteString("joins:\n")
		for _, r := range c.Relationships {
			sb.WriteString(fmt.Sprintf("  - %s.%s = %s.%s (%s)\n",
				r.SourceTable, r.SourceColumn, r.TargetTable, r.TargetColumn, r.Cardinality))
		}
	}
	return sb.String()
}

func essentialColumns(cols []Column) []Column {
	if len(cols) <= maxColumnsPerTable {
		return cols
	}
	out := make([]Column, 0, maxColumnsPerTable)
	for _, col := range cols {
		if essentialRoles[col.Role] {
			out = append(out, col)
			if len(out) == maxColumnsPerTable {
				return out
			}
		}
	}
	// Pad with remaining columns in declaration order.
	for _, col := range cols {
		if essentialRoles[col.Role] {
			continue
		}
		out = append(out, col)
		if len(out) == maxColumnsPerTable {
			break
		}
	}
	return out
}

// GuessRole infers a column role from its name and declared type. Discovery
// uses it when the warehouse carries no semantic metadata.
func GuessRole(name, typ string) ColumnRole {
	n := strings.ToLower(name)
	t := strings.ToLower(typ)
	switch {
	case n == "id" || n == "uuid" || strings.HasSuffix(n, "_id") || strings.HasSuffix(n, "_key"):
		return RoleIdentifier
	case strings.HasSuffix(n, "_at") || strings.HasSuffix(n, "_date") || strings.HasSuffix(n, "_time") ||
		n == "date" || strings.Contains(t, "date"):
		return RoleDate
	case strings.Contains(n, "amount") || strings.Contains(n, "price") || strings.Contains(n, "total") ||
		strings.Contains(n, "revenue") || strings.Contains(n, "cost"):
		return RoleAmount
	case n == "name" || strings.HasSuffix(n, "_name") || n == "title":
		return RoleName
	case strings.Contains(t, "enum") || strings.Contains(t, "lowcardinality") ||
		n == "status" || n == "type" || n == "category":
		return RoleCategory
	default:
		return RoleOther
	}
}
