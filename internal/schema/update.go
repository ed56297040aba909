package schema

import (
	"fmt"

	apperrors "github.com/schemaflow/schemaflow/internal/errors"
)

// Update accumulates proposed schema mutations: whole new tables, and new
// columns for tables that already exist. It is built without touching the
// canonical schema and merged with Schema.Apply at a synchronization point.
type Update struct {
	Tables OrderedMap[*Table] `json:"tables" yaml:"tables"`
}

// NewUpdate returns an empty update.
func NewUpdate() *Update {
	return &Update{}
}

// IsEmpty reports whether the update proposes nothing.
func (u *Update) IsEmpty() bool {
	return u == nil || u.Tables.Len() == 0
}

// Table returns the partial table staged under name.
func (u *Update) Table(name string) (*Table, bool) {
	return u.Tables.Get(name)
}

// AddTable stages a new table. t must not be shared.
func (u *Update) AddTable(t *Table) {
	u.Tables.Set(t.Name, t)
}

// AddColumn stages a new column on table. A partial table is created when the
// table itself is not staged.
func (u *Update) AddColumn(table string, c *Column) {
	t, ok := u.Tables.Get(table)
	if !ok {
		t = &Table{Name: table}
		u.Tables.Set(table, t)
	}
	t.AddColumn(c)
}

// Column returns a staged column.
func (u *Update) Column(table, column string) (*Column, bool) {
	t, ok := u.Tables.Get(table)
	if !ok {
		return nil, false
	}
	return t.Column(column)
}

// ColumnCount returns the number of staged columns.
func (u *Update) ColumnCount() int {
	n := 0
	for _, t := range u.Tables.Values() {
		n += t.Columns.Len()
	}
	return n
}

// Merge stages everything in other on top of u. Conflicting column types are
// reported as schema conflicts.
func (u *Update) Merge(other *Update) error {
	if other.IsEmpty() {
		return nil
	}
	for _, t := range other.Tables.Values() {
		mine, ok := u.Tables.Get(t.Name)
		if !ok {
			u.Tables.Set(t.Name, t.Clone())
			continue
		}
		if err := mergeTable(mine, t, false); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the update.
func (u *Update) Clone() *Update {
	out := NewUpdate()
	for _, t := range u.Tables.Values() {
		out.Tables.Set(t.Name, t.Clone())
	}
	return out
}

// Apply merges u into s. New tables must name an existing parent, either in s
// or earlier in u. A column whose data type differs from an existing column
// of the same name is a schema conflict; in that case s is left unchanged.
// Apply never removes tables or columns.
func (s *Schema) Apply(u *Update) error {
	if u.IsEmpty() {
		return nil
	}

	// validate everything first so a failing update leaves s untouched
	staged := map[string]bool{}
	for _, t := range u.Tables.Values() {
		existing, ok := s.Tables.Get(t.Name)
		if !ok {
			if t.Parent != "" && !s.Tables.Has(t.Parent) && !staged[t.Parent] {
				return apperrors.NewInvalidSchema(
					fmt.Sprintf("table %s references unknown parent %s", t.Name, t.Parent), nil)
			}
			staged[t.Name] = true
			continue
		}
		if err := mergeTable(existing, t, true); err != nil {
			return err
		}
	}

	for _, t := range u.Tables.Values() {
		existing, ok := s.Tables.Get(t.Name)
		if !ok {
			s.AddTable(t.Clone())
			continue
		}
		if err := mergeTable(existing, t, false); err != nil {
			return err
		}
	}
	return nil
}

// mergeTable adds the columns of src to dst. With dryRun set it only checks
// for conflicts.
func mergeTable(dst, src *Table, dryRun bool) error {
	if dst.SourcePath != "" && src.SourcePath != "" && dst.SourcePath != src.SourcePath {
		return sourceConflict(dst.Name, "", dst.SourcePath, src.SourcePath)
	}
	for _, c := range src.Columns.Values() {
		existing, ok := dst.Column(c.Name)
		if !ok {
			if !dryRun {
				dst.AddColumn(c.Clone())
			}
			continue
		}
		if existing.DataType != c.DataType {
			return apperrors.NewSchemaConflict(dst.Name, c.Name, string(existing.DataType), string(c.DataType))
		}
		if existing.SourcePath != "" && c.SourcePath != "" && existing.SourcePath != c.SourcePath {
			return sourceConflict(dst.Name, c.Name, existing.SourcePath, c.SourcePath)
		}
		if !dryRun {
			mergeHints(existing, c)
		}
	}
	if !dryRun {
		if dst.Parent == "" && src.Parent != "" {
			dst.Parent = src.Parent
		}
		if dst.WriteDisposition == "" && src.WriteDisposition != "" {
			dst.WriteDisposition = src.WriteDisposition
		}
	}
	return nil
}

// sourceConflict reports one identifier claimed by two different source
// fields. It happens when updates built against the same snapshot resolve
// names independently; re-flattening against the merged schema resolves it.
func sourceConflict(table, column, existing, incoming string) error {
	target := table
	if column != "" {
		target = table + "." + column
	}
	return apperrors.New(apperrors.ErrCategorySchema, apperrors.CodeSchemaConflict,
		fmt.Sprintf("identifier %s is claimed by source %q and %q", target, existing, incoming)).
		WithDetails(map[string]interface{}{"table": table, "column": column})
}

// mergeHints only ever adds hints. Nullability can be tightened by hints but
// never loosened by data.
func mergeHints(dst, src *Column) {
	dst.Nullable = dst.Nullable && src.Nullable
	dst.Unique = dst.Unique || src.Unique
	dst.PrimaryKey = dst.PrimaryKey || src.PrimaryKey
	dst.ForeignKey = dst.ForeignKey || src.ForeignKey
	dst.RootKey = dst.RootKey || src.RootKey
	dst.MergeKey = dst.MergeKey || src.MergeKey
	dst.Variant = dst.Variant || src.Variant
	if dst.SourcePath == "" {
		dst.SourcePath = src.SourcePath
	}
}
