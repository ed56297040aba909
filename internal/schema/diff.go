package schema

// ColumnChange pairs the two definitions of a column present on both sides of
// a diff.
type ColumnChange struct {
	Table string  `json:"table"`
	From  *Column `json:"from"`
	To    *Column `json:"to"`
}

// TableColumns names columns of one table.
type TableColumns struct {
	Table   string    `json:"table"`
	Columns []*Column `json:"columns"`
}

// SchemaDiff lists what changed between two schemas. Tables and columns are
// reported in the insertion order of the schema they appear in.
type SchemaDiff struct {
	FromVersion    int64          `json:"from_version"`
	ToVersion      int64          `json:"to_version"`
	AddedTables    []*Table       `json:"added_tables,omitempty"`
	RemovedTables  []*Table       `json:"removed_tables,omitempty"`
	AddedColumns   []TableColumns `json:"added_columns,omitempty"`
	RemovedColumns []TableColumns `json:"removed_columns,omitempty"`
	ChangedColumns []ColumnChange `json:"changed_columns,omitempty"`
}

// IsEmpty reports whether the diff has no table or column changes.
func (d *SchemaDiff) IsEmpty() bool {
	return len(d.AddedTables) == 0 && len(d.RemovedTables) == 0 &&
		len(d.AddedColumns) == 0 && len(d.RemovedColumns) == 0 && len(d.ChangedColumns) == 0
}

// Diff compares from to to. Columns of added tables are not repeated under
// AddedColumns.
func Diff(from, to *Schema) *SchemaDiff {
	d := &SchemaDiff{FromVersion: from.Version, ToVersion: to.Version}

	for _, t := range to.Tables.Values() {
		old, ok := from.Tables.Get(t.Name)
		if !ok {
			d.AddedTables = append(d.AddedTables, t)
			continue
		}
		var added []*Column
		for _, c := range t.Columns.Values() {
			prev, ok := old.Columns.Get(c.Name)
			if !ok {
				added = append(added, c)
				continue
			}
			if !columnsEqual(prev, c) {
				d.ChangedColumns = append(d.ChangedColumns, ColumnChange{Table: t.Name, From: prev, To: c})
			}
		}
		if len(added) > 0 {
			d.AddedColumns = append(d.AddedColumns, TableColumns{Table: t.Name, Columns: added})
		}

		var removed []*Column
		for _, c := range old.Columns.Values() {
			if !t.Columns.Has(c.Name) {
				removed = append(removed, c)
			}
		}
		if len(removed) > 0 {
			d.RemovedColumns = append(d.RemovedColumns, TableColumns{Table: t.Name, Columns: removed})
		}
	}

	for _, t := range from.Tables.Values() {
		if !to.Tables.Has(t.Name) {
			d.RemovedTables = append(d.RemovedTables, t)
		}
	}
	return d
}

func columnsEqual(a, b *Column) bool {
	return *a == *b
}
