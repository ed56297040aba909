package types

import "sort"

// Row is one flattened record destined for a single table. Values are plain
// Go types: int64, float64, bool, string, time.Time, []byte, json.Number for
// decimals, and map[string]interface{} / []interface{} for complex columns.
type Row map[string]interface{}

// Columns returns the row's column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
