package schema

import (
	"fmt"
	"strings"

	apperrors "github.com/schemaflow/schemaflow/internal/errors"
)

// ValidationError describes one structural problem in a schema.
type ValidationError struct {
	Table   string
	Column  string
	Message string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Table == "":
		return e.Message
	case e.Column == "":
		return fmt.Sprintf("table %q: %s", e.Table, e.Message)
	}
	return fmt.Sprintf("table %q, column %q: %s", e.Table, e.Column, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Check returns every structural problem found in s.
func (s *Schema) Check() ValidationErrors {
	var errs ValidationErrors
	add := func(table, column, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Table: table, Column: column, Message: fmt.Sprintf(format, args...)})
	}

	if s.Name == "" {
		add("", "", "schema name is required")
	}
	for _, name := range s.Settings.Detections {
		if _, ok := LookupDetector(name); !ok {
			add("", "", "unknown detector %q", name)
		}
	}
	for h, patterns := range s.Settings.DefaultHints {
		if !h.valid() {
			add("", "", "unknown hint %q", h)
		}
		for _, p := range patterns {
			if _, err := MatchPattern(p, ""); err != nil {
				add("", "", "hint %s: %v", h, err)
			}
		}
	}
	for p, dt := range s.Settings.PreferredTypes {
		if !dt.Valid() {
			add("", "", "preferred type for %q: unknown data type %q", p, dt)
		}
		if _, err := MatchPattern(p, ""); err != nil {
			add("", "", "preferred type: %v", err)
		}
	}
	if s.Settings.SchemaContract != nil {
		if err := s.Settings.SchemaContract.Validate(); err != nil {
			add("", "", "%v", err)
		}
	}

	for _, t := range s.Tables.Values() {
		if t.Name == "" {
			add("", "", "table with empty name")
			continue
		}
		if t.WriteDisposition != "" && !t.WriteDisposition.Valid() {
			add(t.Name, "", "invalid write disposition %q", t.WriteDisposition)
		}
		if t.SchemaContract != nil {
			if err := t.SchemaContract.Validate(); err != nil {
				add(t.Name, "", "%v", err)
			}
		}
		if t.Parent != "" {
			if !s.Tables.Has(t.Parent) {
				add(t.Name, "", "parent table %q does not exist", t.Parent)
			} else if s.hasParentCycle(t.Name) {
				add(t.Name, "", "parent chain is cyclic")
			}
			for _, name := range LinkageColumns {
				if !t.Columns.Has(name) {
					add(t.Name, name, "child table is missing linkage column")
				}
			}
		} else if !IsBookkeepingTable(t.Name) && t.Columns.Len() > 0 && !t.Columns.Has(ColumnLoadID) {
			add(t.Name, ColumnLoadID, "root table is missing load id column")
		}
		for _, key := range t.Columns.Keys() {
			c, _ := t.Columns.Get(key)
			if c.Name != key {
				add(t.Name, key, "column is stored under a different name %q", c.Name)
			}
			if !c.DataType.Valid() {
				add(t.Name, key, "unknown data type %q", c.DataType)
			}
		}
	}
	return errs
}

// Validate returns an INVALID_SCHEMA error wrapping every problem found in s,
// or nil when the schema is well formed.
func (s *Schema) Validate() error {
	errs := s.Check()
	if len(errs) == 0 {
		return nil
	}
	return apperrors.NewInvalidSchema(fmt.Sprintf("schema %s failed validation", s.Name), errs)
}

func (s *Schema) hasParentCycle(name string) bool {
	seen := map[string]bool{}
	for name != "" {
		if seen[name] {
			return true
		}
		seen[name] = true
		t, ok := s.Tables.Get(name)
		if !ok {
			return false
		}
		name = t.Parent
	}
	return false
}
