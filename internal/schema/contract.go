package schema

import "fmt"

// ContractMode decides what happens when a document would change the schema.
type ContractMode string

const (
	// ContractEvolve creates tables and columns and widens conflicting
	// values into variant columns.
	ContractEvolve ContractMode = "evolve"
	// ContractFreeze rejects the change with a schema conflict.
	ContractFreeze ContractMode = "freeze"
	// ContractDiscardRow drops the offending row.
	ContractDiscardRow ContractMode = "discard_row"
	// ContractDiscardValue drops the offending value.
	ContractDiscardValue ContractMode = "discard_value"
)

// Valid reports whether m is a known mode. The empty mode means "inherit".
func (m ContractMode) Valid() bool {
	switch m {
	case "", ContractEvolve, ContractFreeze, ContractDiscardRow, ContractDiscardValue:
		return true
	}
	return false
}

// ParseContractMode parses a contract mode name.
func ParseContractMode(s string) (ContractMode, error) {
	m := ContractMode(s)
	if s == "" || !m.Valid() {
		return "", fmt.Errorf("schema: invalid contract mode %q (must be evolve, freeze, discard_row, or discard_value)", s)
	}
	return m, nil
}

// Contract sets a mode per entity. Empty fields inherit from the next level:
// table override, then schema settings, then the run configuration.
type Contract struct {
	Tables   ContractMode `json:"tables,omitempty" yaml:"tables,omitempty"`
	Columns  ContractMode `json:"columns,omitempty" yaml:"columns,omitempty"`
	DataType ContractMode `json:"data_type,omitempty" yaml:"data_type,omitempty"`
}

// EvolveContract allows every change.
func EvolveContract() Contract {
	return Contract{Tables: ContractEvolve, Columns: ContractEvolve, DataType: ContractEvolve}
}

// FreezeContract rejects every change.
func FreezeContract() Contract {
	return Contract{Tables: ContractFreeze, Columns: ContractFreeze, DataType: ContractFreeze}
}

// Over fills the empty fields of c from base.
func (c Contract) Over(base Contract) Contract {
	if c.Tables == "" {
		c.Tables = base.Tables
	}
	if c.Columns == "" {
		c.Columns = base.Columns
	}
	if c.DataType == "" {
		c.DataType = base.DataType
	}
	return c
}

// Validate checks every mode.
func (c Contract) Validate() error {
	for entity, m := range map[string]ContractMode{"tables": c.Tables, "columns": c.Columns, "data_type": c.DataType} {
		if !m.Valid() {
			return fmt.Errorf("schema: invalid %s contract mode %q", entity, m)
		}
	}
	return nil
}

// ResolveContract returns the effective contract for table, layered over base.
// Child tables use the contract of their root table unless they carry their own.
func (s *Schema) ResolveContract(table string, base Contract) Contract {
	c := Contract{}
	for _, name := range []string{table, s.RootOf(table)} {
		if t, ok := s.Tables.Get(name); ok && t.SchemaContract != nil {
			c = c.Over(*t.SchemaContract)
		}
	}
	if s.Settings.SchemaContract != nil {
		c = c.Over(*s.Settings.SchemaContract)
	}
	return c.Over(base).Over(EvolveContract())
}
