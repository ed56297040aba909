// Package schema implements the versioned relational schema: tables, columns,
// hints, contracts, type detection, content hashing and engine migrations.
package schema

import (
	"sort"

	"github.com/schemaflow/schemaflow/internal/naming"
)

// Column describes one column of a table.
type Column struct {
	Name       string   `json:"name" yaml:"name"`
	DataType   DataType `json:"data_type" yaml:"data_type"`
	Nullable   bool     `json:"nullable" yaml:"nullable"`
	Unique     bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
	PrimaryKey bool     `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	ForeignKey bool     `json:"foreign_key,omitempty" yaml:"foreign_key,omitempty"`
	RootKey    bool     `json:"root_key,omitempty" yaml:"root_key,omitempty"`
	MergeKey   bool     `json:"merge_key,omitempty" yaml:"merge_key,omitempty"`

	// Variant marks a column created to hold values that could not be coerced
	// into the data type of the column it shadows.
	Variant bool `json:"variant,omitempty" yaml:"variant,omitempty"`

	// SourcePath is the encoded raw field path that produced the column.
	// Empty for synthetic and pre-declared columns.
	SourcePath  string `json:"source_path,omitempty" yaml:"source_path,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Clone returns a copy of the column.
func (c *Column) Clone() *Column {
	cp := *c
	return &cp
}

// Table describes one table and its columns.
type Table struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Parent names the owning table. Empty for root tables.
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty"`

	// WriteDisposition is set on root tables. Child tables inherit it
	// unless they override it.
	WriteDisposition WriteDisposition `json:"write_disposition,omitempty" yaml:"write_disposition,omitempty"`

	SchemaContract *Contract `json:"schema_contract,omitempty" yaml:"schema_contract,omitempty"`
	SourcePath     string    `json:"source_path,omitempty" yaml:"source_path,omitempty"`

	Columns OrderedMap[*Column] `json:"columns" yaml:"columns"`
}

// NewTable returns an empty table.
func NewTable(name, parent string) *Table {
	return &Table{Name: name, Parent: parent}
}

// Column returns the named column.
func (t *Table) Column(name string) (*Column, bool) {
	return t.Columns.Get(name)
}

// AddColumn appends c, replacing any column of the same name in place.
func (t *Table) AddColumn(c *Column) {
	t.Columns.Set(c.Name, c)
}

// IsRoot reports whether the table has no parent.
func (t *Table) IsRoot() bool { return t.Parent == "" }

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	cp := *t
	cp.Columns = OrderedMap[*Column]{}
	for _, c := range t.Columns.Values() {
		cp.Columns.Set(c.Name, c.Clone())
	}
	if t.SchemaContract != nil {
		sc := *t.SchemaContract
		cp.SchemaContract = &sc
	}
	return &cp
}

// Settings holds schema-wide inference settings.
type Settings struct {
	// Detections names the enabled type detectors, in evaluation order.
	Detections []string `json:"detections,omitempty" yaml:"detections,omitempty"`

	// DefaultHints maps a hint to the column-name patterns it applies to.
	// Patterns are exact names or regular expressions prefixed with "re:".
	DefaultHints map[Hint][]string `json:"default_hints,omitempty" yaml:"default_hints,omitempty"`

	// PreferredTypes maps column-name patterns to the data type new matching
	// columns are created with.
	PreferredTypes map[string]DataType `json:"preferred_types,omitempty" yaml:"preferred_types,omitempty"`

	SchemaContract *Contract `json:"schema_contract,omitempty" yaml:"schema_contract,omitempty"`

	// LegacyDetectors is the pre-9 spelling of Detections. Migrate moves it.
	LegacyDetectors []string `json:"detectors,omitempty" yaml:"detectors,omitempty"`
}

// Clone returns a deep copy of the settings.
func (s Settings) Clone() Settings {
	cp := s
	cp.Detections = append([]string(nil), s.Detections...)
	cp.LegacyDetectors = append([]string(nil), s.LegacyDetectors...)
	if s.DefaultHints != nil {
		cp.DefaultHints = make(map[Hint][]string, len(s.DefaultHints))
		for h, p := range s.DefaultHints {
			cp.DefaultHints[h] = append([]string(nil), p...)
		}
	}
	if s.PreferredTypes != nil {
		cp.PreferredTypes = make(map[string]DataType, len(s.PreferredTypes))
		for p, t := range s.PreferredTypes {
			cp.PreferredTypes[p] = t
		}
	}
	if s.SchemaContract != nil {
		sc := *s.SchemaContract
		cp.SchemaContract = &sc
	}
	return cp
}

// RelationalModule is the persisted identifier of the document flattener.
const RelationalModule = "relational"

// Normalizers records the naming convention and flattener settings the
// schema was built with.
type Normalizers struct {
	Names string         `json:"names" yaml:"names"`
	JSON  JSONNormalizer `json:"json" yaml:"json"`
}

// JSONNormalizer identifies the document flattener and its configuration.
type JSONNormalizer struct {
	Module string           `json:"module" yaml:"module"`
	Config RelationalConfig `json:"config,omitempty" yaml:"config,omitempty"`
}

// RelationalConfig configures the flattener for one schema.
type RelationalConfig struct {
	// MaxNesting bounds how deep objects and arrays are flattened. Deeper
	// values are stored in complex columns. Zero uses the run configuration.
	MaxNesting int `json:"max_nesting,omitempty" yaml:"max_nesting,omitempty"`

	// RootKeyPropagation adds _dlt_root_id to every child row.
	RootKeyPropagation bool `json:"root_key_propagation,omitempty" yaml:"root_key_propagation,omitempty"`
}

// DefaultNormalizers returns the snake_case / relational pair.
func DefaultNormalizers() Normalizers {
	return Normalizers{
		Names: naming.SnakeCaseName,
		JSON:  JSONNormalizer{Module: RelationalModule},
	}
}

// Schema is the versioned relational schema artifact.
type Schema struct {
	Name           string      `json:"name" yaml:"name"`
	Version        int64       `json:"version" yaml:"version"`
	VersionHash    string      `json:"version_hash" yaml:"version_hash"`
	EngineVersion  int         `json:"engine_version" yaml:"engine_version"`
	PreviousHashes []string    `json:"previous_hashes" yaml:"previous_hashes"`
	Settings       Settings    `json:"settings" yaml:"settings"`
	Normalizers    Normalizers `json:"normalizers" yaml:"normalizers"`

	Tables OrderedMap[*Table] `json:"tables" yaml:"tables"`
}

// Options configures a new schema.
type Options struct {
	// Detections overrides DefaultDetections when non-nil.
	Detections         []string
	Contract           *Contract
	MaxNesting         int
	RootKeyPropagation bool
}

// DefaultDetections are enabled on new schemas.
func DefaultDetections() []string {
	return []string{DetectISOTimestamp}
}

// New returns an empty schema carrying the standard hints and the
// bookkeeping tables. opts may be nil.
func New(name string, opts *Options) *Schema {
	if opts == nil {
		opts = &Options{}
	}
	detections := DefaultDetections()
	if opts.Detections != nil {
		detections = append([]string(nil), opts.Detections...)
	}

	s := &Schema{
		Name:           name,
		EngineVersion:  EngineVersion,
		PreviousHashes: []string{},
		Settings: Settings{
			Detections:   detections,
			DefaultHints: StandardHints(),
		},
		Normalizers: DefaultNormalizers(),
	}
	if opts.Contract != nil {
		c := *opts.Contract
		s.Settings.SchemaContract = &c
	}
	s.Normalizers.JSON.Config = RelationalConfig{
		MaxNesting:         opts.MaxNesting,
		RootKeyPropagation: opts.RootKeyPropagation,
	}
	addBookkeepingTables(s)
	return s
}

// Table returns the named table.
func (s *Schema) Table(name string) (*Table, bool) {
	return s.Tables.Get(name)
}

// AddTable stores t, replacing any table of the same name in place.
func (s *Schema) AddTable(t *Table) {
	s.Tables.Set(t.Name, t)
}

// DataTables returns the tables holding document rows, excluding the
// bookkeeping tables, in insertion order.
func (s *Schema) DataTables() []*Table {
	var out []*Table
	for _, t := range s.Tables.Values() {
		if !IsBookkeepingTable(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

// Children returns the direct child tables of name, sorted by name.
func (s *Schema) Children(name string) []*Table {
	var out []*Table
	for _, t := range s.Tables.Values() {
		if t.Parent == name {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RootOf returns the root table of name by walking the parent chain.
// Unknown tables are their own root.
func (s *Schema) RootOf(name string) string {
	seen := map[string]bool{}
	for {
		t, ok := s.Tables.Get(name)
		if !ok || t.Parent == "" || seen[name] {
			return name
		}
		seen[name] = true
		name = t.Parent
	}
}

// WriteDisposition resolves the write disposition of a table through its
// parent chain.
func (s *Schema) WriteDisposition(name string) WriteDisposition {
	seen := map[string]bool{}
	for {
		t, ok := s.Tables.Get(name)
		if !ok || seen[name] {
			return DefaultWriteDisposition
		}
		if t.WriteDisposition != "" {
			return t.WriteDisposition
		}
		if t.Parent == "" {
			return DefaultWriteDisposition
		}
		seen[name] = true
		name = t.Parent
	}
}

// Naming returns the naming convention recorded in the schema.
func (s *Schema) Naming(maxLength int) (naming.Convention, error) {
	return naming.ForName(s.Normalizers.Names, maxLength)
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	cp := *s
	cp.PreviousHashes = append([]string{}, s.PreviousHashes...)
	cp.Settings = s.Settings.Clone()
	cp.Tables = OrderedMap[*Table]{}
	for _, t := range s.Tables.Values() {
		cp.Tables.Set(t.Name, t.Clone())
	}
	return &cp
}

// ColumnCount returns the number of columns across all tables.
func (s *Schema) ColumnCount() int {
	n := 0
	for _, t := range s.Tables.Values() {
		n += t.Columns.Len()
	}
	return n
}
