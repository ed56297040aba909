// Package normalize flattens nested documents into parent-child table rows
// and accumulates the schema mutations they require.
package normalize

import (
	"fmt"

	"github.com/schemaflow/schemaflow/internal/schema"
)

// RowIDMode selects how root row identifiers are generated.
type RowIDMode string

const (
	// RowIDRandom derives root row ids from random UUIDs.
	RowIDRandom RowIDMode = "random"
	// RowIDContent derives root row ids from the load id, the document
	// position and the document content, making reruns reproducible.
	RowIDContent RowIDMode = "content"
)

// DefaultMaxNesting bounds nesting when neither the schema nor the
// configuration sets a limit.
const DefaultMaxNesting = 1000

// Config holds flattener and runner settings.
type Config struct {
	// RowIDMode defaults to RowIDRandom. Output rows of a rerun are
	// byte-identical only with RowIDContent.
	RowIDMode RowIDMode

	// MaxNesting bounds how many object and array levels are flattened.
	// Deeper values are stored in complex columns. A schema-level setting
	// takes precedence. Zero selects DefaultMaxNesting.
	MaxNesting int

	// MaxIdentifierLength shortens longer identifiers. Zero means unbounded.
	MaxIdentifierLength int

	// RootKeyPropagation adds _dlt_root_id to every child row.
	RootKeyPropagation bool

	// WriteDisposition is set on newly created root tables.
	WriteDisposition schema.WriteDisposition

	// Contract is the run-level contract, overridden by schema settings and
	// table contracts.
	Contract schema.Contract

	// Workers is the number of document chunks flattened in parallel.
	Workers int

	// FailFast aborts the batch on the first failing document.
	FailFast bool
}

// DefaultConfig returns the default configuration. It uses random root row
// ids, so repeated runs over the same input differ in their _dlt_id values.
func DefaultConfig() Config {
	return Config{
		RowIDMode:        RowIDRandom,
		MaxNesting:       DefaultMaxNesting,
		WriteDisposition: schema.DefaultWriteDisposition,
		Contract:         schema.EvolveContract(),
		Workers:          1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.RowIDMode {
	case "", RowIDRandom, RowIDContent:
	default:
		return fmt.Errorf("normalize: invalid row id mode %q (must be random or content)", c.RowIDMode)
	}
	if c.MaxNesting < 0 {
		return fmt.Errorf("normalize: max nesting must be >= 0, got %d", c.MaxNesting)
	}
	if c.MaxIdentifierLength < 0 {
		return fmt.Errorf("normalize: max identifier length must be >= 0, got %d", c.MaxIdentifierLength)
	}
	if c.WriteDisposition != "" && !c.WriteDisposition.Valid() {
		return fmt.Errorf("normalize: invalid write disposition %q", c.WriteDisposition)
	}
	if c.Workers < 0 {
		return fmt.Errorf("normalize: workers must be >= 0, got %d", c.Workers)
	}
	return c.Contract.Validate()
}

func (c Config) maxNesting(s *schema.Schema) int {
	if n := s.Normalizers.JSON.Config.MaxNesting; n > 0 {
		return n
	}
	if c.MaxNesting > 0 {
		return c.MaxNesting
	}
	return DefaultMaxNesting
}

func (c Config) workers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}
