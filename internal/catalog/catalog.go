// Package catalog records schema versions and completed loads in a SQL
// database, mirroring the _dlt_version and _dlt_loads bookkeeping tables.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schemaflow/schemaflow/internal/schema"
	"github.com/schemaflow/schemaflow/pkg/types"
)

// ErrVersionNotFound is returned when no matching version row exists.
var ErrVersionNotFound = errors.New("catalog: version not found")

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Catalog stores bookkeeping rows.
type Catalog interface {
	// RecordVersion inserts a version row for s unless its version hash is
	// already recorded. It reports whether a row was inserted.
	RecordVersion(ctx context.Context, s *schema.Schema) (bool, error)

	// LatestVersion returns the highest recorded version of a schema.
	LatestVersion(ctx context.Context, schemaName string) (*VersionRecord, error)

	// GetVersion returns the version row with the given hash.
	GetVersion(ctx context.Context, hash string) (*VersionRecord, error)

	// ListVersions returns all versions of a schema ordered by version.
	ListVersions(ctx context.Context, schemaName string) ([]VersionRecord, error)

	// RecordLoad inserts a load row. Recording the same load id twice is a
	// no-op.
	RecordLoad(ctx context.Context, rec LoadRecord) error

	// ListLoads returns the loads of a schema ordered by load id. An empty
	// name lists all loads.
	ListLoads(ctx context.Context, schemaName string) ([]LoadRecord, error)

	Close() error
}

// VersionRecord is one row of the version table.
type VersionRecord struct {
	Version       int64     `json:"version"`
	EngineVersion int64     `json:"engine_version"`
	InsertedAt    time.Time `json:"inserted_at"`
	SchemaName    string    `json:"schema_name"`
	VersionHash   string    `json:"version_hash"`
	Schema        string    `json:"schema"`
}

// Decode parses the stored schema.
func (r *VersionRecord) Decode() (*schema.Schema, error) {
	return schema.FromJSON([]byte(r.Schema))
}

// LoadRecord is one row of the loads table.
type LoadRecord struct {
	LoadID            string    `json:"load_id"`
	SchemaName        string    `json:"schema_name,omitempty"`
	Status            int64     `json:"status"`
	InsertedAt        time.Time `json:"inserted_at"`
	SchemaVersionHash string    `json:"schema_version_hash,omitempty"`
}

func (r LoadRecord) row() types.Row {
	at := r.InsertedAt
	if at.IsZero() {
		at = time.Now()
	}
	return schema.LoadRow(r.LoadID, r.SchemaName, r.Status, r.SchemaVersionHash, at)
}

// Open opens a catalog for driver. dsn is a file path for sqlite and a
// connection string for postgres.
func Open(ctx context.Context, driver, dsn string) (Catalog, error) {
	switch driver {
	case DriverSQLite, "sqlite3", "":
		return NewSQLiteCatalog(dsn)
	case DriverPostgres, "pgx":
		return NewPostgresCatalog(ctx, dsn)
	}
	return nil, fmt.Errorf("catalog: unsupported driver %q", driver)
}

// rowArgs returns the values of row in the column order of t.
func rowArgs(t *schema.Table, row types.Row) []any {
	keys := t.Columns.Keys()
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = row[k]
	}
	return args
}
