package catalog

import (
	"fmt"
	"strings"

	"github.com/schemaflow/schemaflow/internal/schema"
)

// TypeMapper maps schema data types to the column types of a SQL dialect.
type TypeMapper interface {
	Dialect() string
	ColumnType(c *schema.Column) (string, error)
	// Placeholder returns the bind parameter for the i-th argument (1-based).
	Placeholder(i int) string
}

// PostgresTypeMapper maps data types to Postgres column types.
type PostgresTypeMapper struct{}

var postgresTypes = map[schema.DataType]string{
	schema.TypeText:      "varchar",
	schema.TypeDouble:    "double precision",
	schema.TypeBool:      "boolean",
	schema.TypeTimestamp: "timestamp with time zone",
	schema.TypeBigint:    "bigint",
	schema.TypeBinary:    "bytea",
	schema.TypeComplex:   "jsonb",
	schema.TypeDecimal:   "numeric(38,9)",
	schema.TypeWei:       "numeric(78,0)",
	schema.TypeDate:      "date",
	schema.TypeTime:      "time without time zone",
}

func (PostgresTypeMapper) Dialect() string { return DriverPostgres }

func (PostgresTypeMapper) ColumnType(c *schema.Column) (string, error) {
	t, ok := postgresTypes[c.DataType]
	if !ok {
		return "", fmt.Errorf("catalog: column %s has no postgres type for %q", c.Name, c.DataType)
	}
	return t, nil
}

func (PostgresTypeMapper) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

// SQLiteTypeMapper maps data types to SQLite declared types. The declared
// names are chosen so go-sqlite3 converts timestamps and booleans on scan.
type SQLiteTypeMapper struct{}

var sqliteTypes = map[schema.DataType]string{
	schema.TypeText:      "TEXT",
	schema.TypeDouble:    "REAL",
	schema.TypeBool:      "BOOLEAN",
	schema.TypeTimestamp: "TIMESTAMP",
	schema.TypeBigint:    "INTEGER",
	schema.TypeBinary:    "BLOB",
	schema.TypeComplex:   "TEXT",
	schema.TypeDecimal:   "TEXT",
	schema.TypeWei:       "TEXT",
	schema.TypeDate:      "DATE",
	schema.TypeTime:      "TEXT",
}

func (SQLiteTypeMapper) Dialect() string { return DriverSQLite }

func (SQLiteTypeMapper) ColumnType(c *schema.Column) (string, error) {
	t, ok := sqliteTypes[c.DataType]
	if !ok {
		return "", fmt.Errorf("catalog: column %s has no sqlite type for %q", c.Name, c.DataType)
	}
	return t, nil
}

func (SQLiteTypeMapper) Placeholder(int) string { return "?" }

// MapperFor returns the type mapper of a dialect.
func MapperFor(dialect string) (TypeMapper, error) {
	switch dialect {
	case DriverPostgres, "pgx":
		return PostgresTypeMapper{}, nil
	case DriverSQLite, "sqlite3":
		return SQLiteTypeMapper{}, nil
	}
	return nil, fmt.Errorf("catalog: unsupported dialect %q", dialect)
}

// quoteIdent quotes a SQL identifier. Both dialects accept double quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// RenderCreateTable renders a CREATE TABLE statement for t. Columns without
// a data type are skipped since their type is not known yet.
func RenderCreateTable(m TypeMapper, t *schema.Table) (string, error) {
	var (
		defs []string
		pk   []string
	)
	for _, name := range t.Columns.Keys() {
		c, _ := t.Columns.Get(name)
		if c.DataType == "" {
			continue
		}
		typ, err := m.ColumnType(c)
		if err != nil {
			return "", err
		}
		def := quoteIdent(c.Name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		if c.Unique {
			def += " UNIQUE"
		}
		defs = append(defs, def)
		if c.PrimaryKey {
			pk = append(pk, quoteIdent(c.Name))
		}
	}
	if len(defs) == 0 {
		return "", fmt.Errorf("catalog: table %s has no typed columns", t.Name)
	}
	if len(pk) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(pk, ", ")+")")
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(quoteIdent(t.Name))
	b.WriteString(" (\n")
	for i, d := range defs {
		b.WriteString("  ")
		b.WriteString(d)
		if i < len(defs)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	return b.String(), nil
}

// RenderSchema renders CREATE TABLE statements for every table of s that
// has typed columns, parents before children.
func RenderSchema(m TypeMapper, s *schema.Schema) ([]string, error) {
	var stmts []string
	for _, name := range s.Tables.Keys() {
		t, _ := s.Tables.Get(name)
		if !hasTypedColumns(t) {
			continue
		}
		stmt, err := RenderCreateTable(m, t)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func hasTypedColumns(t *schema.Table) bool {
	for _, name := range t.Columns.Keys() {
		if c, _ := t.Columns.Get(name); c.DataType != "" {
			return true
		}
	}
	return false
}

// bookkeepingDDL returns the statements creating the bookkeeping tables.
func bookkeepingDDL(m TypeMapper) ([]string, error) {
	version, err := RenderCreateTable(m, schema.VersionTable())
	if err != nil {
		return nil, err
	}
	loads, err := RenderCreateTable(m, schema.LoadsTable())
	if err != nil {
		return nil, err
	}
	return []string{
		version,
		loads,
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_dlt_version_hash ON %s (version_hash)",
			quoteIdent(schema.VersionTableName)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_dlt_version_name ON %s (schema_name, version)",
			quoteIdent(schema.VersionTableName)),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_dlt_loads_id ON %s (load_id)",
			quoteIdent(schema.LoadsTableName)),
	}, nil
}

// buildInsertSQL renders an INSERT of every column of t that skips rows
// conflicting on conflictColumn.
func buildInsertSQL(m TypeMapper, t *schema.Table, conflictColumn string) string {
	keys := t.Columns.Keys()
	cols := make([]string, len(keys))
	params := make([]string, len(keys))
	for i, k := range keys {
		cols[i] = quoteIdent(k)
		params[i] = m.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		quoteIdent(t.Name),
		strings.Join(cols, ", "),
		strings.Join(params, ", "),
		quoteIdent(conflictColumn),
	)
}
