package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemaflow/schemaflow/internal/schema"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	c, err := NewSQLiteCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func versioned(t *testing.T, name string, tables ...string) *schema.Schema {
	t.Helper()
	s := schema.New(name, nil)
	_, err := s.BumpVersion()
	require.NoError(t, err)
	for _, tn := range tables {
		tbl := schema.NewTable(tn, "")
		tbl.AddColumn(&schema.Column{Name: "id", DataType: schema.TypeBigint, Nullable: true})
		s.AddTable(tbl)
		_, err := s.BumpVersion()
		require.NoError(t, err)
	}
	return s
}

// catalogSuite runs against every available implementation.
func catalogSuite(t *testing.T, c Catalog) {
	ctx := context.Background()

	t.Run("record version dedupes on hash", func(t *testing.T) {
		s := versioned(t, "shop")
		inserted, err := c.RecordVersion(ctx, s)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = c.RecordVersion(ctx, s)
		require.NoError(t, err)
		assert.False(t, inserted)

		rec, err := c.GetVersion(ctx, s.VersionHash)
		require.NoError(t, err)
		assert.Equal(t, s.Version, rec.Version)
		assert.Equal(t, int64(schema.EngineVersion), rec.EngineVersion)
		assert.Equal(t, "shop", rec.SchemaName)

		decoded, err := rec.Decode()
		require.NoError(t, err)
		assert.Equal(t, s.VersionHash, decoded.VersionHash)
	})

	t.Run("versions are ordered", func(t *testing.T) {
		for _, s := range []*schema.Schema{
			versioned(t, "crm", "a", "b"),
			versioned(t, "crm"),
			versioned(t, "crm", "a"),
		} {
			_, err := c.RecordVersion(ctx, s)
			require.NoError(t, err)
		}
		records, err := c.ListVersions(ctx, "crm")
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, []int64{1, 2, 3}, []int64{records[0].Version, records[1].Version, records[2].Version})

		latest, err := c.LatestVersion(ctx, "crm")
		require.NoError(t, err)
		assert.Equal(t, int64(3), latest.Version)
	})

	t.Run("missing version", func(t *testing.T) {
		_, err := c.GetVersion(ctx, "nope")
		assert.ErrorIs(t, err, ErrVersionNotFound)
		_, err = c.LatestVersion(ctx, "nobody")
		assert.ErrorIs(t, err, ErrVersionNotFound)
	})

	t.Run("loads", func(t *testing.T) {
		at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, c.RecordLoad(ctx, LoadRecord{LoadID: "2.000001", SchemaName: "shop", SchemaVersionHash: "h2", InsertedAt: at}))
		require.NoError(t, c.RecordLoad(ctx, LoadRecord{LoadID: "1.000001", SchemaName: "shop", SchemaVersionHash: "h1", InsertedAt: at}))
		require.NoError(t, c.RecordLoad(ctx, LoadRecord{LoadID: "3.000001", InsertedAt: at}))
		// Completing a load twice is harmless.
		require.NoError(t, c.RecordLoad(ctx, LoadRecord{LoadID: "1.000001", SchemaName: "shop", InsertedAt: at}))

		loads, err := c.ListLoads(ctx, "shop")
		require.NoError(t, err)
		require.Len(t, loads, 2)
		assert.Equal(t, "1.000001", loads[0].LoadID)
		assert.Equal(t, "h1", loads[0].SchemaVersionHash)
		assert.Equal(t, schema.LoadStatusCompleted, loads[0].Status)
		assert.True(t, at.Equal(loads[0].InsertedAt))

		all, err := c.ListLoads(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "", all[2].SchemaName)
	})
}

func TestSQLiteCatalog(t *testing.T) {
	catalogSuite(t, newTestCatalog(t))
}

func TestSQLiteCatalogReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := NewSQLiteCatalog(path)
	require.NoError(t, err)
	s := versioned(t, "shop")
	_, err = c.RecordVersion(context.Background(), s)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = NewSQLiteCatalog(path)
	require.NoError(t, err)
	defer c.Close()
	rec, err := c.LatestVersion(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, s.VersionHash, rec.VersionHash)
}

func TestPostgresCatalog(t *testing.T) {
	dsn := os.Getenv("SCHEMAFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SCHEMAFLOW_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := NewPostgresCatalog(ctx, dsn)
	require.NoError(t, err)
	defer c.Close()

	for _, tbl := range []string{schema.VersionTableName, schema.LoadsTableName} {
		_, err := c.pool.Exec(ctx, "TRUNCATE "+quoteIdent(tbl))
		require.NoError(t, err)
	}
	catalogSuite(t, c)
}

func TestOpen(t *testing.T) {
	c, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = Open(context.Background(), "oracle", "x")
	assert.Error(t, err)
}

func TestPostgresTypeMapper(t *testing.T) {
	m := PostgresTypeMapper{}
	cases := map[schema.DataType]string{
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
	for dt, want := range cases {
		got, err := m.ColumnType(&schema.Column{Name: "c", DataType: dt})
		require.NoError(t, err)
		assert.Equal(t, want, got, string(dt))
	}
	_, err := m.ColumnType(&schema.Column{Name: "c", DataType: "uuid"})
	assert.Error(t, err)
	assert.Equal(t, "$3", m.Placeholder(3))
}

func TestRenderCreateTable(t *testing.T) {
	tbl := schema.NewTable("events", "")
	tbl.AddColumn(&schema.Column{Name: "_dlt_id", DataType: schema.TypeText, Unique: true})
	tbl.AddColumn(&schema.Column{Name: "id", DataType: schema.TypeBigint, PrimaryKey: true})
	tbl.AddColumn(&schema.Column{Name: "pending", Nullable: true})
	tbl.AddColumn(&schema.Column{Name: "payload", DataType: schema.TypeComplex, Nullable: true})

	got, err := RenderCreateTable(PostgresTypeMapper{}, tbl)
	require.NoError(t, err)
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "events" (
  "_dlt_id" varchar NOT NULL UNIQUE,
  "id" bigint NOT NULL,
  "payload" jsonb,
  PRIMARY KEY ("id")
)`, got)

	got, err = RenderCreateTable(SQLiteTypeMapper{}, tbl)
	require.NoError(t, err)
	assert.Contains(t, got, `"payload" TEXT`)

	_, err = RenderCreateTable(SQLiteTypeMapper{}, schema.NewTable("empty", ""))
	assert.Error(t, err)
}

func TestRenderSchema(t *testing.T) {
	s := versioned(t, "shop", "orders")
	s.AddTable(schema.NewTable("pending", ""))

	stmts, err := RenderSchema(PostgresTypeMapper{}, s)
	require.NoError(t, err)
	var names []string
	for _, stmt := range stmts {
		names = append(names, strings.Fields(stmt)[5])
	}
	assert.Equal(t, []string{`"_dlt_version"`, `"_dlt_loads"`, `"orders"`}, names)
}

func TestBuildInsertSQL(t *testing.T) {
	got := buildInsertSQL(PostgresTypeMapper{}, schema.LoadsTable(), "load_id")
	assert.Equal(t, `INSERT INTO "_dlt_loads" ("load_id", "schema_name", "status", "inserted_at", "schema_version_hash") VALUES ($1, $2, $3, $4, $5) ON CONFLICT ("load_id") DO NOTHING`, got)
}
