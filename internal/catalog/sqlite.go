package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/schemaflow/schemaflow/internal/schema"
)

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex // single writer

	insertVersionStmt *sql.Stmt
	insertLoadStmt    *sql.Stmt
}

var _ Catalog = (*SQLiteCatalog)(nil)

const versionColumns = "version, engine_version, inserted_at, schema_name, version_hash, schema"

const loadColumns = "load_id, schema_name, status, inserted_at, schema_version_hash"

// NewSQLiteCatalog opens or creates the catalog database at dbPath.
func NewSQLiteCatalog(dbPath string) (*SQLiteCatalog, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") && !strings.Contains(dsn, ":memory:") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	// A single connection keeps in-memory databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &SQLiteCatalog{db: db, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}

	m := SQLiteTypeMapper{}
	c.insertVersionStmt, err = db.Prepare(buildInsertSQL(m, schema.VersionTable(), "version_hash"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to prepare version insert: %w", err)
	}
	c.insertLoadStmt, err = db.Prepare(buildInsertSQL(m, schema.LoadsTable(), "load_id"))
	if err != nil {
		c.insertVersionStmt.Close()
		db.Close()
		return nil, fmt.Errorf("catalog: failed to prepare load insert: %w", err)
	}
	return c, nil
}

func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stmts, err := bookkeepingDDL(SQLiteTypeMapper{})
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// RecordVersion inserts a version row for s unless its hash is recorded.
func (c *SQLiteCatalog) RecordVersion(ctx context.Context, s *schema.Schema) (bool, error) {
	row, err := schema.VersionRow(s, time.Now())
	if err != nil {
		return false, fmt.Errorf("catalog: failed to build version row: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.insertVersionStmt.ExecContext(ctx, rowArgs(schema.VersionTable(), row)...)
	if err != nil {
		return false, fmt.Errorf("catalog: failed to insert version %d of %s: %w", s.Version, s.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("catalog: failed to read affected rows: %w", err)
	}
	if n > 0 {
		log.Debug().
			Str("schema", s.Name).
			Int64("version", s.Version).
			Str("hash", s.VersionHash).
			Msg("catalog: recorded schema version")
	}
	return n > 0, nil
}

// LatestVersion returns the highest recorded version of a schema.
func (c *SQLiteCatalog) LatestVersion(ctx context.Context, schemaName string) (*VersionRecord, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM "+quoteIdent(schema.VersionTableName)+
			" WHERE schema_name = ? ORDER BY version DESC LIMIT 1",
		schemaName,
	)
	rec, err := scanVersion(row)
	if err != nil {
		return nil, fmt.Errorf("catalog: latest version of %s: %w", schemaName, err)
	}
	return rec, nil
}

// GetVersion returns the version row with the given hash.
func (c *SQLiteCatalog) GetVersion(ctx context.Context, hash string) (*VersionRecord, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM "+quoteIdent(schema.VersionTableName)+" WHERE version_hash = ?",
		hash,
	)
	rec, err := scanVersion(row)
	if err != nil {
		return nil, fmt.Errorf("catalog: version %s: %w", hash, err)
	}
	return rec, nil
}

func scanVersion(row *sql.Row) (*VersionRecord, error) {
	var rec VersionRecord
	err := row.Scan(&rec.Version, &rec.EngineVersion, &rec.InsertedAt, &rec.SchemaName, &rec.VersionHash, &rec.Schema)
	if err == sql.ErrNoRows {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListVersions returns all versions of a schema ordered by version.
func (c *SQLiteCatalog) ListVersions(ctx context.Context, schemaName string) ([]VersionRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT "+versionColumns+" FROM "+quoteIdent(schema.VersionTableName)+
			" WHERE schema_name = ? ORDER BY version ASC",
		schemaName,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list versions: %w", err)
	}
	defer rows.Close()

	var records []VersionRecord
	for rows.Next() {
		var rec VersionRecord
		if err := rows.Scan(&rec.Version, &rec.EngineVersion, &rec.InsertedAt, &rec.SchemaName, &rec.VersionHash, &rec.Schema); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan version: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordLoad inserts a load row.
func (c *SQLiteCatalog) RecordLoad(ctx context.Context, rec LoadRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.insertLoadStmt.ExecContext(ctx, rowArgs(schema.LoadsTable(), rec.row())...); err != nil {
		return fmt.Errorf("catalog: failed to record load %s: %w", rec.LoadID, err)
	}
	return nil
}

// ListLoads returns the loads of a schema ordered by load id.
func (c *SQLiteCatalog) ListLoads(ctx context.Context, schemaName string) ([]LoadRecord, error) {
	query := "SELECT " + loadColumns + " FROM " + quoteIdent(schema.LoadsTableName)
	var args []any
	if schemaName != "" {
		query += " WHERE schema_name = ?"
		args = append(args, schemaName)
	}
	query += " ORDER BY load_id ASC"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list loads: %w", err)
	}
	defer rows.Close()

	var records []LoadRecord
	for rows.Next() {
		var (
			rec        LoadRecord
			schemaName sql.NullString
			hash       sql.NullString
		)
		if err := rows.Scan(&rec.LoadID, &schemaName, &rec.Status, &rec.InsertedAt, &hash); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan load: %w", err)
		}
		rec.SchemaName = schemaName.String
		rec.SchemaVersionHash = hash.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the catalog database connection.
func (c *SQLiteCatalog) Close() error {
	if c.insertVersionStmt != nil {
		c.insertVersionStmt.Close()
	}
	if c.insertLoadStmt != nil {
		c.insertLoadStmt.Close()
	}
	return c.db.Close()
}
