package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/schemaflow/schemaflow/internal/schema"
)

// PostgresCatalog implements Catalog on Postgres through a pgx pool.
type PostgresCatalog struct {
	pool *pgxpool.Pool

	insertVersionSQL string
	insertLoadSQL    string
}

var _ Catalog = (*PostgresCatalog)(nil)

// NewPostgresCatalog connects to dsn and creates the bookkeeping tables.
func NewPostgresCatalog(ctx context.Context, dsn string) (*PostgresCatalog, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: failed to ping: %w", err)
	}

	m := PostgresTypeMapper{}
	stmts, err := bookkeepingDDL(m)
	if err != nil {
		pool.Close()
		return nil, err
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
		}
	}

	return &PostgresCatalog{
		pool:             pool,
		insertVersionSQL: buildInsertSQL(m, schema.VersionTable(), "version_hash"),
		insertLoadSQL:    buildInsertSQL(m, schema.LoadsTable(), "load_id"),
	}, nil
}

// RecordVersion inserts a version row for s unless its hash is recorded.
func (c *PostgresCatalog) RecordVersion(ctx context.Context, s *schema.Schema) (bool, error) {
	row, err := schema.VersionRow(s, time.Now())
	if err != nil {
		return false, fmt.Errorf("catalog: failed to build version row: %w", err)
	}
	tag, err := c.pool.Exec(ctx, c.insertVersionSQL, rowArgs(schema.VersionTable(), row)...)
	if err != nil {
		return false, fmt.Errorf("catalog: failed to insert version %d of %s: %w", s.Version, s.Name, err)
	}
	inserted := tag.RowsAffected() > 0
	if inserted {
		log.Debug().
			Str("schema", s.Name).
			Int64("version", s.Version).
			Str("hash", s.VersionHash).
			Msg("catalog: recorded schema version")
	}
	return inserted, nil
}

// LatestVersion returns the highest recorded version of a schema.
func (c *PostgresCatalog) LatestVersion(ctx context.Context, schemaName string) (*VersionRecord, error) {
	row := c.pool.QueryRow(ctx,
		"SELECT "+versionColumns+" FROM "+quoteIdent(schema.VersionTableName)+
			" WHERE schema_name = $1 ORDER BY version DESC LIMIT 1",
		schemaName,
	)
	rec, err := scanPgVersion(row)
	if err != nil {
		return nil, fmt.Errorf("catalog: latest version of %s: %w", schemaName, err)
	}
	return rec, nil
}

// GetVersion returns the version row with the given hash.
func (c *PostgresCatalog) GetVersion(ctx context.Context, hash string) (*VersionRecord, error) {
	row := c.pool.QueryRow(ctx,
		"SELECT "+versionColumns+" FROM "+quoteIdent(schema.VersionTableName)+" WHERE version_hash = $1",
		hash,
	)
	rec, err := scanPgVersion(row)
	if err != nil {
		return nil, fmt.Errorf("catalog: version %s: %w", hash, err)
	}
	return rec, nil
}

func scanPgVersion(row pgx.Row) (*VersionRecord, error) {
	var rec VersionRecord
	err := row.Scan(&rec.Version, &rec.EngineVersion, &rec.InsertedAt, &rec.SchemaName, &rec.VersionHash, &rec.Schema)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListVersions returns all versions of a schema ordered by version.
func (c *PostgresCatalog) ListVersions(ctx context.Context, schemaName string) ([]VersionRecord, error) {
	rows, err := c.pool.Query(ctx,
		"SELECT "+versionColumns+" FROM "+quoteIdent(schema.VersionTableName)+
			" WHERE schema_name = $1 ORDER BY version ASC",
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
func (c *PostgresCatalog) RecordLoad(ctx context.Context, rec LoadRecord) error {
	if _, err := c.pool.Exec(ctx, c.insertLoadSQL, rowArgs(schema.LoadsTable(), rec.row())...); err != nil {
		return fmt.Errorf("catalog: failed to record load %s: %w", rec.LoadID, err)
	}
	return nil
}

// ListLoads returns the loads of a schema ordered by load id.
func (c *PostgresCatalog) ListLoads(ctx context.Context, schemaName string) ([]LoadRecord, error) {
	query := "SELECT " + loadColumns + " FROM " + quoteIdent(schema.LoadsTableName)
	var args []any
	if schemaName != "" {
		query += " WHERE schema_name = $1"
		args = append(args, schemaName)
	}
	query += " ORDER BY load_id ASC"

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list loads: %w", err)
	}
	defer rows.Close()

	var records []LoadRecord
	for rows.Next() {
		var (
			rec        LoadRecord
			schemaName *string
			hash       *string
		)
		if err := rows.Scan(&rec.LoadID, &schemaName, &rec.Status, &rec.InsertedAt, &hash); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan load: %w", err)
		}
		if schemaName != nil {
			rec.SchemaName = *schemaName
		}
		if hash != nil {
			rec.SchemaVersionHash = *hash
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the connection pool.
func (c *PostgresCatalog) Close() error {
	c.pool.Close()
	return nil
}
