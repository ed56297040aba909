// Package pipeline runs normalize jobs end to end: it loads the schema,
// flattens a batch of documents, writes the load package and persists the
// evolved schema and its bookkeeping rows.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schemaflow/schemaflow/internal/catalog"
	apperrors "github.com/schemaflow/schemaflow/internal/errors"
	"github.com/schemaflow/schemaflow/internal/loadpkg"
	"github.com/schemaflow/schemaflow/internal/normalize"
	"github.com/schemaflow/schemaflow/internal/observability"
	"github.com/schemaflow/schemaflow/internal/schema"
	"github.com/schemaflow/schemaflow/internal/storage"
	"github.com/schemaflow/schemaflow/pkg/types"
)

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("pipeline: invalid request")

// ErrNoCatalog is returned by operations that need a catalog when none is
// configured.
var ErrNoCatalog = errors.New("pipeline: no catalog configured")

// Options configures a Pipeline. Schemas, Packages and Normalize are required.
type Options struct {
	Schemas   *storage.SchemaStore
	Packages  *loadpkg.Store
	Normalize normalize.Config

	// NewSchema configures schemas created on first use.
	NewSchema schema.Options

	// AutoMigrate upgrades schemas written by an older engine instead of
	// failing the job.
	AutoMigrate bool

	Catalog  catalog.Catalog
	Metrics  *observability.Metrics
	Discards *observability.DiscardStats

	// Mirror, when set, receives a copy of every committed package under
	// MirrorPrefix/<load_id>/.
	Mirror       *storage.Batch
	MirrorPrefix string
}

// Pipeline executes normalize jobs. Jobs on different schemas run
// concurrently; jobs on the same schema are serialized.
type Pipeline struct {
	opts   Options
	runner *normalize.Runner
	ids    *types.LoadIDGenerator

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Schemas == nil || opts.Packages == nil {
		return nil, fmt.Errorf("pipeline: schema store and package store are required")
	}
	runner, err := normalize.NewRunner(opts.Normalize)
	if err != nil {
		return nil, err
	}
	if opts.NewSchema.MaxNesting == 0 {
		opts.NewSchema.MaxNesting = opts.Normalize.MaxNesting
	}
	if !opts.NewSchema.RootKeyPropagation {
		opts.NewSchema.RootKeyPropagation = opts.Normalize.RootKeyPropagation
	}
	if opts.MirrorPrefix == "" {
		opts.MirrorPrefix = "loads"
	}
	return &Pipeline{
		opts:   opts,
		runner: runner,
		ids:    types.NewLoadIDGenerator(),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Catalog returns the configured catalog, or nil.
func (p *Pipeline) Catalog() catalog.Catalog { return p.opts.Catalog }

// Schemas returns the schema store.
func (p *Pipeline) Schemas() *storage.SchemaStore { return p.opts.Schemas }

// Packages returns the load package store.
func (p *Pipeline) Packages() *loadpkg.Store { return p.opts.Packages }

func (p *Pipeline) lock(name string) func() {
	p.mu.Lock()
	l, ok := p.locks[name]
	if !ok {
		l = &sync.Mutex{}
		p.locks[name] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Request is one normalize job.
type Request struct {
	SchemaName string
	Table      string
	// LoadID is generated when empty.
	LoadID    string
	Documents []types.Value
}

// Report describes a finished normalize job.
type Report struct {
	LoadID        string                     `json:"load_id"`
	SchemaName    string                     `json:"schema_name"`
	Table         string                     `json:"table"`
	Version       int64                      `json:"version"`
	VersionHash   string                     `json:"version_hash"`
	SchemaChanged bool                       `json:"schema_changed"`
	SchemaCreated bool                       `json:"schema_created,omitempty"`
	Migrated      bool                       `json:"migrated,omitempty"`
	Documents     int                        `json:"documents"`
	Failed        int                        `json:"failed"`
	Discarded     int                        `json:"discarded"`
	Rows          map[string]int             `json:"rows"`
	TableOrder    []string                   `json:"table_order"`
	Reports       []normalize.DocumentReport `json:"reports"`
	PackagePath   string                     `json:"package_path"`
	Duration      time.Duration              `json:"duration_ns"`
}

// Normalize runs one job. Per-document failures are listed in the report;
// batch-aborting failures are returned and leave the stored schema unchanged.
func (p *Pipeline) Normalize(ctx context.Context, req Request) (*Report, error) {
	if req.SchemaName == "" || req.Table == "" {
		return nil, fmt.Errorf("%w: schema name and table are required", ErrInvalidRequest)
	}
	if req.LoadID == "" {
		req.LoadID = p.ids.Generate().String()
	} else if strings.ContainsAny(req.LoadID, `/\`) || strings.Trim(req.LoadID, ".") == "" {
		return nil, fmt.Errorf("%w: invalid load id %q", ErrInvalidRequest, req.LoadID)
	}

	start := time.Now()
	if p.opts.Metrics != nil {
		defer p.opts.Metrics.BatchStarted()()
	}
	unlock := p.lock(req.SchemaName)
	defer unlock()

	rep, res, pkgBytes, err := p.normalize(ctx, req)
	if p.opts.Metrics != nil {
		summary := observability.BatchSummary{
			Schema:    req.SchemaName,
			OK:        err == nil,
			Documents: len(req.Documents),
			Duration:  time.Since(start),
		}
		if err == nil {
			summary.Failed = rep.Failed
			summary.Rows = rep.Rows
			summary.Discards = discardCounts(res)
			summary.Version = rep.Version
			summary.SchemaChanged = rep.SchemaChanged
			summary.Retries = res.Retries
			summary.PackageBytes = pkgBytes
		}
		p.opts.Metrics.ObserveBatch(summary)
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("schema", req.SchemaName).
			Str("table", req.Table).
			Str("load_id", req.LoadID).
			Msg("pipeline: normalize failed")
		return nil, err
	}
	rep.Duration = time.Since(start)
	return rep, nil
}

func (p *Pipeline) normalize(ctx context.Context, req Request) (*Report, *normalize.BatchResult, int64, error) {
	sc, created, err := p.opts.Schemas.LoadOrCreate(ctx, req.SchemaName, &p.opts.NewSchema)
	if err != nil {
		return nil, nil, 0, err
	}

	migrated := false
	if err := schema.CheckEngineVersion(sc); err != nil {
		if !p.opts.AutoMigrate || !errors.Is(err, apperrors.ErrEngineVersionMismatch) {
			return nil, nil, 0, err
		}
		if migrated, err = schema.Migrate(sc); err != nil {
			return nil, nil, 0, err
		}
	}

	res, err := p.runner.Run(ctx, sc, req.Table, req.LoadID, req.Documents)
	if err != nil {
		return nil, nil, 0, err
	}

	rows := res.Rows
	if res.SchemaChanged {
		vrow, err := schema.VersionRow(sc, time.Now())
		if err != nil {
			return nil, nil, 0, apperrors.NewHashError("failed to build version row", err)
		}
		rows = make(map[string][]types.Row, len(res.Rows)+1)
		for t, r := range res.Rows {
			rows[t] = r
		}
		rows[schema.VersionTableName] = []types.Row{vrow}
	}

	// The schema is saved before the package is committed so a failed save
	// leaves neither a package nor a version row behind.
	w, err := p.stagePackage(ctx, req.LoadID, sc, res.Update, rows)
	if err != nil {
		return nil, nil, 0, err
	}
	saveSchema := res.SchemaChanged || created || migrated
	if saveSchema {
		if err := p.opts.Schemas.Save(ctx, sc); err != nil {
			p.abortPackage(w, req.LoadID)
			return nil, nil, 0, err
		}
	}
	pkg, err := w.Commit()
	if err != nil {
		p.abortPackage(w, req.LoadID)
		return nil, nil, 0, err
	}
	size, err := pkg.Size()
	if err != nil {
		return nil, nil, 0, err
	}

	if res.SchemaChanged && p.opts.Catalog != nil {
		if _, err := p.opts.Catalog.RecordVersion(ctx, sc); err != nil {
			return nil, nil, 0, err
		}
	}
	if saveSchema {
		if _, err := p.opts.Schemas.Export(ctx, sc); err != nil {
			return nil, nil, 0, err
		}
	}
	if p.opts.Mirror != nil {
		if _, err := p.opts.Mirror.UploadDir(ctx, pkg.Dir, path.Join(p.opts.MirrorPrefix, req.LoadID)); err != nil {
			return nil, nil, 0, err
		}
	}
	p.recordDiscards(res)

	counts := make(map[string]int, len(rows))
	for t, r := range rows {
		counts[t] = len(r)
	}
	rep := &Report{
		LoadID:        req.LoadID,
		SchemaName:    sc.Name,
		Table:         req.Table,
		Version:       sc.Version,
		VersionHash:   sc.VersionHash,
		SchemaChanged: res.SchemaChanged,
		SchemaCreated: created,
		Migrated:      migrated,
		Documents:     len(req.Documents),
		Failed:        res.Failed(),
		Discarded:     res.Discarded(),
		Rows:          counts,
		TableOrder:    res.TableOrder,
		Reports:       res.Reports,
		PackagePath:   pkg.Dir,
	}

	log.Info().
		Str("schema", sc.Name).
		Str("load_id", req.LoadID).
		Int64("version", sc.Version).
		Str("hash", sc.VersionHash).
		Bool("schema_changed", res.SchemaChanged).
		Int64("package_bytes", size).
		Msg("pipeline: load package committed")
	return rep, res, size, nil
}

// stagePackage writes rows, schema and update into an uncommitted package.
func (p *Pipeline) stagePackage(ctx context.Context, loadID string, sc *schema.Schema, u *schema.Update, rows map[string][]types.Row) (*loadpkg.Writer, error) {
	w, err := p.opts.Packages.Create(loadID)
	if err != nil {
		return nil, err
	}
	err = func() error {
		if err := w.WriteTables(ctx, rows); err != nil {
			return err
		}
		if err := w.SaveSchema(sc); err != nil {
			return err
		}
		return w.SaveUpdates(u)
	}()
	if err != nil {
		p.abortPackage(w, loadID)
		return nil, err
	}
	return w, nil
}

func (p *Pipeline) abortPackage(w *loadpkg.Writer, loadID string) {
	if err := w.Abort(); err != nil {
		log.Warn().Err(err).Str("load_id", loadID).Msg("pipeline: failed to abort load package")
	}
}

func (p *Pipeline) recordDiscards(res *normalize.BatchResult) {
	if p.opts.Discards == nil {
		return
	}
	for _, r := range res.Reports {
		for _, d := range r.Discards {
			p.opts.Discards.Record(d.Table, d.Column, string(d.Mode))
		}
	}
}

func discardCounts(res *normalize.BatchResult) map[[2]string]int {
	out := map[[2]string]int{}
	for _, r := range res.Reports {
		for _, d := range r.Discards {
			out[[2]string{d.Table, string(d.Mode)}]++
		}
	}
	return out
}

// CompleteLoad records that the package loadID was loaded into the
// destination. schemaName may be empty, in which case the schema stored in
// the package is used.
func (p *Pipeline) CompleteLoad(ctx context.Context, loadID, schemaName string) (*catalog.LoadRecord, error) {
	if p.opts.Catalog == nil {
		return nil, ErrNoCatalog
	}
	pkg, err := p.opts.Packages.Open(loadID)
	if err != nil {
		return nil, err
	}
	pkgSchema, err := pkg.Schema()
	if err != nil {
		return nil, err
	}
	if schemaName == "" {
		schemaName = pkgSchema.Name
	}
	if schemaName != pkgSchema.Name {
		return nil, fmt.Errorf("%w: load %s belongs to schema %s, not %s",
			ErrInvalidRequest, loadID, pkgSchema.Name, schemaName)
	}

	unlock := p.lock(schemaName)
	defer unlock()

	current, err := p.opts.Schemas.Load(ctx, schemaName)
	if err != nil {
		return nil, err
	}
	rec := catalog.LoadRecord{
		LoadID:            loadID,
		SchemaName:        schemaName,
		Status:            schema.LoadStatusCompleted,
		InsertedAt:        time.Now().UTC(),
		SchemaVersionHash: current.VersionHash,
	}
	if err := p.opts.Catalog.RecordLoad(ctx, rec); err != nil {
		return nil, err
	}
	log.Info().Str("schema", schemaName).Str("load_id", loadID).Msg("pipeline: load completed")
	return &rec, nil
}

// MigrationReport describes an explicit migration.
type MigrationReport struct {
	SchemaName  string `json:"schema_name"`
	From        int    `json:"from_engine_version"`
	To          int    `json:"to_engine_version"`
	Migrated    bool   `json:"migrated"`
	Version     int64  `json:"version"`
	VersionHash string `json:"version_hash"`
}

// Migrate upgrades the named schema to the running engine version and
// persists it.
func (p *Pipeline) Migrate(ctx context.Context, name string) (*MigrationReport, error) {
	unlock := p.lock(name)
	defer unlock()

	sc, err := p.opts.Schemas.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	rep := &MigrationReport{SchemaName: name, From: sc.EngineVersion}
	if rep.Migrated, err = schema.Migrate(sc); err != nil {
		return nil, err
	}
	rep.To = sc.EngineVersion
	changed, err := sc.BumpVersion()
	if err != nil {
		return nil, err
	}
	rep.Version, rep.VersionHash = sc.Version, sc.VersionHash
	if !rep.Migrated && !changed {
		return rep, nil
	}

	if changed && p.opts.Catalog != nil {
		if _, err := p.opts.Catalog.RecordVersion(ctx, sc); err != nil {
			return nil, err
		}
	}
	if err := p.opts.Schemas.Save(ctx, sc); err != nil {
		return nil, err
	}
	if _, err := p.opts.Schemas.Export(ctx, sc); err != nil {
		return nil, err
	}
	return rep, nil
}

// Schema returns the stored schema.
func (p *Pipeline) Schema(ctx context.Context, name string) (*schema.Schema, error) {
	return p.opts.Schemas.Load(ctx, name)
}

// Loads lists completed loads of a schema. An empty name lists all loads.
func (p *Pipeline) Loads(ctx context.Context, schemaName string) ([]catalog.LoadRecord, error) {
	if p.opts.Catalog == nil {
		return nil, ErrNoCatalog
	}
	return p.opts.Catalog.ListLoads(ctx, schemaName)
}
