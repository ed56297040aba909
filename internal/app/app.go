// Package app wires the configuration into the schemaflow services: object
// storage, the schema store, load packages, the bookkeeping catalog, the
// normalize pipeline and the HTTP and gRPC listeners.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	grpcapi "github.com/schemaflow/schemaflow/internal/api/grpc"
	httpapi "github.com/schemaflow/schemaflow/internal/api/http"
	"github.com/schemaflow/schemaflow/internal/catalog"
	"github.com/schemaflow/schemaflow/internal/config"
	"github.com/schemaflow/schemaflow/internal/loadpkg"
	"github.com/schemaflow/schemaflow/internal/observability"
	"github.com/schemaflow/schemaflow/internal/pipeline"
	"github.com/schemaflow/schemaflow/internal/schema"
	"github.com/schemaflow/schemaflow/internal/server"
	"github.com/schemaflow/schemaflow/internal/storage"
)

// DiscardWindow is how long discard statistics are kept.
const DiscardWindow = 24 * time.Hour

// mirrorConcurrency bounds parallel uploads of mirrored packages.
const mirrorConcurrency = 4

// App holds the shared resources of one schemaflow process.
type App struct {
	cfg     *config.Config
	version string

	storage  storage.ObjectStorage
	schemas  *storage.SchemaStore
	packages *loadpkg.Store
	catalog  catalog.Catalog
	metrics  *observability.Metrics
	discards *observability.DiscardStats
	pipeline *pipeline.Pipeline
}

// New resolves and validates cfg, creates the data directories and
// initializes every shared resource. Close releases them.
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{cfg: cfg, version: version}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	var err error

	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		s3Cfg.Prefix = a.cfg.Storage.S3.Prefix
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		err = fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Info().
		Str("type", a.cfg.Storage.Type).
		Str("path", a.cfg.Storage.Path).
		Str("bucket", a.cfg.Storage.S3.Bucket).
		Msg("app: storage initialized")

	format, err := schema.ParseFormat(a.cfg.Storage.SchemaFormat)
	if err != nil {
		return err
	}
	a.schemas = storage.NewSchemaStore(a.storage, format)

	pkgFormat, err := loadpkg.ParseFormat(a.cfg.Normalize.PackageFormat)
	if err != nil {
		return err
	}
	a.packages, err = loadpkg.NewStore(a.cfg.Normalize.PackageDir, loadpkg.Options{
		Format:      pkgFormat,
		MaxFileSize: a.cfg.Normalize.MaxFileSize,
		BlockRows:   a.cfg.Normalize.BlockRows,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize load packages: %w", err)
	}
	if removed, err := a.packages.CleanupTemp(a.cfg.Normalize.TempMaxAge); err != nil {
		log.Warn().Err(err).Msg("app: temp package cleanup failed")
	} else if len(removed) > 0 {
		log.Info().Int("removed", len(removed)).Msg("app: removed stale temp packages")
	}

	if a.cfg.Catalog.Driver != "none" {
		a.catalog, err = catalog.Open(ctx, a.cfg.Catalog.Driver, a.cfg.Catalog.DSN)
		if err != nil {
			return fmt.Errorf("failed to initialize catalog: %w", err)
		}
		log.Info().Str("driver", a.cfg.Catalog.Driver).Msg("app: catalog initialized")
	}

	a.metrics = observability.NewMetrics("schemaflow")
	a.discards = observability.NewDiscardStats(DiscardWindow)

	runnerCfg, err := a.cfg.Normalize.RunnerConfig()
	if err != nil {
		return fmt.Errorf("invalid normalize configuration: %w", err)
	}
	opts := pipeline.Options{
		Schemas:     a.schemas,
		Packages:    a.packages,
		Normalize:   runnerCfg,
		NewSchema:   a.cfg.Normalize.SchemaOptions(),
		AutoMigrate: a.cfg.Normalize.AutoMigrate,
		Catalog:     a.catalog,
		Metrics:     a.metrics,
		Discards:    a.discards,
	}
	if a.cfg.Storage.MirrorPackages {
		opts.Mirror = storage.NewBatch(a.storage, mirrorConcurrency)
	}
	a.pipeline, err = pipeline.New(opts)
	return err
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Pipeline returns the normalize pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Metrics returns the normalizer metrics.
func (a *App) Metrics() *observability.Metrics { return a.metrics }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return httpapi.NewRouter(httpapi.RouterOptions{
		Pipeline:     a.pipeline,
		Discards:     a.discards,
		Metrics:      a.metrics.Handler(),
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
		Version:      a.version,
	})
}

// Serve runs the HTTP server and, when enabled, the gRPC health server until
// ctx is canceled or a termination signal arrives. Resources are closed on
// return.
func (a *App) Serve(ctx context.Context) error {
	lc := server.New(server.Config{
		ShutdownTimeout: a.cfg.HTTP.ShutdownTimeout,
	})

	httpSrv := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      lc.Middleware(a.Handler()),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	lc.Add(server.NewHTTPServer("http", httpSrv))

	if a.cfg.GRPC.Enabled {
		grpcSrv := grpcapi.NewServer(a.cfg.GRPC.Addr)
		lc.OnDrain(func() { grpcSrv.SetServing(false) })
		lc.Add(grpcSrv)
	}
	lc.RegisterCloser("app", server.CloserFunc(a.Close))

	log.Info().
		Str("version", a.version).
		Str("data_dir", a.cfg.DataDir).
		Str("http", a.cfg.HTTP.Addr).
		Bool("grpc", a.cfg.GRPC.Enabled).
		Msg("app: serving")
	return lc.Run(ctx)
}

// Close releases the catalog. It is safe to call more than once.
func (a *App) Close() error {
	if a.catalog == nil {
		return nil
	}
	err := a.catalog.Close()
	a.catalog = nil
	return err
}
