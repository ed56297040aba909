// Package config provides configuration for the schemaflow CLI and service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/schemaflow/schemaflow/internal/normalize"
	"github.com/schemaflow/schemaflow/internal/schema"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCHEMAFLOW_"

// Config holds the configuration of schemaflow.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir" validate:"required"`

	Log       LogConfig       `json:"log" yaml:"log"`
	Normalize NormalizeConfig `json:"normalize" yaml:"normalize"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Catalog   CatalogConfig   `json:"catalog" yaml:"catalog"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	GRPC      GRPCConfig      `json:"grpc" yaml:"grpc"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=console json"`
}

// NormalizeConfig holds flattener, runner and load package settings.
type NormalizeConfig struct {
	// Workers is the number of document chunks flattened in parallel
	Workers  int  `json:"workers" yaml:"workers" validate:"gte=1,lte=256"`
	FailFast bool `json:"fail_fast" yaml:"fail_fast"`

	MaxNesting          int    `json:"max_nesting" yaml:"max_nesting" validate:"gte=0"`
	MaxIdentifierLength int    `json:"max_identifier_length" yaml:"max_identifier_length" validate:"gte=0"`
	RowIDMode           string `json:"row_id_mode" yaml:"row_id_mode" validate:"oneof=random content"`
	RootKeyPropagation  bool   `json:"root_key_propagation" yaml:"root_key_propagation"`
	WriteDisposition    string `json:"write_disposition" yaml:"write_disposition" validate:"oneof=append replace merge skip"`

	// Detections enables type detectors on new schemas. Nil keeps the defaults.
	Detections []string `json:"detections,omitempty" yaml:"detections,omitempty"`

	Contract ContractConfig `json:"contract" yaml:"contract"`

	// AutoMigrate upgrades schemas written by an older engine
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate"`

	// PackageDir holds temp and committed load packages
	PackageDir    string `json:"package_dir" yaml:"package_dir"`
	PackageFormat string `json:"package_format" yaml:"package_format" validate:"oneof=json msgpack"`
	MaxFileSize   int64  `json:"max_file_size" yaml:"max_file_size" validate:"gte=0"`
	BlockRows     int    `json:"block_rows" yaml:"block_rows" validate:"gte=0"`

	// TempMaxAge is the age after which abandoned temp packages are removed
	TempMaxAge time.Duration `json:"temp_max_age" yaml:"temp_max_age" validate:"gte=0"`
}

// ContractConfig sets the run-level schema contract.
type ContractConfig struct {
	Tables   string `json:"tables" yaml:"tables" validate:"omitempty,oneof=evolve freeze discard_row discard_value"`
	Columns  string `json:"columns" yaml:"columns" validate:"omitempty,oneof=evolve freeze discard_row discard_value"`
	DataType string `json:"data_type" yaml:"data_type" validate:"omitempty,oneof=evolve freeze discard_row discard_value"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type" validate:"oneof=local s3"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// SchemaFormat is the encoding of stored schemas: json, yaml
	SchemaFormat string `json:"schema_format" yaml:"schema_format" validate:"oneof=json yaml"`

	// MirrorPackages copies committed load packages into the object store
	MirrorPackages bool `json:"mirror_packages" yaml:"mirror_packages"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	Prefix       string `json:"prefix" yaml:"prefix"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// CatalogConfig selects the bookkeeping catalog.
type CatalogConfig struct {
	// Driver is sqlite, postgres or none
	Driver string `json:"driver" yaml:"driver" validate:"oneof=sqlite postgres none"`

	// DSN is a file path for sqlite and a connection string for postgres.
	// Empty selects <data_dir>/catalog.db for sqlite.
	DSN string `json:"dsn" yaml:"dsn"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr            string        `json:"addr" yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// MaxBodyBytes bounds the size of request bodies
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes" validate:"gte=0"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC health server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/schemaflow",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Normalize: NormalizeConfig{
			Workers:          1,
			MaxNesting:       normalize.DefaultMaxNesting,
			RowIDMode:        string(normalize.RowIDRandom),
			WriteDisposition: string(schema.DefaultWriteDisposition),
			PackageFormat:    "json",
			MaxFileSize:      64 << 20,
			BlockRows:        5000,
			TempMaxAge:       time.Hour,
		},
		Storage: StorageConfig{
			Type:         "local",
			SchemaFormat: "json",
		},
		Catalog: CatalogConfig{
			Driver: "sqlite",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    64 << 20,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: false,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/schemaflow"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Normalize.PackageDir == "" {
		c.Normalize.PackageDir = filepath.Join(c.DataDir, "packages")
	}
	if c.Catalog.Driver == "sqlite" && c.Catalog.DSN == "" {
		c.Catalog.DSN = filepath.Join(c.DataDir, "catalog.db")
	}
}

var validate = validator.New()

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when storage type is s3")
	}
	if c.Catalog.Driver == "postgres" && c.Catalog.DSN == "" {
		return fmt.Errorf("catalog.dsn is required when catalog driver is postgres")
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}
	for _, d := range c.Normalize.Detections {
		if _, ok := schema.LookupDetector(d); !ok {
			return fmt.Errorf("normalize.detections: unknown detector %q", d)
		}
	}
	return nil
}

// RunnerConfig converts the normalize section into the runner configuration.
func (c *NormalizeConfig) RunnerConfig() (normalize.Config, error) {
	cfg := normalize.DefaultConfig()
	cfg.Workers = c.Workers
	cfg.FailFast = c.FailFast
	cfg.MaxNesting = c.MaxNesting
	cfg.MaxIdentifierLength = c.MaxIdentifierLength
	cfg.RowIDMode = normalize.RowIDMode(c.RowIDMode)
	cfg.RootKeyPropagation = c.RootKeyPropagation

	wd, err := schema.ParseWriteDisposition(c.WriteDisposition)
	if err != nil {
		return normalize.Config{}, err
	}
	cfg.WriteDisposition = wd

	contract, err := c.Contract.Contract()
	if err != nil {
		return normalize.Config{}, err
	}
	cfg.Contract = contract.Over(cfg.Contract)
	return cfg, cfg.Validate()
}

// SchemaOptions returns the options of schemas created on first use.
func (c *NormalizeConfig) SchemaOptions() schema.Options {
	return schema.Options{
		Detections:         c.Detections,
		MaxNesting:         c.MaxNesting,
		RootKeyPropagation: c.RootKeyPropagation,
	}
}

// Contract parses the configured modes. Empty modes stay unset.
func (c ContractConfig) Contract() (schema.Contract, error) {
	var out schema.Contract
	for _, f := range []struct {
		value string
		dst   *schema.ContractMode
	}{
		{c.Tables, &out.Tables},
		{c.Columns, &out.Columns},
		{c.DataType, &out.DataType},
	} {
		if f.value == "" {
			continue
		}
		m, err := schema.ParseContractMode(f.value)
		if err != nil {
			return schema.Contract{}, err
		}
		*f.dst = m
	}
	return out, nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from .env files into the environment. Missing
// files are ignored and variables already set are kept.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// LoadFromEnv applies overrides from SCHEMAFLOW_* environment variables.
// Malformed numeric or boolean values are reported.
func LoadFromEnv(cfg *Config) error {
	e := envReader{}

	e.str("DATA_DIR", &cfg.DataDir)
	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)

	// Normalize configuration
	e.int("NORMALIZE_WORKERS", &cfg.Normalize.Workers)
	e.bool("NORMALIZE_FAIL_FAST", &cfg.Normalize.FailFast)
	e.int("NORMALIZE_MAX_NESTING", &cfg.Normalize.MaxNesting)
	e.int("NORMALIZE_MAX_IDENTIFIER_LENGTH", &cfg.Normalize.MaxIdentifierLength)
	e.str("NORMALIZE_ROW_ID_MODE", &cfg.Normalize.RowIDMode)
	e.bool("NORMALIZE_ROOT_KEY_PROPAGATION", &cfg.Normalize.RootKeyPropagation)
	e.str("NORMALIZE_WRITE_DISPOSITION", &cfg.Normalize.WriteDisposition)
	e.list("NORMALIZE_DETECTIONS", &cfg.Normalize.Detections)
	e.str("NORMALIZE_CONTRACT_TABLES", &cfg.Normalize.Contract.Tables)
	e.str("NORMALIZE_CONTRACT_COLUMNS", &cfg.Normalize.Contract.Columns)
	e.str("NORMALIZE_CONTRACT_DATA_TYPE", &cfg.Normalize.Contract.DataType)
	e.bool("NORMALIZE_AUTO_MIGRATE", &cfg.Normalize.AutoMigrate)
	e.str("NORMALIZE_PACKAGE_DIR", &cfg.Normalize.PackageDir)
	e.str("NORMALIZE_PACKAGE_FORMAT", &cfg.Normalize.PackageFormat)
	e.duration("NORMALIZE_TEMP_MAX_AGE", &cfg.Normalize.TempMaxAge)

	// Storage configuration
	e.str("STORAGE_TYPE", &cfg.Storage.Type)
	e.str("STORAGE_PATH", &cfg.Storage.Path)
	e.str("STORAGE_SCHEMA_FORMAT", &cfg.Storage.SchemaFormat)
	e.bool("STORAGE_MIRROR_PACKAGES", &cfg.Storage.MirrorPackages)
	e.str("S3_BUCKET", &cfg.Storage.S3.Bucket)
	e.str("S3_REGION", &cfg.Storage.S3.Region)
	e.str("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	e.str("S3_PREFIX", &cfg.Storage.S3.Prefix)
	e.bool("S3_USE_PATH_STYLE", &cfg.Storage.S3.UsePathStyle)

	// Catalog configuration
	e.str("CATALOG_DRIVER", &cfg.Catalog.Driver)
	e.str("CATALOG_DSN", &cfg.Catalog.DSN)

	// HTTP and gRPC configuration
	e.str("HTTP_ADDR", &cfg.HTTP.Addr)
	e.duration("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	e.duration("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	e.str("GRPC_ADDR", &cfg.GRPC.Addr)
	e.bool("GRPC_ENABLED", &cfg.GRPC.Enabled)

	return e.err
}

type envReader struct {
	err error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	return v, ok && v != ""
}

func (e *envReader) fail(name, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, v, err)
	}
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) int(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) bool(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) list(name string, dst *[]string) {
	if v, ok := e.lookup(name); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Normalize.PackageDir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
