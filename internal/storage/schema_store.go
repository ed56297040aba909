package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	apperrors "github.com/schemaflow/schemaflow/internal/errors"
	"github.com/schemaflow/schemaflow/internal/schema"
)

const schemaPrefix = "schemas/"

// SchemaStore persists schemas in an ObjectStorage. Each schema lives under
// schemas/<name>.schema.<ext>; exported versions live under
// schemas/<name>/v<version>.<ext>.
//
// Saves are conditional on the ETag seen by the last Load or Save of the
// same schema, so two writers cannot silently overwrite each other.
type SchemaStore struct {
	storage ObjectStorage
	format  schema.Format

	mu    sync.Mutex
	etags map[string]string
}

// NewSchemaStore creates a schema store writing format f.
func NewSchemaStore(storage ObjectStorage, f schema.Format) *SchemaStore {
	if f == "" {
		f = schema.FormatJSON
	}
	return &SchemaStore{
		storage: storage,
		format:  f,
		etags:   make(map[string]string),
	}
}

// Format returns the encoding used for stored schemas.
func (s *SchemaStore) Format() schema.Format { return s.format }

func validSchemaName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\.`) {
		return fmt.Errorf("storage: invalid schema name %q", name)
	}
	return nil
}

// SchemaKey returns the object key of the live schema.
func (s *SchemaStore) SchemaKey(name string) string {
	return schemaPrefix + name + ".schema." + s.format.Extension()
}

// VersionKey returns the object key of an exported version.
func (s *SchemaStore) VersionKey(name string, version int64) string {
	return fmt.Sprintf("%s%s/v%d.%s", schemaPrefix, name, version, s.format.Extension())
}

// Load reads the named schema. A missing schema is a SCHEMA_NOT_FOUND error.
func (s *SchemaStore) Load(ctx context.Context, name string) (*schema.Schema, error) {
	if err := validSchemaName(name); err != nil {
		return nil, err
	}
	data, etag, err := s.storage.Get(ctx, s.SchemaKey(name))
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, apperrors.NewSchemaNotFound(name)
		}
		return nil, apperrors.NewStorageError("failed to load schema "+name, err)
	}
	sc, err := schema.Unmarshal(data, s.format)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.etags[name] = etag
	s.mu.Unlock()

	log.Debug().
		Str("schema", name).
		Int64("version", sc.Version).
		Str("hash", sc.VersionHash).
		Msg("storage: loaded schema")
	return sc, nil
}

// LoadOrCreate loads the named schema, or returns a new one built from opts
// when none is stored. The new schema is not saved.
func (s *SchemaStore) LoadOrCreate(ctx context.Context, name string, opts *schema.Options) (*schema.Schema, bool, error) {
	sc, err := s.Load(ctx, name)
	if err == nil {
		return sc, false, nil
	}
	if !errors.Is(err, apperrors.ErrSchemaNotFound) {
		return nil, false, err
	}
	return schema.New(name, opts), true, nil
}

// Save writes sc. It fails with ErrPreconditionFailed when the stored copy
// changed since this store last read or wrote it.
func (s *SchemaStore) Save(ctx context.Context, sc *schema.Schema) error {
	if err := validSchemaName(sc.Name); err != nil {
		return err
	}
	data, err := schema.Marshal(sc, s.format)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	etag, err := s.storage.PutIfMatch(ctx, s.SchemaKey(sc.Name), data, s.etags[sc.Name])
	if err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			return fmt.Errorf("storage: schema %s was modified concurrently: %w", sc.Name, err)
		}
		return apperrors.NewStorageError("failed to save schema "+sc.Name, err)
	}
	s.etags[sc.Name] = etag

	log.Debug().
		Str("schema", sc.Name).
		Int64("version", sc.Version).
		Msg("storage: saved schema")
	return nil
}

// Export writes a versioned copy of sc. Exports are immutable; an existing
// export of the same version is left untouched.
func (s *SchemaStore) Export(ctx context.Context, sc *schema.Schema) (string, error) {
	if err := validSchemaName(sc.Name); err != nil {
		return "", err
	}
	data, err := schema.Marshal(sc, s.format)
	if err != nil {
		return "", err
	}
	key := s.VersionKey(sc.Name, sc.Version)
	if _, err := s.storage.PutIfMatch(ctx, key, data, ""); err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			return key, nil
		}
		return "", apperrors.NewStorageError("failed to export schema "+sc.Name, err)
	}
	return key, nil
}

// List returns the names of all stored schemas, sorted.
func (s *SchemaStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.storage.List(ctx, schemaPrefix)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to list schemas", err)
	}
	suffix := ".schema." + s.format.Extension()

	var names []string
	for _, key := range keys {
		base := strings.TrimPrefix(key, schemaPrefix)
		if path.Dir(base) != "." || !strings.HasSuffix(base, suffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(base, suffix))
	}
	sort.Strings(names)
	return names, nil
}

// Versions returns the exported versions of the named schema in ascending
// order.
func (s *SchemaStore) Versions(ctx context.Context, name string) ([]int64, error) {
	if err := validSchemaName(name); err != nil {
		return nil, err
	}
	prefix := schemaPrefix + name + "/v"
	keys, err := s.storage.List(ctx, prefix)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to list versions of "+name, err)
	}
	var versions []int64
	for _, key := range keys {
		var v int64
		rest := strings.TrimSuffix(strings.TrimPrefix(key, prefix), "."+s.format.Extension())
		if _, err := fmt.Sscanf(rest, "%d", &v); err != nil || fmt.Sprint(v) != rest {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// LoadVersion reads an exported version of the named schema.
func (s *SchemaStore) LoadVersion(ctx context.Context, name string, version int64) (*schema.Schema, error) {
	if err := validSchemaName(name); err != nil {
		return nil, err
	}
	data, _, err := s.storage.Get(ctx, s.VersionKey(name, version))
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, apperrors.NewSchemaNotFound(fmt.Sprintf("%s v%d", name, version))
		}
		return nil, apperrors.NewStorageError("failed to load schema "+name, err)
	}
	return schema.Unmarshal(data, s.format)
}
