// Package loadpkg writes normalized rows into load packages: one directory
// per load holding the schema, the schema update and framed per-table
// segment files. Packages are built in a temp directory and committed with a
// single rename.
package loadpkg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/schemaflow/schemaflow/internal/schema"
	"github.com/schemaflow/schemaflow/pkg/types"
)

const (
	tempDir       = "temp"
	normalizedDir = "normalized"
	jobsDir       = "new_jobs"

	schemaFile  = "schema.json"
	updatesFile = "schema_updates.json"
	stateFile   = "package_state"

	// StateNormalized marks a committed package.
	StateNormalized = "normalized"

	segmentExt = ".seg"

	// DefaultMaxFileSize rotates segment files at 64MB.
	DefaultMaxFileSize = 64 << 20
	// DefaultBlockRows is the number of rows encoded per frame.
	DefaultBlockRows = 5000
)

var (
	// ErrPackageExists is returned when a load id already has a package.
	ErrPackageExists = errors.New("loadpkg: package already exists")
	// ErrPackageNotFound is returned when no committed package has the load id.
	ErrPackageNotFound = errors.New("loadpkg: package not found")
	// ErrWriterClosed is returned on use after Commit or Abort.
	ErrWriterClosed = errors.New("loadpkg: writer is closed")
)

// Options configures a Store.
type Options struct {
	Format      Format
	MaxFileSize int64
	BlockRows   int
	// Parallelism bounds concurrent table writes. Zero means one per table.
	Parallelism int
}

// Store manages the load packages under one root directory.
type Store struct {
	root  string
	opts  Options
	codec Codec
}

// NewStore returns a store rooted at root, creating its directories.
func NewStore(root string, opts Options) (*Store, error) {
	codec, err := CodecFor(opts.Format)
	if err != nil {
		return nil, err
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.BlockRows <= 0 {
		opts.BlockRows = DefaultBlockRows
	}
	for _, dir := range []string{tempDir, normalizedDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("loadpkg: failed to create %s directory: %w", dir, err)
		}
	}
	return &Store{root: root, opts: opts, codec: codec}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// PackagePath returns the directory of the committed package loadID.
func (s *Store) PackagePath(loadID string) string {
	return filepath.Join(s.root, normalizedDir, loadID)
}

func validLoadID(loadID string) error {
	if loadID == "" || strings.ContainsAny(loadID, `/\`) || loadID == "." || loadID == ".." {
		return fmt.Errorf("loadpkg: invalid load id %q", loadID)
	}
	return nil
}

// Create starts a new package in the temp area.
func (s *Store) Create(loadID string) (*Writer, error) {
	if err := validLoadID(loadID); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.PackagePath(loadID)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrPackageExists, loadID)
	}
	dir := filepath.Join(s.root, tempDir, loadID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("loadpkg: failed to clear temp package: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, jobsDir), 0755); err != nil {
		return nil, fmt.Errorf("loadpkg: failed to create temp package: %w", err)
	}
	log.Debug().Str("load_id", loadID).Str("dir", dir).Msg("loadpkg: package created")
	return &Writer{
		store:    s,
		loadID:   loadID,
		dir:      dir,
		segments: map[string]*segmentWriter{},
	}, nil
}

// Writer builds one package. WriteRows may be called concurrently for
// different tables.
type Writer struct {
	store  *Store
	loadID string
	dir    string

	mu       sync.Mutex
	segments  map[string]*segmentWriter
	closed    bool
	committed bool
}

// LoadID returns the load id of the package.
func (w *Writer) LoadID() string { return w.loadID }

func (w *Writer) segment(table string) (*segmentWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWriterClosed
	}
	sw, ok := w.segments[table]
	if !ok {
		sw = newSegmentWriter(filepath.Join(w.dir, jobsDir), table, w.store.codec, w.store.opts.MaxFileSize)
		w.segments[table] = sw
	}
	return sw, nil
}

// WriteRows appends rows to table. Calls for the same table must not overlap.
func (w *Writer) WriteRows(table string, rows []types.Row) error {
	if table == "" || strings.ContainsAny(table, `./\`) {
		return fmt.Errorf("loadpkg: invalid table name %q", table)
	}
	sw, err := w.segment(table)
	if err != nil {
		return err
	}
	block := w.store.opts.BlockRows
	for start := 0; start < len(rows); start += block {
		end := min(start+block, len(rows))
		if err := sw.write(rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// WriteTables writes every table of rows in parallel.
func (w *Writer) WriteTables(ctx context.Context, rows map[string][]types.Row) error {
	g, gctx := errgroup.WithContext(ctx)
	if n := w.store.opts.Parallelism; n > 0 {
		g.SetLimit(n)
	}
	for table, tableRows := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return w.WriteRows(table, tableRows)
		})
	}
	return g.Wait()
}

// SaveSchema stores the schema the rows were normalized with.
func (w *Writer) SaveSchema(s *schema.Schema) error {
	data, err := schema.ToJSON(s)
	if err != nil {
		return err
	}
	return w.writeFile(schemaFile, data)
}

// SaveUpdates stores the schema update produced by the load.
func (w *Writer) SaveUpdates(u *schema.Update) error {
	if u == nil {
		u = schema.NewUpdate()
	}
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return fmt.Errorf("loadpkg: failed to encode schema update: %w", err)
	}
	return w.writeFile(updatesFile, data)
}

func (w *Writer) writeFile(name string, data []byte) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrWriterClosed
	}
	if err := os.WriteFile(filepath.Join(w.dir, name), data, 0644); err != nil {
		return fmt.Errorf("loadpkg: failed to write %s: %w", name, err)
	}
	return nil
}

// Commit closes all segments and moves the package into place.
func (w *Writer) Commit() (*Package, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWriterClosed
	}
	w.closed = true

	rows := 0
	for _, sw := range w.segments {
		if err := sw.close(); err != nil {
			return nil, err
		}
		rows += sw.rows
	}
	if err := os.WriteFile(filepath.Join(w.dir, stateFile), []byte(StateNormalized), 0644); err != nil {
		return nil, fmt.Errorf("loadpkg: failed to write package state: %w", err)
	}

	dst := w.store.PackagePath(w.loadID)
	if _, err := os.Stat(dst); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrPackageExists, w.loadID)
	}
	if err := os.Rename(w.dir, dst); err != nil {
		return nil, fmt.Errorf("loadpkg: failed to commit package: %w", err)
	}
	w.committed = true

	log.Info().
		Str("load_id", w.loadID).
		Int("tables", len(w.segments)).
		Int("rows", rows).
		Msg("loadpkg: package committed")
	return w.store.Open(w.loadID)
}

// Abort discards the temp package. It also cleans up after a failed Commit.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.committed {
		return nil
	}
	w.closed = true
	var firstErr error
	for _, sw := range w.segments {
		if err := sw.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("loadpkg: failed to remove temp package: %w", err)
	}
	log.Debug().Str("load_id", w.loadID).Msg("loadpkg: package aborted")
	return firstErr
}

// Package is a committed, read-only load package.
type Package struct {
	LoadID    string
	Dir       string
	CreatedAt time.Time

	codecs map[string]Codec
	files  map[string][]string
}

// Open opens the committed package loadID.
func (s *Store) Open(loadID string) (*Package, error) {
	if err := validLoadID(loadID); err != nil {
		return nil, err
	}
	dir := s.PackagePath(loadID)
	state, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, loadID)
		}
		return nil, fmt.Errorf("loadpkg: failed to read package state: %w", err)
	}
	if strings.TrimSpace(string(state)) != StateNormalized {
		return nil, fmt.Errorf("loadpkg: package %s is in state %q", loadID, state)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("loadpkg: failed to stat package: %w", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, jobsDir))
	if err != nil {
		return nil, fmt.Errorf("loadpkg: failed to list package jobs: %w", err)
	}
	p := &Package{
		LoadID:    loadID,
		Dir:       dir,
		CreatedAt: info.ModTime(),
		codecs:    map[string]Codec{},
		files:     map[string][]string{},
	}
	for _, e := range entries {
		table, _, format, ok := parseSegmentName(e.Name())
		if e.IsDir() || !ok {
			continue
		}
		codec, err := CodecFor(format)
		if err != nil {
			return nil, err
		}
		p.codecs[table] = codec
		p.files[table] = append(p.files[table], e.Name())
	}
	for _, names := range p.files {
		sort.Strings(names)
	}
	return p, nil
}

func parseSegmentName(name string) (table string, fileID int, format Format, ok bool) {
	base, found := strings.CutSuffix(name, segmentExt)
	if !found {
		return "", 0, "", false
	}
	parts := strings.Split(base, ".")
	if len(parts) != 3 {
		return "", 0, "", false
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], id, Format(parts[2]), true
}

// Tables returns the tables with rows, sorted by name.
func (p *Package) Tables() []string {
	out := make([]string, 0, len(p.files))
	for t := range p.files {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Files returns the segment files of table in write order.
func (p *Package) Files(table string) []string {
	return p.files[table]
}

// ReadTable returns every row written to table, in write order. Values of
// double, decimal and wei columns are restored to their column type when the
// package carries a schema.
func (p *Package) ReadTable(table string) ([]types.Row, error) {
	var rows []types.Row
	for _, name := range p.files[table] {
		r, err := readSegment(filepath.Join(p.Dir, jobsDir, name), p.codecs[table])
		if err != nil {
			return nil, err
		}
		rows = append(rows, r...)
	}

	numeric, err := p.numericColumns(table)
	if err != nil {
		return nil, err
	}
	if len(numeric) == 0 {
		return rows, nil
	}
	for _, r := range rows {
		for name, dt := range numeric {
			if v, ok := r[name]; ok {
				r[name] = restoreNumber(v, dt)
			}
		}
	}
	return rows, nil
}

// numericColumns returns the double, decimal and wei columns of table in the
// package schema. A package without a schema has none.
func (p *Package) numericColumns(table string) (map[string]schema.DataType, error) {
	if _, err := os.Stat(filepath.Join(p.Dir, schemaFile)); os.IsNotExist(err) {
		return nil, nil
	}
	sc, err := p.Schema()
	if err != nil {
		return nil, err
	}
	t, ok := sc.Table(table)
	if !ok {
		return nil, nil
	}
	out := map[string]schema.DataType{}
	for _, c := range t.Columns.Values() {
		switch c.DataType {
		case schema.TypeDouble, schema.TypeDecimal, schema.TypeWei:
			out[c.Name] = c.DataType
		}
	}
	return out, nil
}

// restoreNumber converts a decoded number back to the representation the
// normalizer emits for dt.
func restoreNumber(v interface{}, dt schema.DataType) interface{} {
	switch dt {
	case schema.TypeDouble:
		switch x := v.(type) {
		case int64:
			return float64(x)
		case json.Number:
			if f, err := x.Float64(); err == nil {
				return f
			}
		}
	case schema.TypeDecimal, schema.TypeWei:
		switch x := v.(type) {
		case int64:
			return json.Number(strconv.FormatInt(x, 10))
		case float64:
			return json.Number(strconv.FormatFloat(x, 'f', -1, 64))
		case string:
			return json.Number(x)
		}
	}
	return v
}

// Size returns the total size in bytes of the segment files.
func (p *Package) Size() (int64, error) {
	var total int64
	for _, names := range p.files {
		for _, name := range names {
			info, err := os.Stat(filepath.Join(p.Dir, jobsDir, name))
			if err != nil {
				return 0, fmt.Errorf("loadpkg: failed to stat segment: %w", err)
			}
			total += info.Size()
		}
	}
	return total, nil
}

// Schema returns the schema stored with the package.
func (p *Package) Schema() (*schema.Schema, error) {
	data, err := os.ReadFile(filepath.Join(p.Dir, schemaFile))
	if err != nil {
		return nil, fmt.Errorf("loadpkg: failed to read package schema: %w", err)
	}
	return schema.FromJSON(data)
}

// Updates returns the schema update stored with the package.
func (p *Package) Updates() (*schema.Update, error) {
	data, err := os.ReadFile(filepath.Join(p.Dir, updatesFile))
	if err != nil {
		return nil, fmt.Errorf("loadpkg: failed to read schema update: %w", err)
	}
	u := schema.NewUpdate()
	if err := json.Unmarshal(data, u); err != nil {
		return nil, fmt.Errorf("loadpkg: failed to decode schema update: %w", err)
	}
	return u, nil
}

// List returns the load ids of committed packages, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, normalizedDir))
	if err != nil {
		return nil, fmt.Errorf("loadpkg: failed to list packages: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, normalizedDir, e.Name(), stateFile)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the committed package loadID.
func (s *Store) Delete(loadID string) error {
	if err := validLoadID(loadID); err != nil {
		return err
	}
	dir := s.PackagePath(loadID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrPackageNotFound, loadID)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("loadpkg: failed to delete package: %w", err)
	}
	return nil
}
