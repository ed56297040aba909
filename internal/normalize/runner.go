package normalize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/schemaflow/schemaflow/internal/errors"
	"github.com/schemaflow/schemaflow/internal/schema"
	"github.com/schemaflow/schemaflow/pkg/types"
)

// DocumentReport tells whether one document was normalized and why not.
type DocumentReport struct {
	Index    int       `json:"index"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Code     string    `json:"code,omitempty"`
	Rows     int       `json:"rows"`
	Discards []Discard `json:"discards,omitempty"`
}

// BatchResult is the outcome of one Run.
type BatchResult struct {
	Rows          map[string][]types.Row
	TableOrder    []string
	Reports       []DocumentReport
	Update        *schema.Update
	SchemaChanged bool
	Version       int64
	VersionHash   string
	Retries       int
	Duration      time.Duration
}

// Failed returns the number of documents that were rejected.
func (b *BatchResult) Failed() int {
	n := 0
	for _, r := range b.Reports {
		if !r.OK {
			n++
		}
	}
	return n
}

// Discarded returns the number of contract discards across all documents.
func (b *BatchResult) Discarded() int {
	n := 0
	for _, r := range b.Reports {
		n += len(r.Discards)
	}
	return n
}

// RowCounts returns the number of rows per table.
func (b *BatchResult) RowCounts() map[string]int {
	out := make(map[string]int, len(b.Rows))
	for t, rows := range b.Rows {
		out[t] = len(rows)
	}
	return out
}

// Runner normalizes batches of documents into one canonical schema. Chunks
// of a batch are flattened in parallel against a read-only snapshot; their
// updates are merged in chunk order, which is the only point where the schema
// is written. Run calls on one Runner are serialized.
type Runner struct {
	cfg Config
	mu  sync.Mutex
}

// NewRunner returns a runner using cfg.
func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg}, nil
}

// Config returns the runner configuration.
func (r *Runner) Config() Config { return r.cfg }

type chunk struct {
	offset  int
	docs    []types.Value
	results []*Result
	reports []DocumentReport
	update  *schema.Update
}

// Run normalizes docs into rootTable. On success s holds the merged and
// finalized schema. When a batch-aborting error is returned s is unchanged and
// no rows are returned.
func (r *Runner) Run(ctx context.Context, s *schema.Schema, rootTable, loadID string, docs []types.Value) (*BatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	if err := schema.CheckEngineVersion(s); err != nil {
		return nil, err
	}

	snapshot := s.Clone()
	chunks := split(docs, r.workers(snapshot, rootTable))

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range chunks {
		g.Go(func() error {
			return r.flattenChunk(gctx, snapshot, rootTable, loadID, c)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	work := s.Clone()
	retries := 0
	for _, c := range chunks {
		err := work.Apply(c.update)
		if err == nil {
			continue
		}
		if !errors.Is(err, apperrors.ErrSchemaConflict) {
			return nil, err
		}
		// another chunk claimed the same identifiers with different shapes;
		// flatten this chunk again against what has been merged so far
		log.Warn().
			Err(err).
			Str("schema", s.Name).
			Str("load_id", loadID).
			Int("offset", c.offset).
			Msg("normalize: parallel schema update conflict, retrying chunk")
		retries++
		if err := r.flattenChunk(ctx, work, rootTable, loadID, c); err != nil {
			return nil, err
		}
		if err := work.Apply(c.update); err != nil {
			return nil, err
		}
	}

	changed, err := work.BumpVersion()
	if err != nil {
		return nil, err
	}

	res := &BatchResult{
		Rows:          map[string][]types.Row{},
		Update:        schema.NewUpdate(),
		SchemaChanged: changed,
		Version:       work.Version,
		VersionHash:   work.VersionHash,
		Retries:       retries,
	}
	for _, c := range chunks {
		if err := res.Update.Merge(c.update); err != nil {
			return nil, apperrors.NewInternalError("merged chunk updates conflict", err)
		}
		res.Reports = append(res.Reports, c.reports...)
		for _, dr := range c.results {
			if dr == nil {
				continue
			}
			for _, t := range dr.TableOrder {
				if _, ok := res.Rows[t]; !ok {
					res.TableOrder = append(res.TableOrder, t)
				}
				res.Rows[t] = append(res.Rows[t], dr.Rows[t]...)
			}
		}
	}

	*s = *work
	res.Duration = time.Since(start)

	log.Info().
		Str("schema", s.Name).
		Str("table", rootTable).
		Str("load_id", loadID).
		Int("documents", len(docs)).
		Int("failed", res.Failed()).
		Int("discarded", res.Discarded()).
		Int("tables", len(res.TableOrder)).
		Bool("schema_changed", changed).
		Int64("version", s.Version).
		Str("hash", s.VersionHash).
		Dur("duration", res.Duration).
		Msg("normalize: batch complete")
	return res, nil
}

// workers picks the degree of parallelism. Column contracts other than evolve
// depend on which tables existed before each document, so those batches run
// sequentially to keep results independent of the worker count.
func (r *Runner) workers(s *schema.Schema, rootTable string) int {
	if r.cfg.workers() == 1 {
		return 1
	}
	if s.ResolveContract(rootTable, r.cfg.Contract).Columns != schema.ContractEvolve {
		return 1
	}
	for _, t := range s.Tables.Values() {
		if t.SchemaContract != nil && t.SchemaContract.Columns != "" && t.SchemaContract.Columns != schema.ContractEvolve {
			return 1
		}
	}
	return r.cfg.workers()
}

func (r *Runner) flattenChunk(ctx context.Context, s *schema.Schema, rootTable, loadID string, c *chunk) error {
	f, err := NewFlattener(s, r.cfg)
	if err != nil {
		return err
	}
	c.results = make([]*Result, len(c.docs))
	c.reports = make([]DocumentReport, len(c.docs))
	for i, doc := range c.docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		seq := c.offset + i
		res, err := f.Normalize(doc, rootTable, loadID, seq)
		if err != nil {
			if abortsBatch(err) || r.cfg.FailFast {
				return fmt.Errorf("normalize: document %d: %w", seq, err)
			}
			log.Debug().Err(err).Int("seq", seq).Str("load_id", loadID).Msg("normalize: document rejected")
			c.reports[i] = DocumentReport{Index: seq, Error: err.Error(), Code: apperrors.GetCode(err)}
			continue
		}
		c.results[i] = res
		c.reports[i] = DocumentReport{Index: seq, OK: true, Rows: res.RowCount(), Discards: res.Discards}
	}
	c.update = f.Update()
	return nil
}

// abortsBatch reports whether err must stop the whole batch rather than
// reject a single document.
func abortsBatch(err error) bool {
	switch apperrors.GetCode(err) {
	case apperrors.CodeMalformedDocument, apperrors.CodeNotNullViolation:
		return false
	}
	return true
}

func split(docs []types.Value, workers int) []*chunk {
	if workers > len(docs) {
		workers = len(docs)
	}
	if workers < 1 {
		workers = 1
	}
	size := len(docs) / workers
	extra := len(docs) % workers
	chunks := make([]*chunk, 0, workers)
	offset := 0
	for i := 0; i < workers; i++ {
		n := size
		if i < extra {
			n++
		}
		chunks = append(chunks, &chunk{offset: offset, docs: docs[offset : offset+n]})
		offset += n
	}
	return chunks
}
