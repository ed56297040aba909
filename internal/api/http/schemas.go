package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/schemaflow/schemaflow/internal/catalog"
	"github.com/schemaflow/schemaflow/internal/observability"
	"github.com/schemaflow/schemaflow/internal/pipeline"
	"github.com/schemaflow/schemaflow/internal/schema"
)

// SchemaHandler serves stored schemas, their history, loads and discard
// statistics.
type SchemaHandler struct {
	pipeline *pipeline.Pipeline
	discards *observability.DiscardStats
}

// NewSchemaHandler creates a new schema handler. discards may be nil.
func NewSchemaHandler(p *pipeline.Pipeline, discards *observability.DiscardStats) *SchemaHandler {
	return &SchemaHandler{pipeline: p, discards: discards}
}

// SchemaListResponse lists stored schema names.
type SchemaListResponse struct {
	Schemas []string `json:"schemas"`
}

// VersionSummary is one entry of a schema history.
type VersionSummary struct {
	Version       int64  `json:"version"`
	VersionHash   string `json:"version_hash"`
	EngineVersion int64  `json:"engine_version,omitempty"`
	InsertedAt    string `json:"inserted_at,omitempty"`
}

// List handles GET /v1/schemas.
func (h *SchemaHandler) List(w http.ResponseWriter, r *http.Request) {
	names, err := h.pipeline.Schemas().List(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, SchemaListResponse{Schemas: names})
}

// Get handles GET /v1/schemas/{name}. ?format=yaml renders YAML.
func (h *SchemaHandler) Get(w http.ResponseWriter, r *http.Request) {
	sc, err := h.pipeline.Schema(r.Context(), r.PathValue("name"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	h.writeSchema(w, r, sc)
}

// GetVersion handles GET /v1/schemas/{name}/versions/{version}.
func (h *SchemaHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := strconv.ParseInt(r.PathValue("version"), 10, 64)
	if err != nil || v < 1 {
		writeError(w, http.StatusBadRequest, "version must be a positive integer", GetRequestID(r.Context()))
		return
	}
	sc, err := h.pipeline.Schemas().LoadVersion(r.Context(), r.PathValue("name"), v)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	h.writeSchema(w, r, sc)
}

func (h *SchemaHandler) writeSchema(w http.ResponseWriter, r *http.Request, sc *schema.Schema) {
	format := schema.FormatJSON
	if s := r.URL.Query().Get("format"); s != "" {
		var err error
		if format, err = schema.ParseFormat(s); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), GetRequestID(r.Context()))
			return
		}
	}
	data, err := schema.Marshal(sc, format)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	contentType := "application/json"
	if format == schema.FormatYAML {
		contentType = "application/yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Versions handles GET /v1/schemas/{name}/versions. The catalog is used when
// configured, the exported versions otherwise.
func (h *SchemaHandler) Versions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	out := []VersionSummary{}

	if cat := h.pipeline.Catalog(); cat != nil {
		recs, err := cat.ListVersions(r.Context(), name)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		for _, rec := range recs {
			out = append(out, VersionSummary{
				Version:       rec.Version,
				VersionHash:   rec.VersionHash,
				EngineVersion: rec.EngineVersion,
				InsertedAt:    rec.InsertedAt.UTC().Format(time.RFC3339Nano),
			})
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	versions, err := h.pipeline.Schemas().Versions(r.Context(), name)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	for _, v := range versions {
		sc, err := h.pipeline.Schemas().LoadVersion(r.Context(), name, v)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		out = append(out, VersionSummary{
			Version:       sc.Version,
			VersionHash:   sc.VersionHash,
			EngineVersion: int64(sc.EngineVersion),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Diff handles GET /v1/schemas/{name}/diff?from=N[&to=M]. A missing to
// compares against the current schema.
func (h *SchemaHandler) Diff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")
	q := r.URL.Query()

	from, err := strconv.ParseInt(q.Get("from"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be a version number", GetRequestID(ctx))
		return
	}
	fromSchema, err := h.pipeline.Schemas().LoadVersion(ctx, name, from)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	var toSchema *schema.Schema
	if s := q.Get("to"); s != "" {
		to, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be a version number", GetRequestID(ctx))
			return
		}
		toSchema, err = h.pipeline.Schemas().LoadVersion(ctx, name, to)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
	} else if toSchema, err = h.pipeline.Schema(ctx, name); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schema.Diff(fromSchema, toSchema))
}

// DDLResponse carries rendered CREATE TABLE statements.
type DDLResponse struct {
	Dialect    string   `json:"dialect"`
	Statements []string `json:"statements"`
}

// DDL handles GET /v1/schemas/{name}/ddl?dialect=postgres|sqlite.
func (h *SchemaHandler) DDL(w http.ResponseWriter, r *http.Request) {
	dialect := r.URL.Query().Get("dialect")
	if dialect == "" {
		dialect = catalog.DriverPostgres
	}
	m, err := catalog.MapperFor(strings.ToLower(dialect))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), GetRequestID(r.Context()))
		return
	}
	sc, err := h.pipeline.Schema(r.Context(), r.PathValue("name"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	stmts, err := catalog.RenderSchema(m, sc)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DDLResponse{Dialect: m.Dialect(), Statements: stmts})
}

// Migrate handles POST /v1/schemas/{name}/migrate.
func (h *SchemaHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	rep, err := h.pipeline.Migrate(r.Context(), r.PathValue("name"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Loads handles GET /v1/loads?schema=name.
func (h *SchemaHandler) Loads(w http.ResponseWriter, r *http.Request) {
	loads, err := h.pipeline.Loads(r.Context(), r.URL.Query().Get("schema"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if loads == nil {
		loads = []catalog.LoadRecord{}
	}
	writeJSON(w, http.StatusOK, loads)
}

// CompleteLoad handles POST /v1/loads/{id}/complete?schema=name.
func (h *SchemaHandler) CompleteLoad(w http.ResponseWriter, r *http.Request) {
	rec, err := h.pipeline.CompleteLoad(r.Context(), r.PathValue("id"), r.URL.Query().Get("schema"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Discards handles GET /v1/stats/discards?top=N.
func (h *SchemaHandler) Discards(w http.ResponseWriter, r *http.Request) {
	n := 20
	if s := r.URL.Query().Get("top"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid top %q", s), GetRequestID(r.Context()))
			return
		}
		n = v
	}
	stats := []observability.ColumnStats{}
	if h.discards != nil {
		h.discards.Prune()
		stats = append(stats, h.discards.Top(n)...)
	}
	writeJSON(w, http.StatusOK, stats)
}
