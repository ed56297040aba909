package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemaflow/schemaflow/internal/catalog"
	"github.com/schemaflow/schemaflow/internal/loadpkg"
	"github.com/schemaflow/schemaflow/internal/normalize"
	"github.com/schemaflow/schemaflow/internal/observability"
	"github.com/schemaflow/schemaflow/internal/pipeline"
	"github.com/schemaflow/schemaflow/internal/schema"
	"github.com/schemaflow/schemaflow/internal/storage"
)

type testAPI struct {
	handler  http.Handler
	pipeline *pipeline.Pipeline
}

func newTestAPI(t *testing.T, withCatalog bool, mutate func(*pipeline.Options)) *testAPI {
	t.Helper()
	root := t.TempDir()
	objects, err := storage.NewLocalStorage(filepath.Join(root, "objects"))
	require.NoError(t, err)
	packages, err := loadpkg.NewStore(filepath.Join(root, "packages"), loadpkg.Options{})
	require.NoError(t, err)

	metrics := observability.NewMetrics("")
	discards := observability.NewDiscardStats(0)
	opts := pipeline.Options{
		Schemas:   storage.NewSchemaStore(objects, schema.FormatJSON),
		Packages:  packages,
		Normalize: normalize.DefaultConfig(),
		Metrics:   metrics,
		Discards:  discards,
	}
	if withCatalog {
		cat, err := catalog.NewSQLiteCatalog(filepath.Join(root, "catalog.db"))
		require.NoError(t, err)
		t.Cleanup(func() { cat.Close() })
		opts.Catalog = cat
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := pipeline.New(opts)
	require.NoError(t, err)

	return &testAPI{
		pipeline: p,
		handler: NewRouter(RouterOptions{
			Pipeline:     p,
			Discards:     discards,
			Metrics:      metrics.Handler(),
			MaxBodyBytes: 1 << 20,
			Version:      "test",
		}),
	}
}

func (a *testAPI) do(t *testing.T, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestNormalizeJSONBody(t *testing.T) {
	api := newTestAPI(t, true, nil)

	rec := api.do(t, http.MethodPost, "/v1/normalize", "application/json",
		`{"schema_name":"shop","table_name":"events","load_id":"1700000000.000001","documents":[{"id":1,"tags":["a"]},{"id":2}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp map[string]interface{}
	decode(t, rec, &resp)
	assert.Equal(t, "1700000000.000001", resp["load_id"])
	assert.Equal(t, float64(1), resp["version"])
	assert.Equal(t, true, resp["schema_changed"])
	assert.Equal(t, float64(2), resp["documents"])
	assert.NotEmpty(t, resp["request_id"])
	rows := resp["rows"].(map[string]interface{})
	assert.Equal(t, float64(2), rows["events"])
	assert.Equal(t, float64(1), rows["events__tags"])
}

func TestNormalizeJSONLinesBody(t *testing.T) {
	api := newTestAPI(t, false, nil)

	rec := api.do(t, http.MethodPost, "/v1/normalize?schema=shop&table=events", "application/x-ndjson",
		"{\"id\":1}\n\n{\"id\":2}\n")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]interface{}
	decode(t, rec, &resp)
	assert.Equal(t, float64(2), resp["documents"])

	rec = api.do(t, http.MethodPost, "/v1/normalize?schema=shop&table=events", "application/x-ndjson",
		"{\"id\":1}\n{\"id\":\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNormalizeBadRequests(t *testing.T) {
	api := newTestAPI(t, false, nil)

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"malformed body", http.MethodPost, `{"schema_name":`, http.StatusBadRequest},
		{"missing schema", http.MethodPost, `{"table_name":"events","documents":[]}`, http.StatusBadRequest},
		{"missing table", http.MethodPost, `{"schema_name":"shop","documents":[]}`, http.StatusBadRequest},
		{"bad load id", http.MethodPost, `{"schema_name":"shop","table_name":"events","load_id":"../x","documents":[{"a":1}]}`, http.StatusBadRequest},
		{"too large", http.MethodPost, `{"schema_name":"shop","table_name":"events","documents":["` + strings.Repeat("x", 2<<20) + `"]}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, tt.method, "/v1/normalize", "application/json", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			var resp ErrorResponse
			decode(t, rec, &resp)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestNormalizeSchemaConflict(t *testing.T) {
	api := newTestAPI(t, false, func(o *pipeline.Options) {
		o.Normalize.Contract.DataType = schema.ContractFreeze
	})

	rec := api.do(t, http.MethodPost, "/v1/normalize", "", `{"schema_name":"shop","table_name":"events","documents":[{"n":1}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/normalize", "", `{"schema_name":"shop","table_name":"events","documents":[{"n":"one"}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var resp ErrorResponse
	decode(t, rec, &resp)
	assert.Equal(t, "SCHEMA_CONFLICT", resp.Code)
	assert.Equal(t, "events", resp.Details["table"])
}

func TestNormalizeEngineMismatch(t *testing.T) {
	api := newTestAPI(t, false, nil)
	old := schema.New("legacy", nil)
	old.EngineVersion = 8
	_, err := old.BumpVersion()
	require.NoError(t, err)
	require.NoError(t, api.pipeline.Schemas().Save(context.Background(), old))

	rec := api.do(t, http.MethodPost, "/v1/normalize", "", `{"schema_name":"legacy","table_name":"events","documents":[{"id":1}]}`)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/v1/schemas/legacy/migrate", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var mig pipeline.MigrationReport
	decode(t, rec, &mig)
	assert.True(t, mig.Migrated)
	assert.Equal(t, 8, mig.From)
	assert.Equal(t, schema.EngineVersion, mig.To)

	rec = api.do(t, http.MethodPost, "/v1/normalize", "", `{"schema_name":"legacy","table_name":"events","documents":[{"id":1}]}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSchemaEndpoints(t *testing.T) {
	api := newTestAPI(t, true, nil)
	rec := api.do(t, http.MethodPost, "/v1/normalize", "", `{"schema_name":"shop","table_name":"events","documents":[{"id":1}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(t, http.MethodPost, "/v1/normalize", "", `{"schema_name":"shop","table_name":"events","documents":[{"id":2,"name":"x"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/schemas", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list SchemaListResponse
	decode(t, rec, &list)
	assert.Equal(t, []string{"shop"}, list.Schemas)

	rec = api.do(t, http.MethodGet, "/v1/schemas/shop", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sc, err := schema.FromJSON(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, int64(2), sc.Version)
	assert.True(t, sc.Tables.Has("events"))

	rec = api.do(t, http.MethodGet, "/v1/schemas/shop?format=yaml", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	ysc, err := schema.FromYAML(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, sc.VersionHash, ysc.VersionHash)

	rec = api.do(t, http.MethodGet, "/v1/schemas/shop?format=toml", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/schemas/shop/versions", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []VersionSummary
	decode(t, rec, &versions)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(1), versions[0].Version)
	assert.Equal(t, sc.VersionHash, versions[1].VersionHash)

	rec = api.do(t, http.MethodGet, "/v1/schemas/shop/versions/1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	v1, err := schema.FromJSON(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Version)

	rec = api.do(t, http.MethodGet, "/v1/schemas/shop/versions/zero", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/schemas/shop/diff?from=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var diff schema.SchemaDiff
	decode(t, rec, &diff)
	assert.Equal(t, int64(1), diff.FromVersion)
	assert.Equal(t, int64(2), diff.ToVersion)
	require.Len(t, diff.AddedColumns, 1)
	assert.Equal(t, "events", diff.AddedColumns[0].Table)
	assert.Equal(t, "name", diff.AddedColumns[0].Columns[0].Name)

	rec = api.do(t, http.MethodGet, "/v1/schemas/shop/ddl?dialect=sqlite", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ddl DDLResponse
	decode(t, rec, &ddl)
	assert.Equal(t, catalog.DriverSQLite, ddl.Dialect)
	assert.True(t, containsPrefix(ddl.Statements, `CREATE TABLE IF NOT EXISTS "events"`))

	rec = api.do(t, http.MethodGet, "/v1/schemas/shop/ddl?dialect=oracle", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/schemas/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var notFound ErrorResponse
	decode(t, rec, &notFound)
	assert.Equal(t, "SCHEMA_NOT_FOUND", notFound.Code)
}

func containsPrefix(stmts []string, prefix string) bool {
	for _, s := range stmts {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func TestLoadEndpoints(t *testing.T) {
	api := newTestAPI(t, true, nil)
	rec := api.do(t, http.MethodPost, "/v1/normalize", "",
		`{"schema_name":"shop","table_name":"events","load_id":"1700000000.000001","documents":[{"id":1}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/loads/1700000000.000001/complete?schema=shop", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var load catalog.LoadRecord
	decode(t, rec, &load)
	assert.Equal(t, "1700000000.000001", load.LoadID)
	assert.Equal(t, schema.LoadStatusCompleted, load.Status)

	rec = api.do(t, http.MethodPost, "/v1/loads/1700000000.000001/complete?schema=crm", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/loads/1700000099.000001/complete", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/loads?schema=shop", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var loads []catalog.LoadRecord
	decode(t, rec, &loads)
	require.Len(t, loads, 1)
	assert.Equal(t, "1700000000.000001", loads[0].LoadID)
}

func TestLoadsWithoutCatalog(t *testing.T) {
	api := newTestAPI(t, false, nil)
	rec := api.do(t, http.MethodGet, "/v1/loads", "", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestDiscardStatsEndpoint(t *testing.T) {
	api := newTestAPI(t, false, func(o *pipeline.Options) {
		o.Normalize.Contract.DataType = schema.ContractDiscardValue
	})
	rec := api.do(t, http.MethodPost, "/v1/normalize", "", `{"schema_name":"shop","table_name":"events","documents":[{"n":1}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(t, http.MethodPost, "/v1/normalize", "", `{"schema_name":"shop","table_name":"events","documents":[{"n":"many"},{"n":"lots"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/v1/stats/discards?top=5", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats []observability.ColumnStats
	decode(t, rec, &stats)
	require.Len(t, stats, 1)
	assert.Equal(t, "events", stats[0].Table)
	assert.Equal(t, "n", stats[0].Column)
	assert.Equal(t, int64(2), stats[0].Frequency)

	rec = api.do(t, http.MethodGet, "/v1/stats/discards?top=-1", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, false, nil)
	rec := api.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	decode(t, rec, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "schemaflow", health.Service)
	assert.Equal(t, "test", health.Version)

	api.do(t, http.MethodPost, "/v1/normalize", "", `{"schema_name":"shop","table_name":"events","documents":[{"id":1}]}`)
	rec = api.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `schemaflow_batches_total{schema="shop",status="ok"} 1`)
}

func TestMiddleware(t *testing.T) {
	h := DefaultMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/panic" {
			panic("boom")
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"request_id":     GetRequestID(r.Context()),
			"correlation_id": GetCorrelationID(r.Context()),
		})
	}))

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var ids map[string]string
	decode(t, rec, &ids)
	assert.Equal(t, "req-1", ids["request_id"])
	assert.Equal(t, "req-1", ids["correlation_id"])
	assert.Equal(t, "req-1", rec.Header().Get("X-Correlation-ID"))

	req = httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("X-Correlation-ID", "corr-9")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	decode(t, rec, &ids)
	assert.NotEqual(t, "corr-9", ids["request_id"])
	assert.Equal(t, "corr-9", ids["correlation_id"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	decode(t, rec, &resp)
	assert.Equal(t, "internal server error", resp.Error)
	assert.NotEmpty(t, resp.RequestID)
}
