package http

import (
	"net/http"

	"github.com/schemaflow/schemaflow/internal/observability"
	"github.com/schemaflow/schemaflow/internal/pipeline"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Pipeline *pipeline.Pipeline
	Discards *observability.DiscardStats
	// Metrics, when set, is served on /metrics.
	Metrics http.Handler
	// MaxBodyBytes bounds normalize request bodies. Zero disables the limit.
	MaxBodyBytes int64
	// Service and Version are reported by /health.
	Service string
	Version string
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version,omitempty"`
}

// NewRouter returns the API handler with the default middleware applied.
func NewRouter(opts RouterOptions) http.Handler {
	schemas := NewSchemaHandler(opts.Pipeline, opts.Discards)

	mux := http.NewServeMux()
	mux.Handle("/v1/normalize", NewNormalizeHandler(opts.Pipeline, opts.MaxBodyBytes))
	mux.HandleFunc("GET /v1/schemas", schemas.List)
	mux.HandleFunc("GET /v1/schemas/{name}", schemas.Get)
	mux.HandleFunc("GET /v1/schemas/{name}/versions", schemas.Versions)
	mux.HandleFunc("GET /v1/schemas/{name}/versions/{version}", schemas.GetVersion)
	mux.HandleFunc("GET /v1/schemas/{name}/diff", schemas.Diff)
	mux.HandleFunc("GET /v1/schemas/{name}/ddl", schemas.DDL)
	mux.HandleFunc("POST /v1/schemas/{name}/migrate", schemas.Migrate)
	mux.HandleFunc("GET /v1/loads", schemas.Loads)
	mux.HandleFunc("POST /v1/loads/{id}/complete", schemas.CompleteLoad)
	mux.HandleFunc("GET /v1/stats/discards", schemas.Discards)
	mux.HandleFunc("GET /health", healthHandler(opts.Service, opts.Version))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return DefaultMiddleware()(mux)
}

func healthHandler(service, version string) http.HandlerFunc {
	if service == "" {
		service = "schemaflow"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Service: service, Version: version})
	}
}
