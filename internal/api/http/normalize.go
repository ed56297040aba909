package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/schemaflow/schemaflow/internal/pipeline"
	"github.com/schemaflow/schemaflow/internal/reader"
	"github.com/schemaflow/schemaflow/pkg/types"
)

// NormalizeRequest is the JSON body of POST /v1/normalize.
type NormalizeRequest struct {
	Schema    string        `json:"schema_name"`
	Table     string        `json:"table_name"`
	LoadID    string        `json:"load_id,omitempty"`
	Documents []types.Value `json:"documents"`
}

// NormalizeResponse wraps the pipeline report.
type NormalizeResponse struct {
	*pipeline.Report
	RequestID string `json:"request_id"`
}

// NormalizeHandler handles POST /v1/normalize. The body is either a
// NormalizeRequest or, with Content-Type application/x-ndjson, one document
// per line with schema, table and load_id passed as query parameters.
type NormalizeHandler struct {
	pipeline     *pipeline.Pipeline
	maxBodyBytes int64
}

// NewNormalizeHandler creates a new normalize handler. maxBodyBytes of zero
// disables the body limit.
func NewNormalizeHandler(p *pipeline.Pipeline, maxBodyBytes int64) *NormalizeHandler {
	return &NormalizeHandler{pipeline: p, maxBodyBytes: maxBodyBytes}
}

// ServeHTTP handles the normalize HTTP request.
func (h *NormalizeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}
	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	var req NormalizeRequest
	var err error
	if isNDJSON(r) {
		req, err = decodeLines(r)
	} else {
		err = json.NewDecoder(r.Body).Decode(&req)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", requestID)
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	if req.Schema == "" {
		writeError(w, http.StatusBadRequest, "schema_name is required", requestID)
		return
	}
	if req.Table == "" {
		writeError(w, http.StatusBadRequest, "table_name is required", requestID)
		return
	}

	rep, err := h.pipeline.Normalize(r.Context(), pipeline.Request{
		SchemaName: req.Schema,
		Table:      req.Table,
		LoadID:     req.LoadID,
		Documents:  req.Documents,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NormalizeResponse{Report: rep, RequestID: requestID})
}

func isNDJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && (mt == "application/x-ndjson" || mt == "application/jsonl")
}

// decodeLines reads a JSON-lines body. A malformed line rejects the request.
func decodeLines(r *http.Request) (NormalizeRequest, error) {
	q := r.URL.Query()
	req := NormalizeRequest{
		Schema: q.Get("schema"),
		Table:  q.Get("table"),
		LoadID: q.Get("load_id"),
	}
	err := reader.Read(r.Context(), r.Body, reader.FormatJSONL, func(d reader.Document) error {
		if d.Err != nil {
			return d.Err
		}
		req.Documents = append(req.Documents, d.Value)
		return nil
	})
	return req, err
}
