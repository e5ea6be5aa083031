package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/carebridge/rxremind/internal/api/middleware"
	"github.com/carebridge/rxremind/internal/pipeline"
)

// ExtractionHandler accepts extraction payloads and runs them through the
// pipeline.
type ExtractionHandler struct {
	orch   *pipeline.Orchestrator
	logger *zap.Logger
}

// NewExtractionHandler creates a new handler.
func NewExtractionHandler(orch *pipeline.Orchestrator, logger *zap.Logger) *ExtractionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtractionHandler{orch: orch, logger: logger}
}

// Routes returns the handler routes.
func (h *ExtractionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Ingest)
	return r
}

// IngestResponse is the response for a processed extraction.
type IngestResponse struct {
	PatientID string            `json:"patient_id"`
	Results   []pipeline.Result `json:"results"`
}

// ingestError is the response body when the pipeline fails mid-way. Partial
// results are returned because completed stages are durable.
type ingestError struct {
	Error   string            `json:"error"`
	Stage   string            `json:"stage,omitempty"`
	Results []pipeline.Result `json:"results,omitempty"`
}

// Ingest handles POST /extractions.
func (h *ExtractionHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("extraction-handler")
	ctx, span := tracer.Start(ctx, "ingest_extraction")
	defer span.End()

	var ext pipeline.Extraction
	if err := json.NewDecoder(r.Body).Decode(&ext); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("patient_id", ext.PatientID),
		attribute.Int("prescriptions", len(ext.Prescriptions)),
	)

	results, err := h.orch.Ingest(ctx, ext)
	if err != nil {
		var se *pipeline.StageError
		if errors.As(err, &se) && se.Stage == pipeline.StageExtractionReceived {
			jsonError(w, se.Err.Error(), http.StatusBadRequest)
			return
		}

		h.logger.Error("extraction pipeline failed",
			zap.String("patient_id", ext.PatientID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))

		body := ingestError{Error: "extraction processing failed", Results: results}
		if errors.As(err, &se) {
			body.Stage = string(se.Stage)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(body)
		return
	}

	h.logger.Info("extraction processed",
		zap.String("patient_id", ext.PatientID),
		zap.Int("prescriptions", len(results)),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(IngestResponse{PatientID: ext.PatientID, Results: results})
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
