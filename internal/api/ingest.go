package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/PairTraceDev/pairtrace-web/internal/ingest"
	"github.com/PairTraceDev/pairtrace-web/internal/logger"
)

// maxIngestBodyBytes caps a batch request body (after decompression).
const maxIngestBodyBytes = 32 << 20 // 32 MB

// ingestRequest is the batch envelope. Events stays raw so a missing
// field and a non-array field can be told apart before decoding.
type ingestRequest struct {
	Events json.RawMessage `json:"events"`
}

// batchStats is the summary block of an ingestion response.
type batchStats struct {
	Total            int   `json:"total"`
	Success          int   `json:"success"`
	Errors           int   `json:"errors"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// ingestResponse is the ingestion endpoint's response body.
type ingestResponse struct {
	Message      string                `json:"message"`
	Stats        batchStats            `json:"stats"`
	ErrorDetails []ingest.EventError   `json:"error_details,omitempty"`
	Warnings     []ingest.EventWarning `json:"warnings,omitempty"`
}

// handleIngestEvents accepts a batch of telemetry events and runs it
// through the ingestion pipeline. Partial failure is a normal outcome;
// only a failure ratio above one half fails the batch as a whole.
func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.Ctx(r.Context())
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBodyBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if int64(len(body)) > maxIngestBodyBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "Missing required field: events")
		return
	}
	if !jsonIsArray(req.Events) {
		respondError(w, http.StatusBadRequest, "Field events must be a list")
		return
	}

	var envelopes []ingest.Envelope
	if err := json.Unmarshal(req.Events, &envelopes); err != nil {
		respondError(w, http.StatusBadRequest, "Field events must be a list of event objects")
		return
	}
	if len(envelopes) == 0 {
		respondError(w, http.StatusBadRequest, "Field events must not be empty")
		return
	}

	result, err := s.pipeline.Ingest(r.Context(), envelopes)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, ingest.ErrTooManyFailures) {
			log.Warn("batch rolled back",
				"total", result.Total, "failed", result.Failed)
			respondJSON(w, http.StatusInternalServerError, ingestResponse{
				Message: "Batch failed: too many events could not be processed",
				Stats: batchStats{
					Total:            result.Total,
					Success:          0,
					Errors:           result.Failed,
					ProcessingTimeMs: elapsed,
				},
				ErrorDetails: result.Errors,
			})
			return
		}
		log.Error("batch ingestion failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to process event batch")
		return
	}

	log.Info("batch processed",
		"total", result.Total,
		"success", result.Succeeded,
		"errors", result.Failed,
		"elapsed_ms", elapsed)

	respondJSON(w, http.StatusOK, ingestResponse{
		Message: "Events processed",
		Stats: batchStats{
			Total:            result.Total,
			Success:          result.Succeeded,
			Errors:           result.Failed,
			ProcessingTimeMs: elapsed,
		},
		ErrorDetails: result.Errors,
		Warnings:     result.Warnings,
	})
}

// jsonIsArray reports whether a raw JSON value is an array.
func jsonIsArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}
