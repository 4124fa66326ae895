package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/canopyhub/canopy/internal/application/engine"
	"github.com/canopyhub/canopy/internal/domain/operation"
)

func (s *Server) submitOperation(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	op, err := s.engineSvc.Submit(r.Context(), req)
	if err != nil {
		respondError(w, errorStatus(err), "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"operation_id": op.OperationID,
		"state":        op.State,
		"items_total":  op.ItemsTotal,
	})
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 100, 200)
	ops, err := s.engineSvc.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

type operationStatusResponse struct {
	*operation.Operation
	Progress   float64 `json:"progress"`
	EtaSeconds *int64  `json:"etaSeconds,omitempty"`
}

// operationStatus derives progress and a naive rate-based ETA from the
// persisted counters. The ETA is informational only.
func operationStatus(op *operation.Operation) operationStatusResponse {
	resp := operationStatusResponse{Operation: op, Progress: 1}
	if op.ItemsTotal > 0 {
		resp.Progress = float64(op.ItemsProcessed) / float64(op.ItemsTotal)
	}
	if op.State == operation.StateInProgress && op.ItemsProcessed > 0 && op.ItemsProcessed < op.ItemsTotal {
		elapsed := time.Since(op.StartedAt).Seconds()
		if elapsed > 0 {
			rate := float64(op.ItemsProcessed) / elapsed
			if rate > 0 {
				eta := int64(float64(op.ItemsTotal-op.ItemsProcessed) / rate)
				resp.EtaSeconds = &eta
			}
		}
	}
	return resp
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "operationId")
	op, err := s.engineSvc.Get(r.Context(), id)
	if err != nil {
		respondError(w, errorStatus(err), "NOT_FOUND", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, operationStatus(op))
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "operationId")
	checkpoints, err := s.engineSvc.Checkpoints(r.Context(), id)
	if err != nil {
		respondError(w, errorStatus(err), "NOT_FOUND", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"checkpoints": checkpoints})
}

func (s *Server) pauseOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "operationId")
	op, err := s.engineSvc.Pause(r.Context(), id)
	if err != nil {
		respondError(w, errorStatus(err), "INVALID_STATE", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"operation_id": op.OperationID, "state": op.State})
}

func (s *Server) resumeOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "operationId")
	op, err := s.engineSvc.Resume(r.Context(), id)
	if err != nil {
		respondError(w, errorStatus(err), "INVALID_STATE", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"operation_id": op.OperationID, "state": op.State})
}

func (s *Server) verifyOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "operationId")
	report, err := s.engineSvc.Verify(r.Context(), id)
	if err != nil {
		respondError(w, errorStatus(err), "NOT_FOUND", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}
