// Package httpapi exposes the engine over HTTP: classification,
// subtask execution, progress polling, cancellation, statistics and a
// websocket event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/engine"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/orchestrator"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/progress"
)

// Handler serves the engine's HTTP API.
type Handler struct {
	engine *engine.Engine
	logger *zap.Logger
}

func NewHandler(e *engine.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: e, logger: logger}
}

// RegisterRoutes mounts the API on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/classify", h.handleClassify)
	mux.HandleFunc("POST /api/v1/execute", h.handleExecute)
	mux.HandleFunc("GET /api/v1/progress/{trackerID}", h.handleProgress)
	mux.HandleFunc("POST /api/v1/executions/{executionID}/cancel", h.handleCancelExecution)
	mux.HandleFunc("POST /api/v1/trackers/{trackerID}/cancel", h.handleCancelTracking)
	mux.HandleFunc("GET /api/v1/stats", h.handleStats)
	mux.HandleFunc("/stream/ws", h.handleWS)
}

func (h *Handler) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req engine.ClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserMessage == "" {
		h.writeError(w, http.StatusBadRequest, "user_message is required")
		return
	}

	execute := r.URL.Query().Get("execute") == "true"
	if execute {
		round, exec, err := h.engine.ClassifyAndExecute(r.Context(), req)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"round":     round,
			"execution": exec,
		})
		return
	}

	round, err := h.engine.Classify(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, round)
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req engine.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Subtasks) == 0 {
		h.writeError(w, http.StatusBadRequest, "subtasks are required")
		return
	}

	resp, err := h.engine.Execute(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Progress(r.PathValue("trackerID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("executionID")
	if err := h.engine.CancelExecution(executionID); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"cancelled":    true,
	})
}

func (h *Handler) handleCancelTracking(w http.ResponseWriter, r *http.Request) {
	trackerID := r.PathValue("trackerID")
	if err := h.engine.CancelTracking(trackerID); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tracker_id": trackerID,
		"cancelled":  true,
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.Statistics())
}

// writeEngineError maps engine error kinds to HTTP status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, progress.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrCyclicDependency), errors.Is(err, orchestrator.ErrInvalidGraph):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, progress.ErrDuplicateSession):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, map[string]string{"error": msg})
}
