// Package actions invokes the external action service that carries out
// subtasks. The orchestrator hands a subtask over and records the
// outcome; what an action actually does lives on the other side of
// this boundary.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

// HTTPExecutor forwards subtasks to the action service over HTTP.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

type executeRequest struct {
	SubtaskID   string                 `json:"subtask_id"`
	Action      string                 `json:"action"`
	Description string                 `json:"description,omitempty"`
	Entities    map[string]interface{} `json:"entities,omitempty"`
}

type executeResponse struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func NewHTTPExecutor(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPExecutor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Execute posts the subtask to the action service and returns its
// result data. Transport failures, non-2xx replies and explicit
// failures all surface as errors; the orchestrator turns them into a
// FAILED subtask.
func (e *HTTPExecutor) Execute(ctx context.Context, st *models.Subtask) (map[string]interface{}, error) {
	payload, err := json.Marshal(executeRequest{
		SubtaskID:   st.SubtaskID,
		Action:      st.Action,
		Description: st.Description,
		Entities:    st.Entities,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal action request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/v1/actions/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("action service unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read action response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("action service returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var out executeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode action response: %w", err)
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "action reported failure"
		}
		return nil, fmt.Errorf("action %s failed: %s", st.Action, out.Error)
	}
	return out.Data, nil
}

// LogExecutor is the fallback when no action service is configured: it
// acknowledges every subtask so the pipeline stays exercisable.
type LogExecutor struct {
	logger *zap.Logger
}

func NewLogExecutor(logger *zap.Logger) *LogExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogExecutor{logger: logger}
}

func (e *LogExecutor) Execute(ctx context.Context, st *models.Subtask) (map[string]interface{}, error) {
	e.logger.Info("action executed (no action service configured)",
		zap.String("subtask_id", st.SubtaskID),
		zap.String("action", st.Action),
	)
	return map[string]interface{}{"acknowledged": true, "action": st.Action}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
