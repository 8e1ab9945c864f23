package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

func TestHTTPExecutorSuccess(t *testing.T) {
	var received executeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/actions/execute" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(executeResponse{
			Success: true,
			Data:    map[string]interface{}{"temperatura": 21.5},
		})
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL, time.Second, zap.NewNop())
	data, err := exec.Execute(context.Background(), &models.Subtask{
		SubtaskID: "s1",
		Action:    "consultar_tiempo",
		Entities:  map[string]interface{}{"lugar": "Madrid"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if data["temperatura"] != 21.5 {
		t.Fatalf("unexpected data: %v", data)
	}
	if received.Action != "consultar_tiempo" || received.Entities["lugar"] != "Madrid" {
		t.Fatalf("request not forwarded: %+v", received)
	}
}

func TestHTTPExecutorReportedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(executeResponse{Success: false, Error: "device offline"})
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL, time.Second, zap.NewNop())
	_, err := exec.Execute(context.Background(), &models.Subtask{SubtaskID: "s1", Action: "encender_luz"})
	if err == nil || !strings.Contains(err.Error(), "device offline") {
		t.Fatalf("expected reported failure, got %v", err)
	}
}

func TestHTTPExecutorHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL, time.Second, zap.NewNop())
	_, err := exec.Execute(context.Background(), &models.Subtask{SubtaskID: "s1", Action: "x"})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestHTTPExecutorUnreachable(t *testing.T) {
	exec := NewHTTPExecutor("http://127.0.0.1:1", 100*time.Millisecond, zap.NewNop())
	_, err := exec.Execute(context.Background(), &models.Subtask{SubtaskID: "s1", Action: "x"})
	if err == nil {
		t.Fatal("expected transport error")
	}
}

func TestLogExecutorAcknowledges(t *testing.T) {
	exec := NewLogExecutor(zap.NewNop())
	data, err := exec.Execute(context.Background(), &models.Subtask{SubtaskID: "s1", Action: "avisar"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if data["acknowledged"] != true {
		t.Fatalf("unexpected data: %v", data)
	}
}
