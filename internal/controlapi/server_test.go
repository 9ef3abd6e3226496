package controlapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/agentmesh/internal/conductor"
	"github.com/swarmguard/agentmesh/internal/corelib/eventbus"
	"github.com/swarmguard/agentmesh/internal/corelib/resilience"
	"github.com/swarmguard/agentmesh/internal/lifecycle"
	"github.com/swarmguard/agentmesh/internal/optimizer"
	"github.com/swarmguard/agentmesh/internal/planengine"
	"github.com/swarmguard/agentmesh/internal/queue"
	"github.com/swarmguard/agentmesh/internal/registry"
	"github.com/swarmguard/agentmesh/internal/store"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	return newTestMuxWithTaskLimiter(t, nil)
}

func newTestMuxWithTaskLimiter(t *testing.T, taskLimiter *resilience.RateLimiter) *http.ServeMux {
	t.Helper()
	st := store.NewMemory()
	bus := eventbus.New()
	reg, err := registry.New(st, bus, nil, registry.NoopProber{})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	q := queue.New(queue.DefaultConfig(), st, bus)
	cond := conductor.New(conductor.DefaultConfig(), q, reg, nil, bus)
	engine := planengine.New(q, bus)
	lm, err := lifecycle.New(filepath.Join(t.TempDir(), "lifecycle.db"), bus, nil)
	if err != nil {
		t.Fatalf("new lifecycle manager: %v", err)
	}
	t.Cleanup(func() { _ = lm.Close() })
	dispatcher := optimizer.NewActionDispatcher(nil, nil, nil, nil, bus)
	opt := optimizer.New(st, reg, q, dispatcher)

	_, mux := New(q, reg, cond, engine, lm, opt, bus, nil, taskLimiter)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestHandleAgentsRegisterAndGet(t *testing.T) {
	mux := newTestMux(t)
	spec := map[string]any{
		"name":         "worker-1",
		"type":         "executor",
		"capabilities": []map[string]any{{"type": "http", "maxConcurrency": 2}},
		"endpoints":    []map[string]any{{"url": "ws://localhost:9000", "scheme": "ws"}},
	}
	w := doJSON(t, mux, http.MethodPost, "/v1/agents", spec)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	id := created["agentId"]
	if id == "" {
		t.Fatalf("expected agentId in response, got %s", w.Body.String())
	}

	w = doJSON(t, mux, http.MethodGet, "/v1/agents?id="+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, mux, http.MethodDelete, "/v1/agents?id="+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on unregister, got %d", w.Code)
	}

	w = doJSON(t, mux, http.MethodGet, "/v1/agents?id="+id, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after unregister, got %d", w.Code)
	}
}

func TestHandleAgentsRegisterRejectsMissingFields(t *testing.T) {
	mux := newTestMux(t)
	w := doJSON(t, mux, http.MethodPost, "/v1/agents", map[string]any{"name": "no-type"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing required fields, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleTasksSubmitGetCancel(t *testing.T) {
	mux := newTestMux(t)
	w := doJSON(t, mux, http.MethodPost, "/v1/tasks", map[string]any{
		"type":     "noop",
		"priority": "medium",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	id := created["taskId"]
	if id == "" {
		t.Fatalf("expected taskId, got %s", w.Body.String())
	}

	w = doJSON(t, mux, http.MethodGet, "/v1/tasks?id="+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, mux, http.MethodDelete, "/v1/tasks?id="+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on cancel, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleTasksSubmitRejectsWhenTaskLimiterExhausted(t *testing.T) {
	taskLimiter := resilience.NewRateLimiter(0, 0, time.Minute, 0)
	mux := newTestMuxWithTaskLimiter(t, taskLimiter)
	w := doJSON(t, mux, http.MethodPost, "/v1/tasks", map[string]any{
		"type":     "noop",
		"priority": "medium",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 when task limiter is exhausted, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleTasksSubmitRejectsBadPriority(t *testing.T) {
	mux := newTestMux(t)
	w := doJSON(t, mux, http.MethodPost, "/v1/tasks", map[string]any{
		"type":     "noop",
		"priority": "urgent",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid priority enum, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleWorkflowsSubmitExpandsAndRuns(t *testing.T) {
	mux := newTestMux(t)
	w := doJSON(t, mux, http.MethodPost, "/v1/workflows", map[string]any{
		"name": "two-step",
		"tasks": []map[string]any{
			{"type": "step", "priority": "medium"},
			{"type": "step", "priority": "medium", "dependencies": []string{"task_0"}},
		},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["workflowId"] == "" || resp["workflowId"] == nil {
		t.Fatalf("expected workflowId in response, got %s", w.Body.String())
	}
	taskIDs, ok := resp["taskIds"].([]any)
	if !ok || len(taskIDs) != 2 {
		t.Fatalf("expected 2 taskIds, got %+v", resp["taskIds"])
	}
}

func TestHandleWorkflowsRejectsMissingTasks(t *testing.T) {
	mux := newTestMux(t)
	w := doJSON(t, mux, http.MethodPost, "/v1/workflows", map[string]any{"name": "empty"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing tasks field, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleSystemMetricsReturnsReport(t *testing.T) {
	mux := newTestMux(t)
	w := doJSON(t, mux, http.MethodGet, "/v1/metrics/system", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var report map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
}

func TestHandleTemplatesPutAndList(t *testing.T) {
	mux := newTestMux(t)
	w := doJSON(t, mux, http.MethodPost, "/v1/templates", map[string]any{
		"name":  "default",
		"image": "agent:latest",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, mux, http.MethodGet, "/v1/templates", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var templates []any
	if err := json.Unmarshal(w.Body.Bytes(), &templates); err != nil {
		t.Fatalf("decode templates: %v", err)
	}
	if len(templates) != 1 {
		t.Fatalf("expected 1 template, got %d", len(templates))
	}
}

func TestHandleAgentsMethodNotAllowed(t *testing.T) {
	mux := newTestMux(t)
	w := doJSON(t, mux, http.MethodPatch, "/v1/agents", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}
