package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/swarmguard/orchestrator/internal/bus"
	"github.com/swarmguard/orchestrator/internal/config"
	"github.com/swarmguard/orchestrator/internal/engine"
	"github.com/swarmguard/orchestrator/internal/router"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	b, err := bus.New("127.0.0.1", -1)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(b.Close)
	r := router.New(b, 24*time.Hour)
	eng := engine.New(config.EngineConfig{
		MaxConcurrentWorkflows: 5, StepTimeout: time.Minute, HeartbeatTimeout: time.Minute,
		DispatchTick: 10 * time.Millisecond, HealthTick: time.Minute, MetricsTick: time.Minute,
	}, b, r)
	return New(eng, b, nil)
}

func TestSubmitJobThenGetStatus(t *testing.T) {
	s := newTestServer(t)

	body := strings.NewReader(`{"url": "https://example.com/doc"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var submitted submitJobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if submitted.JobID == "" {
		t.Fatalf("expected non-empty job id")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+submitted.JobID, nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}
	var status statusResponse
	if err := json.Unmarshal(getRec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.ID != submitted.JobID || len(status.Steps) == 0 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestGetStatusUnknownJobReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSubmitJobMissingURLReturns400(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCancelUnknownJobReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/does-not-exist/cancel", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
