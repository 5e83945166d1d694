// Package api is the caller-facing HTTP façade (spec.md §6): job
// submission, status polling, and cancellation, plus health and metrics
// endpoints. Adapted from the teacher's main.go handler style (plain
// net/http, metric instruments pulled from the global meter provider).
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator/internal/bus"
	"github.com/swarmguard/orchestrator/internal/engine"
	"github.com/swarmguard/orchestrator/internal/kernel"
	"github.com/swarmguard/orchestrator/internal/kernel/errs"
)

// Server wires the Workflow Engine (C5) and Message Bus (C1) to the
// caller-facing HTTP surface.
type Server struct {
	eng *engine.Engine
	bus *bus.Bus
	mux *http.ServeMux

	jobsSubmitted metric.Int64Counter
	jobsRejected  metric.Int64Counter
}

type submitJobRequest struct {
	URL    string           `json:"url"`
	Config kernel.JobConfig `json:"config"`
}

type submitJobResponse struct {
	JobID string `json:"job_id"`
}

type stepView struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

type statusResponse struct {
	ID       string     `json:"id"`
	Status   string     `json:"status"`
	Progress float64    `json:"progress"`
	Steps    []stepView `json:"steps"`
}

// New builds a Server handling the spec's job lifecycle endpoints plus a
// Prometheus-compatible /metrics handler when promHandler is non-nil
// (mirrors the teacher's main.go promHandler wiring).
func New(eng *engine.Engine, b *bus.Bus, promHandler http.Handler) *Server {
	meter := otel.GetMeterProvider().Meter("orchestrator-api")
	jobsSubmitted, _ := meter.Int64Counter("swarm_jobs_submitted_total")
	jobsRejected, _ := meter.Int64Counter("swarm_jobs_rejected_total")

	s := &Server{eng: eng, bus: b, mux: http.NewServeMux(), jobsSubmitted: jobsSubmitted, jobsRejected: jobsRejected}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetStatus)
	s.mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancel)
	if promHandler != nil {
		s.mux.Handle("GET /metrics", promHandler)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.bus.Health()
	w.Header().Set("Content-Type", "application/json")
	if !health.Reachable {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url required", http.StatusBadRequest)
		return
	}
	cfg := req.Config
	if cfg == (kernel.JobConfig{}) {
		cfg = kernel.DefaultJobConfig()
	}

	job := kernel.Job{URL: req.URL, Config: cfg, CreatedAt: time.Now()}
	id, err := s.eng.SubmitJob(job)
	if err != nil {
		s.jobsRejected.Add(r.Context(), 1)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.jobsSubmitted.Add(r.Context(), 1, metric.WithAttributes(attribute.String("status", "submitted")))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(submitJobResponse{JobID: id})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := s.eng.GetStatus(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	resp := statusResponse{ID: view.ID, Status: string(view.Status), Progress: view.Progress}
	for _, st := range view.Steps {
		resp.Steps = append(resp.Steps, stepView{ID: st.ID, Role: st.Role, Status: string(st.Status), RetryCount: st.RetryCount, Error: st.Err})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.eng.Cancel(id, body.Reason); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, errs.ErrWorkflowNotFound) {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
