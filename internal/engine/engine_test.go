package engine

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/orchestrator/internal/bus"
	"github.com/swarmguard/orchestrator/internal/config"
	"github.com/swarmguard/orchestrator/internal/kernel"
	"github.com/swarmguard/orchestrator/internal/router"
)

func newTestEngine(t *testing.T) (*Engine, *bus.Bus) {
	t.Helper()
	b, err := bus.New("127.0.0.1", -1)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(b.Close)
	r := router.New(b, 24*time.Hour)

	cfg := config.EngineConfig{
		MaxConcurrentWorkflows: 10,
		StepTimeout:            time.Minute,
		HeartbeatTimeout:       50 * time.Millisecond,
		DispatchTick:           10 * time.Millisecond,
		HealthTick:             10 * time.Millisecond,
		MetricsTick:            time.Hour,
		MaxRetries:             3,
	}
	return New(cfg, b, r), b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("condition not met within %s", timeout)
		case <-tick.C:
		}
	}
}

// S1: a step only becomes a dispatch candidate once every prerequisite is
// completed (spec.md §4.5 seed scenario S1).
func TestReadyStepDispatchedOnlyAfterPrereqsComplete(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RegisterWorker("w-analysis", "analysis", nil)
	e.RegisterWorker("w-orch", "orchestrator", nil)
	e.RegisterWorker("w-html", "html_extractor", nil)
	e.RegisterWorker("w-validator", "validator", nil)

	job := kernel.Job{URL: "https://example.com/doc", Config: kernel.DefaultJobConfig(), CreatedAt: time.Now()}
	job.Config.IncludePDFs = false
	id, err := e.SubmitJob(job)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	waitFor(t, time.Second, func() bool {
		view, _ := e.GetStatus(id)
		for _, s := range view.Steps {
			if s.ID == "analysis" && s.Status == kernel.StatusRunning {
				return true
			}
		}
		return false
	})

	view, err := e.GetStatus(id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	for _, s := range view.Steps {
		if s.ID != "analysis" && s.Status != kernel.StatusPending {
			t.Fatalf("step %s dispatched before its prerequisites completed: %+v", s.ID, s)
		}
	}
}

// S2: a step exhausts its retry budget after max_retries failures and
// becomes failed rather than retried a fourth time (spec.md seed scenario S2).
func TestStepFailsAfterRetryExhaustion(t *testing.T) {
	e, b := newTestEngine(t)
	e.RegisterWorker("w-analysis", "analysis", nil)

	job := kernel.Job{URL: "https://example.com", Config: kernel.DefaultJobConfig(), CreatedAt: time.Now()}
	job.Config.IncludePDFs = false
	id, err := e.SubmitJob(job)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	// The step's MaxRetries is 3 (dag.go), so the 3rd failure exhausts the
	// retry budget and the step becomes failed instead of being re-dispatched.
	for i := 0; i < 3; i++ {
		waitFor(t, time.Second, func() bool {
			view, _ := e.GetStatus(id)
			for _, s := range view.Steps {
				if s.ID == "analysis" && s.Status == kernel.StatusRunning {
					return true
				}
			}
			return false
		})
		b.Publish(context.Background(), kernel.Message{
			Kind: kernel.KindJobFailed, Recipient: "engine", CreatedAt: time.Now(),
			Payload: map[string]any{"workflow_id": id, "step_id": "analysis", "error": "boom"},
		})
		e.RegisterWorker("w-analysis", "analysis", nil)
	}

	waitFor(t, time.Second, func() bool {
		view, _ := e.GetStatus(id)
		for _, s := range view.Steps {
			if s.ID == "analysis" {
				return s.Status == kernel.StatusFailed
			}
		}
		return false
	})

	view, _ := e.GetStatus(id)
	for _, s := range view.Steps {
		if s.ID == "analysis" && s.RetryCount != 3 {
			t.Fatalf("expected exactly 3 recorded retries, got %d", s.RetryCount)
		}
	}
}

// S5: cancelling a workflow finalizes it as cancelled, and a late result for
// a cancelled step does not revive the workflow (spec.md seed scenario S5).
func TestCancelIsTerminalAndIgnoresLateResult(t *testing.T) {
	e, b := newTestEngine(t)
	e.RegisterWorker("w-analysis", "analysis", nil)

	job := kernel.Job{URL: "https://example.com", Config: kernel.DefaultJobConfig(), CreatedAt: time.Now()}
	job.Config.IncludePDFs = false
	id, err := e.SubmitJob(job)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	waitFor(t, time.Second, func() bool {
		view, _ := e.GetStatus(id)
		for _, s := range view.Steps {
			if s.ID == "analysis" && s.Status == kernel.StatusRunning {
				return true
			}
		}
		return false
	})

	if err := e.Cancel(id, "operator requested"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	view, _ := e.GetStatus(id)
	if view.Status != kernel.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", view.Status)
	}

	// Late success result for the now-cancelled step must not revive it.
	b.Publish(context.Background(), kernel.Message{
		Kind: kernel.KindContentExtracted, Recipient: "engine", CreatedAt: time.Now(),
		Payload: map[string]any{"workflow_id": id, "step_id": "analysis"},
	})
	time.Sleep(20 * time.Millisecond)

	view, _ = e.GetStatus(id)
	if view.Status != kernel.StatusCancelled {
		t.Fatalf("late result revived workflow: now %s", view.Status)
	}
	for _, s := range view.Steps {
		if s.ID == "analysis" && s.Status != kernel.StatusCancelled {
			t.Fatalf("late result changed cancelled step status to %s", s.Status)
		}
	}
}

// S6: a default workflow's validation step waits only on the optional
// branches actually present (spec.md seed scenario S6).
func TestDefaultWorkflowValidationPrereqsMatchOptionalBranches(t *testing.T) {
	job := kernel.Job{URL: "https://example.com/report.pdf", Config: kernel.DefaultJobConfig(), CreatedAt: time.Now()}
	job.Config.IncludePDFs = true
	job.Config.IncludeImages = true

	wf := BuildDefaultWorkflow(job)
	validation, ok := wf.Steps["validation"]
	if !ok {
		t.Fatalf("expected a validation step")
	}
	want := map[string]bool{"html_extraction": true, "pdf_analysis": true, "vision_processing": true}
	if len(validation.Prereqs) != len(want) {
		t.Fatalf("expected %d validation prereqs, got %v", len(want), validation.Prereqs)
	}
	for _, p := range validation.Prereqs {
		if !want[p] {
			t.Fatalf("unexpected validation prereq %q", p)
		}
	}

	if err := ValidateDAG(wf.Steps); err != nil {
		t.Fatalf("expected default workflow to validate cleanly: %v", err)
	}
}

func TestValidateDAGRejectsCycles(t *testing.T) {
	steps := map[string]*kernel.Step{
		"a": {ID: "a", Role: "r", Prereqs: []string{"b"}},
		"b": {ID: "b", Role: "r", Prereqs: []string{"a"}},
	}
	if err := ValidateDAG(steps); err == nil {
		t.Fatalf("expected cycle to be rejected")
	}
}

func TestValidateDAGRejectsUnresolvedPrereq(t *testing.T) {
	steps := map[string]*kernel.Step{
		"a": {ID: "a", Role: "r", Prereqs: []string{"missing"}},
	}
	if err := ValidateDAG(steps); err == nil {
		t.Fatalf("expected unresolved prerequisite to be rejected")
	}
}
