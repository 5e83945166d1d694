package engine

import (
	"fmt"

	"github.com/swarmguard/orchestrator/internal/kernel"
)

// BuildDefaultWorkflow instantiates the default extraction job DAG
// (spec.md §4.5): analysis -> orchestration -> html_extraction -> validation,
// with orchestration also branching to pdf_analysis (iff include_pdfs) and
// vision_processing (iff include_images), both flowing into validation.
// Grounded on original_source/.../agent_coordinator.py::create_extraction_workflow.
func BuildDefaultWorkflow(job kernel.Job) *kernel.Workflow {
	steps := map[string]*kernel.Step{
		"analysis": {
			ID: "analysis", Role: "analysis", Status: kernel.StatusPending,
			Input: map[string]any{"url": job.URL, "depth": job.Config.AnalysisDepth},
			MaxRetries: 3, Priority: job.Config.Priority,
		},
		"orchestration": {
			ID: "orchestration", Role: "orchestrator", Prereqs: []string{"analysis"},
			Status: kernel.StatusPending, MaxRetries: 3, Priority: job.Config.Priority,
		},
		"html_extraction": {
			ID: "html_extraction", Role: "html_extractor", Prereqs: []string{"orchestration"},
			Status: kernel.StatusPending, MaxRetries: 3, Priority: job.Config.Priority,
			Input: map[string]any{"url": job.URL},
		},
	}
	order := []string{"analysis", "orchestration", "html_extraction"}
	validationPrereqs := []string{"html_extraction"}

	if job.Config.IncludePDFs {
		steps["pdf_analysis"] = &kernel.Step{
			ID: "pdf_analysis", Role: "pdf_analyzer", Prereqs: []string{"orchestration"},
			Status: kernel.StatusPending, MaxRetries: 3, Priority: job.Config.Priority,
			Input: map[string]any{"url": job.URL, "ocr_enabled": job.Config.OCREnabled},
		}
		order = append(order, "pdf_analysis")
		validationPrereqs = append(validationPrereqs, "pdf_analysis")
	}
	if job.Config.IncludeImages {
		steps["vision_processing"] = &kernel.Step{
			ID: "vision_processing", Role: "vision_processor", Prereqs: []string{"orchestration"},
			Status: kernel.StatusPending, MaxRetries: 3, Priority: job.Config.Priority,
			Input: map[string]any{"url": job.URL, "depth": job.Config.ImageAnalysisDepth},
		}
		order = append(order, "vision_processing")
		validationPrereqs = append(validationPrereqs, "vision_processing")
	}

	steps["validation"] = &kernel.Step{
		ID: "validation", Role: "validator", Prereqs: validationPrereqs,
		Status: kernel.StatusPending, MaxRetries: 3, Priority: job.Config.Priority,
		Input: map[string]any{"level": job.Config.ValidationLevel},
	}
	order = append(order, "validation")

	return &kernel.Workflow{
		Job: job, StepOrder: order, Steps: steps, Status: kernel.StatusPending,
		CreatedAt: job.CreatedAt,
	}
}

// ValidateDAG rejects a custom workflow whose prerequisites reference
// non-existent steps or whose step graph contains a cycle (spec.md §4.5/§7:
// a configuration error is fatal before execution). Grounded on the
// teacher's dag_engine.go::buildDAG, since create_custom_workflow in the
// Python original lacks this validation.
func ValidateDAG(steps map[string]*kernel.Step) error {
	for id, s := range steps {
		for _, dep := range s.Prereqs {
			if _, ok := steps[dep]; !ok {
				return fmt.Errorf("step %q references non-existent prerequisite %q", id, dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range steps[id].Prereqs {
			switch color[dep] {
			case gray:
				return fmt.Errorf("cyclic dependency detected at step %q", id)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range steps {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
