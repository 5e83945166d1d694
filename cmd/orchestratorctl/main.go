// Command orchestratorctl submits a single extraction job directly against
// the Workflow Engine (bypassing the HTTP façade) and prints its status,
// polling until the workflow reaches a terminal state. Useful for operators
// running ad hoc jobs without standing up the full HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/orchestrator/internal/bus"
	"github.com/swarmguard/orchestrator/internal/config"
	"github.com/swarmguard/orchestrator/internal/core/logging"
	"github.com/swarmguard/orchestrator/internal/engine"
	"github.com/swarmguard/orchestrator/internal/kernel"
	"github.com/swarmguard/orchestrator/internal/router"
)

func main() {
	url := flag.String("url", "", "document URL to extract (required)")
	analysisDepth := flag.String("analysis-depth", "", "override analysis_depth (basic|standard|deep)")
	includePDFs := flag.Bool("include-pdfs", true, "include PDF extraction step")
	includeImages := flag.Bool("include-images", false, "include vision processing step")
	timeout := flag.Duration("timeout", 5*time.Minute, "how long to wait for workflow completion")
	flag.Parse()

	if *url == "" {
		fmt.Fprintln(os.Stderr, "orchestratorctl: -url is required")
		os.Exit(2)
	}

	logging.Init("orchestratorctl")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()

	b, err := bus.New(cfg.Bus.EmbeddedNATSHost, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratorctl: bus init failed: %v\n", err)
		os.Exit(1)
	}
	defer b.Close()

	r := router.New(b, cfg.Router.DeadLetterRetention)
	eng := engine.New(cfg.Engine, b, r)
	eng.Start(ctx)
	defer eng.Stop()

	jobCfg := kernel.DefaultJobConfig()
	if *analysisDepth != "" {
		jobCfg.AnalysisDepth = *analysisDepth
	}
	jobCfg.IncludePDFs = *includePDFs
	jobCfg.IncludeImages = *includeImages

	job := kernel.Job{URL: *url, Config: jobCfg, CreatedAt: time.Now()}
	workflowID, err := eng.SubmitJob(job)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratorctl: submit failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("submitted workflow %s\n", workflowID)

	deadline := time.Now().Add(*timeout)
	for time.Now().Before(deadline) {
		view, err := eng.GetStatus(workflowID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "orchestratorctl: status failed: %v\n", err)
			os.Exit(1)
		}
		if view.Status.Terminal() {
			printView(view)
			if view.Status != kernel.StatusCompleted {
				os.Exit(1)
			}
			return
		}
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "orchestratorctl: interrupted")
			os.Exit(1)
		case <-time.After(500 * time.Millisecond):
		}
	}
	fmt.Fprintln(os.Stderr, "orchestratorctl: timed out waiting for workflow completion")
	os.Exit(1)
}

func printView(view engine.WorkflowView) {
	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratorctl: encode status: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
