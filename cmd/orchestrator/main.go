// Command orchestrator runs the workflow-orchestration kernel: the Message
// Bus (C1), Queue Router (C2), Cache Tier (C3), Request Optimizer (C4), and
// Workflow Engine (C5) behind a caller-facing HTTP façade, plus the cron/
// event scheduler. Wiring and graceful shutdown are grounded on the
// teacher's main.go.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/orchestrator/internal/api"
	"github.com/swarmguard/orchestrator/internal/bus"
	"github.com/swarmguard/orchestrator/internal/cache"
	"github.com/swarmguard/orchestrator/internal/config"
	"github.com/swarmguard/orchestrator/internal/core/logging"
	"github.com/swarmguard/orchestrator/internal/core/otelinit"
	"github.com/swarmguard/orchestrator/internal/engine"
	"github.com/swarmguard/orchestrator/internal/optimizer"
	"github.com/swarmguard/orchestrator/internal/router"
	"github.com/swarmguard/orchestrator/internal/schedule"
	"github.com/swarmguard/orchestrator/internal/taskexec"
)

// roleCacheKind maps a step role to the cache entry kind its worker's
// response should be stored under (spec.md §4.3's per-kind TTL table).
var roleCacheKind = map[string]string{
	"analysis":         "website_analysis",
	"orchestrator":     "workflow_state",
	"html_extractor":   "extracted_content",
	"pdf_analyzer":     "pdf_content",
	"vision_processor": "image_analysis",
	"validator":        "validation",
}

func main() {
	service := "orchestrator"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)

	cfg := config.Load()

	b, err := bus.New(cfg.Bus.EmbeddedNATSHost, cfg.Bus.EmbeddedNATSPort)
	if err != nil {
		slog.Error("bus init failed", "error", err)
		return
	}
	defer b.Close()

	r := router.New(b, cfg.Router.DeadLetterRetention)

	c, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("cache init failed", "error", err)
		return
	}
	defer c.Close()

	opt := optimizer.New(c, cfg.Optimizer, optimizer.DefaultToggles())

	eng := engine.New(cfg.Engine, b, r)
	eng.Start(ctx)
	defer eng.Stop()

	// Every configured worker role gets one HTTP-backed instance, bridged
	// onto the role's shared router queue — the same queue identity the
	// engine's dispatch tick routes job-created messages to — so the
	// router's capacity/dead-letter accounting (spec.md §4.2) runs against
	// the real delivery path rather than a per-instance worker ID. Requests
	// run through the optimizer (C4) so cache lookaside, coalescing, and
	// smart retry apply to every call.
	for role, endpoint := range cfg.Workers {
		workerID := role + "-http-1"
		queueName := engine.RoleQueueName(role)
		r.RegisterQueue(router.QueueConfig{
			Name: queueName, Capacity: 500, Priority: router.PriorityNormal,
			ConsumerTimeout: 30 * time.Second, MaxRetries: 3, TTL: time.Hour, DeadLetter: true,
		})
		worker := taskexec.NewHTTPWorker(endpoint, nil, opt, roleCacheKind[role])
		bridge := taskexec.NewBridge(b, worker)
		eng.RegisterWorker(workerID, role, []string{role})
		bridge.Attach(queueName)
	}
	go func() {
		ticker := time.NewTicker(cfg.Engine.HeartbeatTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for role := range cfg.Workers {
					eng.Heartbeat(role + "-http-1")
				}
			}
		}
	}()

	schedMeter := otel.GetMeterProvider().Meter("orchestrator-scheduler")
	sched, err := schedule.New(cfg.Cache.BoltPath+".schedules", eng, schedMeter)
	if err != nil {
		slog.Error("scheduler init failed", "error", err)
		return
	}
	sched.Start()
	defer sched.Stop(context.Background())
	if err := sched.RestoreSchedules(ctx); err != nil {
		slog.Warn("schedule restore incomplete", "error", err)
	}

	var httpPromHandler http.Handler
	if h, ok := promHandler.(http.Handler); ok {
		httpPromHandler = h
	}
	apiServer := api.New(eng, b, httpPromHandler)

	srv := &http.Server{Addr: cfg.API.Addr, Handler: apiServer}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("orchestrator started", "addr", cfg.API.Addr, "env", cfg.Environment)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}
