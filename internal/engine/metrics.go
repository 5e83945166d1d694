package engine

import (
	"context"
	"time"

	"github.com/swarmguard/orchestrator/internal/kernel"
)

// metricsLoop runs the ~30s metrics tick (spec.md §4.5), accumulating
// per-role busy/total time for the role utilization metric.
func (e *Engine) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.MetricsTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.metricsTick()
		}
	}
}

func (e *Engine) metricsTick() {
	e.mu.Lock()
	busy := make(map[string]int)
	total := make(map[string]int)
	for _, w := range e.workers {
		total[w.Role]++
		if w.Availability == kernel.WorkerBusy {
			busy[w.Role]++
		}
	}
	e.mu.Unlock()

	now := time.Now()
	e.metricsMu.Lock()
	elapsed := now.Sub(e.lastMetricsTick)
	if elapsed <= 0 {
		elapsed = e.cfg.MetricsTick
	}
	for role, n := range total {
		e.roleTotalTime[role] += elapsed * time.Duration(n)
		e.roleBusyTime[role] += elapsed * time.Duration(busy[role])
	}
	e.lastMetricsTick = now
	e.metricsMu.Unlock()
}
