// Package taskexec provides the HTTP transport for external worker
// processes that expose an HTTP endpoint instead of consuming directly off
// the bus (spec.md §6's external collaborator contract). Grounded on the
// teacher's task_executor.go/plugins.go HTTPTaskExecutor/HTTPPlugin, whose
// duplicated resolveTemplate/headerCarrier definitions (a retrieval-pack
// artifact: the same symbol redefined across two files of one package) are
// consolidated here into one definition each.
package taskexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/orchestrator/internal/cache"
	"github.com/swarmguard/orchestrator/internal/core/resilience"
	"github.com/swarmguard/orchestrator/internal/kernel"
	"github.com/swarmguard/orchestrator/internal/optimizer"
)

// transportRetries/transportRetryBase bound the low-level, jittered retry
// for transient connection failures (refused/reset/timeout) around a single
// HTTP round trip. This is distinct from the Request Optimizer's smart
// retry, which retries the whole cached operation deterministically and
// without jitter (spec.md §4.4) — this layer only protects against a flaky
// TCP handshake, not a worker's domain-level failure.
const (
	transportRetries    = 2
	transportRetryBase  = 200 * time.Millisecond
)

const maxResponseBytes = 10 << 20

// HTTPWorker invokes an external worker over HTTP: it posts the step's
// input (plus prior step results for template substitution) to the
// worker's endpoint and parses its JSON response into a step result
// payload (spec.md §6). When an Optimizer (C4) is supplied, every call
// runs through its cache lookaside/coalescing/bounded-concurrency/smart-
// retry pipeline instead of a bare HTTP round trip.
type HTTPWorker struct {
	client    *http.Client
	endpoint  string
	opt       *optimizer.Optimizer
	cacheKind string
	tracer    trace.Tracer

	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
}

// NewHTTPWorker builds an HTTPWorker bound to endpoint. A nil client gets a
// pooled default client matching the teacher's HTTPTaskExecutor transport.
// A nil opt performs a bare HTTP round trip with no caching/retry. Every
// instance gets its own rate limiter (20 req/s, burst 40) and circuit
// breaker (opens above 50% failures over a 30s/6-bucket window, half-opens
// after 10s) so one misbehaving external worker endpoint cannot be hammered
// by retries/coalesced callers or keep failing indefinitely.
func NewHTTPWorker(endpoint string, client *http.Client, opt *optimizer.Optimizer, cacheKind string) *HTTPWorker {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPWorker{
		client: client, endpoint: endpoint, opt: opt, cacheKind: cacheKind,
		tracer:  otel.Tracer("orchestrator-taskexec"),
		limiter: resilience.NewRateLimiter(40, 20, time.Minute, 0),
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
	}
}

// Invoke resolves template placeholders in the step's input against
// priorResults, POSTs the resolved JSON body to the worker endpoint, and
// decodes the JSON response as the step's result payload.
func (w *HTTPWorker) Invoke(ctx context.Context, step *kernel.Step, priorResults map[string]map[string]any) (map[string]any, error) {
	ctx, span := w.tracer.Start(ctx, "taskexec.invoke",
		trace.WithAttributes(attribute.String("step_id", step.ID), attribute.String("role", step.Role)))
	defer span.End()

	bodyJSON, err := json.Marshal(step.Input)
	if err != nil {
		return nil, fmt.Errorf("taskexec: marshal input: %w", err)
	}
	resolved := resolveTemplate(string(bodyJSON), priorResults)

	url, _ := step.Input["url"].(string)
	cacheKey := cache.ContentKey(url+":"+step.Role, http.MethodPost)

	var respBody []byte
	if w.opt != nil {
		respBody, err = w.opt.Execute(ctx, step.ID+":"+resolved, cacheKey, w.cacheKind, []string{step.Role}, func(ctx context.Context) ([]byte, error) {
			return w.post(ctx, resolved, span)
		})
	} else {
		respBody, err = w.post(ctx, resolved, span)
	}
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("taskexec: decode response: %w", err)
		}
	}
	return result, nil
}

func (w *HTTPWorker) post(ctx context.Context, body string, span trace.Span) ([]byte, error) {
	if !w.breaker.Allow() {
		return nil, fmt.Errorf("taskexec: circuit open for %s", w.endpoint)
	}
	if !w.limiter.Allow() {
		w.breaker.RecordResult(false)
		return nil, fmt.Errorf("taskexec: rate limit exceeded for %s", w.endpoint)
	}

	respBody, err := w.doPost(ctx, body, span)
	w.breaker.RecordResult(err == nil)
	return respBody, err
}

func (w *HTTPWorker) doPost(ctx context.Context, body string, span trace.Span) ([]byte, error) {
	resp, err := resilience.Retry(ctx, transportRetries, transportRetryBase, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader([]byte(body)))
		if err != nil {
			return nil, fmt.Errorf("taskexec: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{req.Header})
		return w.client.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("taskexec: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("taskexec: read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("taskexec: worker returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// resolveTemplate replaces {{step_id.field}} placeholders with values from
// priorResults, the single consolidated definition of what the teacher
// repo's plugins.go and task_executor.go each defined separately.
func resolveTemplate(template string, priorResults map[string]map[string]any) string {
	result := template
	for stepID, output := range priorResults {
		for field, value := range output {
			placeholder := fmt.Sprintf("{{%s.%s}}", stepID, field)
			result = strings.ReplaceAll(result, placeholder, fmt.Sprintf("%v", value))
		}
	}
	return result
}

// headerCarrier adapts http.Header for OpenTelemetry trace propagation.
type headerCarrier struct {
	header http.Header
}

func (hc *headerCarrier) Get(key string) string { return hc.header.Get(key) }
func (hc *headerCarrier) Set(key, value string) { hc.header.Set(key, value) }
func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.header))
	for k := range hc.header {
		keys = append(keys, k)
	}
	return keys
}
