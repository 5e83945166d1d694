// Package optimizer implements the Request Optimizer (C4): cache
// lookaside, in-flight coalescing, bounded concurrency, and smart retry
// (spec.md §4.4), grounded on
// original_source/src/infrastructure/optimization/performance_optimizer.py.
package optimizer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/orchestrator/internal/cache"
	"github.com/swarmguard/orchestrator/internal/config"
)

// Fn is a wrapped external call (typically an LLM request or a per-URL
// extraction), returning bytes or an error.
type Fn func(ctx context.Context) ([]byte, error)

// Toggles are the explicit strategy on/off switches (spec.md §4.4):
// disabled strategies degrade to plain execution.
type Toggles struct {
	CacheLookaside    bool
	Coalescing        bool
	BoundedConcurrency bool
	SmartRetry        bool
}

// DefaultToggles enables every strategy.
func DefaultToggles() Toggles {
	return Toggles{CacheLookaside: true, Coalescing: true, BoundedConcurrency: true, SmartRetry: true}
}

type outcome struct {
	value []byte
	err   error
}

type inflight struct {
	waiters []chan outcome
}

// Metrics is the optimizer's observable counter/latency set (spec.md §4.4).
type Metrics struct {
	Total         int64
	Cached        int64
	Coalesced     int64
	Batched       int64
	Parallel      int64
	Failed        int64
	RetryAttempts int64
}

// Optimizer is the Request Optimizer (C4).
type Optimizer struct {
	cache   *cache.Cache
	cfg     config.OptimizerConfig
	toggles Toggles

	sem      chan struct{}
	batchSem chan struct{}

	mu       sync.Mutex
	inflight map[string]*inflight

	metricsMu sync.Mutex
	metrics   Metrics
	samples   []time.Duration // ring buffer of the last N response times

	peakMu   sync.Mutex
	peak     int
	inFlightN int
}

// New builds an Optimizer against the given Cache Tier.
func New(c *cache.Cache, cfg config.OptimizerConfig, toggles Toggles) *Optimizer {
	return &Optimizer{
		cache:    c,
		cfg:      cfg,
		toggles:  toggles,
		sem:      make(chan struct{}, cfg.MaxConcurrentRequests),
		batchSem: make(chan struct{}, cfg.MaxParallelBatch),
		inflight: make(map[string]*inflight),
	}
}

// Execute runs fn under cache lookaside, coalescing, bounded concurrency,
// and smart retry, keyed by signature (the coalescing key) and cacheKey/
// cacheKind (the cache lookaside key and TTL-policy kind). Tags are
// dependency tags to attach on cache write-through.
func (o *Optimizer) Execute(ctx context.Context, signature, cacheKey, cacheKind string, tags []string, fn Fn) ([]byte, error) {
	o.bump(&o.metrics.Total)

	if o.toggles.CacheLookaside {
		if v, ok := o.cache.Get(ctx, cacheKey); ok {
			o.bump(&o.metrics.Cached)
			return v, nil
		}
	}

	if o.toggles.Coalescing {
		return o.executeCoalesced(ctx, signature, cacheKey, cacheKind, tags, fn)
	}
	return o.executeOnce(ctx, cacheKey, cacheKind, tags, fn)
}

// executeCoalesced implements the signature -> waiter-list map (spec.md
// §3 In-flight Request Record, §4.4 strategy 2, §8 property 5): exactly one
// real execution per signature while waiters exist; every waiter observes
// the same outcome.
func (o *Optimizer) executeCoalesced(ctx context.Context, signature, cacheKey, cacheKind string, tags []string, fn Fn) ([]byte, error) {
	o.mu.Lock()
	if inf, exists := o.inflight[signature]; exists {
		ch := make(chan outcome, 1)
		inf.waiters = append(inf.waiters, ch)
		o.mu.Unlock()
		o.bump(&o.metrics.Coalesced)
		res := <-ch
		return res.value, res.err
	}
	inf := &inflight{}
	o.inflight[signature] = inf
	o.mu.Unlock()

	value, err := o.executeOnce(ctx, cacheKey, cacheKind, tags, fn)

	o.mu.Lock()
	waiters := inf.waiters
	delete(o.inflight, signature)
	o.mu.Unlock()

	for _, w := range waiters {
		w <- outcome{value: value, err: err}
	}
	return value, err
}

func (o *Optimizer) executeOnce(ctx context.Context, cacheKey, cacheKind string, tags []string, fn Fn) ([]byte, error) {
	if o.toggles.BoundedConcurrency {
		select {
		case o.sem <- struct{}{}:
			defer func() { <-o.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		o.trackPeak()
		defer o.untrackPeak()
	}

	start := time.Now()
	var value []byte
	var err error
	if o.toggles.SmartRetry {
		value, err = o.smartRetry(ctx, fn)
	} else {
		value, err = fn(ctx)
	}
	o.recordDuration(time.Since(start))

	if err != nil {
		o.bump(&o.metrics.Failed)
		return nil, err
	}
	if o.toggles.CacheLookaside {
		_ = o.cache.Set(ctx, cacheKey, cacheKind, value, tags)
	}
	return value, nil
}

// smartRetry makes an initial call, and on failure retries up to
// RetryMaxAttempts more times with the deterministic base*2^attempt delay
// sequence (1s, 2s, 4s for the spec defaults) — NOT jittered, per spec.md
// §4.4 and the ground truth in performance_optimizer.py::_smart_retry_request,
// which is invoked only after an initial failed call and then performs
// exactly RetryMaxAttempts more attempts, sleeping before each. The last
// error is surfaced (spec.md §8 boundary: "optimizer retry emits exactly 3
// retry attempts for a persistently failing call" — 4 calls total).
func (o *Optimizer) smartRetry(ctx context.Context, fn Fn) ([]byte, error) {
	v, err := fn(ctx)
	if err == nil {
		return v, nil
	}
	lastErr := err
	for attempt := 0; attempt < o.cfg.RetryMaxAttempts; attempt++ {
		delay := o.cfg.RetryBaseDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		o.bump(&o.metrics.RetryAttempts)
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("smart retry exhausted after %d attempts: %w", o.cfg.RetryMaxAttempts, lastErr)
}

// BatchItem is one URL in a batch extraction request.
type BatchItem struct {
	URL       string
	CacheKey  string
	CacheKind string
}

// BatchResult pairs a batch item's original index with its outcome,
// reassembled in input order (spec.md §4.4).
type BatchResult struct {
	Index int
	Value []byte
	Err   error
}

// Batch looks up each item in the cache, then parallel-executes the
// cache-miss subset under a separate permit pool (default 5), reassembling
// results in input order. Exceptions propagate; partial results are never
// silently dropped (spec.md §4.4).
func (o *Optimizer) Batch(ctx context.Context, items []BatchItem, fn func(ctx context.Context, item BatchItem) ([]byte, error)) []BatchResult {
	o.bump(&o.metrics.Batched)
	results := make([]BatchResult, len(items))
	var misses []int

	for i, item := range items {
		if o.toggles.CacheLookaside {
			if v, ok := o.cache.Get(ctx, item.CacheKey); ok {
				o.bump(&o.metrics.Cached)
				results[i] = BatchResult{Index: i, Value: v}
				continue
			}
		}
		misses = append(misses, i)
	}

	var wg sync.WaitGroup
	for _, idx := range misses {
		idx := idx
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.batchSem <- struct{}{}
			defer func() { <-o.batchSem }()
			o.bump(&o.metrics.Parallel)

			item := items[idx]
			start := time.Now()
			var value []byte
			var err error
			if o.toggles.SmartRetry {
				value, err = o.smartRetry(ctx, func(ctx context.Context) ([]byte, error) { return fn(ctx, item) })
			} else {
				value, err = fn(ctx, item)
			}
			o.recordDuration(time.Since(start))
			if err != nil {
				o.bump(&o.metrics.Failed)
				results[idx] = BatchResult{Index: idx, Err: err}
				return
			}
			if o.toggles.CacheLookaside {
				_ = o.cache.Set(ctx, item.CacheKey, item.CacheKind, value, nil)
			}
			results[idx] = BatchResult{Index: idx, Value: value}
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results
}

func (o *Optimizer) bump(counter *int64) {
	o.metricsMu.Lock()
	*counter++
	o.metricsMu.Unlock()
}

func (o *Optimizer) trackPeak() {
	o.peakMu.Lock()
	o.inFlightN++
	if o.inFlightN > o.peak {
		o.peak = o.inFlightN
	}
	o.peakMu.Unlock()
}

func (o *Optimizer) untrackPeak() {
	o.peakMu.Lock()
	o.inFlightN--
	o.peakMu.Unlock()
}

// PeakConcurrency returns the highest observed number of concurrently
// in-flight bounded-concurrency calls (spec.md §4.4 strategy 3).
func (o *Optimizer) PeakConcurrency() int {
	o.peakMu.Lock()
	defer o.peakMu.Unlock()
	return o.peak
}

const sampleWindow = 100

func (o *Optimizer) recordDuration(d time.Duration) {
	o.metricsMu.Lock()
	defer o.metricsMu.Unlock()
	o.samples = append(o.samples, d)
	if len(o.samples) > sampleWindow {
		o.samples = o.samples[len(o.samples)-sampleWindow:]
	}
}

// Metrics returns a snapshot of counters.
func (o *Optimizer) Metrics() Metrics {
	o.metricsMu.Lock()
	defer o.metricsMu.Unlock()
	return o.metrics
}

// ResponseTimeStats is the running mean/min/max/p95 over the most recent
// 100 samples (spec.md §4.4).
type ResponseTimeStats struct {
	Mean time.Duration
	Min  time.Duration
	Max  time.Duration
	P95  time.Duration
}

func (o *Optimizer) ResponseTimeStats() ResponseTimeStats {
	o.metricsMu.Lock()
	samples := append([]time.Duration(nil), o.samples...)
	o.metricsMu.Unlock()

	if len(samples) == 0 {
		return ResponseTimeStats{}
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	min, max := sorted[0], sorted[len(sorted)-1]
	for _, s := range sorted {
		sum += s
	}
	p95idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if p95idx < 0 {
		p95idx = 0
	}
	if p95idx >= len(sorted) {
		p95idx = len(sorted) - 1
	}
	return ResponseTimeStats{
		Mean: sum / time.Duration(len(sorted)),
		Min:  min,
		Max:  max,
		P95:  sorted[p95idx],
	}
}
