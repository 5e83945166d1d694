// Package config centralizes environment-driven configuration for every
// kernel component, mirroring the teacher's getEnvDefault idiom.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// BusConfig configures the Message Bus (C1).
type BusConfig struct {
	EmbeddedNATSHost string
	EmbeddedNATSPort int
	DefaultTTL       time.Duration
}

// RouterConfig configures the Queue Router (C2).
type RouterConfig struct {
	DeadLetterRetention time.Duration
}

// CacheConfig configures the Cache Tier (C3).
type CacheConfig struct {
	LocalMaxBytes        int64
	BoltPath             string
	FileCacheDir         string
	FileThresholdBytes   int64
	CompressThreshold    int64
	CompressMinSavingPct float64
	SweepInterval        time.Duration
}

// OptimizerConfig configures the Request Optimizer (C4).
type OptimizerConfig struct {
	MaxConcurrentRequests int
	MaxParallelBatch      int
	RetryMaxAttempts      int
	RetryBaseDelay        time.Duration
	MetricsSampleWindow   int
}

// EngineConfig configures the Workflow Engine (C5).
type EngineConfig struct {
	MaxConcurrentWorkflows int
	StepTimeout            time.Duration
	HeartbeatTimeout        time.Duration
	DispatchTick           time.Duration
	HealthTick             time.Duration
	MetricsTick            time.Duration
	MaxRetries             int
}

// APIConfig configures the caller-facing HTTP surface.
type APIConfig struct {
	Addr string
}

// WorkerEndpoints maps a step role to the HTTP endpoint of the external
// collaborator that executes it (spec.md §6's worker contract), env-driven
// the same way every other kernel-relative address is.
type WorkerEndpoints map[string]string

// Config aggregates every component's configuration.
type Config struct {
	Environment string
	Bus         BusConfig
	Router      RouterConfig
	Cache       CacheConfig
	Optimizer   OptimizerConfig
	Engine      EngineConfig
	API         APIConfig
	Workers     WorkerEndpoints
}

// Load builds a Config from environment variables, falling back to the
// defaults specified by spec.md where a variable is unset.
func Load() Config {
	return Config{
		Environment: getEnvDefault("SWARM_ENV", "development"),
		Bus: BusConfig{
			EmbeddedNATSHost: getEnvDefault("SWARM_BUS_HOST", "127.0.0.1"),
			EmbeddedNATSPort: getEnvIntDefault("SWARM_BUS_PORT", 4222),
			DefaultTTL:       getEnvDurationDefault("SWARM_BUS_DEFAULT_TTL", time.Hour),
		},
		Router: RouterConfig{
			DeadLetterRetention: getEnvDurationDefault("SWARM_DLQ_RETENTION", 24*time.Hour),
		},
		Cache: CacheConfig{
			LocalMaxBytes:        getEnvInt64Default("SWARM_CACHE_LOCAL_MAX_BYTES", 256*1024*1024),
			BoltPath:             getEnvDefault("SWARM_CACHE_BOLT_PATH", "./data/cache.db"),
			FileCacheDir:         getEnvDefault("SWARM_CACHE_FILE_DIR", "./data/cache-files"),
			FileThresholdBytes:   getEnvInt64Default("SWARM_CACHE_FILE_THRESHOLD", 1<<20),
			CompressThreshold:    getEnvInt64Default("SWARM_CACHE_COMPRESS_THRESHOLD", 1024),
			CompressMinSavingPct: 0.10,
			SweepInterval:        getEnvDurationDefault("SWARM_CACHE_SWEEP_INTERVAL", 5*time.Minute),
		},
		Optimizer: OptimizerConfig{
			MaxConcurrentRequests: getEnvIntDefault("SWARM_OPT_MAX_CONCURRENT", 20),
			MaxParallelBatch:      getEnvIntDefault("SWARM_OPT_MAX_PARALLEL_BATCH", 5),
			RetryMaxAttempts:      3,
			RetryBaseDelay:        time.Second,
			MetricsSampleWindow:   100,
		},
		Engine: EngineConfig{
			MaxConcurrentWorkflows: getEnvIntDefault("SWARM_ENGINE_MAX_CONCURRENT", 10),
			StepTimeout:            getEnvDurationDefault("SWARM_ENGINE_STEP_TIMEOUT", 30*time.Minute),
			HeartbeatTimeout:       getEnvDurationDefault("SWARM_ENGINE_HEARTBEAT_TIMEOUT", 5*time.Minute),
			DispatchTick:           getEnvDurationDefault("SWARM_ENGINE_DISPATCH_TICK", 5*time.Second),
			HealthTick:             getEnvDurationDefault("SWARM_ENGINE_HEALTH_TICK", 60*time.Second),
			MetricsTick:            getEnvDurationDefault("SWARM_ENGINE_METRICS_TICK", 30*time.Second),
			MaxRetries:             3,
		},
		API: APIConfig{
			Addr: getEnvDefault("SWARM_API_ADDR", ":8080"),
		},
		Workers: WorkerEndpoints{
			"analysis":          getEnvDefault("SWARM_WORKER_ANALYSIS_URL", "http://analysis-agent:8081/v1/execute"),
			"orchestrator":      getEnvDefault("SWARM_WORKER_ORCHESTRATOR_URL", "http://orchestrator-agent:8082/v1/execute"),
			"html_extractor":    getEnvDefault("SWARM_WORKER_HTML_URL", "http://html-extractor:8083/v1/execute"),
			"pdf_analyzer":      getEnvDefault("SWARM_WORKER_PDF_URL", "http://pdf-analyzer:8084/v1/execute"),
			"vision_processor":  getEnvDefault("SWARM_WORKER_VISION_URL", "http://vision-processor:8085/v1/execute"),
			"validator":         getEnvDefault("SWARM_WORKER_VALIDATOR_URL", "http://validator:8086/v1/execute"),
		},
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64Default(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvDurationDefault(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// CacheKindTTL returns the default TTL policy for a cache entry kind, per
// spec.md §4.3's per-kind default table.
func CacheKindTTL(kind string) time.Duration {
	switch kind {
	case "llm_response":
		return 6 * time.Hour
	case "extracted_content":
		return 3 * 24 * time.Hour
	case "website_analysis":
		return 24 * time.Hour
	case "pdf_content":
		return 30 * 24 * time.Hour
	case "image_analysis":
		return 7 * 24 * time.Hour
	case "validation":
		return 12 * time.Hour
	case "workflow_state":
		return time.Hour
	default:
		return time.Hour
	}
}
