// Package config loads the engine configuration: YAML file, overlaid
// with TILLER_* environment variables. Zero values fall back to the
// documented defaults at construction sites.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration tree.
type Config struct {
	Planner       Planner       `yaml:"planner"`
	Executor      Executor      `yaml:"executor"`
	Verifier      Verifier      `yaml:"verifier"`
	Policy        Policy        `yaml:"policy"`
	Audit         Audit         `yaml:"audit"`
	LLM           LLM           `yaml:"llm"`
	Observability Observability `yaml:"observability"`
}

// Planner bounds decomposition and the plan cache.
type Planner struct {
	DefaultStrategy       string `yaml:"default_strategy"`
	MaxDecompositionDepth int    `yaml:"max_decomposition_depth"`
	MaxTasksPerPlan       int    `yaml:"max_tasks_per_plan"`
	PlanningTimeoutMS     int    `yaml:"planning_timeout_ms"`
	Cache                 Cache  `yaml:"cache"`
}

// Cache bounds the plan cache. RedisAddr switches the backend from
// in-process LRU to Redis when set.
type Cache struct {
	MaxEntries int    `yaml:"max_entries"`
	TTLMS      int    `yaml:"ttl_ms"`
	RedisAddr  string `yaml:"redis_addr"`
}

// Executor bounds scheduling.
type Executor struct {
	DefaultStrategy    string `yaml:"default_strategy"`
	MaxWorkers         int    `yaml:"max_workers"`
	QueueCapacity      int    `yaml:"queue_capacity"`
	TaskTimeoutMS      int    `yaml:"task_timeout_ms"`
	GraphTimeoutMS     int    `yaml:"graph_timeout_ms"`
	EnableWorkStealing *bool  `yaml:"enable_work_stealing"`
	MaxRetries         int    `yaml:"max_retries"`
	RetryBackoffBaseMS int    `yaml:"retry_backoff_base_ms"`
}

// Verifier selects the default verification level.
type Verifier struct {
	DefaultLevel string `yaml:"default_level"`
}

// Policy is the guardian rule set.
type Policy struct {
	StrictMode            bool     `yaml:"strict_mode"`
	ActiveFrameworks      []string `yaml:"active_frameworks"`
	ForbiddenPatterns     []string `yaml:"forbidden_patterns"`
	PIIPatterns           []string `yaml:"pii_patterns"`
	ApprovalRequiredTools []string `yaml:"approval_required_tools"`
	ForbiddenTools        []string `yaml:"forbidden_tools"`
	MaxPlanDepth          int      `yaml:"max_plan_depth"`
	MaxToolCount          int      `yaml:"max_tool_count"`
	ActorTokenKey         string   `yaml:"actor_token_key"`
}

// Audit configures the WORM log and decision records.
type Audit struct {
	WORM           WORM   `yaml:"worm"`
	SigningKeyPath string `yaml:"signing_key_path"`
	LogDir         string `yaml:"log_dir"`
	DecisionIndex  string `yaml:"decision_index"`
}

// WORM configures sealing and segmentation.
type WORM struct {
	SealEvery   int `yaml:"seal_every"`
	SegmentSize int `yaml:"segment_size"`
}

// LLM points the planner at its model backend.
type LLM struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	Seed        int64   `yaml:"seed"`
}

// Observability configures tracing and metrics export.
type Observability struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Enabled      bool   `yaml:"enabled"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Planner: Planner{
			DefaultStrategy:       "hybrid",
			MaxDecompositionDepth: 5,
			MaxTasksPerPlan:       20,
			PlanningTimeoutMS:     30_000,
			Cache:                 Cache{MaxEntries: 128, TTLMS: 300_000},
		},
		Executor: Executor{
			DefaultStrategy:    "adaptive",
			MaxWorkers:         4,
			QueueCapacity:      64,
			TaskTimeoutMS:      30_000,
			MaxRetries:         2,
			RetryBackoffBaseMS: 100,
		},
		Verifier: Verifier{DefaultLevel: "strict"},
		Policy: Policy{
			MaxPlanDepth: 5,
			MaxToolCount: 20,
		},
		Audit: Audit{
			WORM:   WORM{SealEvery: 64, SegmentSize: 10_000},
			LogDir: "logs",
		},
		Observability: Observability{ServiceName: "tiller"},
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays TILLER_* variables onto the loaded config.
func (c *Config) applyEnv() {
	setString(&c.Planner.DefaultStrategy, "TILLER_PLANNER_STRATEGY")
	setInt(&c.Planner.MaxTasksPerPlan, "TILLER_PLANNER_MAX_TASKS")
	setString(&c.Executor.DefaultStrategy, "TILLER_EXECUTOR_STRATEGY")
	setInt(&c.Executor.MaxWorkers, "TILLER_EXECUTOR_MAX_WORKERS")
	setInt(&c.Executor.QueueCapacity, "TILLER_EXECUTOR_QUEUE_CAPACITY")
	setString(&c.Verifier.DefaultLevel, "TILLER_VERIFIER_LEVEL")
	setBool(&c.Policy.StrictMode, "TILLER_POLICY_STRICT")
	setString(&c.Policy.ActorTokenKey, "TILLER_ACTOR_TOKEN_KEY")
	setString(&c.Audit.SigningKeyPath, "TILLER_SIGNING_KEY_PATH")
	setString(&c.Audit.LogDir, "TILLER_LOG_DIR")
	setInt(&c.Audit.WORM.SealEvery, "TILLER_WORM_SEAL_EVERY")
	setString(&c.Planner.Cache.RedisAddr, "TILLER_REDIS_ADDR")
	setString(&c.LLM.BaseURL, "TILLER_LLM_BASE_URL")
	setString(&c.LLM.Model, "TILLER_LLM_MODEL")
	setString(&c.Observability.OTLPEndpoint, "TILLER_OTLP_ENDPOINT")
	setBool(&c.Observability.Enabled, "TILLER_OBSERVABILITY_ENABLED")
}

// Validate rejects values no component can honor.
func (c *Config) Validate() error {
	switch c.Planner.DefaultStrategy {
	case "rule_based", "model_based", "hybrid":
	default:
		return fmt.Errorf("config: unknown planner strategy %q", c.Planner.DefaultStrategy)
	}
	switch c.Executor.DefaultStrategy {
	case "sequential", "parallel", "adaptive":
	default:
		return fmt.Errorf("config: unknown executor strategy %q", c.Executor.DefaultStrategy)
	}
	switch c.Verifier.DefaultLevel {
	case "basic", "strict", "paranoid":
	default:
		return fmt.Errorf("config: unknown verifier level %q", c.Verifier.DefaultLevel)
	}
	if c.Executor.MaxWorkers <= 0 {
		return fmt.Errorf("config: executor.max_workers must be positive")
	}
	if c.Executor.QueueCapacity <= 0 {
		return fmt.Errorf("config: executor.queue_capacity must be positive")
	}
	if c.Audit.WORM.SealEvery < 0 {
		return fmt.Errorf("config: audit.worm.seal_every must be non-negative")
	}
	return nil
}

// PlanningTimeout converts the millisecond option.
func (p Planner) PlanningTimeout() time.Duration {
	return time.Duration(p.PlanningTimeoutMS) * time.Millisecond
}

// CacheTTL converts the millisecond option.
func (c Cache) CacheTTL() time.Duration {
	return time.Duration(c.TTLMS) * time.Millisecond
}

// TaskTimeout converts the millisecond option.
func (e Executor) TaskTimeout() time.Duration {
	return time.Duration(e.TaskTimeoutMS) * time.Millisecond
}

// GraphTimeout converts the millisecond option.
func (e Executor) GraphTimeout() time.Duration {
	return time.Duration(e.GraphTimeoutMS) * time.Millisecond
}

// RetryBackoffBase converts the millisecond option.
func (e Executor) RetryBackoffBase() time.Duration {
	return time.Duration(e.RetryBackoffBaseMS) * time.Millisecond
}

// WorkStealing reports the effective flag; stealing defaults on.
func (e Executor) WorkStealing() bool {
	return e.EnableWorkStealing == nil || *e.EnableWorkStealing
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}
