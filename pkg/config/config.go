// Package config loads the recognized options table from an optional
// YAML file plus environment variable overrides, following an
// env-or-path-with-fallback pattern (e.g. a CHAINS_CONFIG_JSON/
// CHAINS_CONFIG_PATH precedence). Every option also has a compiled-in
// default, so a bare process start is runnable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenConfig groups the auth options.
type TokenConfig struct {
	Secret        string `yaml:"secret"`
	Algorithm     string `yaml:"algorithm"`
	AccessTTLMin  int    `yaml:"access_ttl_min"`
	RefreshTTLDay int    `yaml:"refresh_ttl_days"`
}

// AgentConfig groups the port allocator options.
type AgentConfig struct {
	PortBase     int `yaml:"port_base"`
	PortCapacity int `yaml:"port_capacity"`
}

// LoopConfig groups the three background loop periods.
type LoopConfig struct {
	HealthTickSec  int `yaml:"health_tick_sec"`
	MetricsTickSec int `yaml:"metrics_tick_sec"`
	AlertsTickSec  int `yaml:"alerts_tick_sec"`
}

// DispatchConfig groups the invocation timeout option.
type DispatchConfig struct {
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// DeployConfig groups the rollout timing option.
type DeployConfig struct {
	StartupDeadlineSec int `yaml:"startup_deadline_sec"`
}

// WorkerConfig groups the drain timing option.
type WorkerConfig struct {
	DrainDeadlineSec int `yaml:"drain_deadline_sec"`
}

// RateLimitConfig groups the per-IP guard options.
type RateLimitConfig struct {
	MaxRequests int `yaml:"max_requests"`
	WindowSec   int `yaml:"window_sec"`
}

// NotifierConfig groups the notifier retry options.
type NotifierConfig struct {
	RetryMax      int `yaml:"retry_max"`
	BackoffBaseMs int `yaml:"backoff_base_ms"`
}

// SecretsConfig groups the environment-secret encryption option. An
// empty MasterKey leaves secret storage disabled rather than silently
// encrypting under a weak default.
type SecretsConfig struct {
	MasterKey string `yaml:"master_key"`
}

// Config is the full recognized options table.
type Config struct {
	Token     TokenConfig     `yaml:"token"`
	Agent     AgentConfig     `yaml:"agent"`
	Health    LoopConfig      `yaml:"health"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Worker    WorkerConfig    `yaml:"worker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

// Default returns the compiled-in defaults for every option. The
// worker, dispatch and notifier values match those packages' own
// DefaultConfig(); the health and metrics loop periods (10s each) are
// shorter than healthmonitor.DefaultConfig()'s 15s and 30s.
func Default() Config {
	return Config{
		Token: TokenConfig{
			Algorithm:     "HS256",
			AccessTTLMin:  15,
			RefreshTTLDay: 30,
		},
		Agent: AgentConfig{
			PortBase:     20000,
			PortCapacity: 2000,
		},
		Health: LoopConfig{
			HealthTickSec:  10,
			MetricsTickSec: 10,
			AlertsTickSec:  15,
		},
		Dispatch: DispatchConfig{DefaultTimeoutSec: 30},
		Deploy:   DeployConfig{StartupDeadlineSec: 30},
		Worker:   WorkerConfig{DrainDeadlineSec: 10},
		RateLimit: RateLimitConfig{
			MaxRequests: 100,
			WindowSec:   60,
		},
		Notifier: NotifierConfig{
			RetryMax:      5,
			BackoffBaseMs: 200,
		},
	}
}

// HealthTick, MetricsTick, AlertsTick, DispatchTimeout, StartupDeadline,
// and DrainDeadline convert the integer-seconds options into the
// time.Duration each component's own Config expects.
func (c Config) HealthTick() time.Duration    { return time.Duration(c.Health.HealthTickSec) * time.Second }
func (c Config) MetricsTick() time.Duration   { return time.Duration(c.Health.MetricsTickSec) * time.Second }
func (c Config) AlertsTick() time.Duration    { return time.Duration(c.Health.AlertsTickSec) * time.Second }
func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Dispatch.DefaultTimeoutSec) * time.Second
}
func (c Config) StartupDeadline() time.Duration {
	return time.Duration(c.Deploy.StartupDeadlineSec) * time.Second
}
func (c Config) DrainDeadline() time.Duration {
	return time.Duration(c.Worker.DrainDeadlineSec) * time.Second
}
func (c Config) NotifierBackoffBase() time.Duration {
	return time.Duration(c.Notifier.BackoffBaseMs) * time.Millisecond
}

// Load builds a Config starting from Default(), layering an optional
// YAML file (path from AGENTMESH_CONFIG_FILE, or the supplied
// defaultPath if that env var is unset) on top, then applying any
// AGENTMESH_* environment variable overrides last. A missing file at
// defaultPath is not an error; an explicitly named but unreadable file
// is.
func Load(defaultPath string) (Config, error) {
	cfg := Default()

	path := os.Getenv("AGENTMESH_CONFIG_FILE")
	explicit := path != ""
	if path == "" {
		path = defaultPath
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if uerr := yaml.Unmarshal(data, &cfg); uerr != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, uerr)
			}
		case explicit:
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides lets an operator override any single option without
// touching the YAML file, following the same env-wins-last precedence
// the corpus's own config loaders use.
func applyEnvOverrides(cfg *Config) {
	strVar(&cfg.Token.Secret, "AGENTMESH_TOKEN_SECRET")
	strVar(&cfg.Token.Algorithm, "AGENTMESH_TOKEN_ALGORITHM")
	intVar(&cfg.Token.AccessTTLMin, "AGENTMESH_TOKEN_ACCESS_TTL_MIN")
	intVar(&cfg.Token.RefreshTTLDay, "AGENTMESH_TOKEN_REFRESH_TTL_DAYS")

	intVar(&cfg.Agent.PortBase, "AGENTMESH_AGENT_PORT_BASE")
	intVar(&cfg.Agent.PortCapacity, "AGENTMESH_AGENT_PORT_CAPACITY")

	intVar(&cfg.Health.HealthTickSec, "AGENTMESH_HEALTH_TICK_SEC")
	intVar(&cfg.Health.MetricsTickSec, "AGENTMESH_METRICS_TICK_SEC")
	intVar(&cfg.Health.AlertsTickSec, "AGENTMESH_ALERTS_TICK_SEC")

	intVar(&cfg.Dispatch.DefaultTimeoutSec, "AGENTMESH_DISPATCH_DEFAULT_TIMEOUT_SEC")
	intVar(&cfg.Deploy.StartupDeadlineSec, "AGENTMESH_DEPLOY_STARTUP_DEADLINE_SEC")
	intVar(&cfg.Worker.DrainDeadlineSec, "AGENTMESH_WORKER_DRAIN_DEADLINE_SEC")

	intVar(&cfg.RateLimit.MaxRequests, "AGENTMESH_RATE_LIMIT_MAX_REQUESTS")
	intVar(&cfg.RateLimit.WindowSec, "AGENTMESH_RATE_LIMIT_WINDOW_SEC")

	intVar(&cfg.Notifier.RetryMax, "AGENTMESH_NOTIFIER_RETRY_MAX")
	intVar(&cfg.Notifier.BackoffBaseMs, "AGENTMESH_NOTIFIER_BACKOFF_BASE_MS")

	strVar(&cfg.Secrets.MasterKey, "AGENTMESH_SECRETS_MASTER_KEY")
}

func strVar(dst *string, envName string) {
	if v := os.Getenv(envName); v != "" {
		*dst = v
	}
}

func intVar(dst *int, envName string) {
	v := os.Getenv(envName)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Validate rejects combinations that would make a dependent component
// unusable rather than letting it fail later with a less specific error.
func (c Config) Validate() error {
	if c.Token.Secret == "" {
		return fmt.Errorf("token.secret is required (set AGENTMESH_TOKEN_SECRET or the config file)")
	}
	if c.Agent.PortCapacity <= 0 {
		return fmt.Errorf("agent.port_capacity must be positive, got %d", c.Agent.PortCapacity)
	}
	if c.Dispatch.DefaultTimeoutSec <= 0 {
		return fmt.Errorf("dispatch.default_timeout_sec must be positive, got %d", c.Dispatch.DefaultTimeoutSec)
	}
	return nil
}
