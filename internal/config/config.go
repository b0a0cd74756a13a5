package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all opsloop configuration
type Config struct {
	// Process-level settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Log output
	Log LogConfig `json:"log" yaml:"log"`

	// Cycle scheduling
	Loop LoopConfig `json:"loop" yaml:"loop"`

	// Data providers
	Collector CollectorConfig `json:"collector" yaml:"collector"`

	// Rule thresholds
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`

	// External analysis service
	Oracle OracleConfig `json:"oracle" yaml:"oracle"`

	// Candidate selection
	Planner PlannerConfig `json:"planner" yaml:"planner"`

	// Trial environments
	Validator ValidatorConfig `json:"validator" yaml:"validator"`

	// Gating of autonomous execution
	Safety SafetyConfig `json:"safety" yaml:"safety"`

	// Real-target execution
	Executor ExecutorConfig `json:"executor" yaml:"executor"`

	// Per-dependency circuit breakers
	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`

	// Confidence learning
	Learning LearningConfig `json:"learning" yaml:"learning"`

	// Human escalation channel
	Escalation EscalationConfig `json:"escalation" yaml:"escalation"`
}

type ServerConfig struct {
	DataDir     string `json:"dataDir" yaml:"dataDir" validate:"required"`
	MetricsAddr string `json:"metricsAddr,omitempty" yaml:"metricsAddr,omitempty"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `json:"format" yaml:"format" validate:"omitempty,oneof=text json"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMb,omitempty" yaml:"maxSizeMb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"maxBackups,omitempty" yaml:"maxBackups,omitempty" validate:"gte=0"`
}

type LoopConfig struct {
	// Fixed tick interval (seconds). Ignored when Schedule is set.
	IntervalSec int `json:"intervalSec" yaml:"intervalSec" validate:"gte=1"`
	// Optional cron expression (standard 5-field) replacing the fixed interval.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	// Upper bound for one full cycle (seconds, 0 = none).
	CycleTimeoutSec int `json:"cycleTimeoutSec" yaml:"cycleTimeoutSec" validate:"gte=0"`
	// Reload the config file every N seconds when it changes (0 = off).
	ReloadIntervalSec int `json:"reloadIntervalSec" yaml:"reloadIntervalSec" validate:"gte=0"`
}

type CollectorConfig struct {
	ProviderTimeoutMs int              `json:"providerTimeoutMs" yaml:"providerTimeoutMs" validate:"gte=1"`
	HistorySize       int              `json:"historySize" yaml:"historySize" validate:"gte=1"`
	Providers         []ProviderConfig `json:"providers" yaml:"providers" validate:"dive"`
}

// ProviderConfig describes one data source.
type ProviderConfig struct {
	ID   string `json:"id" yaml:"id" validate:"required"`
	Kind string `json:"kind" yaml:"kind" validate:"required,oneof=prometheus loki influx http"`
	URL  string `json:"url" yaml:"url" validate:"required,url"`
	// Payload key → query (PromQL, LogQL, or Flux).
	Queries map[string]string `json:"queries,omitempty" yaml:"queries,omitempty"`
	Token   string            `json:"token,omitempty" yaml:"token,omitempty"`
	Org     string            `json:"org,omitempty" yaml:"org,omitempty"`
	// Look-back window for log counting (seconds).
	WindowSec int               `json:"windowSec,omitempty" yaml:"windowSec,omitempty" validate:"gte=0"`
	Labels    map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

type ClassifierConfig struct {
	Rules []RuleConfig `json:"rules" yaml:"rules" validate:"dive"`
}

// RuleConfig is a threshold rule. Zero thresholds are disabled.
type RuleConfig struct {
	Name      string  `json:"name" yaml:"name" validate:"required"`
	Key       string  `json:"key" yaml:"key" validate:"required"`
	Category  string  `json:"category" yaml:"category" validate:"required"`
	Direction string  `json:"direction" yaml:"direction" validate:"omitempty,oneof=above below"`
	Medium    float64 `json:"medium,omitempty" yaml:"medium,omitempty"`
	High      float64 `json:"high,omitempty" yaml:"high,omitempty"`
	Critical  float64 `json:"critical,omitempty" yaml:"critical,omitempty"`
	Sustain   int     `json:"sustain,omitempty" yaml:"sustain,omitempty" validate:"gte=0"`
	// Fire at medium severity when the value exceeds baseline mean × factor.
	BaselineFactor float64 `json:"baselineFactor,omitempty" yaml:"baselineFactor,omitempty" validate:"gte=0"`
	BaselineWindow int     `json:"baselineWindow,omitempty" yaml:"baselineWindow,omitempty" validate:"gte=0"`
}

type OracleConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	BaseURL    string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	APIKey     string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	TimeoutSec int    `json:"timeoutSec" yaml:"timeoutSec" validate:"gte=0"`
}

type PlannerConfig struct {
	ActionCap        int            `json:"actionCap" yaml:"actionCap" validate:"gte=1,lte=9"`
	ConfidenceFloor  float64        `json:"confidenceFloor" yaml:"confidenceFloor" validate:"gte=0,lte=1"`
	MinSamples       int            `json:"minSamples" yaml:"minSamples" validate:"gte=0"`
	RateLimitPerHour int            `json:"rateLimitPerHour" yaml:"rateLimitPerHour" validate:"gte=0"`
	Catalog          []CatalogEntry `json:"catalog,omitempty" yaml:"catalog,omitempty" validate:"dive"`
}

// CatalogEntry maps an issue category to a candidate action.
type CatalogEntry struct {
	Category   string            `json:"category" yaml:"category" validate:"required"`
	Type       string            `json:"type" yaml:"type" validate:"required"`
	Risk       string            `json:"risk" yaml:"risk" validate:"required,oneof=low medium high critical"`
	Target     string            `json:"target" yaml:"target" validate:"required"`
	Rollback   string            `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

type ValidatorConfig struct {
	Backend     string `json:"backend" yaml:"backend" validate:"required,oneof=local e2b"`
	WorkDir     string `json:"workDir,omitempty" yaml:"workDir,omitempty"`
	Parallelism int    `json:"parallelism" yaml:"parallelism" validate:"gte=1"`
	TimeoutSec  int    `json:"timeoutSec" yaml:"timeoutSec" validate:"gte=1"`
	// Commands run inside the trial environment.
	SetupCommand  string            `json:"setupCommand,omitempty" yaml:"setupCommand,omitempty"`
	ApplyCommands map[string]string `json:"applyCommands,omitempty" yaml:"applyCommands,omitempty"`
	TestCommand   string            `json:"testCommand" yaml:"testCommand"`
	E2B           E2BConfig         `json:"e2b,omitempty" yaml:"e2b,omitempty"`
}

type E2BConfig struct {
	APIKey     string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL    string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	TemplateID string `json:"templateId,omitempty" yaml:"templateId,omitempty"`
	TimeoutSec int    `json:"timeoutSec,omitempty" yaml:"timeoutSec,omitempty" validate:"gte=0"`
}

type SafetyConfig struct {
	SafetyMode bool `json:"safetyMode" yaml:"safetyMode"`
	// Largest tolerated relative regression of any trial metric vs baseline.
	MaxRegression float64 `json:"maxRegression" yaml:"maxRegression" validate:"gte=0"`
}

type ExecutorConfig struct {
	Target           string            `json:"target" yaml:"target" validate:"required,oneof=shell http noop"`
	Commands         map[string]string `json:"commands,omitempty" yaml:"commands,omitempty"`
	RollbackCommands map[string]string `json:"rollbackCommands,omitempty" yaml:"rollbackCommands,omitempty"`
	WebhookURL       string            `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty"`
	TimeoutSec       int               `json:"timeoutSec" yaml:"timeoutSec" validate:"gte=1"`
	// Provider re-fetched after a successful execution.
	PostCheckProvider string `json:"postCheckProvider,omitempty" yaml:"postCheckProvider,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int `json:"failureThreshold" yaml:"failureThreshold" validate:"gte=1"`
	CooldownSec      int `json:"cooldownSec" yaml:"cooldownSec" validate:"gte=1"`
	MaxRetries       int `json:"maxRetries" yaml:"maxRetries" validate:"gte=0"`
	BaseBackoffMs    int `json:"baseBackoffMs" yaml:"baseBackoffMs" validate:"gte=1"`
	MaxBackoffMs     int `json:"maxBackoffMs" yaml:"maxBackoffMs" validate:"gte=1"`
}

type LearningConfig struct {
	Alpha   float64 `json:"alpha" yaml:"alpha" validate:"gt=0,lte=1"`
	Prior   float64 `json:"prior" yaml:"prior" validate:"gte=0,lte=1"`
	Persist bool    `json:"persist" yaml:"persist"`
	DBPath  string  `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
}

type EscalationConfig struct {
	QueueSize int            `json:"queueSize" yaml:"queueSize" validate:"gte=1"`
	MQTT      *MQTTConfig    `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	Webhook   *WebhookConfig `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

type MQTTConfig struct {
	Host     string `json:"host" yaml:"host" validate:"required"`
	Port     int    `json:"port" yaml:"port" validate:"gte=1,lte=65535"`
	Topic    string `json:"topic" yaml:"topic" validate:"required"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

type WebhookConfig struct {
	URL        string `json:"url" yaml:"url" validate:"required,url"`
	Secret     string `json:"secret,omitempty" yaml:"secret,omitempty"`
	Issuer     string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	TimeoutSec int    `json:"timeoutSec,omitempty" yaml:"timeoutSec,omitempty" validate:"gte=0"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			DataDir:     "./data",
			MetricsAddr: ":9464",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Loop: LoopConfig{
			IntervalSec:     60,
			CycleTimeoutSec: 300,
		},
		Collector: CollectorConfig{
			ProviderTimeoutMs: 5000,
			HistorySize:       64,
		},
		Classifier: ClassifierConfig{
			Rules: DefaultRules(),
		},
		Oracle: OracleConfig{
			Model:      "gpt-4o-mini",
			TimeoutSec: 30,
		},
		Planner: PlannerConfig{
			ActionCap:        3,
			ConfidenceFloor:  0.3,
			MinSamples:       3,
			RateLimitPerHour: 6,
		},
		Validator: ValidatorConfig{
			Backend:     "local",
			Parallelism: 1,
			TimeoutSec:  120,
			TestCommand: "true",
		},
		Safety: SafetyConfig{
			SafetyMode:    true,
			MaxRegression: 0.10,
		},
		Executor: ExecutorConfig{
			Target:     "noop",
			TimeoutSec: 60,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			CooldownSec:      300,
			MaxRetries:       2,
			BaseBackoffMs:    200,
			MaxBackoffMs:     2000,
		},
		Learning: LearningConfig{
			Alpha: 0.3,
			Prior: 0.5,
		},
		Escalation: EscalationConfig{
			QueueSize: 64,
		},
	}
}

// DefaultRules returns the built-in threshold rules.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{Name: "cpu_high", Key: "cpu_usage", Category: "resource", Direction: "above", Medium: 80, High: 90, Critical: 98, Sustain: 1},
		{Name: "memory_high", Key: "memory_usage", Category: "resource", Direction: "above", Medium: 80, High: 90, Critical: 97, Sustain: 1},
		{Name: "error_rate", Key: "error_rate", Category: "errors", Direction: "above", Medium: 0.01, High: 0.05, Critical: 0.2},
		{Name: "latency_p99", Key: "latency_p99_ms", Category: "latency", Direction: "above", High: 2000, Critical: 5000, BaselineFactor: 2, BaselineWindow: 10},
		{Name: "service_down", Key: "up", Category: "availability", Direction: "below", Critical: 1},
		{Name: "disk_full", Key: "disk_usage", Category: "capacity", Direction: "above", Medium: 80, High: 90, Critical: 95},
		{Name: "log_errors", Key: "log_errors", Category: "errors", Direction: "above", Medium: 10, High: 100, Critical: 1000},
	}
}

// Interval returns the fixed tick interval.
func (c LoopConfig) Interval() time.Duration { return time.Duration(c.IntervalSec) * time.Second }

// CycleTimeout returns the per-cycle bound, or zero for none.
func (c LoopConfig) CycleTimeout() time.Duration {
	return time.Duration(c.CycleTimeoutSec) * time.Second
}

// ProviderTimeout returns the per-provider fetch timeout.
func (c CollectorConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutMs) * time.Millisecond
}

// Cooldown returns how long an open breaker short-circuits calls.
func (c BreakerConfig) Cooldown() time.Duration { return time.Duration(c.CooldownSec) * time.Second }

// Load reads config from a JSON, TOML or YAML file, chosen by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Parse decodes data on top of DefaultConfig and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := DefaultConfig()

	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Breaker.MaxBackoffMs < c.Breaker.BaseBackoffMs {
		return fmt.Errorf("invalid config: breaker.maxBackoffMs must be >= baseBackoffMs")
	}

	seen := make(map[string]bool, len(c.Collector.Providers))
	for _, p := range c.Collector.Providers {
		if seen[p.ID] {
			return fmt.Errorf("invalid config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	if c.Executor.PostCheckProvider != "" && !seen[c.Executor.PostCheckProvider] {
		return fmt.Errorf("invalid config: executor.postCheckProvider %q is not a configured provider", c.Executor.PostCheckProvider)
	}

	if c.Validator.Backend == "e2b" && (c.Validator.E2B.APIKey == "" || c.Validator.E2B.TemplateID == "") {
		return fmt.Errorf("invalid config: e2b backend requires validator.e2b.apiKey and templateId")
	}
	if c.Executor.Target == "http" && c.Executor.WebhookURL == "" {
		return fmt.Errorf("invalid config: http executor requires executor.webhookUrl")
	}
	if c.Learning.Persist && c.Learning.DBPath == "" {
		c.Learning.DBPath = filepath.Join(c.Server.DataDir, "confidence.db")
	}
	return nil
}

// Save writes config to a JSON file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}
