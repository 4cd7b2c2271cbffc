// Package config loads and validates the application configuration. All policy
// knobs of the governance core live here rather than as hard-coded constants:
// approval thresholds, tier complexity ceilings, confidence deltas, HITL poll
// timing, and supervision boost caps are tunable per deployment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Governance  GovernanceConfig  `mapstructure:"governance" yaml:"governance"`
	Planning    PlanningConfig    `mapstructure:"planning" yaml:"planning"`
	HITL        HITLConfig        `mapstructure:"hitl" yaml:"hitl"`
	Supervision SupervisionConfig `mapstructure:"supervision" yaml:"supervision"`
	Runner      RunnerConfig      `mapstructure:"runner" yaml:"runner"`
	LLM         LLMRouterConfig   `mapstructure:"llm" yaml:"llm"`
	Notify      NotifyConfig      `mapstructure:"notify" yaml:"notify"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the postgres connection details for the persistence
// collaborator. An empty URL selects the in-memory stores.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// GovernanceConfig tunes the trust state machine. Complexity values are in
// [0.0, 1.0]; an agent may act unsupervised on anything at or below its
// tier's ceiling, and nothing above the hard ceiling runs unsupervised
// regardless of tier.
type GovernanceConfig struct {
	TierCeilings       map[string]float64 `mapstructure:"tier_ceilings" yaml:"tier_ceilings"`
	HardCeiling        float64            `mapstructure:"hard_ceiling" yaml:"hard_ceiling"`
	SuccessIncrement   float64            `mapstructure:"success_increment" yaml:"success_increment"`
	FailureDecrement   float64            `mapstructure:"failure_decrement" yaml:"failure_decrement"`
}

// PlanningConfig tunes the planning layer.
type PlanningConfig struct {
	// AutoApproveThreshold is the minimum perception confidence for a plan to
	// start life APPROVED instead of PENDING_APPROVAL.
	AutoApproveThreshold float64 `mapstructure:"auto_approve_threshold" yaml:"auto_approve_threshold"`
}

// HITLConfig tunes the human approval gate. The wait is polling-based by
// design; expiry is treated as a rejection.
type HITLConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxWait      time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
}

// SupervisionConfig tunes the supervised-session confidence boost formula.
// The shape of the formula is fixed (rating raises the boost, interventions
// lower it, both capped, net never negative); these constants are policy.
type SupervisionConfig struct {
	MaxRatingBoost         float64 `mapstructure:"max_rating_boost" yaml:"max_rating_boost"`
	MaxInterventionPenalty float64 `mapstructure:"max_intervention_penalty" yaml:"max_intervention_penalty"`
	PenaltyPerIntervention float64 `mapstructure:"penalty_per_intervention" yaml:"penalty_per_intervention"`
	StreamBuffer           int     `mapstructure:"stream_buffer" yaml:"stream_buffer"`
}

// RunnerConfig bounds a full perceive-plan-execute cycle.
type RunnerConfig struct {
	RunTimeout time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
}

// NotifyConfig configures the outbound notification channel.
type NotifyConfig struct {
	Platform   string  `mapstructure:"platform" yaml:"platform"`
	WebhookURL string  `mapstructure:"webhook_url" yaml:"webhook_url"`
	RatePerSec float64 `mapstructure:"rate_per_sec" yaml:"rate_per_sec"`
	Burst      int     `mapstructure:"burst" yaml:"burst"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "atom-core")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Governance --
	v.SetDefault("governance.tier_ceilings", map[string]float64{
		"STUDENT":    0.2,
		"INTERN":     0.4,
		"SUPERVISED": 0.7,
		"AUTONOMOUS": 0.9,
	})
	v.SetDefault("governance.hard_ceiling", 0.95)
	v.SetDefault("governance.success_increment", 0.01)
	v.SetDefault("governance.failure_decrement", 0.03)

	// -- Planning --
	v.SetDefault("planning.auto_approve_threshold", 0.85)

	// -- HITL --
	v.SetDefault("hitl.poll_interval", "5s")
	v.SetDefault("hitl.max_wait", "600s")

	// -- Supervision --
	v.SetDefault("supervision.max_rating_boost", 0.1)
	v.SetDefault("supervision.max_intervention_penalty", 0.05)
	v.SetDefault("supervision.penalty_per_intervention", 0.01)
	v.SetDefault("supervision.stream_buffer", 64)

	// -- Runner --
	v.SetDefault("runner.run_timeout", "5m")

	// -- LLM --
	v.SetDefault("llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-2.5-pro")

	// -- Notify --
	v.SetDefault("notify.platform", "webhook")
	v.SetDefault("notify.rate_per_sec", 2.0)
	v.SetDefault("notify.burst", 5)
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("database.url", "ATOM_DATABASE_URL")
	v.BindEnv("notify.webhook_url", "ATOM_NOTIFY_WEBHOOK_URL")
	for name := range v.GetStringMap("llm.models") {
		v.BindEnv(fmt.Sprintf("llm.models.%s.api_key", name), "ATOM_LLM_API_KEY")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Planning.AutoApproveThreshold < 0.0 || c.Planning.AutoApproveThreshold > 1.0 {
		return fmt.Errorf("planning.auto_approve_threshold must be between 0.0 and 1.0")
	}
	if c.HITL.PollInterval <= 0 {
		return fmt.Errorf("hitl.poll_interval must be a positive duration")
	}
	if c.HITL.MaxWait < c.HITL.PollInterval {
		return fmt.Errorf("hitl.max_wait must be at least hitl.poll_interval")
	}
	if err := c.Governance.Validate(); err != nil {
		return fmt.Errorf("governance configuration invalid: %w", err)
	}
	if err := c.Supervision.Validate(); err != nil {
		return fmt.Errorf("supervision configuration invalid: %w", err)
	}
	if c.Runner.RunTimeout <= 0 {
		return fmt.Errorf("runner.run_timeout must be a positive duration")
	}
	return nil
}

// CeilingFor returns the complexity ceiling configured for a tier. The lookup
// is case-insensitive because viper lowercases map keys it reads.
func (g *GovernanceConfig) CeilingFor(tier string) (float64, bool) {
	if c, ok := g.TierCeilings[tier]; ok {
		return c, true
	}
	c, ok := g.TierCeilings[strings.ToLower(tier)]
	return c, ok
}

// Validate checks the governance policy values.
func (g *GovernanceConfig) Validate() error {
	if g.SuccessIncrement <= 0 {
		return fmt.Errorf("success_increment must be positive")
	}
	if g.FailureDecrement < g.SuccessIncrement {
		// Failures must cost at least as much as successes gain.
		return fmt.Errorf("failure_decrement must be >= success_increment")
	}
	if g.HardCeiling <= 0 || g.HardCeiling > 1.0 {
		return fmt.Errorf("hard_ceiling must be in (0.0, 1.0]")
	}
	for tier, ceiling := range g.TierCeilings {
		if ceiling < 0 || ceiling > 1.0 {
			return fmt.Errorf("tier ceiling for %s must be in [0.0, 1.0]", tier)
		}
	}
	return nil
}

// Validate checks the supervision boost policy values.
func (s *SupervisionConfig) Validate() error {
	if s.MaxRatingBoost < 0 || s.MaxInterventionPenalty < 0 || s.PenaltyPerIntervention < 0 {
		return fmt.Errorf("boost and penalty values must be non-negative")
	}
	if s.StreamBuffer <= 0 {
		return fmt.Errorf("stream_buffer must be a positive integer")
	}
	return nil
}
