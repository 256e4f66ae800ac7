// Package config loads darkfactory settings.
//
// Values are layered lowest to highest: built-in defaults, the optional
// darkfactory.yaml file, DARKFACTORY_* environment variables, and finally
// command-line flags bound by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/darkfactory/internal/complexity"
	"github.com/roach88/darkfactory/internal/engine"
	"github.com/roach88/darkfactory/internal/memory"
	"github.com/roach88/darkfactory/internal/workflow"
)

// FileName is the config file looked up in the working directory.
const FileName = "darkfactory.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DARKFACTORY"

// Config is the full set of orchestrator settings.
type Config struct {
	Database       string  `mapstructure:"database" yaml:"database"`
	MemoryDatabase string  `mapstructure:"memory_database" yaml:"memory_database"`
	Depth          string  `mapstructure:"depth" yaml:"depth"`
	CostLimit      float64 `mapstructure:"cost_limit" yaml:"cost_limit"`
	TokenLimit     int64   `mapstructure:"token_limit" yaml:"token_limit"`
	Memory         string  `mapstructure:"memory" yaml:"memory"`
	ToM            bool    `mapstructure:"tom" yaml:"tom"`
	// Critic runs L1.5 on every movement rather than only those that ask.
	Critic        bool   `mapstructure:"critic" yaml:"critic"`
	Parallelism   int    `mapstructure:"parallelism" yaml:"parallelism"`
	FailureAction string `mapstructure:"failure_action" yaml:"failure_action"`

	Retry        RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Gates        GatesConfig     `mapstructure:"gates" yaml:"gates"`
	Entropy      EntropyConfig   `mapstructure:"entropy" yaml:"entropy"`
	PauseTimeout time.Duration   `mapstructure:"pause_timeout" yaml:"pause_timeout"`
	DrainTimeout time.Duration   `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	Worker       WorkerConfig    `mapstructure:"worker" yaml:"worker"`
	Tests        CommandConfig   `mapstructure:"tests" yaml:"tests"`
	Holdout      CommandConfig   `mapstructure:"holdout" yaml:"holdout"`
	Workspace    WorkspaceConfig `mapstructure:"workspace" yaml:"workspace"`
	Metrics      MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Serve        ServeConfig     `mapstructure:"serve" yaml:"serve"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff     string        `mapstructure:"backoff" yaml:"backoff"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// GatesConfig tunes validation. The commands wire external collaborators;
// an empty command leaves that collaborator out of the pipeline.
type GatesConfig struct {
	BlackboxRuns      int     `mapstructure:"blackbox_runs" yaml:"blackbox_runs"`
	BlackboxThreshold float64 `mapstructure:"blackbox_threshold" yaml:"blackbox_threshold"`
	HumanReview       bool    `mapstructure:"human_review" yaml:"human_review"`
	ScoreCollapse     float64 `mapstructure:"score_collapse" yaml:"score_collapse"`
	CriticCommand     string  `mapstructure:"critic_command" yaml:"critic_command"`
	ValidatorCommand  string  `mapstructure:"validator_command" yaml:"validator_command"`
}

type EntropyConfig struct {
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	MaxAlerts int     `mapstructure:"max_alerts" yaml:"max_alerts"`
}

type WorkerConfig struct {
	Command string `mapstructure:"command" yaml:"command"`
	// Rate is worker starts per second. Zero is unlimited.
	Rate float64 `mapstructure:"rate" yaml:"rate"`
}

type CommandConfig struct {
	Command string `mapstructure:"command" yaml:"command"`
}

type WorkspaceConfig struct {
	SourceRepo string `mapstructure:"source_repo" yaml:"source_repo"`
	CloneDir   string `mapstructure:"clone_dir" yaml:"clone_dir"`
}

// MetricsConfig feeds automatic depth selection. LOC of zero means count
// the source repository.
type MetricsConfig struct {
	LOC    int     `mapstructure:"loc" yaml:"loc"`
	FanOut int     `mapstructure:"fan_out" yaml:"fan_out"`
	Churn  float64 `mapstructure:"churn" yaml:"churn"`
}

type ServeConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// SetDefaults registers every default on v. Keys that only exist as
// defaults are still visible to AutomaticEnv and Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database", ".darkfactory/ledger.db")
	v.SetDefault("memory_database", ".darkfactory/memory.db")
	v.SetDefault("depth", complexity.Auto)
	v.SetDefault("cost_limit", 0.0)
	v.SetDefault("token_limit", 0)
	v.SetDefault("memory", string(memory.ModeNone))
	v.SetDefault("tom", false)
	v.SetDefault("critic", false)
	v.SetDefault("parallelism", 4)
	v.SetDefault("failure_action", string(engine.FailAbort))
	v.SetDefault("retry.max_attempts", workflow.DefaultMaxAttempts)
	v.SetDefault("retry.backoff", string(workflow.BackoffExponential))
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", time.Minute)
	v.SetDefault("gates.blackbox_runs", 3)
	v.SetDefault("gates.blackbox_threshold", 0.7)
	v.SetDefault("gates.human_review", false)
	v.SetDefault("gates.score_collapse", 0.2)
	v.SetDefault("gates.critic_command", "")
	v.SetDefault("gates.validator_command", "")
	v.SetDefault("entropy.threshold", 0.7)
	v.SetDefault("entropy.max_alerts", 3)
	v.SetDefault("pause_timeout", 10*time.Minute)
	v.SetDefault("drain_timeout", 2*time.Minute)
	v.SetDefault("worker.command", "")
	v.SetDefault("worker.rate", 0.0)
	v.SetDefault("tests.command", "")
	v.SetDefault("holdout.command", "")
	v.SetDefault("workspace.source_repo", "")
	v.SetDefault("workspace.clone_dir", "")
	v.SetDefault("metrics.loc", 0)
	v.SetDefault("metrics.fan_out", 0)
	v.SetDefault("metrics.churn", 0.0)
	v.SetDefault("serve.addr", "127.0.0.1:7777")
}

// NewViper returns a viper instance with defaults and environment
// overrides configured. DARKFACTORY_RETRY_MAX_ATTEMPTS sets
// retry.max_attempts.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path into v when it exists and decodes the merged settings.
// An empty path looks for FileName in the working directory; a missing
// default file is not an error, a missing explicit file is.
func Load(v *viper.Viper, path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = FileName
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration with nothing overridden.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// ValidationError lists every invalid setting.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// Validate checks ranges and enumerations. Problems are path-qualified,
// e.g. "retry.max_attempts must be at least 1 (got 0)".
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.Database == "" {
		add("database is required")
	}
	if _, _, err := complexity.ParseDepth(c.Depth); err != nil {
		add("depth must be one of auto, single, two-tier, full (got %q)", c.Depth)
	}
	if _, err := memory.ParseMode(c.Memory); err != nil {
		add("memory must be one of none, run, project (got %q)", c.Memory)
	}
	if _, err := engine.ParseFailureAction(c.FailureAction); err != nil {
		add("failure_action must be one of abort, skip (got %q)", c.FailureAction)
	}
	if c.CostLimit < 0 {
		add("cost_limit must not be negative (got %v)", c.CostLimit)
	}
	if c.TokenLimit < 0 {
		add("token_limit must not be negative (got %d)", c.TokenLimit)
	}
	if c.Parallelism < 1 {
		add("parallelism must be at least 1 (got %d)", c.Parallelism)
	}
	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1 (got %d)", c.Retry.MaxAttempts)
	}
	switch workflow.Backoff(c.Retry.Backoff) {
	case workflow.BackoffFixed, workflow.BackoffLinear, workflow.BackoffExponential:
	default:
		add("retry.backoff must be one of fixed, linear, exponential (got %q)", c.Retry.Backoff)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		add("retry delays must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		add("retry.base_delay must not exceed retry.max_delay (%s > %s)", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.Gates.BlackboxRuns < 1 {
		add("gates.blackbox_runs must be at least 1 (got %d)", c.Gates.BlackboxRuns)
	}
	for key, v := range map[string]float64{
		"gates.blackbox_threshold": c.Gates.BlackboxThreshold,
		"gates.score_collapse":     c.Gates.ScoreCollapse,
		"entropy.threshold":        c.Entropy.Threshold,
		"metrics.churn":            c.Metrics.Churn,
	} {
		if v < 0 || v > 1 {
			add("%s must be between 0 and 1 (got %v)", key, v)
		}
	}
	if c.Entropy.MaxAlerts < 0 {
		add("entropy.max_alerts must not be negative (got %d)", c.Entropy.MaxAlerts)
	}
	if c.PauseTimeout < 0 || c.DrainTimeout < 0 {
		add("pause_timeout and drain_timeout must not be negative")
	}
	if c.Worker.Rate < 0 {
		add("worker.rate must not be negative (got %v)", c.Worker.Rate)
	}
	if c.Metrics.LOC < 0 || c.Metrics.FanOut < 0 {
		add("metrics.loc and metrics.fan_out must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	// Map iteration above is unordered.
	slices.Sort(problems)
	return &ValidationError{Problems: problems}
}

// Settings converts the configuration into engine run settings.
func (c Config) Settings() engine.Settings {
	s := engine.DefaultSettings()
	s.Depth = c.Depth
	s.Metrics = complexity.Metrics{TotalLOC: c.Metrics.LOC, FanOut: c.Metrics.FanOut, ChurnScore: c.Metrics.Churn}
	s.Parallelism = c.Parallelism
	s.FailureAction, _ = engine.ParseFailureAction(c.FailureAction)
	s.Retry = engine.RetryDefaults{
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff:     workflow.Backoff(c.Retry.Backoff),
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
	s.CostLimit = c.CostLimit
	s.TokenLimit = c.TokenLimit
	s.EntropyThreshold = c.Entropy.Threshold
	s.MaxEntropyAlerts = c.Entropy.MaxAlerts
	s.ScoreCollapse = c.Gates.ScoreCollapse
	s.PauseTimeout = c.PauseTimeout
	s.DrainTimeout = c.DrainTimeout
	s.SourceRepo = c.Workspace.SourceRepo
	s.Memory, _ = memory.ParseMode(c.Memory)
	s.ToM = c.ToM
	return s
}
