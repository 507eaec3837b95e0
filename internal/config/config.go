package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultGamma is the discount factor used for advantage estimation. It is
// not a launch parameter; only the config file key train.gamma overrides it.
const DefaultGamma = 0.99

// Config represents the complete application configuration
type Config struct {
	Train     TrainConfig     `mapstructure:"train"`
	Market    MarketConfig    `mapstructure:"market"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Signals   SignalsConfig   `mapstructure:"signals"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// TrainConfig holds the rollout and optimisation schedule
type TrainConfig struct {
	RolloutLength        int     `mapstructure:"rollout_length"`
	NumUpdatesPerRollout int     `mapstructure:"num_updates_per_rollout"`
	BatchSize            int     `mapstructure:"batch_size"`
	LrActor              float64 `mapstructure:"lr_actor"`
	LrCritic             float64 `mapstructure:"lr_critic"`
	ClipEps              float64 `mapstructure:"clip_eps"`
	Lmd                  float64 `mapstructure:"lmd"`
	Gamma                float64 `mapstructure:"gamma"`
	MaxGradNorm          float64 `mapstructure:"max_grad_norm"`
	ValueCoef            float64 `mapstructure:"value_coef"`
	NormalizeAdvantage   bool    `mapstructure:"normalize_advantage"`
	Seed                 int64   `mapstructure:"seed"`
	NumTrainSteps        int     `mapstructure:"num_train_steps"`
	EvalInterval         int     `mapstructure:"eval_interval"`
	NumEvalEpisodes      int     `mapstructure:"num_eval_episodes"`
	NumEnvs              int     `mapstructure:"num_envs"`
	DivergenceTolerance  int     `mapstructure:"divergence_tolerance"`
	AgentName            string  `mapstructure:"agent_name"`
	Device               string  `mapstructure:"device"`
}

// MarketConfig holds the run-wide trading rules
type MarketConfig struct {
	DepthRange          float64 `mapstructure:"depth_range"`
	LimitOrderRange     float64 `mapstructure:"limit_order_range"`
	MaxOrderVolume      int64   `mapstructure:"max_order_volume"`
	ShortSellingPenalty float64 `mapstructure:"short_selling_penalty"`
	ExecutionBonus      float64 `mapstructure:"execution_vonus"`
	AgentTraitMemory    float64 `mapstructure:"agent_trait_memory"`
}

// PathsConfig holds input documents and checkpoint locations
type PathsConfig struct {
	ConfigPath         string `mapstructure:"config_path"`
	VariableRangesPath string `mapstructure:"variable_ranges_path"`
	SignalsPath        string `mapstructure:"signals_path"`
	ActorSavePath      string `mapstructure:"actor_save_path"`
	ActorBestSaveName  string `mapstructure:"actor_best_save_name"`
	ActorLastSaveName  string `mapstructure:"actor_last_save_name"`
}

// SignalsConfig holds the optional HTTP and database signal sources
type SignalsConfig struct {
	URL         string        `mapstructure:"url"`
	FromStorage bool          `mapstructure:"from_storage"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// StorageConfig holds the run ledger location
type StorageConfig struct {
	MaxRuns int    `mapstructure:"max_runs"`
	DBPath  string `mapstructure:"db_path"`
}

// MonitorConfig holds training metric anomaly detection configuration
type MonitorConfig struct {
	WindowSize         int     `mapstructure:"window_size"`
	Threshold          float64 `mapstructure:"threshold"`
	Ceiling            float64 `mapstructure:"ceiling"`
	WarmupCount        int     `mapstructure:"warmup_count"`
	CooldownRollouts   int     `mapstructure:"cooldown_rollouts"`
	CheckpointInterval int     `mapstructure:"checkpoint_interval"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken   string        `mapstructure:"bot_token"`
	ChatID     string        `mapstructure:"chat_id"`
	Enabled    bool          `mapstructure:"enabled"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// ProfilingConfig holds continuous profiling configuration
type ProfilingConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	ServerAddress   string `mapstructure:"server_address"`
	ApplicationName string `mapstructure:"application_name"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// flagKeys maps each launch flag to its config key.
var flagKeys = map[string]string{
	"rollout_length":          "train.rollout_length",
	"num_updates_per_rollout": "train.num_updates_per_rollout",
	"batch_size":              "train.batch_size",
	"lr_actor":                "train.lr_actor",
	"lr_critic":               "train.lr_critic",
	"clip_eps":                "train.clip_eps",
	"lmd":                     "train.lmd",
	"max_grad_norm":           "train.max_grad_norm",
	"seed":                    "train.seed",
	"num_train_steps":         "train.num_train_steps",
	"eval_interval":           "train.eval_interval",
	"num_eval_episodes":       "train.num_eval_episodes",
	"num_envs":                "train.num_envs",
	"agent_name":              "train.agent_name",
	"device":                  "train.device",
	"depth_range":             "market.depth_range",
	"limit_order_range":       "market.limit_order_range",
	"max_order_volume":        "market.max_order_volume",
	"short_selling_penalty":   "market.short_selling_penalty",
	"execution_vonus":         "market.execution_vonus",
	"agent_trait_memory":      "market.agent_trait_memory",
	"config_path":             "paths.config_path",
	"variable_ranges_path":    "paths.variable_ranges_path",
	"signals_path":            "paths.signals_path",
	"actor_save_path":         "paths.actor_save_path",
	"actor_best_save_name":    "paths.actor_best_save_name",
	"actor_last_save_name":    "paths.actor_last_save_name",
}

// RegisterFlags declares every launch parameter on fs. Flag defaults only
// apply when neither the config file nor the environment sets the key.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("rollout_length", 128, "steps collected per rollout")
	fs.Int("num_updates_per_rollout", 4, "optimisation passes over each rollout")
	fs.Int("batch_size", 64, "mini-batch size")
	fs.Float64("lr_actor", 3e-4, "actor learning rate")
	fs.Float64("lr_critic", 1e-3, "critic learning rate")
	fs.Float64("clip_eps", 0.2, "probability ratio clip")
	fs.Float64("lmd", 0.95, "GAE lambda")
	fs.Float64("max_grad_norm", 0.5, "global gradient norm clip")
	fs.Int64("seed", 42, "run seed")
	fs.Int("num_train_steps", 100, "number of rollouts")
	fs.Int("eval_interval", 10, "evaluate every N train steps")
	fs.Int("num_eval_episodes", 2, "deterministic episodes per evaluation")
	fs.Int("num_envs", 1, "isolated environments collected in parallel")
	fs.String("agent_name", "PPOAgents", "agent group trained by PPO")
	fs.String("device", "cpu", "policy backend device")
	fs.Float64("depth_range", 0.05, "max passive distance from market price")
	fs.Float64("limit_order_range", 0.1, "max limit price distance from market price")
	fs.Int64("max_order_volume", 10, "max volume per order")
	fs.Float64("short_selling_penalty", 0.5, "cash penalty per unit sold short")
	fs.Float64("execution_vonus", 0.1, "reward credit per filled order")
	fs.Float64("agent_trait_memory", 0.9, "trait memory decay factor")
	fs.String("config_path", "", "simulation config document")
	fs.String("variable_ranges_path", "", "observation normalisation ranges")
	fs.String("signals_path", "", "signal feed JSON file")
	fs.String("actor_save_path", "./checkpoints", "checkpoint directory")
	fs.String("actor_best_save_name", "actor_best.json", "best checkpoint file name")
	fs.String("actor_last_save_name", "actor_last.json", "last checkpoint file name")
}

// Load reads configuration from an optional file, environment variables and
// launch flags. An empty path skips the file.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("MARKETPPO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for options that have no launch flag
func setDefaults(v *viper.Viper) {
	// Train defaults
	v.SetDefault("train.gamma", DefaultGamma)
	v.SetDefault("train.value_coef", 0.5)
	v.SetDefault("train.normalize_advantage", true)
	v.SetDefault("train.divergence_tolerance", 0) // 0 = abort on first divergence

	// Signals defaults
	v.SetDefault("signals.timeout", "30s")
	v.SetDefault("signals.max_retries", 3)
	v.SetDefault("signals.retry_delay", "1s")

	// Storage defaults
	v.SetDefault("storage.max_runs", 50)
	v.SetDefault("storage.db_path", "./data/marketppo.db")

	// Monitor defaults
	v.SetDefault("monitor.window_size", 3)
	v.SetDefault("monitor.threshold", 6.0)
	v.SetDefault("monitor.ceiling", 20.0)
	v.SetDefault("monitor.warmup_count", 5)
	v.SetDefault("monitor.cooldown_rollouts", 10)
	v.SetDefault("monitor.checkpoint_interval", 10)

	// Telegram defaults
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay", "1s")

	// Profiling defaults
	v.SetDefault("profiling.server_address", "http://localhost:4040")
	v.SetDefault("profiling.application_name", "marketppo")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	t := c.Train
	if t.RolloutLength < 1 {
		return fmt.Errorf("train.rollout_length must be at least 1")
	}
	if t.NumUpdatesPerRollout < 1 {
		return fmt.Errorf("train.num_updates_per_rollout must be at least 1")
	}
	if t.BatchSize < 1 {
		return fmt.Errorf("train.batch_size must be at least 1")
	}
	if t.LrActor <= 0 || t.LrCritic <= 0 {
		return fmt.Errorf("train.lr_actor and train.lr_critic must be positive")
	}
	if t.ClipEps <= 0 || t.ClipEps >= 1 {
		return fmt.Errorf("train.clip_eps must be between 0.0 and 1.0 exclusive")
	}
	if t.Lmd < 0 || t.Lmd > 1 {
		return fmt.Errorf("train.lmd must be between 0.0 and 1.0")
	}
	if t.Gamma < 0 || t.Gamma >= 1 {
		return fmt.Errorf("train.gamma must be in [0.0, 1.0)")
	}
	if t.MaxGradNorm <= 0 {
		return fmt.Errorf("train.max_grad_norm must be positive")
	}
	if t.ValueCoef < 0 {
		return fmt.Errorf("train.value_coef must not be negative")
	}
	if t.NumTrainSteps < 1 {
		return fmt.Errorf("train.num_train_steps must be at least 1")
	}
	if t.EvalInterval < 1 {
		return fmt.Errorf("train.eval_interval must be at least 1")
	}
	if t.NumEvalEpisodes < 1 {
		return fmt.Errorf("train.num_eval_episodes must be at least 1")
	}
	if t.NumEnvs < 1 {
		return fmt.Errorf("train.num_envs must be at least 1")
	}
	if t.DivergenceTolerance < 0 {
		return fmt.Errorf("train.divergence_tolerance must not be negative")
	}
	if t.AgentName == "" {
		return fmt.Errorf("train.agent_name is required")
	}

	m := c.Market
	if m.DepthRange <= 0 {
		return fmt.Errorf("market.depth_range must be positive")
	}
	if m.LimitOrderRange <= 0 {
		return fmt.Errorf("market.limit_order_range must be positive")
	}
	if m.MaxOrderVolume < 1 {
		return fmt.Errorf("market.max_order_volume must be at least 1")
	}
	if m.ShortSellingPenalty < 0 {
		return fmt.Errorf("market.short_selling_penalty must not be negative")
	}
	if m.ExecutionBonus < 0 {
		return fmt.Errorf("market.execution_vonus must not be negative")
	}
	if m.AgentTraitMemory < 0 || m.AgentTraitMemory > 1 {
		return fmt.Errorf("market.agent_trait_memory must be between 0.0 and 1.0")
	}

	if c.Paths.ConfigPath == "" {
		return fmt.Errorf("paths.config_path is required")
	}
	if c.Paths.ActorSavePath == "" {
		return fmt.Errorf("paths.actor_save_path is required")
	}
	if c.Paths.ActorBestSaveName == "" || c.Paths.ActorLastSaveName == "" {
		return fmt.Errorf("paths.actor_best_save_name and paths.actor_last_save_name are required")
	}
	if c.Paths.ActorBestSaveName == c.Paths.ActorLastSaveName {
		return fmt.Errorf("paths.actor_best_save_name and paths.actor_last_save_name must differ")
	}

	if c.Storage.MaxRuns < 1 {
		return fmt.Errorf("storage.max_runs must be at least 1")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}

	if c.Monitor.WindowSize < 1 {
		return fmt.Errorf("monitor.window_size must be at least 1")
	}
	if c.Monitor.Threshold <= 0 {
		return fmt.Errorf("monitor.threshold must be positive")
	}
	if c.Monitor.Ceiling <= c.Monitor.Threshold {
		return fmt.Errorf("monitor.ceiling must be greater than monitor.threshold")
	}
	if c.Monitor.WarmupCount < 0 || c.Monitor.CooldownRollouts < 0 || c.Monitor.CheckpointInterval < 0 {
		return fmt.Errorf("monitor counts must not be negative")
	}

	if c.Signals.URL != "" && c.Signals.Timeout <= 0 {
		return fmt.Errorf("signals.timeout must be positive when signals.url is set")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Profiling.Enabled && c.Profiling.ServerAddress == "" {
		return fmt.Errorf("profiling.server_address is required when profiling is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
