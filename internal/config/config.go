// Package config holds the service bootstrap configuration and the
// hot-reloadable voting panel configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig is the process-level configuration loaded once at startup.
// The voting panel lives in its own file and is hot-reloaded separately
// (see Manager).
type AppConfig struct {
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`

	PostgresDSN string `mapstructure:"postgres_dsn"`

	VotingConfigPath string `mapstructure:"voting_config_path"`

	ActionServiceURL     string        `mapstructure:"action_service_url"`
	ActionServiceTimeout time.Duration `mapstructure:"action_service_timeout"`

	MaxParallelism         int           `mapstructure:"max_parallelism"`
	TrackerRetention       time.Duration `mapstructure:"tracker_retention"`
	SessionTTL             time.Duration `mapstructure:"session_ttl"`
	ExampleRetrievalCount  int           `mapstructure:"example_retrieval_count"`
	RoundTimeout           time.Duration `mapstructure:"round_timeout"`
}

// Load reads the bootstrap configuration from file (optional) and
// environment. Environment variables use the INTENTENGINE_ prefix with
// underscores, e.g. INTENTENGINE_REDIS_ADDR.
func Load(path string) (*AppConfig, error) {
	v := viper.New()

	v.SetDefault("http_port", 8081)
	v.SetDefault("metrics_port", 2112)
	v.SetDefault("log_level", "info")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("voting_config_path", "config/moe_voting.json")
	v.SetDefault("action_service_timeout", 30*time.Second)
	v.SetDefault("max_parallelism", 4)
	v.SetDefault("tracker_retention", 30*time.Minute)
	v.SetDefault("session_ttl", 30*time.Minute)
	v.SetDefault("example_retrieval_count", 5)
	v.SetDefault("round_timeout", 2*time.Minute)

	v.SetEnvPrefix("INTENTENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = 4
	}
	return &cfg, nil
}
