// Package config loads features.yaml and applies environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Tracing struct {
		Enabled      bool    `mapstructure:"enabled"`
		ServiceName  string  `mapstructure:"service_name"`
		OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
		SampleRatio  float64 `mapstructure:"sample_ratio"`
	} `mapstructure:"tracing"`
}

type OrchestratorConfig struct {
	MaxIterations   int           `mapstructure:"max_iterations"`
	MaxToolCalls    int           `mapstructure:"max_tool_calls"`
	TotalTimeout    time.Duration `mapstructure:"total_timeout"`
	ToolCallTimeout time.Duration `mapstructure:"tool_call_timeout"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	Temperature     float64       `mapstructure:"temperature"`
}

type BudgetConfig struct {
	DefaultDailyUSD   float64 `mapstructure:"default_daily_usd"`
	DefaultMonthlyUSD float64 `mapstructure:"default_monthly_usd"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type WorkflowConfig struct {
	TemporalHostPort  string        `mapstructure:"temporal_host_port"`
	TemporalNamespace string        `mapstructure:"temporal_namespace"`
	QueueKey          string        `mapstructure:"queue_key"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
}

type ModelConfig struct {
	Model           string `mapstructure:"model"`
	Provider        string `mapstructure:"provider"`
	GatewayURL      string `mapstructure:"gateway_url"`
	MaxInputTokens  int    `mapstructure:"max_input_tokens"`
	MaxOutputTokens int    `mapstructure:"max_output_tokens"`
	Tier            string `mapstructure:"tier"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoresConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
}

// Features is the full features.yaml shape.
type Features struct {
	Observability ObservabilityConfig `mapstructure:"observability"`
	Orchestrator  OrchestratorConfig  `mapstructure:"orchestrator"`
	Budget        BudgetConfig        `mapstructure:"budget"`
	Workflow      WorkflowConfig      `mapstructure:"workflow"`
	Models        []ModelConfig       `mapstructure:"models"`
	Server        ServerConfig        `mapstructure:"server"`
	Stores        StoresConfig        `mapstructure:"stores"`
}

// Load reads features.yaml from CONFIG_PATH or ./config/features.yaml.
// Environment variables override file values (LOOM_SERVER_PORT overrides
// server.port, and so on).
func Load() (*Features, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/features.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
		// Missing file falls back to defaults and env.
	}

	var f Features
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&f)
	return &f, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 2112)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.tracing.sample_ratio", 1.0)
	v.SetDefault("orchestrator.max_iterations", 10)
	v.SetDefault("orchestrator.max_tool_calls", 20)
	v.SetDefault("orchestrator.total_timeout", "2m")
	v.SetDefault("orchestrator.tool_call_timeout", "30s")
	v.SetDefault("orchestrator.temperature", 0.7)
	v.SetDefault("budget.default_daily_usd", 10.0)
	v.SetDefault("budget.default_monthly_usd", 100.0)
	v.SetDefault("budget.requests_per_second", 5.0)
	v.SetDefault("budget.burst", 10)
	v.SetDefault("workflow.temporal_namespace", "default")
	v.SetDefault("workflow.default_timeout", "5m")
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("stores.redis_addr", "localhost:6379")
}

func applyEnvOverrides(f *Features) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		f.Stores.PostgresDSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		f.Stores.RedisAddr = addr
	}
	if hp := os.Getenv("TEMPORAL_HOST_PORT"); hp != "" {
		f.Workflow.TemporalHostPort = hp
	}
	if p := os.Getenv("METRICS_PORT"); p != "" {
		var port int
		if _, err := fmt.Sscanf(p, "%d", &port); err == nil && port > 0 {
			f.Observability.Metrics.Port = port
		}
	}
}
