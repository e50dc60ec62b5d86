package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/psantana5/trailscan/pkg/store"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TRAILSCAN_SERVER_PORT
const EnvPrefix = "TRAILSCAN"

// Config is the full server configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" yaml:"dispatcher"`
	Batch      BatchConfig      `mapstructure:"batch" yaml:"batch"`
	Provider   ProviderConfig   `mapstructure:"provider" yaml:"provider"`
	Frames     FramesConfig     `mapstructure:"frames" yaml:"frames"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Retention  RetentionConfig  `mapstructure:"retention" yaml:"retention"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit" yaml:"ratelimit"`
	Auth       AuthConfig       `mapstructure:"auth" yaml:"auth"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	TLS             TLSConfig     `mapstructure:"tls" yaml:"tls"`
}

type TLSConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Cert    string `mapstructure:"cert" yaml:"cert"`
	Key     string `mapstructure:"key" yaml:"key"`
	// AutoGenerate writes a self-signed pair when Cert/Key do not exist
	AutoGenerate bool     `mapstructure:"auto_generate" yaml:"auto_generate"`
	Hosts        []string `mapstructure:"hosts" yaml:"hosts"`
}

type DispatcherConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

type BatchConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

type ProviderConfig struct {
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ReadyPollInterval time.Duration `mapstructure:"ready_poll_interval" yaml:"ready_poll_interval"`
	ReadyMaxAttempts  int           `mapstructure:"ready_max_attempts" yaml:"ready_max_attempts"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
}

type FramesConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	FFmpegPath string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	OutputDir  string `mapstructure:"output_dir" yaml:"output_dir"`
}

type StoreConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	File  bool   `mapstructure:"file" yaml:"file"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

type AuthConfig struct {
	// APIKey is a bcrypt hash or a plaintext key; empty disables auth
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// SetDefaults registers every key with its default so env overrides resolve
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert", "certs/trailscan.crt")
	v.SetDefault("server.tls.key", "certs/trailscan.key")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.hosts", []string{})

	v.SetDefault("client.server_url", "")
	v.SetDefault("client.api_key", "")
	v.SetDefault("client.ca_file", "")
	v.SetDefault("client.insecure", false)

	v.SetDefault("dispatcher.concurrency", 4)
	v.SetDefault("batch.poll_interval", time.Second)

	v.SetDefault("provider.base_url", "http://localhost:9000")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.timeout", 5*time.Minute)
	v.SetDefault("provider.ready_poll_interval", 2*time.Second)
	v.SetDefault("provider.ready_max_attempts", 30)
	v.SetDefault("provider.max_retries", 2)

	v.SetDefault("frames.enabled", false)
	v.SetDefault("frames.ffmpeg_path", "ffmpeg")
	v.SetDefault("frames.output_dir", filepath.Join(os.TempDir(), "trailscan-frames"))

	v.SetDefault("store.type", "memory")
	v.SetDefault("store.dsn", "")

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.ttl", 24*time.Hour)
	v.SetDefault("retention.interval", 10*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.file", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("ratelimit.rps", 20.0)
	v.SetDefault("ratelimit.burst", 40)

	v.SetDefault("auth.api_key", "")
	v.SetDefault("metrics.enabled", true)
}

// New returns a viper instance with defaults and environment binding
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv loads .env from the working directory when present
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load %v: %w", existing, err)
	}
	return nil
}

// ReadFile reads cfgFile, or $HOME/.trailscan/config.yaml when cfgFile is empty.
// A missing default file is not an error.
func ReadFile(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(filepath.Join(home, ".trailscan"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// Load decodes v into a Config and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the server cannot run with and normalizes store.type
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Dispatcher.Concurrency <= 0 {
		return fmt.Errorf("dispatcher.concurrency must be positive, got %d", c.Dispatcher.Concurrency)
	}
	if c.Batch.PollInterval <= 0 {
		return fmt.Errorf("batch.poll_interval must be positive")
	}
	if c.Server.TLS.Enabled && !c.Server.TLS.AutoGenerate && (c.Server.TLS.Cert == "" || c.Server.TLS.Key == "") {
		return fmt.Errorf("server.tls.cert and server.tls.key are required when TLS is enabled")
	}
	if c.Provider.ReadyMaxAttempts <= 0 {
		return fmt.Errorf("provider.ready_max_attempts must be positive")
	}
	c.Store.Type = store.NormalizeType(c.Store.Type)
	switch c.Store.Type {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.type %q is not supported", c.Store.Type)
	}
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("ratelimit.rps must be positive, got %g", c.RateLimit.RPS)
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("ratelimit.burst must be positive, got %d", c.RateLimit.Burst)
	}
	return nil
}
