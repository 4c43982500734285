package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Backend    BackendConfig    `yaml:"backend"`
	Storage    StorageConfig    `yaml:"storage"`
	Referral   ReferralConfig   `yaml:"referral"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Signup     SignupConfig     `yaml:"signup"`
	Server     ServerConfig     `yaml:"server"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	GeoIP      GeoIPConfig      `yaml:"geoip"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Batch      BatchConfig      `yaml:"batch"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// BackendConfig points the client at the waitlist API.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenFor     time.Duration `yaml:"open_for"`
}

// StorageConfig selects the persistent store backing a visitor profile.
// Driver is one of "sqlite", "redis" or "memory".
type StorageConfig struct {
	Driver  string `yaml:"driver"`
	DataDir string `yaml:"data_dir"`
	Profile string `yaml:"profile"`
	// SessionTTL bounds session-scoped keys (captured UTM) on drivers that
	// support expiry.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type ReferralConfig struct {
	QueryParam string        `yaml:"query_param"`
	TTL        time.Duration `yaml:"ttl"`
}

type TrackerConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

type SignupConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
	// IdentityAccounts are emails the dev backend reports as already having
	// an account in the identity system.
	IdentityAccounts []string `yaml:"identity_accounts"`
}

// RateLimitConfig caps dev backend requests per client IP. Zero disables
// the limit.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
}

type KafkaConfig struct {
	Brokers       []string          `yaml:"brokers"`
	Topics        map[string]string `yaml:"topics"`
	ConsumerGroup string            `yaml:"consumer_group"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
}

type ClickHouseConfig struct {
	Addr         string `yaml:"addr"`
	Database     string `yaml:"database"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type BatchConfig struct {
	Size          int           `yaml:"size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Load reads a YAML config file, expanding environment variables, and fills
// in defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse decodes YAML config bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with every default applied, used when no file is
// present.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = "http://localhost:8080"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 10 * time.Second
	}
	if cfg.Backend.Breaker.MaxFailures == 0 {
		cfg.Backend.Breaker.MaxFailures = 5
	}
	if cfg.Backend.Breaker.OpenFor == 0 {
		cfg.Backend.Breaker.OpenFor = 30 * time.Second
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = ".waitlist"
	}
	if cfg.Storage.Profile == "" {
		cfg.Storage.Profile = "default"
	}
	if cfg.Storage.SessionTTL == 0 {
		cfg.Storage.SessionTTL = 30 * time.Minute
	}
	if cfg.Referral.QueryParam == "" {
		cfg.Referral.QueryParam = "ref"
	}
	if cfg.Referral.TTL == 0 {
		cfg.Referral.TTL = 7 * 24 * time.Hour
	}
	if cfg.Tracker.FlushInterval == 0 {
		cfg.Tracker.FlushInterval = 3 * time.Second
	}
	if cfg.Tracker.MaxAttempts == 0 {
		cfg.Tracker.MaxAttempts = 3
	}
	if cfg.Signup.MaxAttempts == 0 {
		cfg.Signup.MaxAttempts = 2
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.ClickHouse.MaxOpenConns == 0 {
		cfg.ClickHouse.MaxOpenConns = 10
	}
	if cfg.ClickHouse.MaxIdleConns == 0 {
		cfg.ClickHouse.MaxIdleConns = 5
	}
	if cfg.Batch.Size == 0 {
		cfg.Batch.Size = 1000
	}
	if cfg.Batch.FlushInterval == 0 {
		cfg.Batch.FlushInterval = 5 * time.Second
	}
	if cfg.Kafka.Topics == nil {
		cfg.Kafka.Topics = map[string]string{}
	}
	if cfg.Kafka.Topics["events"] == "" {
		cfg.Kafka.Topics["events"] = "waitlist.events.raw"
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "waitlist-funnel-processor"
	}
}
