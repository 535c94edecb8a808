package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Server      HTTPConfig        `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Limits      LimitsConfig      `yaml:"limits"`
	Abuse       AbuseConfig       `yaml:"abuse"`
	Validation  ValidationConfig  `yaml:"validation_log"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Flagging    FlaggingConfig    `yaml:"flagging"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

type HTTPConfig struct {
	Listen          string   `yaml:"listen"`
	AdminToken      string   `yaml:"admin_token"`
	AdminTokenFile  string   `yaml:"admin_token_file"`
	TrustedProxies  []string `yaml:"trusted_proxies"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_s"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LimitConfig is one fixed-window policy.
type LimitConfig struct {
	WindowMs    int `yaml:"window_ms"`
	MaxRequests int `yaml:"max_requests"`
}

func (l LimitConfig) Window() time.Duration {
	return time.Duration(l.WindowMs) * time.Millisecond
}

type LimitsConfig struct {
	Coupon          LimitConfig `yaml:"coupon"`
	API             LimitConfig `yaml:"api"`
	SweepIntervalMs int         `yaml:"sweep_interval_ms"`
}

type AbuseConfig struct {
	MaxFailedAttempts       int `yaml:"max_failed_attempts"`
	TimeWindowMs            int `yaml:"time_window_ms"`
	MaxUniqueCodesPerWindow int `yaml:"max_unique_codes_per_window"`
}

type ValidationConfig struct {
	TTLSeconds       int `yaml:"ttl_s"`
	MaxKeys          int `yaml:"max_keys"`
	EvictBatch       int `yaml:"evict_batch"`
	SweepIntervalS   int `yaml:"sweep_interval_s"`
	PersistTimeoutMs int `yaml:"persist_timeout_ms"`
}

type PersistenceConfig struct {
	Enabled         bool `yaml:"enabled"`
	RetentionDays   int  `yaml:"retention_days"`
	PruneIntervalS  int  `yaml:"prune_interval_s"`
	RetryInitialMs  int  `yaml:"retry_initial_ms"`
	RetryMaxMs      int  `yaml:"retry_max_ms"`
	RetryMaxRetries int  `yaml:"retry_max_attempts"`
}

type FlaggingConfig struct {
	RulesFile string `yaml:"rules_file"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" json:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Server: HTTPConfig{
			Listen:          ":8080",
			ShutdownTimeout: 10,
		},
		Database: DatabaseConfig{
			Path: "couponguard.db",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Prefix:  "couponguard:ratelimit:",
		},
		Limits: LimitsConfig{
			Coupon:          LimitConfig{WindowMs: 15 * 60 * 1000, MaxRequests: 20},
			API:             LimitConfig{WindowMs: 60 * 1000, MaxRequests: 100},
			SweepIntervalMs: 60 * 1000,
		},
		Abuse: AbuseConfig{
			MaxFailedAttempts:       10,
			TimeWindowMs:            15 * 60 * 1000,
			MaxUniqueCodesPerWindow: 20,
		},
		Validation: ValidationConfig{
			TTLSeconds:       3600,
			MaxKeys:          10000,
			EvictBatch:       1000,
			SweepIntervalS:   300,
			PersistTimeoutMs: 5000,
		},
		Persistence: PersistenceConfig{
			Enabled:         true,
			RetentionDays:   30,
			PruneIntervalS:  3600,
			RetryInitialMs:  50,
			RetryMaxMs:      1000,
			RetryMaxRetries: 3,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file with .env and env var overrides
func Load(path string) (*ServerConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	_ = godotenv.Load()

	if listen := os.Getenv("COUPONGUARD_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
	if token := os.Getenv("COUPONGUARD_ADMIN_TOKEN"); token != "" {
		cfg.Server.AdminToken = token
	}
	if tokenFile := os.Getenv("COUPONGUARD_ADMIN_TOKEN_FILE"); tokenFile != "" {
		cfg.Server.AdminTokenFile = tokenFile
	}
	if dbPath := os.Getenv("COUPONGUARD_DB"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if addr := os.Getenv("COUPONGUARD_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if password := os.Getenv("COUPONGUARD_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if level := os.Getenv("COUPONGUARD_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if raw := os.Getenv("COUPONGUARD_LOG_JSON"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Logging.JSON = v
		}
	}
	if endpoint := os.Getenv("COUPONGUARD_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Tracing.Endpoint = endpoint
	}

	if cfg.Server.AdminToken == "" && cfg.Server.AdminTokenFile != "" {
		data, err := os.ReadFile(cfg.Server.AdminTokenFile)
		if err != nil {
			return nil, err
		}
		cfg.Server.AdminToken = strings.TrimSpace(string(data))
	}

	return cfg, nil
}

// Validate rejects limits that cannot serve traffic and fills in defaults for
// the rest.
func (c *ServerConfig) Validate() error {
	if c.Server.Listen == "" {
		return ErrMissingListen
	}
	if c.Database.Path == "" {
		return ErrMissingDatabase
	}
	if err := c.Limits.Coupon.validate("coupon"); err != nil {
		return err
	}
	if err := c.Limits.API.validate("api"); err != nil {
		return err
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return ErrMissingRedisAddr
	}
	if c.Abuse.MaxFailedAttempts < 0 || c.Abuse.MaxUniqueCodesPerWindow < 0 || c.Abuse.TimeWindowMs < 0 {
		return &Error{"abuse thresholds must not be negative"}
	}

	defaults := DefaultConfig()
	if c.Limits.SweepIntervalMs <= 0 {
		c.Limits.SweepIntervalMs = defaults.Limits.SweepIntervalMs
	}
	if c.Abuse.MaxFailedAttempts == 0 {
		c.Abuse.MaxFailedAttempts = defaults.Abuse.MaxFailedAttempts
	}
	if c.Abuse.TimeWindowMs == 0 {
		c.Abuse.TimeWindowMs = defaults.Abuse.TimeWindowMs
	}
	if c.Abuse.MaxUniqueCodesPerWindow == 0 {
		c.Abuse.MaxUniqueCodesPerWindow = defaults.Abuse.MaxUniqueCodesPerWindow
	}
	if c.Validation.TTLSeconds <= 0 {
		c.Validation.TTLSeconds = defaults.Validation.TTLSeconds
	}
	if c.Abuse.TimeWindowMs > c.Validation.TTLSeconds*1000 {
		return ErrAbuseWindowExceedsTTL
	}
	if c.Validation.MaxKeys <= 0 {
		c.Validation.MaxKeys = defaults.Validation.MaxKeys
	}
	if c.Validation.EvictBatch <= 0 || c.Validation.EvictBatch > c.Validation.MaxKeys {
		c.Validation.EvictBatch = c.Validation.MaxKeys / 10
		if c.Validation.EvictBatch == 0 {
			c.Validation.EvictBatch = 1
		}
	}
	if c.Persistence.RetentionDays <= 0 {
		c.Persistence.RetentionDays = defaults.Persistence.RetentionDays
	}
	if c.Persistence.RetryMaxMs < c.Persistence.RetryInitialMs {
		c.Persistence.RetryMaxMs = c.Persistence.RetryInitialMs
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

func (l LimitConfig) validate(name string) error {
	if l.MaxRequests <= 0 || l.WindowMs <= 0 {
		return &Error{name + " limit needs positive window_ms and max_requests"}
	}
	return nil
}

var (
	ErrMissingListen    = &Error{"listen address is required"}
	ErrMissingDatabase  = &Error{"database path is required"}
	ErrMissingRedisAddr = &Error{"redis address is required when redis is enabled"}

	ErrAbuseWindowExceedsTTL = &Error{"abuse.time_window_ms must not exceed validation_log.ttl_s"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
