// Package config loads skillgate settings from defaults, an optional TOML
// file and SKILLGATE_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces environment overrides. A double underscore separates
// sections: SKILLGATE_QUOTA__STORE sets quota.store.
const EnvPrefix = "SKILLGATE_"

// Counter store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

type Config struct {
	License  LicenseConfig  `koanf:"license"`
	Quota    QuotaConfig    `koanf:"quota"`
	Recovery RecoveryConfig `koanf:"recovery"`
	Upgrade  UpgradeConfig  `koanf:"upgrade"`
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
}

type LicenseConfig struct {
	Token          string `koanf:"token"`
	TokenEnv       string `koanf:"token_env"`
	PublicKey      string `koanf:"public_key"`
	PublicKeyEnv   string `koanf:"public_key_env"`
	Issuer         string `koanf:"issuer"`
	Audience       string `koanf:"audience"`
	ClockTolerance int    `koanf:"clock_tolerance"`
	KeyTTLMs       int64  `koanf:"key_ttl_ms"`
	CacheTTLMs     int64  `koanf:"cache_ttl_ms"`
}

type QuotaConfig struct {
	WindowDays     int     `koanf:"window_days"`
	Store          string  `koanf:"store"`
	SQLitePath     string  `koanf:"sqlite_path"`
	RedisAddr      string  `koanf:"redis_addr"`
	RedisPassword  string  `koanf:"redis_password"`
	RedisDB        int     `koanf:"redis_db"`
	QueueDepth     int     `koanf:"queue_depth"`
	QueueTimeoutMs int64   `koanf:"queue_timeout_ms"`
	Burst          int     `koanf:"burst"`
	RatePerSecond  float64 `koanf:"rate_per_second"`
}

type RecoveryConfig struct {
	MaxRetries   int   `koanf:"max_retries"`
	RetryDelayMs int64 `koanf:"retry_delay_ms"`
}

type UpgradeConfig struct {
	BaseURL string `koanf:"base_url"`
}

type ServerConfig struct {
	Listen         string   `koanf:"listen"`
	AllowedOrigins []string `koanf:"allowed_origins"`
	// ValidateRateLimit caps POST /api/license/validate per client IP per
	// minute.
	ValidateRateLimit int `koanf:"validate_rate_limit"`
	// AdminTokenHash is the bcrypt hash of the token required by operator
	// endpoints. Empty leaves them open.
	AdminTokenHash string `koanf:"admin_token_hash"`
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that sets those headers.
	TrustProxy bool `koanf:"trust_proxy"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"license.token_env":          "SKILLGATE_LICENSE_TOKEN",
		"license.public_key_env":     "SKILLGATE_LICENSE_PUBLIC_KEY",
		"license.issuer":             "skillgate-licensing",
		"license.audience":           "skillgate",
		"license.clock_tolerance":    60,
		"license.key_ttl_ms":         0,
		"license.cache_ttl_ms":       60000,
		"quota.window_days":          30,
		"quota.store":                StoreMemory,
		"quota.sqlite_path":          "./data/skillgate.db",
		"quota.redis_addr":           "localhost:6379",
		"quota.redis_db":             0,
		"quota.queue_depth":          32,
		"quota.queue_timeout_ms":     5000,
		"quota.burst":                10,
		"quota.rate_per_second":      5.0,
		"recovery.max_retries":       3,
		"recovery.retry_delay_ms":    250,
		"upgrade.base_url":           "https://skillgate.dev/upgrade",
		"server.listen":              ":3470",
		"server.allowed_origins":     []string{"*"},
		"server.validate_rate_limit": 30,
		"server.trust_proxy":         false,
		"log.level":                  "info",
		"log.format":                 "auto",
	}
}

// DefaultPaths are searched when no config path is given.
var DefaultPaths = []string{"./skillgate.toml", "$HOME/.config/skillgate/skillgate.toml"}

// Load builds the configuration. A .env file in the working directory is
// loaded into the environment first. An explicit path must exist.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		for _, p := range DefaultPaths {
			p = os.ExpandEnv(p)
			if _, err := os.Stat(p); err == nil {
				if err := k.Load(file.Provider(p), toml.Parser()); err != nil {
					return nil, fmt.Errorf("error loading config %s: %w", p, err)
				}
				break
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// envKey maps SKILLGATE_QUOTA__QUEUE_DEPTH to quota.queue_depth.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports every inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	if c.License.ClockTolerance < 0 {
		errs = append(errs, errors.New("license.clock_tolerance must not be negative"))
	}
	if c.License.KeyTTLMs < 0 {
		errs = append(errs, errors.New("license.key_ttl_ms must not be negative"))
	}
	if c.Quota.WindowDays <= 0 {
		errs = append(errs, errors.New("quota.window_days must be positive"))
	}
	switch c.Quota.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.Quota.SQLitePath == "" {
			errs = append(errs, errors.New("quota.sqlite_path is required for the sqlite store"))
		}
	case StoreRedis:
		if c.Quota.RedisAddr == "" {
			errs = append(errs, errors.New("quota.redis_addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("quota.store %q is not one of memory, sqlite, redis", c.Quota.Store))
	}
	if c.Quota.QueueDepth < 0 {
		errs = append(errs, errors.New("quota.queue_depth must not be negative"))
	}
	if c.Quota.Burst < 0 {
		errs = append(errs, errors.New("quota.burst must not be negative"))
	}
	if c.Recovery.MaxRetries < 0 {
		errs = append(errs, errors.New("recovery.max_retries must not be negative"))
	}
	if c.Recovery.RetryDelayMs < 0 {
		errs = append(errs, errors.New("recovery.retry_delay_ms must not be negative"))
	}
	if c.Upgrade.BaseURL != "" && !strings.HasPrefix(c.Upgrade.BaseURL, "https://") && !strings.HasPrefix(c.Upgrade.BaseURL, "http://") {
		errs = append(errs, fmt.Errorf("upgrade.base_url %q must be an http(s) URL", c.Upgrade.BaseURL))
	}
	if h := c.Server.AdminTokenHash; h != "" && !strings.HasPrefix(h, "$2") {
		errs = append(errs, errors.New("server.admin_token_hash must be a bcrypt hash"))
	}
	if c.Server.ValidateRateLimit < 0 {
		errs = append(errs, errors.New("server.validate_rate_limit must not be negative"))
	}
	return errors.Join(errs...)
}

func (c LicenseConfig) Tolerance() time.Duration {
	return time.Duration(c.ClockTolerance) * time.Second
}

func (c LicenseConfig) KeyTTL() time.Duration {
	return time.Duration(c.KeyTTLMs) * time.Millisecond
}

// CacheTTL returns the license cache TTL. A non-positive setting disables the
// cache and is reported as a negative duration.
func (c LicenseConfig) CacheTTL() time.Duration {
	if c.CacheTTLMs <= 0 {
		return -1
	}
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

func (c QuotaConfig) Window() time.Duration {
	return time.Duration(c.WindowDays) * 24 * time.Hour
}

func (c QuotaConfig) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutMs) * time.Millisecond
}

func (c RecoveryConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

const sampleConfig = `# skillgate configuration

[license]
# token = ""                       # or set SKILLGATE_LICENSE_TOKEN
# public_key = ""                  # PEM or JWK; or set SKILLGATE_LICENSE_PUBLIC_KEY
issuer = "skillgate-licensing"
audience = "skillgate"
clock_tolerance = 60
cache_ttl_ms = 60000

[quota]
window_days = 30
store = "memory"                   # memory, sqlite or redis
sqlite_path = "./data/skillgate.db"
redis_addr = "localhost:6379"
queue_depth = 32
queue_timeout_ms = 5000
burst = 10
rate_per_second = 5.0

[recovery]
max_retries = 3
retry_delay_ms = 250

[server]
listen = ":3470"
allowed_origins = ["*"]
# admin_token_hash = ""            # from: skillgate admin-token
trust_proxy = false                # true only behind a reverse proxy

[log]
level = "info"
format = "auto"
`

// WriteSample writes a commented sample configuration to path. It refuses to
// overwrite an existing file.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration file already exists at %s", path)
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}
