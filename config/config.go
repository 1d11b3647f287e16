// Package config loads the ironid YAML configuration and applies IRONID_*
// environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "IRONID_"

type Config struct {
	Server struct {
		// Name keys the signatures this server produces.
		Name       string `yaml:"name"`
		StatusAddr string `yaml:"status_addr"`
	} `yaml:"server"`

	Storage struct {
		// memory | bbolt | postgres
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`

	Keys struct {
		IssuerName  string        `yaml:"issuer_name"`
		Validity    time.Duration `yaml:"validity"`
		SerialBits  int           `yaml:"serial_bits"`
		LockTimeout time.Duration `yaml:"lock_timeout"`
		Passphrase  string        `yaml:"passphrase"`
		// RetireInterval is how often the short-term pool is emptied. Zero
		// disables the sweep.
		RetireInterval time.Duration `yaml:"retire_interval"`
	} `yaml:"keys"`

	Sessions struct {
		TokenLifetime     time.Duration `yaml:"token_lifetime"`
		ValidatedLifetime time.Duration `yaml:"validated_lifetime"`
		MaxAge            time.Duration `yaml:"max_age"`
		CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	} `yaml:"sessions"`

	Associations struct {
		TTL            time.Duration `yaml:"ttl"`
		ExpiryInterval time.Duration `yaml:"expiry_interval"`
	} `yaml:"associations"`

	Invites struct {
		KeyValidityURL          string `yaml:"key_validity_url"`
		EphemeralKeyValidityURL string `yaml:"ephemeral_key_validity_url"`
	} `yaml:"invites"`

	Rate struct {
		// memory | redis
		Kind   string        `yaml:"kind"`
		Limit  int           `yaml:"limit"`
		Window time.Duration `yaml:"window"`
		Redis  struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"rate"`

	Log struct {
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path (optional), applies defaults, loads a .env file from the
// working directory if present, then applies environment overrides.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	c.applyDefaults()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "localhost"
	}
	if c.Server.StatusAddr == "" {
		c.Server.StatusAddr = ":9090"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "bbolt"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/ironid.db"
	}
	if c.Keys.IssuerName == "" {
		c.Keys.IssuerName = "ironid"
	}
	if c.Keys.Validity == 0 {
		c.Keys.Validity = 365 * 24 * time.Hour
	}
	if c.Keys.SerialBits == 0 {
		c.Keys.SerialBits = 64
	}
	if c.Keys.LockTimeout == 0 {
		c.Keys.LockTimeout = 10 * time.Second
	}
	if c.Sessions.TokenLifetime == 0 {
		c.Sessions.TokenLifetime = 24 * time.Hour
	}
	if c.Sessions.ValidatedLifetime == 0 {
		c.Sessions.ValidatedLifetime = 24 * time.Hour
	}
	if c.Sessions.MaxAge == 0 {
		c.Sessions.MaxAge = 7 * 24 * time.Hour
	}
	if c.Sessions.CleanupInterval == 0 {
		c.Sessions.CleanupInterval = time.Hour
	}
	if c.Associations.ExpiryInterval == 0 {
		c.Associations.ExpiryInterval = time.Hour
	}
	if c.Rate.Kind == "" {
		c.Rate.Kind = "memory"
	}
	if c.Rate.Limit == 0 {
		c.Rate.Limit = 10
	}
	if c.Rate.Window == 0 {
		c.Rate.Window = time.Minute
	}
	if c.Rate.Redis.Prefix == "" {
		c.Rate.Redis.Prefix = "ironid:rl:"
	}
	if c.Log.Env == "" {
		c.Log.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// ---- env helpers ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

func setStr(dst *string, key string) {
	if v, ok := getEnvStr(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := getEnvInt(key); ok {
		*dst = v
	}
}

func setDur(dst *time.Duration, key string) {
	if v, ok := getEnvDur(key); ok {
		*dst = v
	}
}

func (c *Config) applyEnvOverrides() {
	setStr(&c.Server.Name, "SERVER_NAME")
	setStr(&c.Server.StatusAddr, "SERVER_STATUS_ADDR")

	setStr(&c.Storage.Driver, "STORAGE_DRIVER")
	setStr(&c.Storage.Path, "STORAGE_PATH")
	setStr(&c.Storage.DSN, "STORAGE_DSN")

	setStr(&c.Keys.IssuerName, "KEYS_ISSUER_NAME")
	setDur(&c.Keys.Validity, "KEYS_VALIDITY")
	setInt(&c.Keys.SerialBits, "KEYS_SERIAL_BITS")
	setDur(&c.Keys.LockTimeout, "KEYS_LOCK_TIMEOUT")
	setStr(&c.Keys.Passphrase, "KEYS_PASSPHRASE")
	setDur(&c.Keys.RetireInterval, "KEYS_RETIRE_INTERVAL")

	setDur(&c.Sessions.TokenLifetime, "SESSIONS_TOKEN_LIFETIME")
	setDur(&c.Sessions.ValidatedLifetime, "SESSIONS_VALIDATED_LIFETIME")
	setDur(&c.Sessions.MaxAge, "SESSIONS_MAX_AGE")
	setDur(&c.Sessions.CleanupInterval, "SESSIONS_CLEANUP_INTERVAL")

	setDur(&c.Associations.TTL, "ASSOCIATIONS_TTL")
	setDur(&c.Associations.ExpiryInterval, "ASSOCIATIONS_EXPIRY_INTERVAL")

	setStr(&c.Invites.KeyValidityURL, "INVITES_KEY_VALIDITY_URL")
	setStr(&c.Invites.EphemeralKeyValidityURL, "INVITES_EPHEMERAL_KEY_VALIDITY_URL")

	setStr(&c.Rate.Kind, "RATE_KIND")
	setInt(&c.Rate.Limit, "RATE_LIMIT")
	setDur(&c.Rate.Window, "RATE_WINDOW")
	setStr(&c.Rate.Redis.Addr, "RATE_REDIS_ADDR")
	setInt(&c.Rate.Redis.DB, "RATE_REDIS_DB")
	setStr(&c.Rate.Redis.Prefix, "RATE_REDIS_PREFIX")

	if v, ok := getEnvStr("LOG_ENV"); ok {
		c.Log.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
}

// Validate rejects unknown drivers and settings the components cannot use.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "bbolt":
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("config: storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Rate.Kind {
	case "memory":
	case "redis":
		if c.Rate.Redis.Addr == "" {
			return errors.New("config: rate.redis.addr is required for the redis limiter")
		}
	default:
		return fmt.Errorf("config: unknown rate limiter kind %q", c.Rate.Kind)
	}
	if c.Keys.SerialBits < 2 || c.Keys.SerialBits > 159 {
		return fmt.Errorf("config: keys.serial_bits must be between 2 and 159, got %d", c.Keys.SerialBits)
	}
	if c.Rate.Limit < 0 {
		return errors.New("config: rate.limit must not be negative")
	}
	return nil
}
