package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"

	defaultPort     = 2334
	defaultRedisURL = "redis://localhost:6379/0"
	defaultEnv      = "development"

	defaultMaxActive       = 5
	defaultMaxIPsPerDevice = 3
	defaultEvictPolicy     = "lru"
	defaultSessionTTL      = 30 * 24 * time.Hour
	defaultHistoryWindow   = time.Hour
	defaultBanThreshold    = 10
	defaultBanTTL          = 24 * time.Hour
	defaultSweepInterval   = 10 * time.Minute
	defaultLockPoll        = 100 * time.Millisecond
	defaultLockLease       = 5 * time.Second
)

// AppConfig holds runtime startup configuration loaded from YAML.
type AppConfig struct {
	Port           int
	RedisURL       string
	Env            string // "development" | "production"
	JWTSecret      string
	AllowedOrigins []string
	// OperatorPasswordHash is a bcrypt hash; empty disables the console login.
	OperatorPasswordHash string
	Guard                GuardConfig
	Lock                 LockConfig
}

// GuardConfig carries the admission and revocation policy knobs.
type GuardConfig struct {
	MaxActive       int
	MaxIPsPerDevice int
	EvictPolicy     string // "lru" | "deny"
	SessionTTL      time.Duration
	HistoryWindow   time.Duration
	BanThreshold    int
	BanTTL          time.Duration // <= 0 = permanent ban flag
	SweepInterval   time.Duration
	RevocationTTL   time.Duration
}

// LockConfig tunes the per-user mutual-exclusion lease.
type LockConfig struct {
	Poll  time.Duration
	Lease time.Duration
}

type rawAppConfig struct {
	Port                 int      `yaml:"port"`
	RedisURL             string   `yaml:"redis_url"`
	Env                  string   `yaml:"env"`
	JWTSecret            string   `yaml:"jwt_secret"`
	AllowedOrigins       []string `yaml:"allowed_origins"`
	OperatorPasswordHash string   `yaml:"operator_password_hash"`
	Guard                rawGuard `yaml:"guard"`
	Lock                 rawLock  `yaml:"lock"`
}

type rawGuard struct {
	MaxActive       int    `yaml:"max_active"`
	MaxIPsPerDevice int    `yaml:"max_ips_per_device"`
	EvictPolicy     string `yaml:"evict_policy"`
	SessionTTL      string `yaml:"session_ttl"`
	HistoryWindow   string `yaml:"history_window"`
	BanThreshold    int    `yaml:"ban_threshold"`
	BanTTL          string `yaml:"ban_ttl"`
	SweepInterval   string `yaml:"sweep_interval"`
	RevocationTTL   string `yaml:"revocation_ttl"`
}

type rawLock struct {
	Poll  string `yaml:"poll"`
	Lease string `yaml:"lease"`
}

// Load reads the YAML config file, applies environment overrides and fills
// defaults. A missing file is not an error: everything has a default.
func Load(path string) (*AppConfig, error) {
	raw := rawAppConfig{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(&raw)

	cfg := &AppConfig{
		Port:                 raw.Port,
		RedisURL:             strings.TrimSpace(raw.RedisURL),
		Env:                  strings.TrimSpace(raw.Env),
		JWTSecret:            raw.JWTSecret,
		AllowedOrigins:       raw.AllowedOrigins,
		OperatorPasswordHash: strings.TrimSpace(raw.OperatorPasswordHash),
		Guard: GuardConfig{
			MaxActive:       raw.Guard.MaxActive,
			MaxIPsPerDevice: raw.Guard.MaxIPsPerDevice,
			EvictPolicy:     strings.ToLower(strings.TrimSpace(raw.Guard.EvictPolicy)),
			SessionTTL:      parseDurationOr(raw.Guard.SessionTTL, defaultSessionTTL),
			HistoryWindow:   parseDurationOr(raw.Guard.HistoryWindow, defaultHistoryWindow),
			BanThreshold:    raw.Guard.BanThreshold,
			BanTTL:          parseDurationOr(raw.Guard.BanTTL, defaultBanTTL),
			SweepInterval:   parseDurationOr(raw.Guard.SweepInterval, defaultSweepInterval),
			RevocationTTL:   parseDurationOr(raw.Guard.RevocationTTL, 0),
		},
		Lock: LockConfig{
			Poll:  parseDurationOr(raw.Lock.Poll, defaultLockPoll),
			Lease: parseDurationOr(raw.Lock.Lease, defaultLockLease),
		},
	}
	cfg.normalize()
	return cfg, nil
}

func (c *AppConfig) normalize() {
	if c.Port <= 0 {
		c.Port = defaultPort
	}
	if c.RedisURL == "" {
		c.RedisURL = defaultRedisURL
	}
	if c.Env == "" {
		c.Env = defaultEnv
	}
	if c.Guard.MaxActive <= 0 {
		c.Guard.MaxActive = defaultMaxActive
	}
	if c.Guard.MaxIPsPerDevice <= 0 {
		c.Guard.MaxIPsPerDevice = defaultMaxIPsPerDevice
	}
	if c.Guard.EvictPolicy != "deny" {
		c.Guard.EvictPolicy = defaultEvictPolicy
	}
	if c.Guard.BanThreshold <= 0 {
		c.Guard.BanThreshold = defaultBanThreshold
	}
}

// IsDev reports whether the app runs in development mode.
func (c *AppConfig) IsDev() bool {
	return strings.EqualFold(c.Env, "development") || strings.EqualFold(c.Env, "dev")
}

func applyEnvOverrides(raw *rawAppConfig) {
	if v := os.Getenv("GUARD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			raw.Port = p
		}
	}
	if v := os.Getenv("GUARD_REDIS_URL"); v != "" {
		raw.RedisURL = v
	}
	if v := os.Getenv("GUARD_ENV"); v != "" {
		raw.Env = v
	}
	if v := os.Getenv("GUARD_JWT_SECRET"); v != "" {
		raw.JWTSecret = v
	}
	if v := os.Getenv("GUARD_OPERATOR_PASSWORD_HASH"); v != "" {
		raw.OperatorPasswordHash = v
	}
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
