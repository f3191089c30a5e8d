package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds every runtime setting of the backend.
type Config struct {
	Env      string         `koanf:"env"`
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Auth     AuthConfig     `koanf:"auth"`
	Matches  MatchesConfig  `koanf:"matches"`
	Log      LogConfig      `koanf:"log"`
}

type ServerConfig struct {
	Addr                   string   `koanf:"addr"`
	ShutdownTimeoutSeconds int      `koanf:"shutdown_timeout_seconds"`
	CORSOrigins            []string `koanf:"cors_origins"`
	RateLimitPerMinute     int      `koanf:"rate_limit_per_minute"` // 0 disables
}

type DatabaseConfig struct {
	URL          string `koanf:"url"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	Migrate      bool   `koanf:"migrate"`
}

// AuthConfig describes how identity-provider tokens are verified.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
	Audience  string `koanf:"audience"`
	// AdminKeyHash is a bcrypt hash of the key expected in X-Admin-Key.
	AdminKeyHash string `koanf:"admin_key_hash"`
}

type MatchesConfig struct {
	PoolLimit    int `koanf:"pool_limit"`
	DefaultLimit int `koanf:"default_limit"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

const (
	configPathEnv = "PROXIMITY_CONFIG"
	envPrefix     = "PROXIMITY_"

	devJWTSecret   = "your_secret_key_please_change_in_production"
	devDatabaseURL = "user=admin password=password dbname=proximity sslmode=disable"
)

var (
	errMissingDatabaseURL = errors.New("database.url is required")
	errMissingJWTSecret   = errors.New("auth.jwt_secret is required outside development")
	errInvalidPoolLimit   = errors.New("matches.pool_limit must be positive")
	errInvalidLimit       = errors.New("matches.default_limit must be between 1 and 100")
)

// legacyEnv keeps the unprefixed variables deployments already set.
var legacyEnv = map[string]string{
	"DATABASE_URL": "database.url",
	"JWT_SECRET":   "auth.jwt_secret",
	"GO_ENV":       "env",
	"LOG_LEVEL":    "log.level",
}

func defaultConfig() Config {
	return Config{
		Env: "development",
		Server: ServerConfig{
			Addr:                   ":8080",
			ShutdownTimeoutSeconds: 10,
			CORSOrigins:            []string{"http://localhost:8081", "http://127.0.0.1:8081", "http://localhost:19006"},
			RateLimitPerMinute:     300,
		},
		Database: DatabaseConfig{MaxOpenConns: 10, Migrate: true},
		Matches:  MatchesConfig{PoolLimit: 200, DefaultLimit: 20},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// loadConfig layers defaults, the optional YAML file named by PROXIMITY_CONFIG,
// legacy environment variables and PROXIMITY_* variables, in increasing priority.
// PROXIMITY_DATABASE__URL maps to database.url.
func loadConfig() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := os.Getenv(configPathEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(key string) string {
		return legacyEnv[key]
	}), nil); err != nil {
		return nil, fmt.Errorf("load legacy env: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	// env values arrive as one comma-separated string
	if s, ok := k.Get("server.cors_origins").(string); ok {
		if err := k.Set("server.cors_origins", splitList(s)); err != nil {
			return nil, fmt.Errorf("parse server.cors_origins: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDevelopmentDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	if key == "CONFIG" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsDevelopment reports whether development conveniences are allowed.
func (c *Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development"
}

func (c *Config) applyDevelopmentDefaults() {
	if !c.IsDevelopment() {
		return
	}
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = devJWTSecret
	}
	if c.Database.URL == "" {
		c.Database.URL = devDatabaseURL
	}
}

// Validate returns all configuration problems joined into one error.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errMissingDatabaseURL)
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errMissingJWTSecret)
	}
	if c.Matches.PoolLimit <= 0 {
		errs = append(errs, errInvalidPoolLimit)
	}
	if c.Matches.DefaultLimit < 1 || c.Matches.DefaultLimit > maxPageLimit {
		errs = append(errs, errInvalidLimit)
	}
	return errors.Join(errs...)
}
