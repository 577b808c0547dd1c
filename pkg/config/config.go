// Package config loads server settings from the environment, an optional
// .env file and an optional config.yaml
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DevJWTSecret is used when JWT_SECRET is unset in debug mode
const DevJWTSecret = "chess-relay-dev-secret"

// Config holds the server configuration
type Config struct {
	Port           string        `mapstructure:"port"`
	Debug          bool          `mapstructure:"debug"`
	FrontendOrigin string        `mapstructure:"frontend_origin"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`

	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`

	EnginePath         string        `mapstructure:"engine_path"`
	MaxEngines         int           `mapstructure:"max_engines"`
	EngineStartTimeout time.Duration `mapstructure:"engine_start_timeout"`
	SessionIdleTTL     time.Duration `mapstructure:"session_idle_ttl"`

	MetricsNamespace string   `mapstructure:"metrics_namespace"`
	MetricsAPIKeys   []string `mapstructure:"-"`
}

var defaults = map[string]any{
	"port":                 "8080",
	"debug":                false,
	"frontend_origin":      "",
	"jwt_secret":           "",
	"token_ttl":            24 * time.Hour,
	"database_url":         "",
	"redis_url":            "",
	"snapshot_ttl":         24 * time.Hour,
	"engine_path":          "stockfish",
	"max_engines":          8,
	"engine_start_timeout": 5 * time.Second,
	"session_idle_ttl":     5 * time.Minute,
	"metrics_namespace":    "chess_relay",
	"metrics_api_keys":     "",
}

// Load reads .env and config.yaml from path when present, then the
// environment. Environment variables win over the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(envFile(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		// AutomaticEnv only resolves keys viper already knows about
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, err
		}
	}

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.MetricsAPIKeys = splitList(v.GetString("metrics_api_keys"))

	return cfg, nil
}

// Validate checks settings that have no safe default
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		if !c.Debug {
			return errors.New("JWT_SECRET is required outside debug mode")
		}
		c.JWTSecret = DevJWTSecret
	}
	if c.MaxEngines < 1 {
		return fmt.Errorf("MAX_ENGINES must be positive, got %d", c.MaxEngines)
	}
	if c.Port == "" {
		return errors.New("PORT is empty")
	}
	return nil
}

func envFile(path string) string {
	if path == "" || path == "." {
		return ".env"
	}
	return strings.TrimSuffix(path, "/") + "/.env"
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
