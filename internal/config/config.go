// ABOUTME: Configuration loading and parsing for talkwire
// ABOUTME: YAML files with ${VAR} expansion, overridden by flat environment variables

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Deployment profiles accepted for Env.
const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvStg   = "stg"
	EnvProd  = "prod"
)

// Config represents the complete talkwire configuration.
// Every field can be set in YAML or through the flat environment
// variable named in its env tag; environment wins.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Env     string        `yaml:"env" env:"ENV"`
	Auth    AuthConfig    `yaml:"auth"`
	Redis   RedisConfig   `yaml:"redis"`
	Mongo   MongoConfig   `yaml:"mongo"`
	NATS    NATSConfig    `yaml:"nats"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds the HTTP listener address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`
}

// AuthConfig holds OAuth client and token validation parameters.
type AuthConfig struct {
	ClientID     string `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"CLIENT_SECRET"`
	RedirectURL  string `yaml:"redirect_url" env:"REDIRECT_URL"`
	Issuer       string `yaml:"issuer" env:"ISSUER"`
	Audience     string `yaml:"audience" env:"AUDIENCE"`
	JWKSURL      string `yaml:"jwks_url" env:"JWKS_URL"`

	TokenTTL time.Duration `yaml:"-" env:"-"`

	// Raw string values for YAML/env unmarshaling
	TokenTTLRaw       string `yaml:"token_ttl" env:"TOKEN_TTL"`
	RequiredClaimsRaw string `yaml:"required_claims" env:"REQUIRED_CLAIMS"`
}

// RedisConfig holds the cache endpoint.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     int    `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// Addr returns host:port for the Redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MongoConfig holds the persistence endpoint.
type MongoConfig struct {
	Host string `yaml:"host" env:"MONGO_HOST"`
	Port int    `yaml:"port" env:"MONGO_PORT"`
	DB   string `yaml:"db" env:"MONGO_DB"`
}

// URI returns a mongodb:// connection string.
func (c MongoConfig) URI() string {
	return fmt.Sprintf("mongodb://%s:%d", c.Host, c.Port)
}

// NATSConfig holds the event-bus endpoint. When Host is empty the
// in-process bus is used instead of a broker.
type NATSConfig struct {
	Host string `yaml:"host" env:"NATS_HOST"`
	Port int    `yaml:"port" env:"NATS_PORT"`
}

// URL returns a nats:// connection string.
func (c NATSConfig) URL() string {
	return fmt.Sprintf("nats://%s:%d", c.Host, c.Port)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path    string `yaml:"path" env:"METRICS_PATH"`
}

// defaults returns a Config populated with development defaults.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "localhost:8080"},
		Env:    EnvLocal,
		Auth: AuthConfig{
			TokenTTLRaw: "24h",
		},
		Redis:   RedisConfig{Port: 6379},
		Mongo:   MongoConfig{Port: 27017},
		NATS:    NATSConfig{Port: 4222},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Load builds the configuration in three layers: defaults, the YAML file
// at path (skipped when path is empty), then flat environment variables.
// Environment variables in the YAML in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	// .env is optional and only consulted for the local profile
	if e := os.Getenv("ENV"); e == "" || e == EnvLocal {
		_ = godotenv.Load()
	}

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Expand environment variables in the raw YAML content
		expandedData := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Flat environment variables override the file
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Env {
	case EnvLocal, EnvDev, EnvStg, EnvProd:
	default:
		return fmt.Errorf("env must be one of local/dev/stg/prod, got %q", c.Env)
	}

	if c.Auth.Issuer == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.Auth.Audience == "" {
		return fmt.Errorf("auth.audience is required")
	}

	if c.Mongo.Host != "" && c.Mongo.DB == "" {
		return fmt.Errorf("mongo.db is required when mongo.host is set")
	}

	return nil
}

// RequiredClaims returns the configured claim names as a slice.
func (c AuthConfig) RequiredClaims() []string {
	if c.RequiredClaimsRaw == "" {
		return nil
	}
	parts := strings.Split(c.RequiredClaimsRaw, ",")
	claims := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			claims = append(claims, p)
		}
	}
	return claims
}

// JWKSEndpoint returns the configured JWKS URL, defaulting to the
// issuer's well-known location.
func (c AuthConfig) JWKSEndpoint() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	return strings.TrimSuffix(c.Issuer, "/") + "/.well-known/jwks.json"
}

// UserInfoEndpoint returns the issuer's userinfo URL.
func (c AuthConfig) UserInfoEndpoint() string {
	return strings.TrimSuffix(c.Issuer, "/") + "/userinfo"
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	return nil
}
