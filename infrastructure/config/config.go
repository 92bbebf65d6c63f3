package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"polystore/domain/schema"
	"polystore/pkg/utils"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the environment variable holding the optional YAML file
const ConfigFileEnv = "POLYSTORE_CONFIG"

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerAddress string `yaml:"server_address" validate:"required"`
	Environment   string `yaml:"environment" validate:"oneof=development staging production"`

	// Backend selection
	Backends    []string `yaml:"backends" validate:"min=1,dive,oneof=dynamodb mongodb postgres mysql sqlite memory"`
	TablePrefix string   `yaml:"table_prefix"`

	// AWS configuration
	AWSRegion        string `yaml:"aws_region"`
	DynamoDBEndpoint string `yaml:"dynamodb_endpoint"`

	// MongoDB configuration
	MongoURI      string `yaml:"mongo_uri" validate:"required_if=MongoEnabled true"`
	MongoDatabase string `yaml:"mongo_database"`
	MongoEnabled  bool   `yaml:"-"`

	// Relational configuration
	SQLDSN string `yaml:"sql_dsn"`

	// Session and resilience
	SessionCacheSize     int           `yaml:"session_cache_size" validate:"min=0"`
	BreakerTimeout       time.Duration `yaml:"breaker_timeout"`
	BreakerFailureRatio  float64       `yaml:"breaker_failure_ratio" validate:"gte=0,lte=1"`
	BreakerMinRequests   uint32        `yaml:"breaker_min_requests"`
	BreakerHalfOpenCalls uint32        `yaml:"breaker_half_open_calls"`

	// Logging
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// Authentication
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`

	// Feature flags
	EnableMetrics bool `yaml:"enable_metrics"`
	EnableTracing bool `yaml:"enable_tracing"`
	EnableCORS    bool `yaml:"enable_cors"`

	// Tracing export, used when EnableTracing is set
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	TraceSampleRate float64 `yaml:"trace_sample_rate" validate:"gte=0,lte=1"`

	// Entities are the schemas served by the explain endpoints. They can only
	// come from the YAML file.
	Entities []schema.Entity `yaml:"entities" validate:"-"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		ServerAddress:        ":8080",
		Environment:          "development",
		Backends:             []string{"memory"},
		AWSRegion:            "us-west-2",
		MongoDatabase:        "polystore",
		SessionCacheSize:     1024,
		BreakerTimeout:       60 * time.Second,
		BreakerFailureRatio:  0.8,
		BreakerMinRequests:   5,
		BreakerHalfOpenCalls: 5,
		LogLevel:             "info",
		JWTIssuer:            "polystore",
		EnableMetrics:        true,
		EnableCORS:           true,
		OTLPEndpoint:         "localhost:4317",
	}
}

// LoadConfig builds the configuration from the defaults, the YAML file named
// by POLYSTORE_CONFIG and environment variables, in that order of precedence
// from lowest to highest
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ServerAddress = getEnv("SERVER_ADDRESS", cfg.ServerAddress)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.Backends = getEnvList("BACKENDS", cfg.Backends)
	cfg.TablePrefix = getEnv("TABLE_PREFIX", cfg.TablePrefix)

	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.DynamoDBEndpoint = getEnv("DYNAMODB_ENDPOINT", cfg.DynamoDBEndpoint)

	cfg.MongoURI = getEnv("MONGO_URI", cfg.MongoURI)
	cfg.MongoDatabase = getEnv("MONGO_DATABASE", cfg.MongoDatabase)

	cfg.SQLDSN = getEnv("SQL_DSN", cfg.SQLDSN)

	cfg.SessionCacheSize = getEnvInt("SESSION_CACHE_SIZE", cfg.SessionCacheSize)
	cfg.BreakerTimeout = getEnvDuration("BREAKER_TIMEOUT", cfg.BreakerTimeout)

	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = getEnv("JWT_ISSUER", cfg.JWTIssuer)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.EnableMetrics = getEnvBool("ENABLE_METRICS", cfg.EnableMetrics)
	cfg.EnableTracing = getEnvBool("ENABLE_TRACING", cfg.EnableTracing)
	cfg.EnableCORS = getEnvBool("ENABLE_CORS", cfg.EnableCORS)
	cfg.OTLPEndpoint = getEnv("OTLP_ENDPOINT", cfg.OTLPEndpoint)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load is an alias for LoadConfig
func Load() (*Config, error) {
	return LoadConfig()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks if all required configuration is present
func (c *Config) Validate() error {
	c.MongoEnabled = c.Uses("mongodb")
	if err := utils.ValidateStruct(c); err != nil {
		return err
	}

	relational := 0
	for _, b := range []string{"postgres", "mysql", "sqlite"} {
		if !c.Uses(b) {
			continue
		}
		relational++
		if c.SQLDSN == "" {
			return fmt.Errorf("SQL_DSN is required for the %s backend", b)
		}
	}
	if relational > 1 {
		return fmt.Errorf("only one relational backend can share SQL_DSN")
	}
	if c.Environment == "production" && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	for i := range c.Entities {
		if err := c.Entities[i].Validate(); err != nil {
			return fmt.Errorf("entity %d: %w", i, err)
		}
	}

	return nil
}

// Uses reports whether a backend is enabled
func (c *Config) Uses(backend string) bool {
	for _, b := range c.Backends {
		if b == backend {
			return true
		}
	}
	return false
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList reads a comma separated list
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
