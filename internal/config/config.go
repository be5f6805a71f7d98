package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full gateway configuration, populated from the environment.
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Provider ProviderConfig
	Upstream UpstreamConfig
	Access   AccessConfig
}

type ServerConfig struct {
	Addr         string
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RateBurst    int
	RatePerSec   int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProviderConfig describes the managed identity provider whose tokens the
// gateway verifies.
type ProviderConfig struct {
	JWTSecret string
	Issuer    string
}

// UpstreamConfig locates the platform backends the gateway consumes.
type UpstreamConfig struct {
	DirectoryURL string
	BillingURL   string
}

// AccessConfig tunes the organization access validator and session cache.
type AccessConfig struct {
	Freshness     time.Duration
	IdentityTTL   time.Duration
	SelectionPath string
}

// IsProduction reports whether the gateway runs in a production environment.
func (c ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// Load reads configuration from the environment. A .env file is honoured
// when present (optional in production).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Addr:         getEnv("TENANTGATE_ADDR", ":8080"),
			Environment:  getEnv("TENANTGATE_ENVIRONMENT", "development"),
			ReadTimeout:  getDurationEnv("TENANTGATE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDurationEnv("TENANTGATE_WRITE_TIMEOUT", 15*time.Second),
			RateBurst:    getIntEnv("TENANTGATE_RATE_BURST", 20),
			RatePerSec:   getIntEnv("TENANTGATE_RATE_PER_SEC", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("TENANTGATE_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("TENANTGATE_REDIS_PASSWORD", ""),
			DB:       getIntEnv("TENANTGATE_REDIS_DB", 0),
		},
		Provider: ProviderConfig{
			JWTSecret: getEnv("TENANTGATE_PROVIDER_JWT_SECRET", ""),
			Issuer:    getEnv("TENANTGATE_PROVIDER_ISSUER", ""),
		},
		Upstream: UpstreamConfig{
			DirectoryURL: getEnv("TENANTGATE_DIRECTORY_URL", ""),
			BillingURL:   getEnv("TENANTGATE_BILLING_URL", ""),
		},
		Access: AccessConfig{
			Freshness:     getDurationEnv("TENANTGATE_ACCESS_FRESHNESS", 30*time.Second),
			IdentityTTL:   getDurationEnv("TENANTGATE_IDENTITY_TTL", 15*time.Minute),
			SelectionPath: getEnv("TENANTGATE_SELECTION_PATH", "/organizations"),
		},
	}

	if cfg.Provider.JWTSecret == "" {
		return nil, fmt.Errorf("TENANTGATE_PROVIDER_JWT_SECRET is required")
	}
	if cfg.Provider.Issuer == "" {
		return nil, fmt.Errorf("TENANTGATE_PROVIDER_ISSUER is required")
	}
	if cfg.Upstream.DirectoryURL == "" {
		return nil, fmt.Errorf("TENANTGATE_DIRECTORY_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
