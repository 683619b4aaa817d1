package config

import (
	"os"
	"strconv"
)

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("DRCORE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if logLevel := os.Getenv("DRCORE_LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	if path := os.Getenv("DRCORE_TOPOLOGY_PATH"); path != "" {
		cfg.Topology.Path = path
	}

	// Database settings
	cfg.Database.Host = GetEnvOrDefault("DRCORE_DB_HOST", cfg.Database.Host)
	cfg.Database.User = GetEnvOrDefault("DRCORE_DB_USER", cfg.Database.User)
	cfg.Database.Password = GetEnvOrDefault("DRCORE_DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = GetEnvOrDefault("DRCORE_DB_NAME", cfg.Database.Database)
	if port := os.Getenv("DRCORE_DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}

	cfg.Redis.Addr = GetEnvOrDefault("DRCORE_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = GetEnvOrDefault("DRCORE_REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Auth.JWTSecret = GetEnvOrDefault("DRCORE_JWT_SECRET", cfg.Auth.JWTSecret)
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
