// Package config loads process configuration from the environment and
// tenant billing policies from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the server's process configuration.
type Config struct {
	Port              int
	DBPath            string
	TenantsFile       string
	LogLevel          string
	Debug             bool
	SchedulerInterval time.Duration
	SchedulerEnabled  bool
	AllowedOrigins    []string
}

// Load reads configuration from environment variables.
// It loads a .env file from the current directory if one exists; pass a
// path to load a specific file instead (then it must exist).
func Load(envPath ...string) (*Config, error) {
	if len(envPath) > 0 && envPath[0] != "" {
		if err := godotenv.Load(envPath[0]); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	port, err := parseIntEnv("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	interval, err := parseDurationEnv("SCHEDULER_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_INTERVAL: %w", err)
	}

	cfg := &Config{
		Port:              port,
		DBPath:            getEnvOrDefault("DB_PATH", "society.db"),
		TenantsFile:       os.Getenv("TENANTS_FILE"),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		Debug:             os.Getenv("DEBUG") == "true",
		SchedulerInterval: interval,
		SchedulerEnabled:  os.Getenv("SCHEDULER_DISABLED") != "true",
		AllowedOrigins:    splitCSV(getEnvOrDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080")),
	}
	return cfg, nil
}

// Validate checks that required fields hold usable values.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.SchedulerEnabled && c.SchedulerInterval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(value)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
