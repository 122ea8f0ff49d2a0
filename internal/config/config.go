// Package config loads process configuration from the environment and the
// station registry from the YAML station file.
package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

var ErrDiscordTokenNotSet = errors.New("DISCORD_TOKEN is not set")

// Config covers process-level settings read from environment variables.
// Station definitions live in the YAML file at StationFile and are loaded
// separately so they can be reloaded at runtime.
type Config struct {
	DiscordToken string
	StationFile  string
	MetricsAddr  string
	LogLevel     string
	LogPretty    bool
}

// Load reads the environment, merging in a .env file when present.
func Load() (*Config, error) {
	// A missing .env file is fine; real deployments set the environment
	// directly.
	_ = godotenv.Load()

	token := os.Getenv("DISCORD_TOKEN")
	if token == "" {
		return nil, ErrDiscordTokenNotSet
	}

	return &Config{
		DiscordToken: token,
		StationFile:  getEnv("ALASTOR_CONFIG", "config.yaml"),
		MetricsAddr:  os.Getenv("ALASTOR_METRICS_ADDR"),
		LogLevel:     getEnv("ALASTOR_LOG_LEVEL", "info"),
		LogPretty:    os.Getenv("ALASTOR_LOG_PRETTY") == "true",
	}, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
