package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/dbconfig"
)

// Config is the caller-node configuration, loaded from YAML with env
// overrides on top.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Database dbconfig.Config `yaml:"database"`

	Session struct {
		HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
		LivenessTimeoutSec   int `yaml:"liveness_timeout_sec"`
		BackoffBaseMs        int `yaml:"backoff_base_ms"`
		BackoffMaxSec        int `yaml:"backoff_max_sec"`
		MaxRetries           int `yaml:"max_retries"`
	} `yaml:"session"`

	Claims struct {
		ResolutionWindowSec int `yaml:"resolution_window_sec"`
	} `yaml:"claims"`
}

func loadConfig(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if config.Server.Port == "" {
		config.Server.Port = getEnv("PORT", "8080")
	}
	if config.NATS.URL == "" {
		config.NATS.URL = getEnv("NATS_URL", "nats://localhost:4222")
	}
	config.Database.ApplyEnv()
	if config.Claims.ResolutionWindowSec == 0 {
		config.Claims.ResolutionWindowSec = getEnvAsInt("CLAIM_RESOLUTION_WINDOW_SEC", 3)
	}
	return &config, nil
}

// ResolutionWindow returns the configured claim coalescing window.
func (c *Config) ResolutionWindow() time.Duration {
	return time.Duration(c.Claims.ResolutionWindowSec) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
