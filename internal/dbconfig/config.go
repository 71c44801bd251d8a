// Package dbconfig holds the Postgres connection settings shared by the
// caller node and the one-shot tools. The caller node embeds Config in its
// YAML config; tools read the environment alone.
package dbconfig

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds Postgres connection settings.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// ApplyEnv fills unset fields from DB_* environment variables, then
// built-in defaults. Explicit YAML values win over the environment.
func (c *Config) ApplyEnv() {
	if c.Host == "" {
		c.Host = getEnv("DB_HOST", "localhost")
	}
	if c.Port == 0 {
		port, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
		if err != nil {
			port = 5432
		}
		c.Port = port
	}
	if c.User == "" {
		c.User = getEnv("DB_USER", "postgres")
	}
	if c.Password == "" {
		c.Password = getEnv("DB_PASSWORD", "postgres")
	}
	if c.Database == "" {
		c.Database = getEnv("DB_NAME", "bingo")
	}
	if c.SSLMode == "" {
		c.SSLMode = getEnv("DB_SSLMODE", "disable")
	}
}

// NewConfigFromEnv reads settings from the environment alone, for tools
// that run without a config file.
func NewConfigFromEnv() Config {
	var c Config
	c.ApplyEnv()
	return c
}

// DSN returns the Postgres connection URL.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
