// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// PoliceConfig holds the repeat-detection thresholds.
type PoliceConfig struct {
	IgnoreLimit           int
	Cooldown              time.Duration
	MinTextLength         int
	MaxDistance           int
	Location              *time.Location
	DisabledConversations []string
}

// MediaConfig controls image downloads.
type MediaConfig struct {
	Timeout       time.Duration
	RatePerSecond float64

	// Optional client-credentials grant for authenticated media endpoints.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Config holds all configuration for the service.
type Config struct {
	Police PoliceConfig
	Media  MediaConfig

	FlushInterval time.Duration

	// Postgres
	DatabaseURL string

	// Redis
	RedisURL    string
	AlertsQueue string

	// Servers
	Port        int // health + metrics
	EventsPort  int
	EventsToken string

	LogLevel string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Alerts string `yaml:"alerts"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Police struct {
		IgnoreLimit           *int     `yaml:"ignore_limit"`
		Cooldown              string   `yaml:"cooldown"`
		MinTextLength         *int     `yaml:"min_text_length"`
		MaxDistance           *int     `yaml:"max_distance"`
		Timezone              string   `yaml:"timezone"`
		DisabledConversations []string `yaml:"disabled_conversations"`
	} `yaml:"police"`
	Media struct {
		Timeout       string  `yaml:"timeout"`
		RatePerSecond float64 `yaml:"rate_per_second"`
		OAuth         struct {
			TokenURL     string   `yaml:"token_url"`
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			Scopes       []string `yaml:"scopes"`
		} `yaml:"oauth"`
	} `yaml:"media"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings. A missing config file is not
// an error; defaults and the environment apply.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	default:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	return build(raw)
}

func build(raw rawConfig) (*Config, error) {
	cfg := &Config{
		FlushInterval: envOrDefaultDuration("FLUSH_INTERVAL", 60*time.Second),
		DatabaseURL:   firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:      firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		AlertsQueue:   firstNonEmpty(raw.Redis.Queues.Alerts, envOrDefault("ALERTS_QUEUE", "alerts")),
		Port:          envOrDefaultInt("PORT", 8080),
		EventsPort:    envOrDefaultInt("EVENTS_PORT", 8081),
		EventsToken:   os.Getenv("EVENTS_TOKEN"),
		LogLevel:      envOrDefault("LOG_LEVEL", "info"),
	}

	p := &cfg.Police
	p.IgnoreLimit = intOr(raw.Police.IgnoreLimit, 10)
	p.MinTextLength = intOr(raw.Police.MinTextLength, 100)
	p.MaxDistance = intOr(raw.Police.MaxDistance, 4)
	p.DisabledConversations = raw.Police.DisabledConversations

	var err error
	if p.Cooldown, err = durationOr(raw.Police.Cooldown, time.Minute); err != nil {
		return nil, fmt.Errorf("police.cooldown: %w", err)
	}
	if p.Location, err = time.LoadLocation(firstNonEmpty(raw.Police.Timezone, "Asia/Shanghai")); err != nil {
		return nil, fmt.Errorf("police.timezone: %w", err)
	}

	m := &cfg.Media
	if m.Timeout, err = durationOr(raw.Media.Timeout, 10*time.Second); err != nil {
		return nil, fmt.Errorf("media.timeout: %w", err)
	}
	m.RatePerSecond = raw.Media.RatePerSecond
	if m.RatePerSecond == 0 {
		m.RatePerSecond = 5
	}
	m.TokenURL = raw.Media.OAuth.TokenURL
	m.ClientID = raw.Media.OAuth.ClientID
	m.ClientSecret = raw.Media.OAuth.ClientSecret
	m.Scopes = raw.Media.OAuth.Scopes

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("no database configured; set database.url or DATABASE_URL")
	}
	if c.Police.IgnoreLimit < 0 {
		return fmt.Errorf("police.ignore_limit must be >= 0, got %d", c.Police.IgnoreLimit)
	}
	if c.Police.Cooldown <= 0 {
		return fmt.Errorf("police.cooldown must be positive, got %s", c.Police.Cooldown)
	}
	if c.Police.MinTextLength < 1 {
		return fmt.Errorf("police.min_text_length must be at least 1, got %d", c.Police.MinTextLength)
	}
	if c.Police.MaxDistance < 1 || c.Police.MaxDistance > 64 {
		return fmt.Errorf("police.max_distance must be in 1..64, got %d", c.Police.MaxDistance)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be positive, got %s", c.FlushInterval)
	}
	return nil
}

// MediaOAuth reports whether media downloads need a client-credentials token.
func (c *Config) MediaOAuth() bool {
	return c.Media.TokenURL != "" && c.Media.ClientID != ""
}

func intOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}

func durationOr(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
