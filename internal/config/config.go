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
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultScopes are requested on every refresh grant.
var DefaultScopes = []string{
	"offline_access",
	"https://graph.microsoft.com/Mail.ReadWrite",
	"https://graph.microsoft.com/Mail.Send",
}

// ProviderConfig holds the OAuth application registered with the mail provider.
type ProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Config holds all configuration for the ingestion worker.
type Config struct {
	Provider ProviderConfig

	// Graph API
	GraphBaseURL           string
	GraphRequestsPerSecond float64
	GraphBurst             int

	// Postgres
	DatabaseURL string

	// Redis
	RedisURL      string
	AnalysisQueue string
	SeenTTL       time.Duration

	// Object storage
	StorageBucket   string
	StorageEndpoint string

	// Case matcher
	MatcherURL string

	// NATS (optional)
	NATSURL string

	// Scheduling
	PollInterval time.Duration
	Concurrency  int
	JobTimeout   time.Duration
	SyncWindow   time.Duration

	// Server (health check only)
	Port     int
	LogLevel slog.Level
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Provider struct {
		TenantID     string   `yaml:"tenant_id"`
		ClientID     string   `yaml:"client_id"`
		ClientSecret string   `yaml:"client_secret"`
		TokenURL     string   `yaml:"token_url"`
		Scopes       []string `yaml:"scopes"`
	} `yaml:"provider"`
	Graph struct {
		BaseURL           string  `yaml:"base_url"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"graph"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL     string `yaml:"url"`
		SeenTTL string `yaml:"seen_ttl"`
		Queues  struct {
			Analysis string `yaml:"analysis"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Storage struct {
		Bucket   string `yaml:"bucket"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"storage"`
	Matcher struct {
		URL string `yaml:"url"`
	} `yaml:"matcher"`
	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`
	Worker struct {
		PollInterval string `yaml:"poll_interval"`
		Concurrency  int    `yaml:"concurrency"`
		JobTimeout   string `yaml:"job_timeout"`
		SyncWindow   string `yaml:"sync_window"`
	} `yaml:"worker"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse builds a Config from YAML bytes. ${VAR} references are expanded
// first; settings absent from the YAML fall back to environment variables
// and then to defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Provider: ProviderConfig{
			TenantID:     firstNonEmpty(raw.Provider.TenantID, envOrDefault("MS_TENANT_ID", "common")),
			ClientID:     firstNonEmpty(raw.Provider.ClientID, os.Getenv("MS_CLIENT_ID")),
			ClientSecret: firstNonEmpty(raw.Provider.ClientSecret, os.Getenv("MS_CLIENT_SECRET")),
			TokenURL:     raw.Provider.TokenURL,
			Scopes:       raw.Provider.Scopes,
		},
		GraphBaseURL:           firstNonEmpty(raw.Graph.BaseURL, envOrDefault("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0")),
		GraphRequestsPerSecond: raw.Graph.RequestsPerSecond,
		GraphBurst:             raw.Graph.Burst,
		DatabaseURL:            firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:               firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		AnalysisQueue:          firstNonEmpty(raw.Redis.Queues.Analysis, envOrDefault("ANALYSIS_QUEUE", "documents")),
		StorageBucket:          firstNonEmpty(raw.Storage.Bucket, os.Getenv("STORAGE_BUCKET")),
		StorageEndpoint:        firstNonEmpty(raw.Storage.Endpoint, os.Getenv("STORAGE_ENDPOINT")),
		MatcherURL:             firstNonEmpty(raw.Matcher.URL, os.Getenv("MATCHER_URL")),
		NATSURL:                firstNonEmpty(raw.NATS.URL, os.Getenv("NATS_URL")),
		Concurrency:            raw.Worker.Concurrency,
		Port:                   envOrDefaultInt("PORT", 8080),
		LogLevel:               parseLevel(envOrDefault("LOG_LEVEL", "info")),
	}

	if cfg.Provider.TokenURL == "" {
		cfg.Provider.TokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.Provider.TenantID)
	}
	if len(cfg.Provider.Scopes) == 0 {
		cfg.Provider.Scopes = DefaultScopes
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = envOrDefaultInt("WORKER_CONCURRENCY", 4)
	}

	var err error
	if cfg.PollInterval, err = durationSetting(raw.Worker.PollInterval, "POLL_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.JobTimeout, err = durationSetting(raw.Worker.JobTimeout, "JOB_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SyncWindow, err = durationSetting(raw.Worker.SyncWindow, "SYNC_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SeenTTL, err = durationSetting(raw.Redis.SeenTTL, "SEEN_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.Provider.ClientID == "" {
		missing = append(missing, "provider.client_id")
	}
	if c.Provider.ClientSecret == "" {
		missing = append(missing, "provider.client_secret")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "database.url")
	}
	if c.StorageBucket == "" {
		missing = append(missing, "storage.bucket")
	}
	if c.MatcherURL == "" {
		missing = append(missing, "matcher.url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	if c.PollInterval <= 0 {
		return errors.New("worker.poll_interval must be positive")
	}
	return nil
}

// durationSetting takes the YAML value, then the env var, then the fallback.
// A malformed YAML value is an error; a malformed env value is ignored.
func durationSetting(yamlValue, envKey string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(yamlValue) != "" {
		d, err := time.ParseDuration(yamlValue)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", yamlValue, err)
		}
		return d, nil
	}
	return envOrDefaultDuration(envKey, fallback), nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
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
