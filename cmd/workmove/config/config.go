// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the workmove configuration file.
//
// Configuration lives in YAML; secrets never do. Client secret and
// password come from the environment (or a .env file in development) so
// config files stay safe to commit and share.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Env variable names for secrets and overrides.
const (
	EnvClientID     = "WORKMOVE_CLIENT_ID"
	EnvClientSecret = "WORKMOVE_CLIENT_SECRET"
	EnvUsername     = "WORKMOVE_USERNAME"
	EnvPassword     = "WORKMOVE_PASSWORD"
)

// APIConfig configures the platform gateway.
type APIConfig struct {
	// BaseURL is the platform API root.
	BaseURL string `yaml:"base_url"`

	// TokenURL is the OAuth token endpoint. Empty derives
	// BaseURL + "/oauth/token".
	TokenURL string `yaml:"token_url"`

	// UserAgent is sent with every request.
	UserAgent string `yaml:"user_agent"`

	// RequestsPerSecond paces outbound calls.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the pacing burst size.
	Burst int `yaml:"burst"`
}

// AuthConfig carries the non-secret half of the credentials.
type AuthConfig struct {
	// ClientID identifies the API client.
	ClientID string `yaml:"client_id"`

	// Username is the account the migration runs as.
	Username string `yaml:"username"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Port is the listen port.
	Port int `yaml:"port"`

	// Debug enables verbose request logging.
	Debug bool `yaml:"debug"`
}

// JobsConfig tunes job execution.
type JobsConfig struct {
	// PageSize caps source pages.
	PageSize int `yaml:"page_size"`

	// Concurrency caps in-flight writes per wave.
	Concurrency int `yaml:"concurrency"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// JSON enables JSON output on stderr.
	JSON bool `yaml:"json"`

	// Dir enables file logging to the given directory.
	Dir string `yaml:"dir"`
}

// Config is the workmove configuration file.
type Config struct {
	// DataDir is the directory for the embedded job and token store.
	DataDir string `yaml:"data_dir"`

	API     APIConfig     `yaml:"api"`
	Auth    AuthConfig    `yaml:"auth"`
	Server  ServerConfig  `yaml:"server"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir: filepath.Join(home, ".workmove", "data"),
		API: APIConfig{
			BaseURL:           "https://api.podio.com",
			UserAgent:         "workmove",
			RequestsPerSecond: 8,
			Burst:             4,
		},
		Server: ServerConfig{Port: 8080},
		Jobs: JobsConfig{
			PageSize:    500,
			Concurrency: 5,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "workmove.yaml"
	}
	return filepath.Join(home, ".workmove", "workmove.yaml")
}

// Load reads the config file, creating a default on first run, and
// applies environment overrides.
//
// Inputs:
//
//	path - Config file path. Empty uses DefaultPath().
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return Config{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnv()
	if cfg.API.TokenURL == "" {
		cfg.API.TokenURL = cfg.API.BaseURL + "/oauth/token"
	}
	return cfg, nil
}

// applyEnv lets the environment override credential identities. Secrets
// (client secret, password) are env-only and read by the caller.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvClientID); v != "" {
		c.Auth.ClientID = v
	}
	if v := os.Getenv(EnvUsername); v != "" {
		c.Auth.Username = v
	}
}

// Secrets reads the secret half of the credentials from the environment.
func Secrets() (clientSecret, password string) {
	return os.Getenv(EnvClientSecret), os.Getenv(EnvPassword)
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
