// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the builder service configuration from YAML
// with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize caps the config file read (1MB).
const MaxConfigFileSize = 1024 * 1024

// Config is the builder service configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// Provider selects the generation backend: "anthropic", "openai",
	// or "mock".
	Provider string `yaml:"provider" validate:"required,oneof=anthropic openai mock"`

	// NodeServiceURL is the node-metadata/tool service base URL.
	// Empty selects the built-in catalog fake.
	NodeServiceURL string `yaml:"node_service_url" validate:"omitempty,url"`

	Store StoreConfig `yaml:"store"`
	Retry RetryConfig `yaml:"retry"`

	// Concurrency is the configuration-phase worker ceiling.
	Concurrency int `yaml:"concurrency" validate:"gte=0,lte=64"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	// Backend is "badger" or "memory".
	Backend string `yaml:"backend" validate:"required,oneof=badger memory"`

	// Path is the badger data directory; ignored for memory.
	Path string `yaml:"path"`
}

// RetryConfig tunes the outbound-call retrier.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=0,lte=20"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		ListenAddr:  ":8089",
		Provider:    "anthropic",
		Store:       StoreConfig{Backend: "badger", Path: "./data/sessions"},
		Concurrency: 0,
	}
}

// Load reads the config file if path is non-empty, then applies
// environment overrides and validates.
//
// Environment overrides:
//   - FLOWFORGE_LISTEN_ADDR
//   - FLOWFORGE_PROVIDER
//   - FLOWFORGE_NODE_SERVICE_URL
//   - FLOWFORGE_STORE_PATH
//   - FLOWFORGE_CONCURRENCY
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return Config{}, fmt.Errorf("stat config: %w", err)
		}
		if info.Size() > MaxConfigFileSize {
			return Config{}, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FLOWFORGE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOWFORGE_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("FLOWFORGE_NODE_SERVICE_URL"); v != "" {
		cfg.NodeServiceURL = v
	}
	if v := os.Getenv("FLOWFORGE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FLOWFORGE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
}
