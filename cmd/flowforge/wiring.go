// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"time"

	"github.com/AleutianAI/flowforge/pkg/logging"
	"github.com/AleutianAI/flowforge/services/builder/config"
	"github.com/AleutianAI/flowforge/services/builder/llm"
	"github.com/AleutianAI/flowforge/services/builder/metrics"
	"github.com/AleutianAI/flowforge/services/builder/nodesvc"
	"github.com/AleutianAI/flowforge/services/builder/pipeline"
	"github.com/AleutianAI/flowforge/services/builder/retry"
	storagebadger "github.com/AleutianAI/flowforge/services/builder/storage/badger"
	"github.com/AleutianAI/flowforge/services/builder/store"
)

// runtime holds the wired process dependencies for one CLI invocation.
type runtime struct {
	cfg    config.Config
	driver *pipeline.Driver
	store  store.Store
	logger *logging.Logger
	db     *storagebadger.DB
}

func setup(configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel("info"),
		Service: "builder",
	})

	env := &runtime{cfg: cfg, logger: logger}

	switch cfg.Store.Backend {
	case "memory":
		env.store = store.NewMemory()
	default:
		db, err := storagebadger.OpenDB(storagebadger.DefaultConfig(cfg.Store.Path))
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		env.db = db
		env.store = store.NewBadger(db)
	}

	provider, err := buildProvider(cfg.Provider)
	if err != nil {
		env.close()
		return nil, err
	}

	var nodes nodesvc.Service
	if cfg.NodeServiceURL != "" {
		nodes = nodesvc.NewHTTPClient(cfg.NodeServiceURL)
	} else {
		nodes = nodesvc.NewFake()
	}

	retryCfg := retry.DefaultConfig()
	if cfg.Retry.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialBackoff > 0 {
		retryCfg.InitialBackoff = cfg.Retry.InitialBackoff
	}
	if cfg.Retry.MaxBackoff > time.Duration(0) {
		retryCfg.MaxBackoff = cfg.Retry.MaxBackoff
	}

	driver, err := pipeline.New(pipeline.Options{
		Store:       env.store,
		Provider:    provider,
		Nodes:       nodes,
		Logger:      logger.Slog(),
		RetryCfg:    retryCfg,
		Concurrency: cfg.Concurrency,
		Hooks:       metrics.PhaseHooks{},
		OnAlert:     metrics.TokenAlert,
	})
	if err != nil {
		env.close()
		return nil, err
	}
	env.driver = driver
	return env, nil
}

func buildProvider(name string) (llm.Provider, error) {
	switch name {
	case "anthropic":
		return llm.NewAnthropicClient()
	case "openai":
		return llm.NewOpenAIClient()
	case "mock":
		return llm.NewMock(), nil
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}

func (r *runtime) close() {
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.logger.Error("session store close failed", "error", err)
		}
	}
	if r.logger != nil {
		r.logger.Close()
	}
}
