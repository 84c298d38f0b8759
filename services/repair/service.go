// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package repair exposes the repair engine over HTTP and wires its
// collaborators together.
package repair

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sitka-systems/sitka/services/repair/patch"
	"github.com/sitka-systems/sitka/services/repair/session"
	"github.com/sitka-systems/sitka/services/repair/workspace"
)

// Service bundles the engine's entry points for the HTTP layer and CLI.
type Service struct {
	Manager *session.Manager
	logger  *slog.Logger
}

// ServiceConfig configures service construction.
type ServiceConfig struct {
	// AuditPath is the directory for the audit store. Empty keeps audit
	// records in memory only.
	AuditPath string

	// ProposerAPIKey authenticates the fix proposer. Empty falls back to
	// the OPENAI_API_KEY environment variable, then the conventional
	// secrets file.
	ProposerAPIKey string

	// ProposerBaseURL points at an OpenAI-compatible endpoint.
	ProposerBaseURL string

	// ProposerModel is the chat model name.
	ProposerModel string

	// Logger is used by every component. Nil uses slog.Default().
	Logger *slog.Logger
}

// NewService wires a Service from config.
func NewService(cfg ServiceConfig) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	apiKey := cfg.ProposerAPIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		if data, err := os.ReadFile("/run/secrets/openai_api_key"); err == nil {
			apiKey = strings.TrimSpace(string(data))
			logger.Info("proposer API key read from secrets file")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no proposer API key: set OPENAI_API_KEY or provide a secrets file")
	}

	proposer, err := patch.NewOpenAIProposer(patch.OpenAIProposerConfig{
		APIKey:  apiKey,
		BaseURL: cfg.ProposerBaseURL,
		Model:   cfg.ProposerModel,
	}, logger)
	if err != nil {
		return nil, err
	}

	return NewServiceWith(proposer, cfg.AuditPath, logger)
}

// NewServiceWith wires a Service around an explicit proposer, used by
// tests and embedders that bring their own backend.
func NewServiceWith(proposer patch.Proposer, auditPath string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := workspace.NewRegistry()
	if err != nil {
		return nil, err
	}

	audit, err := session.OpenAuditStore(auditPath)
	if err != nil {
		registry.Close()
		return nil, err
	}

	manager := session.NewManager(registry, workspace.NewOverlayController(), proposer, audit,
		session.WithLogger(logger))

	return &Service{Manager: manager, logger: logger}, nil
}
