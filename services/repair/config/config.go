// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads per-project repair settings from
// .sitka/repair.yaml under the project root.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the settings file, relative to the control directory.
const FileName = "repair.yaml"

// ControlDir is the per-project control directory.
const ControlDir = ".sitka"

// ErrInvalidConfig is returned when the settings file fails validation.
var ErrInvalidConfig = errors.New("invalid repair configuration")

// ScopeRules are the operator-set patch boundaries.
type ScopeRules struct {
	// Allowed path patterns. Empty allows the whole project.
	Allowed []string `yaml:"allowed"`

	// Denied path patterns. A denial always wins.
	Denied []string `yaml:"denied"`
}

// Checks selects and parameterizes validation stages.
type Checks struct {
	// Enabled stages: syntax, types, tests, impact. Empty enables all.
	Enabled []string `yaml:"enabled"`

	// TypeCheckCmd is the type-check argv, run in the overlay root.
	TypeCheckCmd []string `yaml:"type_check_cmd"`

	// TestCmd is the test argv, run in the overlay root.
	TestCmd []string `yaml:"test_cmd"`
}

// Proposer configures the fix-proposer backend.
type Proposer struct {
	// Model is the chat model name.
	Model string `yaml:"model"`

	// BaseURL overrides the API endpoint for local backends.
	BaseURL string `yaml:"base_url"`

	// RequestsPerMinute throttles proposer calls.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// Config is the full per-project settings document.
type Config struct {
	// Language is the project's primary language: go or python. Empty
	// means auto-detect from the project tree at load time.
	Language string `yaml:"language"`

	// Runtime selects where validation commands execute: "none" runs
	// them directly, "docker" or "podman" wrap them in a container.
	Runtime string `yaml:"runtime"`

	// MaxDepth bounds call-graph traversal from the entry point.
	MaxDepth int `yaml:"max_depth"`

	// MaxPatchAttempts bounds the patch/validate retry loop.
	MaxPatchAttempts int `yaml:"max_patch_attempts"`

	// AllowNewImports permits candidates introducing imports or editing
	// dependency manifests.
	AllowNewImports bool `yaml:"allow_new_imports"`

	// AllowSignatureChanges permits candidates rewriting function
	// declaration lines.
	AllowSignatureChanges bool `yaml:"allow_signature_changes"`

	// HumanInTheLoop reports validated fixes as candidates for approval
	// instead of accepting the first one automatically.
	HumanInTheLoop bool `yaml:"human_in_the_loop"`

	// SessionTimeout bounds a whole session wall-clock.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// CommandTimeout bounds each validation command.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	Scope    ScopeRules `yaml:"scope"`
	Checks   Checks     `yaml:"checks"`
	Proposer Proposer   `yaml:"proposer"`
}

// Default returns the settings used when a project has none.
func Default() *Config {
	return &Config{
		Language:              "",
		Runtime:               "none",
		MaxDepth:              5,
		MaxPatchAttempts:      3,
		AllowNewImports:       false,
		AllowSignatureChanges: false,
		HumanInTheLoop:        true,
		SessionTimeout:        10 * time.Minute,
		CommandTimeout:        2 * time.Minute,
		Checks: Checks{
			Enabled: []string{"syntax", "types", "tests", "impact"},
		},
		Proposer: Proposer{
			Model:             "gpt-4o-mini",
			RequestsPerMinute: 20,
		},
	}
}

// Validate checks invariants the rest of the engine relies on.
func (c *Config) Validate() error {
	switch c.Language {
	case "", "go", "python": // empty is auto-detect
	default:
		return fmt.Errorf("%w: language %q (want go or python)", ErrInvalidConfig, c.Language)
	}
	switch c.Runtime {
	case "none", "docker", "podman":
	default:
		return fmt.Errorf("%w: runtime %q (want none, docker, or podman)", ErrInvalidConfig, c.Runtime)
	}
	if c.MaxDepth < 1 {
		return fmt.Errorf("%w: max_depth %d (want >= 1)", ErrInvalidConfig, c.MaxDepth)
	}
	if c.MaxPatchAttempts < 1 {
		return fmt.Errorf("%w: max_patch_attempts %d (want >= 1)", ErrInvalidConfig, c.MaxPatchAttempts)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("%w: session_timeout must be positive", ErrInvalidConfig)
	}
	for _, check := range c.Checks.Enabled {
		switch check {
		case "syntax", "types", "tests", "impact":
		default:
			return fmt.Errorf("%w: unknown check %q", ErrInvalidConfig, check)
		}
	}
	return nil
}

// Path returns the settings file path for a project root.
func Path(projectRoot string) string {
	return filepath.Join(projectRoot, ControlDir, FileName)
}

// Load reads the project's settings, writing defaults on first use.
//
// # Description
//
// When the settings file does not exist, Default() is written to
// .sitka/repair.yaml so operators can discover and edit the knobs, and
// that default document is returned.
func Load(projectRoot string) (*Config, error) {
	path := Path(projectRoot)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		cfg.Language = DetectProjectLanguage(projectRoot)
		if writeErr := write(path, cfg); writeErr != nil {
			return nil, writeErr
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}
	if cfg.Language == "" {
		cfg.Language = DetectProjectLanguage(projectRoot)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DetectProjectLanguage infers go or python from source-file counts,
// skipping control and dependency directories. Python is the fallback
// when the tree holds neither.
func DetectProjectLanguage(projectRoot string) string {
	goCount, pyCount := 0, 0
	_ = filepath.WalkDir(projectRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			switch d.Name() {
			case ControlDir, ".git", "vendor", "node_modules", ".venv", "venv", "__pycache__":
				if path != projectRoot {
					return filepath.SkipDir
				}
			}
			return nil
		}
		switch filepath.Ext(path) {
		case ".go":
			goCount++
		case ".py":
			pyCount++
		}
		return nil
	})
	if goCount > pyCount {
		return "go"
	}
	return "python"
}

// write persists the settings document.
func write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating control directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
