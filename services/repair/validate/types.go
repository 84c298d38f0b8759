// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validate runs the staged validation pipeline over patch
// candidates inside a session's workspace overlay.
//
// Stages run in fixed order and fail fast: syntax, types, tests, impact.
// Every check executes against the overlay; the read-only base tree is
// never touched.
package validate

import (
	"errors"
	"time"
)

var (
	// ErrEnvironment is returned when a check could not run at all, as
	// opposed to running and failing. Environment failures are never
	// reported as a candidate verdict.
	ErrEnvironment = errors.New("validation environment failure")

	// ErrBinaryNotAllowed is returned when a configured check names a
	// binary outside the runner's allow list.
	ErrBinaryNotAllowed = errors.New("binary not in runner allow list")
)

// Check identifies one validation stage.
type Check string

const (
	CheckSyntax Check = "syntax"
	CheckTypes  Check = "types"
	CheckTests  Check = "tests"
	CheckImpact Check = "impact"
)

// Verdict is the outcome for one candidate.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Result is the full validation outcome for one candidate.
type Result struct {
	// CandidateID echoes the validated candidate.
	CandidateID string `json:"candidate_id"`

	// Verdict is pass only when every enabled stage passed.
	Verdict Verdict `json:"verdict"`

	// FailedCheck names the stage that stopped the pipeline, empty on
	// pass.
	FailedCheck Check `json:"failed_check,omitempty"`

	// SyntaxOK, TypeOK, ImpactOK report per-stage outcomes. A stage not
	// reached or not enabled reports false with Verdict telling the
	// difference.
	SyntaxOK bool `json:"syntax_ok"`
	TypeOK   bool `json:"type_ok"`
	ImpactOK bool `json:"impact_ok"`

	// TestsPassed and TestsTotal summarize the test stage. Zero totals
	// mean the stage did not run or the suite was empty.
	TestsPassed int `json:"tests_passed"`
	TestsTotal  int `json:"tests_total"`

	// Detail carries the failing stage's human-readable evidence:
	// the syntax error location, compiler output, or failing test names.
	Detail string `json:"detail,omitempty"`

	// Duration is wall time for the whole pipeline.
	Duration time.Duration `json:"duration"`
}

// TestCase is one declared input/output pair checked against the entry
// function. Input is an expression evaluating to the argument tuple,
// Output an expression the call's result must equal.
type TestCase struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Config selects and parameterizes the stages.
type Config struct {
	// Checks lists enabled stages in canonical order. Empty enables all.
	Checks []Check

	// TypeCheckCmd is the type-check argv run in the overlay root, e.g.
	// ["go", "vet", "./..."] or ["python3", "-m", "mypy", "."].
	// Empty skips the stage with TypeOK true.
	TypeCheckCmd []string

	// TestCmd is the test argv run in the overlay root. Empty skips the
	// stage.
	TestCmd []string

	// DerivedTests are declared input/output pairs run against the entry
	// function during the test stage, in addition to TestCmd. Supported
	// for python file:symbol entry points.
	DerivedTests []TestCase

	// Timeout bounds each external command. A command that exceeds it is
	// a validation failure for the candidate, not an environment error.
	Timeout time.Duration
}

// enabled reports whether a check is selected.
func (c *Config) enabled(check Check) bool {
	if len(c.Checks) == 0 {
		return true
	}
	for _, e := range c.Checks {
		if e == check {
			return true
		}
	}
	return false
}
