// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session drives repair sessions through their lifecycle.
//
// A session moves through an explicit state machine: Created, Analyzing,
// Planning, Patching, Validating, and one of three terminal states. The
// Patching/Validating pair may loop, bounded by the configured attempt
// budget. Cancellation is honored at phase boundaries; a phase that has
// started runs to completion.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sitka-systems/sitka/services/repair/patch"
	"github.com/sitka-systems/sitka/services/repair/validate"
)

var (
	// ErrAttemptsExhausted is returned when the patch attempt budget runs
	// out without a validated fix.
	ErrAttemptsExhausted = errors.New("patch attempts exhausted")

	// ErrInvalidTransition is returned for a phase change the state
	// machine does not permit.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrSessionNotFound is returned when looking up an unknown session.
	ErrSessionNotFound = errors.New("session not found")
)

// Phase is a session lifecycle state.
type Phase string

const (
	PhaseCreated    Phase = "created"
	PhaseAnalyzing  Phase = "analyzing"
	PhasePlanning   Phase = "planning"
	PhasePatching   Phase = "patching"
	PhaseValidating Phase = "validating"

	// Terminal phases. Fixed means a validated patch was applied to the
	// overlay; Candidates means validated fixes await human approval;
	// Unfixable means no in-scope repair was found.
	PhaseFixed      Phase = "fixed"
	PhaseCandidates Phase = "candidates"
	PhaseUnfixable  Phase = "unfixable"
)

// Terminal reports whether the phase ends the session.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseFixed, PhaseCandidates, PhaseUnfixable:
		return true
	}
	return false
}

// validTransitions encodes the state machine. Unfixable is reachable
// from every working phase because any stage can fail terminally.
var validTransitions = map[Phase][]Phase{
	PhaseCreated:    {PhaseAnalyzing, PhaseUnfixable},
	PhaseAnalyzing:  {PhasePlanning, PhaseUnfixable},
	PhasePlanning:   {PhasePatching, PhaseUnfixable},
	PhasePatching:   {PhaseValidating, PhaseUnfixable},
	PhaseValidating: {PhasePatching, PhaseFixed, PhaseCandidates, PhaseUnfixable},
}

// canTransition reports whether from -> to is legal.
func canTransition(from, to Phase) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Status is the outward-facing session status in API responses.
type Status string

const (
	StatusRunning    Status = "running"
	StatusFixed      Status = "fixed"
	StatusCandidates Status = "candidates"
	StatusUnfixable  Status = "unfixable"
)

// FailureReason classifies why a session ended unfixable.
type FailureReason string

const (
	ReasonEntryUnresolved     FailureReason = "entry_unresolved"
	ReasonScopeEmpty          FailureReason = "scope_empty"
	ReasonRootCauseOutOfScope FailureReason = "root_cause_out_of_scope"
	ReasonAttemptsExhausted   FailureReason = "attempts_exhausted"
	ReasonEnvironmentFailure  FailureReason = "environment_failure"
	ReasonTimeout             FailureReason = "timeout"
	ReasonCanceled            FailureReason = "canceled"
)

// Diagnosis summarizes what the analysis concluded about the defect.
type Diagnosis struct {
	// Summary is a human-readable account of the suspected root cause.
	Summary string `json:"summary"`

	// RootCauseLocation names the file the defect most likely lives in.
	RootCauseLocation string `json:"root_cause_location,omitempty"`

	// SuspectUnits holds unit IDs most likely to contain the defect.
	SuspectUnits []string `json:"suspect_units,omitempty"`

	// CallPath is one entry-to-suspect call chain, when known.
	CallPath []string `json:"call_path,omitempty"`

	// ErrorTrace echoes the failing output the session was opened with.
	ErrorTrace string `json:"error_trace,omitempty"`

	// SuggestedFixes lists actions the caller could take when the
	// session could not fix the defect itself.
	SuggestedFixes []string `json:"suggested_fixes,omitempty"`
}

// CandidateReport pairs a screened candidate with its validation result.
type CandidateReport struct {
	Candidate  patch.Candidate  `json:"candidate"`
	Validation *validate.Result `json:"validation,omitempty"`
}

// Outcome is the terminal result of a session.
type Outcome struct {
	// Status is fixed, candidates, or unfixable.
	Status Status `json:"status"`

	// RepairableScope is the resolved closure, reported on every outcome
	// so callers can see what the engine was permitted to change.
	RepairableScope []string `json:"repairable_scope,omitempty"`

	// Diff is the accepted unified diff when Status is fixed.
	Diff string `json:"diff,omitempty"`

	// FixedFiles maps each touched path to its full patched content
	// when Status is fixed, read from the overlay before release.
	FixedFiles map[string]string `json:"fixed_files,omitempty"`

	// Validation is the passing attempt's result when Status is fixed.
	Validation *validate.Result `json:"validation,omitempty"`

	// Candidates holds validated fixes when Status is candidates, and
	// the per-attempt record otherwise.
	Candidates []CandidateReport `json:"candidates,omitempty"`

	// Rejected lists proposals discarded before validation.
	Rejected []patch.Rejected `json:"rejected,omitempty"`

	// Reason and Detail explain an unfixable outcome.
	Reason FailureReason `json:"reason,omitempty"`
	Detail string        `json:"detail,omitempty"`

	// SuggestedAction tells the caller what would unblock an unfixable
	// outcome, such as the out-of-scope file a fix needs.
	SuggestedAction string `json:"suggested_action,omitempty"`

	// Diagnosis is included whenever analysis completed.
	Diagnosis *Diagnosis `json:"diagnosis,omitempty"`

	// Attempts is the number of patch rounds consumed.
	Attempts int `json:"attempts"`
}

// Session is one repair run. Fields guarded by mu change as the state
// machine advances; everything else is set at creation and immutable.
type Session struct {
	ID          string    `json:"id"`
	ProjectRoot string    `json:"project_root"`
	EntryPoint  string    `json:"entry_point"`
	CreatedAt   time.Time `json:"created_at"`

	mu        sync.Mutex
	phase     Phase
	attempts  int
	outcome   *Outcome
	updatedAt time.Time
}

// NewSession creates a session in PhaseCreated.
func NewSession(id, projectRoot, entryPoint string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:          id,
		ProjectRoot: projectRoot,
		EntryPoint:  entryPoint,
		CreatedAt:   now,
		phase:       PhaseCreated,
		updatedAt:   now,
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Attempts returns the number of patch rounds started.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Outcome returns the terminal outcome, nil while running.
func (s *Session) Outcome() *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// UpdatedAt returns the last phase change time.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Status derives the outward status from the phase.
func (s *Session) Status() Status {
	switch s.Phase() {
	case PhaseFixed:
		return StatusFixed
	case PhaseCandidates:
		return StatusCandidates
	case PhaseUnfixable:
		return StatusUnfixable
	default:
		return StatusRunning
	}
}

// transition advances the state machine, rejecting illegal moves.
func (s *Session) transition(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.phase, to)
	}
	s.phase = to
	s.updatedAt = time.Now().UTC()
	return nil
}

// beginAttempt increments the attempt counter and returns its ordinal.
func (s *Session) beginAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

// finish records the outcome. The phase must already be terminal.
func (s *Session) finish(o *Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.Attempts = s.attempts
	s.outcome = o
	s.updatedAt = time.Now().UTC()
}
