// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sitka-systems/sitka/services/repair/analyze"
	"github.com/sitka-systems/sitka/services/repair/config"
	"github.com/sitka-systems/sitka/services/repair/patch"
	"github.com/sitka-systems/sitka/services/repair/scope"
	"github.com/sitka-systems/sitka/services/repair/validate"
	"github.com/sitka-systems/sitka/services/repair/workspace"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repair_sessions_total",
		Help: "Finished repair sessions by status",
	}, []string{"status"})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "repair_session_duration_seconds",
		Help:    "Wall time of repair sessions",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"status"})

	attemptsUsed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "repair_session_attempts",
		Help:    "Patch attempts consumed per session",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	})
)

// Request starts one repair session.
type Request struct {
	// ProjectRoot is the absolute path of the project to repair.
	ProjectRoot string

	// EntryPoint locates the defect: "file", "file:symbol", or a bare
	// symbol name. Optional; when empty it is inferred from the
	// innermost frame of FailingOutput.
	EntryPoint string

	// FailingOutput is the observed failure evidence: a stack trace,
	// failing test output, or error message.
	FailingOutput string

	// Description is the caller's account of the defect.
	Description string

	// Language overrides the project's configured language when set.
	Language string

	// TestCases are caller-declared input/output pairs a fix must
	// satisfy during validation.
	TestCases []validate.TestCase

	// HumanInTheLoop overrides the project setting when non-nil.
	HumanInTheLoop *bool

	// Timeout overrides the configured session timeout when positive.
	Timeout time.Duration
}

// Manager owns session lifecycle: admission, the phase pipeline, and
// terminal reporting.
//
// # Thread Safety
//
// Safe for concurrent use. Sessions against distinct projects run in
// parallel; a second session against a busy project is rejected at
// admission with workspace.ErrProjectBusy.
type Manager struct {
	registry *workspace.Registry
	ctrl     workspace.Controller
	analyzer *analyze.Analyzer
	resolver *scope.Resolver
	proposer patch.Proposer
	audit    *AuditStore
	events   *Broadcaster
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithInferrer plugs a scope inference capability into the resolver.
func WithInferrer(inf scope.Inferrer) ManagerOption {
	return func(m *Manager) { m.resolver = scope.NewResolver(inf) }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager wires a Manager from its collaborators.
func NewManager(registry *workspace.Registry, ctrl workspace.Controller, proposer patch.Proposer, audit *AuditStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: registry,
		ctrl:     ctrl,
		analyzer: analyze.NewAnalyzer(),
		resolver: scope.NewResolver(nil),
		proposer: proposer,
		audit:    audit,
		events:   NewBroadcaster(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sessions = make(map[string]*Session)
	return m
}

// Events returns the phase event broadcaster.
func (m *Manager) Events() *Broadcaster { return m.events }

// Audit returns the audit store.
func (m *Manager) Audit() *AuditStore { return m.audit }

// Get returns a tracked session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// Run executes one repair session to completion.
//
// # Description
//
// Admission happens synchronously: the project claim is taken before
// the pipeline starts, so a busy project fails fast with
// workspace.ErrProjectBusy and no session is recorded. After admission
// every failure is expressed as an unfixable outcome, never a dangling
// session.
//
// # Outputs
//
//   - *Session: The finished session with its Outcome set.
//   - error: Admission errors only (bad config, busy project).
func (m *Manager) Run(ctx context.Context, req *Request) (*Session, error) {
	cfg, err := config.Load(req.ProjectRoot)
	if err != nil {
		return nil, err
	}
	if req.Language != "" {
		cfg.Language = req.Language
	}
	if req.HumanInTheLoop != nil {
		cfg.HumanInTheLoop = *req.HumanInTheLoop
	}
	if req.Timeout > 0 {
		cfg.SessionTimeout = req.Timeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	entry := req.EntryPoint
	if entry == "" {
		entry = inferEntry(req)
		if entry != "" {
			m.logger.Debug("entry point inferred from failing output",
				slog.String("entry_point", entry))
		}
	}

	project, err := m.registry.Register(req.ProjectRoot, cfg.Language)
	if err != nil {
		return nil, err
	}

	s := NewSession(uuid.NewString(), req.ProjectRoot, entry)
	if err := m.registry.Claim(ctx, project, s.ID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("repair session started",
		slog.String("session_id", s.ID),
		slog.String("project_root", req.ProjectRoot),
		slog.String("entry_point", entry),
	)

	start := time.Now()
	m.run(ctx, s, project, req, cfg)
	m.registry.Free(project, s.ID)

	status := string(s.Status())
	sessionsTotal.WithLabelValues(status).Inc()
	sessionDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	attemptsUsed.Observe(float64(s.Attempts()))

	m.logger.Info("repair session finished",
		slog.String("session_id", s.ID),
		slog.String("status", status),
		slog.Int("attempts", s.Attempts()),
		slog.Duration("duration", time.Since(start)),
	)
	return s, nil
}

// run drives the phase pipeline. All failures terminate the session
// with an outcome; run never returns an error.
func (m *Manager) run(ctx context.Context, s *Session, project *workspace.Project, req *Request, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, cfg.SessionTimeout)
	defer cancel()

	entry := s.EntryPoint

	// ---- Analyzing ----

	m.advance(s, PhaseAnalyzing, "")

	if entry == "" {
		m.terminate(s, &Outcome{Status: StatusUnfixable, Reason: ReasonEntryUnresolved,
			Detail: "no entry point given and none could be inferred from the failing output"})
		return
	}

	if project.ConsumeDirty() {
		m.logger.Debug("project changed externally since last session",
			slog.String("project_root", project.RootPath))
	}

	var h *workspace.Handle
	err := m.retryEnv(ctx, "acquire workspace", func() error {
		var aerr error
		h, aerr = m.ctrl.Acquire(ctx, req.ProjectRoot)
		return aerr
	})
	if err != nil {
		m.terminate(s, &Outcome{Status: StatusUnfixable, Reason: ReasonEnvironmentFailure,
			Detail: fmt.Sprintf("acquiring workspace: %v", err)})
		return
	}
	defer m.ctrl.Release(h)

	graph, err := m.analyzer.Build(ctx, h.OverlayRoot, entry)
	if err != nil {
		switch {
		case errors.Is(err, analyze.ErrEntryUnresolved):
			m.terminate(s, &Outcome{Status: StatusUnfixable, Reason: ReasonEntryUnresolved, Detail: err.Error()})
		default:
			m.terminate(s, &Outcome{Status: StatusUnfixable, Reason: ReasonEnvironmentFailure, Detail: err.Error()})
		}
		return
	}

	if out := m.deadlineOutcome(ctx); out != nil {
		m.terminate(s, out)
		return
	}

	// ---- Planning ----

	m.advance(s, PhasePlanning, "")

	reachable := graph.ReachableFiles(cfg.MaxDepth)
	closure, err := m.resolver.Resolve(ctx, entry, reachable, scope.Rules{
		Allowed: cfg.Scope.Allowed,
		Denied:  cfg.Scope.Denied,
	})
	if err != nil {
		reason := ReasonEnvironmentFailure
		if errors.Is(err, scope.ErrScopeEmpty) {
			reason = ReasonScopeEmpty
		}
		m.terminate(s, &Outcome{Status: StatusUnfixable, Reason: reason, Detail: err.Error(),
			Diagnosis: buildDiagnosis(graph, req, entry)})
		return
	}

	diagnosis := buildDiagnosis(graph, req, entry)

	if out := m.deadlineOutcome(ctx); out != nil {
		out.RepairableScope = closure.Files
		out.Diagnosis = diagnosis
		m.terminate(s, out)
		return
	}

	// ---- Patching / Validating loop ----

	generator := patch.NewGenerator(m.proposer, patch.GeneratorConfig{
		AllowNewImports:       cfg.AllowNewImports,
		AllowSignatureChanges: cfg.AllowSignatureChanges,
	}, m.logger)

	runnerOpts := []validate.RunnerOption{validate.WithRunnerLogger(m.logger)}
	if cfg.Runtime != "none" {
		runnerOpts = append(runnerOpts, validate.WithExtraBinaries(cfg.Runtime))
	}
	validator := validate.NewValidator(m.ctrl, validate.NewRunner(runnerOpts...), m.analyzer, m.logger)
	valCfg := validationConfig(cfg, h.OverlayRoot)
	valCfg.DerivedTests = req.TestCases

	var (
		reports     []CandidateReport
		allRejected []patch.Rejected
	)

	for {
		// The budget is checked before the counter moves, so the count
		// never exceeds max_patch_attempts.
		if s.Attempts() >= cfg.MaxPatchAttempts {
			m.terminate(s, &Outcome{
				Status: StatusUnfixable, Reason: ReasonAttemptsExhausted,
				Detail:          ErrAttemptsExhausted.Error(),
				RepairableScope: closure.Files, Diagnosis: diagnosis,
				Candidates: reports, Rejected: allRejected,
			})
			return
		}
		attempt := s.beginAttempt()

		m.advance(s, PhasePatching, fmt.Sprintf("attempt %d of %d", attempt, cfg.MaxPatchAttempts))

		preq := &patch.Request{
			EntryPoint:    entry,
			Diagnosis:     diagnosisPrompt(diagnosis, reports, req.TestCases),
			FailingOutput: req.FailingOutput,
			Files:         m.scopeContents(h, closure),
		}
		var (
			candidates []patch.Candidate
			rejected   []patch.Rejected
		)
		err := m.retryEnv(ctx, "generate candidates", func() error {
			var gerr error
			candidates, rejected, gerr = generator.Generate(ctx, preq, closure)
			if errors.Is(gerr, patch.ErrNoCandidates) {
				// An empty round is a real answer, not a transient fault.
				return nil
			}
			return gerr
		})
		allRejected = append(allRejected, rejected...)
		if err != nil {
			m.terminate(s, &Outcome{Status: StatusUnfixable, Reason: ReasonEnvironmentFailure,
				Detail: err.Error(), RepairableScope: closure.Files, Diagnosis: diagnosis,
				Candidates: reports, Rejected: allRejected})
			return
		}

		if len(candidates) == 0 {
			if files := outOfScopeOnly(rejected); len(files) > 0 {
				// Every proposal this round needed files the closure
				// excludes: the root cause lives outside the scope.
				diagnosis.RootCauseLocation = files[0]
				diagnosis.SuggestedFixes = append(diagnosis.SuggestedFixes,
					fmt.Sprintf("widen scope.allowed or relax scope.denied to include %s", strings.Join(files, ", ")))
				m.terminate(s, &Outcome{
					Status: StatusUnfixable, Reason: ReasonRootCauseOutOfScope,
					Detail: fmt.Sprintf("every proposed fix touched out-of-scope files: %s",
						strings.Join(files, ", ")),
					SuggestedAction: fmt.Sprintf("the root cause appears to live in %s, outside the repair scope; widen scope.allowed or relax scope.denied to include it",
						strings.Join(files, ", ")),
					RepairableScope: closure.Files, Diagnosis: diagnosis,
					Candidates: reports, Rejected: allRejected,
				})
				return
			}
			// Attempt consumed; move through Validating with nothing to
			// validate and try another round.
			m.advance(s, PhaseValidating, "no candidates")
			continue
		}

		if out := m.deadlineOutcome(ctx); out != nil {
			out.RepairableScope = closure.Files
			out.Diagnosis = diagnosis
			out.Candidates = reports
			m.terminate(s, out)
			return
		}

		m.advance(s, PhaseValidating, fmt.Sprintf("%d candidates", len(candidates)))

		for i := range candidates {
			cand := &candidates[i]
			var result *validate.Result
			err := m.retryEnv(ctx, "validate candidate", func() error {
				var verr error
				result, verr = validator.ValidateCandidate(ctx, h, cand, closure, entry, valCfg)
				return verr
			})
			if err != nil {
				m.terminate(s, &Outcome{Status: StatusUnfixable, Reason: ReasonEnvironmentFailure,
					Detail: err.Error(), RepairableScope: closure.Files, Diagnosis: diagnosis,
					Candidates: reports, Rejected: allRejected})
				return
			}
			reports = append(reports, CandidateReport{Candidate: *cand, Validation: result})

			if result.Verdict != validate.VerdictPass {
				continue
			}

			if cfg.HumanInTheLoop {
				// Hold the fix for approval; restore the overlay so the
				// workspace carries no unapproved edits.
				if err := m.ctrl.Reset(ctx, h); err != nil {
					m.logger.Warn("overlay reset after held candidate failed",
						slog.String("session_id", s.ID), slog.String("error", err.Error()))
				}
				m.terminate(s, &Outcome{
					Status: StatusCandidates, RepairableScope: closure.Files,
					Diagnosis: diagnosis, Candidates: reports, Rejected: allRejected,
				})
				return
			}

			m.terminate(s, &Outcome{
				Status: StatusFixed, Diff: cand.DiffSet,
				FixedFiles: m.patchedContents(h, cand), Validation: result,
				RepairableScope: closure.Files, Diagnosis: diagnosis,
				Candidates: reports, Rejected: allRejected,
			})
			return
		}
		// Every candidate failed; the overlay is already reset.
	}
}

// advance moves the session forward and publishes the event. Illegal
// transitions are programming errors and panic in tests via the log.
func (m *Manager) advance(s *Session, to Phase, detail string) {
	if err := s.transition(to); err != nil {
		m.logger.Error("phase transition rejected",
			slog.String("session_id", s.ID), slog.String("error", err.Error()))
		return
	}
	m.events.Publish(PhaseEvent{
		SessionID: s.ID, Phase: to, Attempt: s.Attempts(),
		Detail: detail, At: time.Now().UTC(),
	})
}

// terminate records the outcome, transitioning to the matching terminal
// phase and writing the audit record.
func (m *Manager) terminate(s *Session, out *Outcome) {
	var phase Phase
	switch out.Status {
	case StatusFixed:
		phase = PhaseFixed
	case StatusCandidates:
		phase = PhaseCandidates
	default:
		phase = PhaseUnfixable
	}
	m.advance(s, phase, string(out.Reason))
	s.finish(out)

	if m.audit != nil {
		rec := &AuditRecord{
			SessionID:   s.ID,
			ProjectRoot: s.ProjectRoot,
			EntryPoint:  s.EntryPoint,
			CreatedAt:   s.CreatedAt,
			FinishedAt:  time.Now().UTC(),
			Outcome:     out,
		}
		if err := m.audit.Put(rec); err != nil {
			m.logger.Error("audit write failed",
				slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
	}
}

// deadlineOutcome returns an unfixable outcome when the session context
// has expired, nil otherwise. Checked at phase boundaries only.
func (m *Manager) deadlineOutcome(ctx context.Context) *Outcome {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &Outcome{Status: StatusUnfixable, Reason: ReasonTimeout, Detail: "session deadline exceeded"}
	case ctx.Err() != nil:
		return &Outcome{Status: StatusUnfixable, Reason: ReasonCanceled, Detail: "session canceled"}
	}
	return nil
}

// envRetryLimit bounds retries of transient environment failures before
// a session surfaces them as unfixable.
const envRetryLimit = 2

// retryEnv runs op, retrying transient environment failures with a
// short growing backoff. The last error is returned when every try
// fails or the context ends.
func (m *Manager) retryEnv(ctx context.Context, what string, op func() error) error {
	var err error
	for try := 0; ; try++ {
		if err = op(); err == nil {
			return nil
		}
		if try >= envRetryLimit {
			return err
		}
		m.logger.Warn("environment failure, retrying",
			slog.String("op", what),
			slog.Int("try", try+1),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(try+1) * 200 * time.Millisecond):
		}
	}
}

// inferEntry recovers an entry point from the request's failing output,
// mapping absolute paths back under the project root.
func inferEntry(req *Request) string {
	entry := analyze.InferEntry(req.FailingOutput)
	if entry == "" {
		return ""
	}
	if filepath.IsAbs(entry) {
		rel, err := filepath.Rel(req.ProjectRoot, entry)
		if err != nil || strings.HasPrefix(rel, "..") {
			return ""
		}
		entry = rel
	}
	return entry
}

// outOfScopeOnly returns the deduplicated out-of-scope paths when every
// rejection in a round was a scope violation, nil otherwise.
func outOfScopeOnly(rejected []patch.Rejected) []string {
	if len(rejected) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var files []string
	for _, r := range rejected {
		if r.Reason != "scope_violation" {
			return nil
		}
		for _, f := range r.Violations {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}
	return files
}

// patchedContents reads the accepted candidate's touched files from the
// overlay before it is released.
func (m *Manager) patchedContents(h *workspace.Handle, cand *patch.Candidate) map[string]string {
	files := make(map[string]string, len(cand.FilesTouched))
	for _, rel := range cand.FilesTouched {
		content, err := m.ctrl.ReadFile(h, rel)
		if err != nil {
			m.logger.Warn("patched file unreadable, omitted from outcome",
				slog.String("path", rel), slog.String("error", err.Error()))
			continue
		}
		files[rel] = string(content)
	}
	return files
}

// scopeContents reads every closure file from the overlay for the
// proposer prompt. Unreadable files are skipped; the proposer simply
// sees less context.
func (m *Manager) scopeContents(h *workspace.Handle, closure *scope.Closure) map[string]string {
	files := make(map[string]string, len(closure.Files))
	for _, rel := range closure.Files {
		content, err := m.ctrl.ReadFile(h, rel)
		if err != nil {
			m.logger.Warn("scope file unreadable, omitted from prompt",
				slog.String("path", rel), slog.String("error", err.Error()))
			continue
		}
		files[rel] = string(content)
	}
	return files
}

// buildDiagnosis summarizes what analysis concluded.
func buildDiagnosis(graph *analyze.CallGraph, req *Request, entry string) *Diagnosis {
	d := &Diagnosis{SuspectUnits: graph.Entry, ErrorTrace: req.FailingOutput}

	summary := fmt.Sprintf("defect entered at %s", entry)
	if req.Description != "" {
		summary = req.Description + " (" + summary + ")"
	}
	d.Summary = summary

	if len(graph.Entry) > 0 {
		if u, ok := graph.Node(graph.Entry[0]); ok {
			d.RootCauseLocation = u.File
		}
		if callees := graph.Callees(graph.Entry[0]); len(callees) > 0 {
			d.SuspectUnits = append(d.SuspectUnits, callees...)
			d.CallPath = graph.CallPath(callees[0])
		}
	}
	return d
}

// diagnosisPrompt renders the diagnosis, declared test cases, and prior
// failed attempts for the proposer, so retries do not repeat rejected
// fixes.
func diagnosisPrompt(d *Diagnosis, prior []CandidateReport, tests []validate.TestCase) string {
	prompt := d.Summary
	for _, tc := range tests {
		prompt += fmt.Sprintf("\nThe fix must satisfy: input %s produces %s", tc.Input, tc.Output)
	}
	for _, r := range prior {
		if r.Validation != nil && r.Validation.Verdict == validate.VerdictFail {
			prompt += fmt.Sprintf("\nPrevious attempt %q failed %s: %s",
				r.Candidate.Description, r.Validation.FailedCheck, r.Validation.Detail)
		}
	}
	return prompt
}

// validationConfig maps project settings onto the validator.
func validationConfig(cfg *config.Config, overlayRoot string) validate.Config {
	var checks []validate.Check
	for _, c := range cfg.Checks.Enabled {
		checks = append(checks, validate.Check(c))
	}
	return validate.Config{
		Checks:       checks,
		TypeCheckCmd: wrapRuntime(cfg, overlayRoot, cfg.Checks.TypeCheckCmd),
		TestCmd:      wrapRuntime(cfg, overlayRoot, cfg.Checks.TestCmd),
		Timeout:      cfg.CommandTimeout,
	}
}

// wrapRuntime wraps a check command in the configured container runtime.
// The container gets the overlay mounted read-write at /work and no
// network.
func wrapRuntime(cfg *config.Config, overlayRoot string, argv []string) []string {
	if len(argv) == 0 || cfg.Runtime == "none" {
		return argv
	}
	image := "python:3.12-slim"
	if cfg.Language == "go" {
		image = "golang:1.25"
	}
	wrapped := []string{cfg.Runtime, "run", "--rm", "--network=none",
		"-v", overlayRoot + ":/work", "-w", "/work", image}
	return append(wrapped, argv...)
}
