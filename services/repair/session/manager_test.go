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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sitka-systems/sitka/services/repair/patch"
	"github.com/sitka-systems/sitka/services/repair/workspace"
)

type scriptedProposer struct {
	rounds [][]patch.Proposal
	calls  int
}

func (p *scriptedProposer) Propose(_ context.Context, _ *patch.Request) ([]patch.Proposal, error) {
	if p.calls >= len(p.rounds) {
		return nil, nil
	}
	out := p.rounds[p.calls]
	p.calls++
	return out, nil
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func writeConfig(t *testing.T, root, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, ".sitka"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ".sitka", "repair.yaml"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func newManager(t *testing.T, proposer patch.Proposer) *Manager {
	t.Helper()
	reg, err := workspace.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	audit, err := OpenAuditStore("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { audit.Close() })

	return NewManager(reg, workspace.NewOverlayController(), proposer, audit)
}

const buggyUtil = "def add(a, b):\n    return a - b\n"

const signFix = `--- a/src/util.py
+++ b/src/util.py
@@ -1,2 +1,2 @@
 def add(a, b):
-    return a - b
+    return a + b
`

const brokenSyntaxFix = `--- a/src/util.py
+++ b/src/util.py
@@ -1,2 +1,2 @@
 def add(a, b):
-    return a - b
+    return a + (
`

func TestRunSimpleDefectGetsFixed(t *testing.T) {
	root := writeProject(t, map[string]string{"src/util.py": buggyUtil})
	writeConfig(t, root, "human_in_the_loop: false\n")
	m := newManager(t, &scriptedProposer{rounds: [][]patch.Proposal{
		{{Description: "fix the sign", Diff: signFix}},
	}})

	s, err := m.Run(context.Background(), &Request{
		ProjectRoot:   root,
		EntryPoint:    "src/util.py:add",
		FailingOutput: "assert add(2, 2) == 4 failed: got 0",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if s.Phase() != PhaseFixed {
		t.Fatalf("Phase = %v, outcome = %+v", s.Phase(), s.Outcome())
	}
	out := s.Outcome()
	if out.Status != StatusFixed {
		t.Errorf("Status = %v", out.Status)
	}
	if !strings.Contains(out.Diff, "return a + b") {
		t.Errorf("Diff = %q", out.Diff)
	}
	if !strings.Contains(out.FixedFiles["src/util.py"], "return a + b") {
		t.Errorf("FixedFiles = %+v, want patched src/util.py content", out.FixedFiles)
	}
	if out.Validation == nil || out.Validation.Verdict != "pass" {
		t.Errorf("Validation = %+v, want the passing result", out.Validation)
	}
	if len(out.RepairableScope) == 0 {
		t.Error("RepairableScope missing from fixed outcome")
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}

	// The read-only base is untouched even after a fix.
	base, err := os.ReadFile(filepath.Join(root, "src", "util.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(base) != buggyUtil {
		t.Error("base tree modified by a fixed session")
	}
}

func TestRunEntryUnresolved(t *testing.T) {
	root := writeProject(t, map[string]string{"src/util.py": buggyUtil})
	m := newManager(t, &scriptedProposer{})

	s, err := m.Run(context.Background(), &Request{
		ProjectRoot: root,
		EntryPoint:  "src/util.py:no_such_function",
	})
	if err != nil {
		t.Fatal(err)
	}
	out := s.Outcome()
	if out.Status != StatusUnfixable || out.Reason != ReasonEntryUnresolved {
		t.Errorf("outcome = %+v", out)
	}
	if s.Attempts() != 0 {
		t.Errorf("Attempts = %d, want 0 before Patching", s.Attempts())
	}
}

func TestRunScopeEmpty(t *testing.T) {
	root := writeProject(t, map[string]string{"src/util.py": buggyUtil})
	writeConfig(t, root, "scope:\n  denied:\n    - src/\n")
	m := newManager(t, &scriptedProposer{})

	s, err := m.Run(context.Background(), &Request{
		ProjectRoot: root,
		EntryPoint:  "src/util.py:add",
	})
	if err != nil {
		t.Fatal(err)
	}
	out := s.Outcome()
	if out.Status != StatusUnfixable || out.Reason != ReasonScopeEmpty {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRunAttemptsExhausted(t *testing.T) {
	root := writeProject(t, map[string]string{"src/util.py": buggyUtil})
	writeConfig(t, root, "max_patch_attempts: 2\n")

	m := newManager(t, &scriptedProposer{rounds: [][]patch.Proposal{
		{{Description: "broken attempt 1", Diff: brokenSyntaxFix}},
		{{Description: "broken attempt 2", Diff: brokenSyntaxFix}},
	}})

	s, err := m.Run(context.Background(), &Request{
		ProjectRoot: root,
		EntryPoint:  "src/util.py:add",
	})
	if err != nil {
		t.Fatal(err)
	}
	out := s.Outcome()
	if out.Status != StatusUnfixable || out.Reason != ReasonAttemptsExhausted {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Attempts != 2 {
		t.Errorf("Attempts = %d, want the configured budget of 2", out.Attempts)
	}
	if len(out.Candidates) != 2 {
		t.Errorf("candidate reports = %d, want 2", len(out.Candidates))
	}
	for _, r := range out.Candidates {
		if r.Validation == nil || r.Validation.Verdict != "fail" {
			t.Errorf("report = %+v", r)
		}
	}
}

func TestRunOutOfScopeProposalsRejected(t *testing.T) {
	root := writeProject(t, map[string]string{
		"src/util.py": buggyUtil,
		"etc/conf.py": "LIMIT = 1\n",
	})
	writeConfig(t, root, "max_patch_attempts: 1\nscope:\n  allowed:\n    - src/\n")

	outOfScope := `--- a/etc/conf.py
+++ b/etc/conf.py
@@ -1,1 +1,1 @@
-LIMIT = 1
+LIMIT = 2
`
	m := newManager(t, &scriptedProposer{rounds: [][]patch.Proposal{
		{{Description: "tweak config instead", Diff: outOfScope}},
	}})

	s, err := m.Run(context.Background(), &Request{
		ProjectRoot: root,
		EntryPoint:  "src/util.py:add",
	})
	if err != nil {
		t.Fatal(err)
	}
	out := s.Outcome()
	if out.Status != StatusUnfixable || out.Reason != ReasonRootCauseOutOfScope {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Detail, "etc/conf.py") {
		t.Errorf("Detail = %q, want the out-of-scope file named", out.Detail)
	}
	if !strings.Contains(out.SuggestedAction, "etc/conf.py") {
		t.Errorf("SuggestedAction = %q, want the out-of-scope file named", out.SuggestedAction)
	}
	if out.Diagnosis == nil || len(out.Diagnosis.SuggestedFixes) == 0 {
		t.Errorf("Diagnosis = %+v, want suggested fixes", out.Diagnosis)
	}
	if len(out.Rejected) != 1 || out.Rejected[0].Reason != "scope_violation" {
		t.Errorf("Rejected = %+v", out.Rejected)
	}
}

func TestRunHumanInTheLoopHoldsFix(t *testing.T) {
	root := writeProject(t, map[string]string{"src/util.py": buggyUtil})
	writeConfig(t, root, "human_in_the_loop: true\n")

	m := newManager(t, &scriptedProposer{rounds: [][]patch.Proposal{
		{{Description: "fix the sign", Diff: signFix}},
	}})

	s, err := m.Run(context.Background(), &Request{
		ProjectRoot: root,
		EntryPoint:  "src/util.py:add",
	})
	if err != nil {
		t.Fatal(err)
	}
	out := s.Outcome()
	if out.Status != StatusCandidates {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Diff != "" {
		t.Error("held fix must not be auto-applied")
	}
	if len(out.Candidates) != 1 || out.Candidates[0].Validation.Verdict != "pass" {
		t.Errorf("Candidates = %+v", out.Candidates)
	}
}

func TestRunHoldsFixForApprovalByDefault(t *testing.T) {
	root := writeProject(t, map[string]string{"src/util.py": buggyUtil})

	m := newManager(t, &scriptedProposer{rounds: [][]patch.Proposal{
		{{Description: "fix the sign", Diff: signFix}},
	}})

	// No config file and no request override: the safe default applies.
	s, err := m.Run(context.Background(), &Request{
		ProjectRoot: root,
		EntryPoint:  "src/util.py:add",
	})
	if err != nil {
		t.Fatal(err)
	}
	out := s.Outcome()
	if out.Status != StatusCandidates {
		t.Fatalf("outcome = %+v, want candidates without explicit approval opt-out", out)
	}
}

func TestRunRequestOverridesHumanInTheLoop(t *testing.T) {
	root := writeProject(t, map[string]string{"src/util.py": buggyUtil})

	m := newManager(t, &scriptedProposer{rounds: [][]patch.Proposal{
		{{Description: "fix the sign", Diff: signFix}},
	}})

	hil := false
	s, err := m.Run(context.Background(), &Request{
		ProjectRoot:    root,
		EntryPoint:     "src/util.py:add",
		HumanInTheLoop: &hil,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out := s.Outcome(); out.Status != StatusFixed {
		t.Fatalf("outcome = %+v, want fixed with approval waived per request", out)
	}
}

// flakyProposer fails a fixed number of calls before delegating.
type flakyProposer struct {
	failures int
	inner    patch.Proposer
}

func (p *flakyProposer) Propose(ctx context.Context, req *patch.Request) ([]patch.Proposal, error) {
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("proposer backend unavailable")
	}
	return p.inner.Propose(ctx, req)
}

func TestRunRetriesTransientProposerFailure(t *testing.T) {
	root := writeProject(t, map[string]string{"src/util.py": buggyUtil})
	writeConfig(t, root, "human_in_the_loop: false\n")

	m := newManager(t, &flakyProposer{
		failures: 2,
		inner: &scriptedProposer{rounds: [][]patch.Proposal{
			{{Description: "fix the sign", Diff: signFix}},
		}},
	})

	s, err := m.Run(context.Background(), &Request{
		ProjectRoot: root,
		EntryPoint:  "src/util.py:add",
	})
	if err != nil {
		t.Fatal(err)
	}
	out := s.Outcome()
	if out.Status != StatusFixed {
		t.Fatalf("outcome = %+v, want fixed after transient failures", out)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want retries not to consume the budget", out.Attempts)
	}
}

func TestRunSurfacesPersistentProposerFailure(t *testing.T) {
	root := writeProject(t, map[string]string{"src/util.py": buggyUtil})

	m := newManager(t, &flakyProposer{failures: 100, inner: &scriptedProposer{}})

	s, err := m.Run(context.Background(), &Request{
		ProjectRoot: root,
		EntryPoint:  "src/util.py:add",
	})
	if err != nil {
		t.Fatal(err)
	}
	out := s.Outcome()
	if out.Status != StatusUnfixable || out.Reason != ReasonEnvironmentFailure {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRunInfersEntryFromTraceback(t *testing.T) {
	root := writeProject(t, map[string]string{"src/util.py": buggyUtil})
	writeConfig(t, root, "human_in_the_loop: false\n")

	m := newManager(t, &scriptedProposer{rounds: [][]patch.Proposal{
		{{Description: "fix the sign", Diff: signFix}},
	}})

	s, err := m.Run(context.Background(), &Request{
		ProjectRoot: root,
		FailingOutput: "Traceback (most recent call last):\n" +
			"  File \"main.py\", line 3, in <module>\n" +
			"  File \"src/util.py\", line 2, in add\n" +
			"AssertionError\n",
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.EntryPoint != "src/util.py:add" {
		t.Fatalf("EntryPoint = %q, want inferred src/util.py:add", s.EntryPoint)
	}
	if out := s.Outcome(); out.Status != StatusFixed {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRunWithoutEntryOrUsableOutput(t *testing.T) {
	root := writeProject(t, map[string]string{"src/util.py": buggyUtil})
	m := newManager(t, &scriptedProposer{})

	s, err := m.Run(context.Background(), &Request{
		ProjectRoot:   root,
		FailingOutput: "something is wrong",
	})
	if err != nil {
		t.Fatal(err)
	}
	out := s.Outcome()
	if out.Status != StatusUnfixable || out.Reason != ReasonEntryUnresolved {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRunRejectsBusyProject(t *testing.T) {
	root := writeProject(t, map[string]string{"src/util.py": buggyUtil})
	m := newManager(t, &scriptedProposer{})

	project, err := m.registry.Register(root, "python")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.registry.Claim(context.Background(), project, "other-session"); err != nil {
		t.Fatal(err)
	}
	defer m.registry.Free(project, "other-session")

	_, err = m.Run(context.Background(), &Request{
		ProjectRoot: root,
		EntryPoint:  "src/util.py:add",
	})
	if !errors.Is(err, workspace.ErrProjectBusy) {
		t.Fatalf("Run() error = %v, want ErrProjectBusy", err)
	}
}

func TestRunWritesAuditRecord(t *testing.T) {
	root := writeProject(t, map[string]string{"src/util.py": buggyUtil})
	writeConfig(t, root, "human_in_the_loop: false\n")
	m := newManager(t, &scriptedProposer{rounds: [][]patch.Proposal{
		{{Description: "fix the sign", Diff: signFix}},
	}})

	s, err := m.Run(context.Background(), &Request{
		ProjectRoot: root,
		EntryPoint:  "src/util.py:add",
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, err := m.Audit().Get(s.ID)
	if err != nil {
		t.Fatalf("audit Get() error = %v", err)
	}
	if rec.Outcome == nil || rec.Outcome.Status != StatusFixed {
		t.Errorf("audit record = %+v", rec)
	}

	if _, err := m.Audit().Get("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("missing record error = %v", err)
	}
}

func TestRunPublishesPhaseEvents(t *testing.T) {
	root := writeProject(t, map[string]string{"src/util.py": buggyUtil})
	writeConfig(t, root, "human_in_the_loop: false\n")
	m := newManager(t, &scriptedProposer{rounds: [][]patch.Proposal{
		{{Description: "fix the sign", Diff: signFix}},
	}})

	events, cancel := m.Events().Subscribe()
	defer cancel()

	if _, err := m.Run(context.Background(), &Request{
		ProjectRoot: root,
		EntryPoint:  "src/util.py:add",
	}); err != nil {
		t.Fatal(err)
	}

	var phases []Phase
	for len(events) > 0 {
		phases = append(phases, (<-events).Phase)
	}
	want := []Phase{PhaseAnalyzing, PhasePlanning, PhasePatching, PhaseValidating, PhaseFixed}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", phases, want)
		}
	}
}

func TestPhaseTransitions(t *testing.T) {
	s := NewSession("s1", "/p", "e")
	if s.Phase() != PhaseCreated {
		t.Fatal("new session not in created phase")
	}

	if err := s.transition(PhaseValidating); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("created->validating error = %v", err)
	}
	for _, p := range []Phase{PhaseAnalyzing, PhasePlanning, PhasePatching, PhaseValidating, PhasePatching, PhaseValidating, PhaseFixed} {
		if err := s.transition(p); err != nil {
			t.Fatalf("transition to %v: %v", p, err)
		}
	}
	if err := s.transition(PhasePatching); err == nil {
		t.Error("transition out of terminal phase allowed")
	}
	if !s.Phase().Terminal() {
		t.Error("fixed phase should be terminal")
	}
}

func TestBroadcasterDropsSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 100; i++ {
		b.Publish(PhaseEvent{SessionID: "s", Phase: PhaseAnalyzing})
	}
	if len(ch) != cap(ch) {
		t.Errorf("channel holds %d, want full buffer %d", len(ch), cap(ch))
	}
}

func TestManagerGet(t *testing.T) {
	m := newManager(t, &scriptedProposer{})
	if _, err := m.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() error = %v", err)
	}
}
