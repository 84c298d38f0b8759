// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/sitka-systems/sitka/services/repair/analyze"
	"github.com/sitka-systems/sitka/services/repair/patch"
	"github.com/sitka-systems/sitka/services/repair/scope"
	"github.com/sitka-systems/sitka/services/repair/workspace"
)

// Validator runs the staged pipeline for patch candidates.
//
// # Description
//
// ValidateCandidate applies the candidate to the session's overlay and
// runs the enabled stages in order, stopping at the first failure. On a
// failing verdict the overlay is reset to baseline so the next candidate
// starts clean; on a pass the patched overlay is left in place for the
// session to read the final diff from.
//
// # Thread Safety
//
// Safe for concurrent use across distinct handles. Calls sharing one
// handle must be serialized, which the per-project claim guarantees.
type Validator struct {
	ctrl     workspace.Controller
	runner   *Runner
	analyzer *analyze.Analyzer
	logger   *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(ctrl workspace.Controller, runner *Runner, analyzer *analyze.Analyzer, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{ctrl: ctrl, runner: runner, analyzer: analyzer, logger: logger}
}

// ValidateCandidate runs the full pipeline for one candidate.
//
// # Outputs
//
//   - *Result: The verdict with per-stage outcomes. Never nil on a nil
//     error.
//   - error: Environment failures only (ErrEnvironment wrapped); a
//     candidate that merely fails a check returns a fail verdict.
func (v *Validator) ValidateCandidate(ctx context.Context, h *workspace.Handle, cand *patch.Candidate, closure *scope.Closure, entryPoint string, cfg Config) (*Result, error) {
	start := time.Now()
	result := &Result{CandidateID: cand.ID, Verdict: VerdictFail}

	fail := func(check Check, detail string) (*Result, error) {
		result.FailedCheck = check
		result.Detail = detail
		result.Duration = time.Since(start)
		v.logger.Info("candidate rejected",
			slog.String("candidate_id", cand.ID),
			slog.String("failed_check", string(check)),
		)
		if err := v.ctrl.Reset(ctx, h); err != nil {
			return nil, fmt.Errorf("%w: resetting overlay: %v", ErrEnvironment, err)
		}
		return result, nil
	}

	if detail, err := v.applyCandidate(ctx, h, cand); err != nil {
		return nil, err
	} else if detail != "" {
		return fail(CheckSyntax, detail)
	}

	if cfg.enabled(CheckSyntax) {
		if detail, err := v.checkSyntax(ctx, h, cand); err != nil {
			return nil, err
		} else if detail != "" {
			return fail(CheckSyntax, detail)
		}
	}
	result.SyntaxOK = true

	if cfg.enabled(CheckTypes) && len(cfg.TypeCheckCmd) > 0 {
		run, err := v.runner.Run(ctx, h.OverlayRoot, cfg.TypeCheckCmd, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		if run.TimedOut {
			return fail(CheckTypes, "type check timed out")
		}
		if run.ExitCode != 0 {
			return fail(CheckTypes, firstLines(run.Stdout+run.Stderr, 20))
		}
	}
	result.TypeOK = true

	if cfg.enabled(CheckTests) && len(cfg.TestCmd) > 0 {
		run, err := v.runner.Run(ctx, h.OverlayRoot, cfg.TestCmd, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		passed, total := parseTestCounts(run.Stdout + "\n" + run.Stderr)
		result.TestsPassed = passed
		result.TestsTotal = total
		if run.TimedOut {
			return fail(CheckTests, "test run timed out")
		}
		if run.ExitCode != 0 {
			return fail(CheckTests, firstLines(run.Stdout+run.Stderr, 40))
		}
		if total > 0 && passed < total {
			return fail(CheckTests, fmt.Sprintf("%d of %d tests failed", total-passed, total))
		}
	}

	if cfg.enabled(CheckTests) && len(cfg.DerivedTests) > 0 {
		cmd, cmdErr := derivedTestCmd(entryPoint, cfg.DerivedTests)
		if cmdErr != nil {
			v.logger.Debug("declared test cases skipped",
				slog.String("candidate_id", cand.ID),
				slog.String("reason", cmdErr.Error()))
		} else {
			run, err := v.runner.Run(ctx, h.OverlayRoot, cmd, cfg.Timeout)
			if err != nil {
				return nil, err
			}
			passed, total := parseTestCounts(run.Stdout + "\n" + run.Stderr)
			result.TestsPassed += passed
			result.TestsTotal += total
			if run.TimedOut {
				return fail(CheckTests, "declared test cases timed out")
			}
			if run.ExitCode != 0 {
				return fail(CheckTests, firstLines(run.Stdout+run.Stderr, 20))
			}
		}
	}

	if cfg.enabled(CheckImpact) {
		if detail, err := v.checkImpact(ctx, h, cand, closure, entryPoint); err != nil {
			return nil, err
		} else if detail != "" {
			return fail(CheckImpact, detail)
		}
	}
	result.ImpactOK = true

	result.Verdict = VerdictPass
	result.FailedCheck = ""
	result.Duration = time.Since(start)
	v.logger.Info("candidate accepted",
		slog.String("candidate_id", cand.ID),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// applyCandidate writes the candidate's diffs into the overlay. Returns
// a non-empty detail string when the candidate itself is unappliable.
func (v *Validator) applyCandidate(ctx context.Context, h *workspace.Handle, cand *patch.Candidate) (string, error) {
	var changes []workspace.FileChange
	for _, fd := range cand.FileDiffs() {
		relPath := patch.DiffPath(fd)

		if patch.IsDeletion(fd) {
			changes = append(changes, workspace.FileChange{Path: relPath, Delete: true})
			continue
		}

		var original []byte
		if !patch.IsCreation(fd) {
			var err error
			original, err = v.ctrl.ReadFile(h, relPath)
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Sprintf("diff targets missing file %s", relPath), nil
				}
				return "", fmt.Errorf("%w: reading %s: %v", ErrEnvironment, relPath, err)
			}
		}

		patched, err := patch.ApplyFileDiff(original, fd)
		if err != nil {
			return fmt.Sprintf("hunk does not apply to %s: %v", relPath, err), nil
		}
		changes = append(changes, workspace.FileChange{Path: relPath, Content: patched})
	}

	if _, err := v.ctrl.Apply(ctx, h, changes); err != nil {
		return "", fmt.Errorf("%w: applying candidate to overlay: %v", ErrEnvironment, err)
	}
	return "", nil
}

// checkSyntax parses every touched, surviving file with tree-sitter.
func (v *Validator) checkSyntax(ctx context.Context, h *workspace.Handle, cand *patch.Candidate) (string, error) {
	for _, fd := range cand.FileDiffs() {
		if patch.IsDeletion(fd) {
			continue
		}
		relPath := patch.DiffPath(fd)

		var grammar *sitter.Language
		switch analyze.DetectLanguage(relPath) {
		case "go":
			grammar = golang.GetLanguage()
		case "python":
			grammar = python.GetLanguage()
		default:
			continue
		}

		content, err := v.ctrl.ReadFile(h, relPath)
		if err != nil {
			return "", fmt.Errorf("%w: reading patched %s: %v", ErrEnvironment, relPath, err)
		}

		parser := sitter.NewParser()
		parser.SetLanguage(grammar)
		tree, err := parser.ParseCtx(ctx, nil, content)
		parser.Close()
		if err != nil {
			return "", fmt.Errorf("%w: parsing %s: %v", ErrEnvironment, relPath, err)
		}

		errNode := firstErrorNode(tree.RootNode())
		if errNode != nil {
			line := int(errNode.StartPoint().Row) + 1
			tree.Close()
			return fmt.Sprintf("syntax error in %s at line %d", relPath, line), nil
		}
		tree.Close()
	}
	return "", nil
}

// firstErrorNode walks the parse tree and returns the first error or
// missing node, nil when the tree is clean.
func firstErrorNode(node *sitter.Node) *sitter.Node {
	if node == nil {
		return nil
	}
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		if found := firstErrorNode(node.Child(int(i))); found != nil {
			return found
		}
	}
	return nil
}

// checkImpact verifies that in-scope callers of a changed unit remain
// compatible with the patch. The check is restricted to callers within
// the scope closure: code beyond the closure is neither modified nor
// re-validated by the session, so callers outside it are skipped. A
// signature change whose in-scope callers were not updated by the same
// candidate fails here.
func (v *Validator) checkImpact(ctx context.Context, h *workspace.Handle, cand *patch.Candidate, closure *scope.Closure, entryPoint string) (string, error) {
	assessment := patch.AssessRisk(cand.FileDiffs())
	if len(assessment.SignatureChanges) == 0 {
		return "", nil
	}

	graph, err := v.analyzer.Build(ctx, h.OverlayRoot, entryPoint)
	if err != nil {
		// The overlay already passed syntax and tests; an analysis
		// failure here is environmental.
		return "", fmt.Errorf("%w: impact analysis: %v", ErrEnvironment, err)
	}

	touched := make(map[string]bool, len(cand.FilesTouched))
	for _, f := range cand.FilesTouched {
		touched[f] = true
	}

	var violations []string
	for _, file := range cand.FilesTouched {
		for _, name := range assessment.SignatureChanges {
			u, ok := graph.Node(analyze.UnitID(file, name))
			if !ok {
				continue
			}
			for _, callerID := range graph.Callers(u.ID) {
				caller, ok := graph.Node(callerID)
				if !ok || !closure.Contains(caller.File) {
					continue
				}
				if touched[caller.File] {
					// The candidate rewrote the caller too.
					continue
				}
				violations = append(violations,
					fmt.Sprintf("signature of %s changed but in-scope caller %s was not updated", u.ID, callerID))
			}
		}
	}
	if len(violations) > 0 {
		return strings.Join(violations, "; "), nil
	}
	return "", nil
}

var pyIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// derivedTestCmd builds a python3 invocation running declared test
// cases against the entry function. The script loads the entry file by
// path, calls the function per case, and prints counts in a shape
// parseTestCounts understands. Non-python or symbol-less entry points
// return an error and the stage falls back to the configured test
// command alone.
func derivedTestCmd(entryPoint string, cases []TestCase) ([]string, error) {
	file, symbol, ok := strings.Cut(entryPoint, ":")
	if !ok || !strings.HasSuffix(file, ".py") {
		return nil, fmt.Errorf("declared test cases need a python file:symbol entry point, got %q", entryPoint)
	}
	if !pyIdent.MatchString(symbol) {
		return nil, fmt.Errorf("entry symbol %q is not a plain identifier", symbol)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "import importlib.util\n")
	fmt.Fprintf(&b, "spec = importlib.util.spec_from_file_location('target', %q)\n", file)
	fmt.Fprintf(&b, "mod = importlib.util.module_from_spec(spec)\n")
	fmt.Fprintf(&b, "spec.loader.exec_module(mod)\n")
	fmt.Fprintf(&b, "cases = [\n")
	for _, tc := range cases {
		fmt.Fprintf(&b, "    (%q, %q),\n", tc.Input, tc.Output)
	}
	fmt.Fprintf(&b, "]\n")
	fmt.Fprintf(&b, "passed = failed = 0\n")
	fmt.Fprintf(&b, "for inp, want in cases:\n")
	fmt.Fprintf(&b, "    try:\n")
	fmt.Fprintf(&b, "        args = eval(inp)\n")
	fmt.Fprintf(&b, "        if not isinstance(args, tuple):\n")
	fmt.Fprintf(&b, "            args = (args,)\n")
	fmt.Fprintf(&b, "        ok = mod.%s(*args) == eval(want)\n", symbol)
	fmt.Fprintf(&b, "    except Exception as exc:\n")
	fmt.Fprintf(&b, "        print('case', inp, 'raised:', exc)\n")
	fmt.Fprintf(&b, "        ok = False\n")
	fmt.Fprintf(&b, "    passed += ok\n")
	fmt.Fprintf(&b, "    failed += not ok\n")
	fmt.Fprintf(&b, "print(passed, 'passed,', failed, 'failed')\n")
	fmt.Fprintf(&b, "raise SystemExit(1 if failed else 0)\n")
	return []string{"python3", "-c", b.String()}, nil
}

// Test summary shapes for pytest and go test output.
var (
	pytestPassed = regexp.MustCompile(`(\d+) passed`)
	pytestFailed = regexp.MustCompile(`(\d+) failed`)
	goTestFail   = regexp.MustCompile(`(?m)^--- FAIL`)
	goTestPass   = regexp.MustCompile(`(?m)^--- PASS`)
)

// parseTestCounts extracts pass and total counts from test runner
// output. Best effort: unrecognized formats return zeros and the exit
// code alone decides the stage.
func parseTestCounts(output string) (passed, total int) {
	if m := pytestPassed.FindStringSubmatch(output); m != nil {
		passed, _ = strconv.Atoi(m[1])
		total = passed
		if f := pytestFailed.FindStringSubmatch(output); f != nil {
			failed, _ := strconv.Atoi(f[1])
			total += failed
		}
		return passed, total
	}

	passCount := len(goTestPass.FindAllString(output, -1))
	failCount := len(goTestFail.FindAllString(output, -1))
	if passCount+failCount > 0 {
		return passCount, passCount + failCount
	}
	return 0, 0
}

// firstLines truncates multi-line command output for diagnostics.
func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
		lines = append(lines, "...")
	}
	return strings.Join(lines, "\n")
}
