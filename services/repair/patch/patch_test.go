// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patch

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/sitka-systems/sitka/services/repair/scope"
)

const simpleDiff = `--- a/src/util.py
+++ b/src/util.py
@@ -1,3 +1,3 @@
 def add(a, b):
-    return a - b
+    return a + b

`

func inScopeClosure(t *testing.T, files ...string) *scope.Closure {
	t.Helper()
	c, err := scope.NewResolver(nil).Resolve(context.Background(), "test", files, scope.Rules{})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

type staticProposer struct {
	proposals []Proposal
	err       error
}

func (s *staticProposer) Propose(_ context.Context, _ *Request) ([]Proposal, error) {
	return s.proposals, s.err
}

func TestApplyFileDiff(t *testing.T) {
	fileDiffs, err := ParseDiffSet(simpleDiff)
	if err != nil {
		t.Fatalf("ParseDiffSet() error = %v", err)
	}
	if len(fileDiffs) != 1 {
		t.Fatalf("got %d file diffs", len(fileDiffs))
	}

	original := []byte("def add(a, b):\n    return a - b\n")
	patched, err := ApplyFileDiff(original, fileDiffs[0])
	if err != nil {
		t.Fatalf("ApplyFileDiff() error = %v", err)
	}
	if !strings.Contains(string(patched), "return a + b") {
		t.Errorf("patched content = %q", patched)
	}
	if strings.Contains(string(patched), "return a - b") {
		t.Errorf("removed line survived: %q", patched)
	}
}

func TestApplyFileDiffCreation(t *testing.T) {
	creation := `--- /dev/null
+++ b/src/new.py
@@ -0,0 +1,2 @@
+def fresh():
+    return 1
`
	fileDiffs, err := ParseDiffSet(creation)
	if err != nil {
		t.Fatal(err)
	}
	if !IsCreation(fileDiffs[0]) {
		t.Error("IsCreation() = false for /dev/null origin")
	}
	content, err := ApplyFileDiff(nil, fileDiffs[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "def fresh():\n    return 1\n" {
		t.Errorf("created content = %q", content)
	}
}

func TestApplyFileDiffOutOfBounds(t *testing.T) {
	badHunk := `--- a/a.py
+++ b/a.py
@@ -50,2 +50,2 @@
 context
-old
+new
`
	fileDiffs, err := ParseDiffSet(badHunk)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ApplyFileDiff([]byte("one\ntwo\n"), fileDiffs[0]); err == nil {
		t.Fatal("expected out-of-bounds hunk error")
	}
}

func TestDiffPathStripsPrefixes(t *testing.T) {
	fileDiffs, err := ParseDiffSet(simpleDiff)
	if err != nil {
		t.Fatal(err)
	}
	if got := DiffPath(fileDiffs[0]); got != "src/util.py" {
		t.Errorf("DiffPath() = %q, want src/util.py", got)
	}
}

func TestAssessRiskLow(t *testing.T) {
	fileDiffs, _ := ParseDiffSet(`--- a/src/util.py
+++ b/src/util.py
@@ -1,2 +1,2 @@
 def _helper(x):
-    return x - 1
+    return x + 1
`)
	a := AssessRisk(fileDiffs)
	if a.Risk != RiskLow {
		t.Errorf("Risk = %v, want low: %+v", a.Risk, a)
	}
}

func TestAssessRiskNewImportIsHigh(t *testing.T) {
	fileDiffs, _ := ParseDiffSet(`--- a/src/util.py
+++ b/src/util.py
@@ -1,2 +1,3 @@
+import json
 def _helper(x):
     return x
`)
	a := AssessRisk(fileDiffs)
	if a.Risk != RiskHigh {
		t.Errorf("Risk = %v, want high", a.Risk)
	}
	if len(a.NewImports) != 1 {
		t.Errorf("NewImports = %v", a.NewImports)
	}
}

func TestAssessRiskMovedImportNotNew(t *testing.T) {
	fileDiffs, _ := ParseDiffSet(`--- a/src/util.py
+++ b/src/util.py
@@ -1,3 +1,3 @@
-import json
+import json
 def _helper(x):
     return x
`)
	a := AssessRisk(fileDiffs)
	if len(a.NewImports) != 0 {
		t.Errorf("moved import counted as new: %v", a.NewImports)
	}
}

func TestAssessRiskSignatureChange(t *testing.T) {
	fileDiffs, _ := ParseDiffSet(`--- a/src/api.py
+++ b/src/api.py
@@ -1,2 +1,2 @@
-def handle(req):
+def handle(req, opts):
     return req
`)
	a := AssessRisk(fileDiffs)
	if a.Risk != RiskHigh {
		t.Errorf("Risk = %v, want high for signature change", a.Risk)
	}
	if !reflect.DeepEqual(a.SignatureChanges, []string{"handle"}) {
		t.Errorf("SignatureChanges = %v", a.SignatureChanges)
	}
}

func TestAssessRiskManifestIsHigh(t *testing.T) {
	fileDiffs, _ := ParseDiffSet(`--- a/go.mod
+++ b/go.mod
@@ -3,2 +3,3 @@
 require (
+	github.com/pkg/errors v0.9.1
 )
`)
	a := AssessRisk(fileDiffs)
	if a.Risk != RiskHigh {
		t.Errorf("Risk = %v, want high for go.mod edit", a.Risk)
	}
}

func TestAssessRiskMultiFileIsMedium(t *testing.T) {
	fileDiffs, _ := ParseDiffSet(`--- a/a.py
+++ b/a.py
@@ -1,2 +1,2 @@
 def _a():
-    return 1
+    return 2
--- a/b.py
+++ b/b.py
@@ -1,2 +1,2 @@
 def _b():
-    return 1
+    return 2
`)
	a := AssessRisk(fileDiffs)
	if a.Risk != RiskMedium {
		t.Errorf("Risk = %v, want medium for multi-file diff", a.Risk)
	}
}

func TestGenerateScreensScope(t *testing.T) {
	outOfScope := `--- a/etc/deploy.yaml
+++ b/etc/deploy.yaml
@@ -1,1 +1,1 @@
-replicas: 1
+replicas: 2
`
	gen := NewGenerator(&staticProposer{proposals: []Proposal{
		{Description: "fix add", Diff: simpleDiff},
		{Description: "scale up", Diff: outOfScope},
	}}, GeneratorConfig{AllowNewImports: true}, nil)

	closure := inScopeClosure(t, "src/util.py")
	candidates, rejected, err := gen.Generate(context.Background(), &Request{}, closure)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(candidates))
	}
	if candidates[0].ID != "cand-001" {
		t.Errorf("ID = %q", candidates[0].ID)
	}
	if !reflect.DeepEqual(candidates[0].FilesTouched, []string{"src/util.py"}) {
		t.Errorf("FilesTouched = %v", candidates[0].FilesTouched)
	}

	if len(rejected) != 1 || rejected[0].Reason != "scope_violation" {
		t.Fatalf("rejected = %+v", rejected)
	}
	if !reflect.DeepEqual(rejected[0].Violations, []string{"etc/deploy.yaml"}) {
		t.Errorf("Violations = %v", rejected[0].Violations)
	}
}

func TestGenerateRejectsNewImportsWhenDisallowed(t *testing.T) {
	withImport := `--- a/src/util.py
+++ b/src/util.py
@@ -1,2 +1,3 @@
+import os
 def _helper(x):
     return x
`
	gen := NewGenerator(&staticProposer{proposals: []Proposal{
		{Description: "use os", Diff: withImport},
	}}, GeneratorConfig{AllowNewImports: false}, nil)

	_, rejected, err := gen.Generate(context.Background(), &Request{}, inScopeClosure(t, "src/util.py"))
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("Generate() error = %v, want ErrNoCandidates", err)
	}
	if len(rejected) != 1 || rejected[0].Reason != "new_imports_disallowed" {
		t.Errorf("rejected = %+v", rejected)
	}
}

func TestGenerateRejectsSignatureChangesWhenDisallowed(t *testing.T) {
	widened := `--- a/src/util.py
+++ b/src/util.py
@@ -1,2 +1,2 @@
-def add(a, b):
-    return a - b
+def add(a, b, c):
+    return a + b + c
`
	gen := NewGenerator(&staticProposer{proposals: []Proposal{
		{Description: "widen add", Diff: widened},
	}}, GeneratorConfig{AllowSignatureChanges: false}, nil)

	_, rejected, err := gen.Generate(context.Background(), &Request{}, inScopeClosure(t, "src/util.py"))
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("Generate() error = %v, want ErrNoCandidates", err)
	}
	if len(rejected) != 1 || rejected[0].Reason != "signature_change_disallowed" {
		t.Errorf("rejected = %+v", rejected)
	}

	allowed := NewGenerator(&staticProposer{proposals: []Proposal{
		{Description: "widen add", Diff: widened},
	}}, GeneratorConfig{AllowSignatureChanges: true}, nil)

	candidates, _, err := allowed.Generate(context.Background(), &Request{}, inScopeClosure(t, "src/util.py"))
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 || candidates[0].Risk != RiskHigh {
		t.Errorf("candidates = %+v", candidates)
	}
}

func TestGenerateMalformedDiff(t *testing.T) {
	gen := NewGenerator(&staticProposer{proposals: []Proposal{
		{Description: "garbage", Diff: "this is not a diff\n"},
	}}, GeneratorConfig{}, nil)

	_, rejected, err := gen.Generate(context.Background(), &Request{}, inScopeClosure(t, "src/util.py"))
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("error = %v, want ErrNoCandidates", err)
	}
	if len(rejected) != 1 || rejected[0].Reason != "malformed_diff" {
		t.Errorf("rejected = %+v", rejected)
	}
}

func TestGenerateCapsCandidates(t *testing.T) {
	props := make([]Proposal, 5)
	for i := range props {
		props[i] = Proposal{Description: "fix", Diff: simpleDiff}
	}
	gen := NewGenerator(&staticProposer{proposals: props}, GeneratorConfig{MaxCandidates: 2}, nil)

	candidates, _, err := gen.Generate(context.Background(), &Request{}, inScopeClosure(t, "src/util.py"))
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 2 {
		t.Errorf("got %d candidates, want 2", len(candidates))
	}
}

func TestParseProposals(t *testing.T) {
	response := "Here are two options.\n\n" +
		"DESCRIPTION: fix the sign\n```diff\n" + strings.TrimSpace(simpleDiff) + "\n```\n\n" +
		"DESCRIPTION: alternative\n```diff\n" + strings.TrimSpace(simpleDiff) + "\n```\n"

	proposals := ParseProposals(response)
	if len(proposals) != 2 {
		t.Fatalf("got %d proposals, want 2", len(proposals))
	}
	if proposals[0].Description != "fix the sign" {
		t.Errorf("Description = %q", proposals[0].Description)
	}
	if proposals[1].Description != "alternative" {
		t.Errorf("Description = %q", proposals[1].Description)
	}
	if _, err := ParseDiffSet(proposals[0].Diff); err != nil {
		t.Errorf("extracted diff does not parse: %v", err)
	}
}

func TestParseProposalsNoBlocks(t *testing.T) {
	if got := ParseProposals("I cannot fix this."); got != nil {
		t.Errorf("ParseProposals = %v, want nil", got)
	}
}
