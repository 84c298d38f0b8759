// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patch

import (
	"regexp"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
	"golang.org/x/mod/modfile"
)

// Declaration and import shapes recognized by the risk classifier. These
// are line-level heuristics; the validator's syntax and test stages catch
// what they miss.
var (
	goFuncDecl   = regexp.MustCompile(`^func\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	pyFuncDecl   = regexp.MustCompile(`^(\s*)def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	goImportLine = regexp.MustCompile(`^\s*(?:import\s+)?"[^"]+"`)
	pyImportLine = regexp.MustCompile(`^\s*(?:import\s+\S+|from\s+\S+\s+import\b)`)
)

// manifestFiles are dependency manifests; editing one is always high
// risk regardless of content.
var manifestFiles = map[string]bool{
	"go.mod":           true,
	"go.sum":           true,
	"requirements.txt": true,
	"pyproject.toml":   true,
	"setup.py":         true,
}

// Assessment is the risk classifier's verdict on one candidate.
type Assessment struct {
	Risk Risk

	// NewImports holds import paths or module names the diff introduces.
	NewImports []string

	// SignatureChanges holds names of functions whose declaration line
	// was rewritten.
	SignatureChanges []string

	// TouchesExported is set when any changed declaration is exported.
	TouchesExported bool
}

// AssessRisk classifies a parsed candidate diff set.
//
// High: dependency manifest edits, new imports, or exported-function
// signature changes. Medium: multi-file diffs or edits to exported
// declarations. Low: everything else.
func AssessRisk(fileDiffs []*diff.FileDiff) Assessment {
	var a Assessment

	for _, fd := range fileDiffs {
		path := DiffPath(fd)
		base := path[strings.LastIndex(path, "/")+1:]

		if manifestFiles[base] {
			a.Risk = RiskHigh
			if base == "go.mod" {
				a.NewImports = append(a.NewImports, goModAdditions(fd)...)
			}
			continue
		}

		added := AddedLines(fd)
		removed := RemovedLines(fd)

		a.NewImports = append(a.NewImports, newImports(path, added, removed)...)

		removedDecls := declNames(path, removed)
		addedDecls := declNames(path, added)
		for name, sig := range removedDecls {
			if newSig, ok := addedDecls[name]; ok && newSig != sig {
				a.SignatureChanges = append(a.SignatureChanges, name)
			}
			if isExportedName(path, name) {
				a.TouchesExported = true
			}
		}
		for name := range addedDecls {
			if isExportedName(path, name) {
				a.TouchesExported = true
			}
		}
	}

	switch {
	case a.Risk == RiskHigh || len(a.NewImports) > 0 || len(a.SignatureChanges) > 0:
		a.Risk = RiskHigh
	case len(fileDiffs) > 1 || a.TouchesExported:
		a.Risk = RiskMedium
	default:
		a.Risk = RiskLow
	}
	return a
}

// goModAdditions parses added require lines out of a go.mod diff.
func goModAdditions(fd *diff.FileDiff) []string {
	content := strings.Join(AddedLines(fd), "\n")
	// Wrap the fragment so modfile accepts it even when the diff carries
	// only require lines.
	if !strings.Contains(content, "module ") {
		content = "module scratch\n\nrequire (\n" + content + "\n)\n"
	}
	parsed, err := modfile.Parse("go.mod", []byte(content), nil)
	if err != nil {
		return []string{"go.mod edit (unparsed)"}
	}
	var mods []string
	for _, req := range parsed.Require {
		mods = append(mods, req.Mod.Path)
	}
	return mods
}

// newImports returns imports present in added lines but not removed
// lines, so moving an import does not count as introducing one.
func newImports(path string, added, removed []string) []string {
	var importRe *regexp.Regexp
	switch {
	case strings.HasSuffix(path, ".go"):
		importRe = goImportLine
	case strings.HasSuffix(path, ".py"):
		importRe = pyImportLine
	default:
		return nil
	}

	removedSet := make(map[string]bool)
	for _, line := range removed {
		if importRe.MatchString(line) {
			removedSet[strings.TrimSpace(line)] = true
		}
	}

	var out []string
	for _, line := range added {
		if importRe.MatchString(line) && !removedSet[strings.TrimSpace(line)] {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}

// declNames maps declared function names to their raw declaration line.
func declNames(path string, lines []string) map[string]string {
	out := make(map[string]string)
	for _, line := range lines {
		switch {
		case strings.HasSuffix(path, ".go"):
			if m := goFuncDecl.FindStringSubmatch(line); m != nil {
				out[m[1]] = strings.TrimSpace(line)
			}
		case strings.HasSuffix(path, ".py"):
			if m := pyFuncDecl.FindStringSubmatch(line); m != nil {
				out[m[2]] = strings.TrimSpace(line)
			}
		}
	}
	return out
}

// isExportedName applies per-language visibility conventions.
func isExportedName(path, name string) bool {
	if name == "" {
		return false
	}
	if strings.HasSuffix(path, ".go") {
		return name[0] >= 'A' && name[0] <= 'Z'
	}
	return !strings.HasPrefix(name, "_")
}
