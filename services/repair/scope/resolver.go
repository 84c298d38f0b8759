// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scope computes the repairable closure: the exact set of files
// a session's patches may touch.
//
// The closure is (reachable ∪ inferred) ∩ allowed, minus denied. It is
// computed once per session and never widened afterward; every patch
// candidate is checked against it before validation.
package scope

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ErrScopeEmpty is returned when the closure contains no files, meaning
// the defect cannot be repaired within the configured boundaries.
var ErrScopeEmpty = errors.New("repairable scope is empty")

// Origin records why a file entered the closure.
type Origin string

const (
	// OriginReachable marks files found by call-graph traversal.
	OriginReachable Origin = "reachable"

	// OriginInferred marks files added by a scope inference capability,
	// such as a config file the entry point reads at runtime.
	OriginInferred Origin = "inferred"
)

// Closure is the immutable resolved scope for one session.
type Closure struct {
	// Files holds the sorted project-relative paths patches may touch.
	Files []string

	// origins maps each included file to how it qualified.
	origins map[string]Origin
}

// Contains reports whether relPath is inside the closure.
func (c *Closure) Contains(relPath string) bool {
	_, ok := c.origins[filepath.ToSlash(relPath)]
	return ok
}

// OriginOf returns the provenance of an included file.
func (c *Closure) OriginOf(relPath string) (Origin, bool) {
	o, ok := c.origins[filepath.ToSlash(relPath)]
	return o, ok
}

// Violations returns the sorted subset of paths outside the closure.
func (c *Closure) Violations(paths []string) []string {
	var out []string
	for _, p := range paths {
		if !c.Contains(p) {
			out = append(out, filepath.ToSlash(p))
		}
	}
	sort.Strings(out)
	return out
}

// Inferrer widens the reachable set with files static call analysis
// cannot see, such as templates or data files the defect path loads.
//
// Implementations must be additive only: they propose candidate files,
// and the resolver still applies the allow and deny rules to them.
type Inferrer interface {
	InferScope(ctx context.Context, entryPoint string, reachable []string) ([]string, error)
}

// Rules are the operator-configured scope boundaries.
type Rules struct {
	// Allowed holds path patterns that may be patched. Empty means every
	// project file is allowed.
	Allowed []string

	// Denied holds path patterns that must never be patched. A denial
	// always wins over any allow.
	Denied []string
}

// Resolver computes closures. The zero value resolves with no inference.
type Resolver struct {
	inferrer Inferrer
}

// NewResolver creates a Resolver. inferrer may be nil.
func NewResolver(inferrer Inferrer) *Resolver {
	return &Resolver{inferrer: inferrer}
}

// Resolve computes the closure for one session.
//
// # Inputs
//
//   - ctx: Bounds the optional inference call.
//   - entryPoint: The session's defect entry point, passed to the
//     inferrer for context.
//   - reachable: Project-relative files from call-graph traversal.
//   - rules: Allow and deny boundaries.
//
// # Outputs
//
//   - *Closure: The resolved scope. Never nil on success.
//   - error: ErrScopeEmpty when nothing qualifies, or an inferrer error.
func (r *Resolver) Resolve(ctx context.Context, entryPoint string, reachable []string, rules Rules) (*Closure, error) {
	origins := make(map[string]Origin)
	for _, f := range reachable {
		origins[filepath.ToSlash(f)] = OriginReachable
	}

	if r.inferrer != nil {
		inferred, err := r.inferrer.InferScope(ctx, entryPoint, sortedKeys(origins))
		if err != nil {
			return nil, fmt.Errorf("scope inference: %w", err)
		}
		for _, f := range inferred {
			f = filepath.ToSlash(f)
			if _, ok := origins[f]; !ok {
				origins[f] = OriginInferred
			}
		}
	}

	for f := range origins {
		if !allowed(f, rules.Allowed) || denied(f, rules.Denied) {
			delete(origins, f)
		}
	}

	if len(origins) == 0 {
		return nil, fmt.Errorf("%w: entry %q after applying boundaries", ErrScopeEmpty, entryPoint)
	}

	return &Closure{
		Files:   sortedKeys(origins),
		origins: origins,
	}, nil
}

// allowed reports whether path matches the allow rules. An empty rule
// set allows everything.
func allowed(path string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if matchPattern(p, path) {
			return true
		}
	}
	return false
}

// denied reports whether path matches any deny rule.
func denied(path string, patterns []string) bool {
	for _, p := range patterns {
		if matchPattern(p, path) {
			return true
		}
	}
	return false
}

// matchPattern matches a project-relative path against one rule.
//
// Rules are either a directory prefix ("src/", matching everything
// beneath it), an exact path, or a glob applied to the full slash path
// and to the basename ("*.sql" denies SQL files anywhere).
func matchPattern(pattern, path string) bool {
	pattern = filepath.ToSlash(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}

	if dir, ok := strings.CutSuffix(pattern, "/"); ok {
		return path == dir || strings.HasPrefix(path, dir+"/")
	}
	if pattern == path {
		return true
	}
	if strings.HasPrefix(path, pattern+"/") {
		return true
	}
	if ok, err := filepath.Match(pattern, path); err == nil && ok {
		return true
	}
	if ok, err := filepath.Match(pattern, filepath.Base(path)); err == nil && ok {
		return true
	}
	return false
}

func sortedKeys(m map[string]Origin) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
