// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package patch generates and screens repair candidates.
//
// A candidate is a set of unified diffs proposed by a pluggable fix
// proposer. The generator parses each proposal, rejects anything that
// touches files outside the session's scope closure before it ever
// reaches validation, and classifies the surviving candidates by risk.
package patch

import (
	"errors"
	"sort"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

var (
	// ErrNoCandidates is returned when the proposer yields nothing usable.
	ErrNoCandidates = errors.New("no patch candidates produced")

	// ErrMalformedDiff is returned for a proposal that does not parse as
	// a unified diff.
	ErrMalformedDiff = errors.New("malformed unified diff")
)

// Risk grades the blast radius of a candidate.
type Risk string

const (
	// RiskLow covers changes confined to unexported symbols in one file.
	RiskLow Risk = "low"

	// RiskMedium covers multi-file changes or edits near exported code.
	RiskMedium Risk = "medium"

	// RiskHigh covers signature changes, new imports, or dependency
	// manifest edits.
	RiskHigh Risk = "high"
)

// Candidate is one screened repair proposal.
type Candidate struct {
	// ID is stable within a session, "cand-001" onward in proposal order.
	ID string `json:"id"`

	// Description is the proposer's summary of the fix.
	Description string `json:"description"`

	// Risk is the classified blast radius.
	Risk Risk `json:"risk"`

	// DiffSet is the raw unified diff text covering all touched files.
	DiffSet string `json:"diff_set"`

	// FilesTouched holds the sorted project-relative paths the diff
	// modifies, creates, or deletes.
	FilesTouched []string `json:"files_touched"`

	fileDiffs []*diff.FileDiff
}

// FileDiffs returns the parsed per-file diffs.
func (c *Candidate) FileDiffs() []*diff.FileDiff {
	return c.fileDiffs
}

// NewCandidate builds a candidate directly from unified diff text,
// bypassing the proposer, for callers replaying a stored diff.
func NewCandidate(id, description, diffSet string) (*Candidate, error) {
	fileDiffs, err := ParseDiffSet(diffSet)
	if err != nil {
		return nil, err
	}
	touched := make([]string, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		touched = append(touched, DiffPath(fd))
	}
	sort.Strings(touched)
	return &Candidate{
		ID:           id,
		Description:  description,
		Risk:         AssessRisk(fileDiffs).Risk,
		DiffSet:      diffSet,
		FilesTouched: touched,
		fileDiffs:    fileDiffs,
	}, nil
}

// Rejected records a proposal discarded before validation.
type Rejected struct {
	// Description is the proposer's summary of the discarded fix.
	Description string `json:"description"`

	// Reason is a short machine-readable cause: "scope_violation",
	// "malformed_diff", "too_large", "new_imports_disallowed", or
	// "signature_change_disallowed".
	Reason string `json:"reason"`

	// Violations holds the out-of-scope paths for scope rejections.
	Violations []string `json:"violations,omitempty"`
}

// Proposal is one raw fix suggestion from a Proposer.
type Proposal struct {
	// Description summarizes the intended fix in one or two sentences.
	Description string

	// Diff is the unified diff text.
	Diff string
}

// DiffPath returns the project-relative path a file diff targets,
// stripping the a/ and b/ prefixes git-style diffs carry.
func DiffPath(fd *diff.FileDiff) string {
	path := fd.NewName
	if path == "" || path == "/dev/null" {
		path = fd.OrigName
	}
	path = strings.TrimPrefix(path, "a/")
	path = strings.TrimPrefix(path, "b/")
	return path
}

// IsDeletion reports whether the file diff removes its target file.
func IsDeletion(fd *diff.FileDiff) bool {
	return fd.NewName == "/dev/null"
}

// IsCreation reports whether the file diff creates a new file.
func IsCreation(fd *diff.FileDiff) bool {
	return fd.OrigName == "/dev/null"
}
