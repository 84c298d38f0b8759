// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patch

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ParseDiffSet parses unified diff text into per-file diffs.
func ParseDiffSet(diffText string) ([]*diff.FileDiff, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(diffText)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDiff, err)
	}
	if len(fileDiffs) == 0 {
		return nil, fmt.Errorf("%w: no file diffs found", ErrMalformedDiff)
	}
	return fileDiffs, nil
}

// ApplyFileDiff applies one file diff to original content.
//
// # Description
//
// Hunks are applied in order against the original line positions.
// Deletions return nil content; creations ignore the original. Context
// lines are taken from the original rather than the hunk body, so a
// proposer that abbreviated context cannot corrupt untouched lines.
//
// # Outputs
//
//   - []byte: The patched content; nil when the diff deletes the file.
//   - error: Non-nil when a hunk falls outside the original bounds.
func ApplyFileDiff(original []byte, fd *diff.FileDiff) ([]byte, error) {
	if IsDeletion(fd) {
		return nil, nil
	}

	if IsCreation(fd) || len(original) == 0 {
		var lines []string
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
					lines = append(lines, strings.TrimPrefix(line, "+"))
				}
			}
		}
		return []byte(strings.Join(lines, "\n") + "\n"), nil
	}

	origLines := strings.Split(string(original), "\n")
	newLines := make([]string, 0, len(origLines))

	origIdx := 0
	for _, hunk := range fd.Hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		if hunkStart < origIdx || hunkStart > len(origLines) {
			return nil, fmt.Errorf("hunk at line %d out of bounds (file has %d lines)",
				hunk.OrigStartLine, len(origLines))
		}
		for origIdx < hunkStart {
			newLines = append(newLines, origLines[origIdx])
			origIdx++
		}

		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				newLines = append(newLines, strings.TrimPrefix(line, "+"))
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				if origIdx >= len(origLines) {
					return nil, fmt.Errorf("hunk at line %d removes past end of file", hunk.OrigStartLine)
				}
				origIdx++
			case strings.HasPrefix(line, " ") || line == "":
				if origIdx < len(origLines) {
					newLines = append(newLines, origLines[origIdx])
					origIdx++
				}
			}
		}
	}

	for origIdx < len(origLines) {
		newLines = append(newLines, origLines[origIdx])
		origIdx++
	}

	return []byte(strings.Join(newLines, "\n")), nil
}

// AddedLines extracts the added lines of a file diff, one string per
// line, without the leading "+".
func AddedLines(fd *diff.FileDiff) []string {
	var out []string
	for _, hunk := range fd.Hunks {
		for _, line := range strings.Split(string(hunk.Body), "\n") {
			if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
				out = append(out, strings.TrimPrefix(line, "+"))
			}
		}
	}
	return out
}

// RemovedLines extracts the removed lines of a file diff without the
// leading "-".
func RemovedLines(fd *diff.FileDiff) []string {
	var out []string
	for _, hunk := range fd.Hunks {
		for _, line := range strings.Split(string(hunk.Body), "\n") {
			if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
				out = append(out, strings.TrimPrefix(line, "-"))
			}
		}
	}
	return out
}
