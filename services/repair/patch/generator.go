// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/sitka-systems/sitka/services/repair/scope"
)

// GeneratorConfig bounds what the generator accepts.
type GeneratorConfig struct {
	// MaxCandidates caps candidates per generation round. Default 3.
	MaxCandidates int

	// MaxDiffLines rejects diffs above this many lines. Default 500.
	MaxDiffLines int

	// AllowNewImports permits candidates that introduce imports or edit
	// dependency manifests. When false such candidates are rejected.
	AllowNewImports bool

	// AllowSignatureChanges permits candidates rewriting a function's
	// declaration line. When false such candidates are rejected.
	AllowSignatureChanges bool
}

// Generator turns raw proposals into screened candidates.
//
// # Description
//
// Every proposal is parsed, checked against the scope closure, and risk
// classified. Scope violations are discarded here, before validation
// spends any compute on them; the session records the rejection reasons
// for the final report.
type Generator struct {
	proposer Proposer
	cfg      GeneratorConfig
	logger   *slog.Logger
}

// NewGenerator creates a Generator. Zero config fields get defaults.
func NewGenerator(proposer Proposer, cfg GeneratorConfig, logger *slog.Logger) *Generator {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 3
	}
	if cfg.MaxDiffLines <= 0 {
		cfg.MaxDiffLines = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{proposer: proposer, cfg: cfg, logger: logger}
}

// Generate produces screened candidates for one repair attempt.
//
// # Inputs
//
//   - ctx: Bounds the proposer call.
//   - req: Diagnosis and in-scope file contents. req.MaxCandidates is
//     overridden by the generator's own bound.
//   - closure: The session's scope closure; candidates touching any file
//     outside it are discarded.
//
// # Outputs
//
//   - []Candidate: Screened candidates in proposal order, IDs assigned.
//   - []Rejected: Discarded proposals with reasons.
//   - error: ErrNoCandidates when nothing survives screening, or a
//     proposer failure.
func (g *Generator) Generate(ctx context.Context, req *Request, closure *scope.Closure) ([]Candidate, []Rejected, error) {
	req.MaxCandidates = g.cfg.MaxCandidates

	proposals, err := g.proposer.Propose(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("proposing fixes: %w", err)
	}
	if len(proposals) == 0 {
		return nil, nil, fmt.Errorf("%w: proposer returned nothing", ErrNoCandidates)
	}

	var (
		candidates []Candidate
		rejected   []Rejected
	)
	for _, prop := range proposals {
		cand, rej := g.screen(prop, closure)
		if rej != nil {
			rejected = append(rejected, *rej)
			continue
		}
		cand.ID = fmt.Sprintf("cand-%03d", len(candidates)+1)
		candidates = append(candidates, *cand)
		if len(candidates) == g.cfg.MaxCandidates {
			break
		}
	}

	g.logger.Info("patch candidates generated",
		slog.Int("accepted", len(candidates)),
		slog.Int("rejected", len(rejected)),
	)
	if len(candidates) == 0 {
		return nil, rejected, fmt.Errorf("%w: all %d proposals rejected", ErrNoCandidates, len(rejected))
	}
	return candidates, rejected, nil
}

// screen parses and screens one proposal. Exactly one return is non-nil.
func (g *Generator) screen(prop Proposal, closure *scope.Closure) (*Candidate, *Rejected) {
	fileDiffs, err := ParseDiffSet(prop.Diff)
	if err != nil {
		g.logger.Warn("discarding malformed proposal",
			slog.String("description", prop.Description),
			slog.String("error", err.Error()),
		)
		return nil, &Rejected{Description: prop.Description, Reason: "malformed_diff"}
	}

	if countLines(prop.Diff) > g.cfg.MaxDiffLines {
		return nil, &Rejected{Description: prop.Description, Reason: "too_large"}
	}

	touched := make([]string, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		touched = append(touched, DiffPath(fd))
	}
	sort.Strings(touched)

	if violations := closure.Violations(touched); len(violations) > 0 {
		g.logger.Warn("discarding out-of-scope proposal",
			slog.String("description", prop.Description),
			slog.Any("violations", violations),
		)
		return nil, &Rejected{
			Description: prop.Description,
			Reason:      "scope_violation",
			Violations:  violations,
		}
	}

	assessment := AssessRisk(fileDiffs)
	if !g.cfg.AllowNewImports && len(assessment.NewImports) > 0 {
		g.logger.Warn("discarding proposal with new imports",
			slog.String("description", prop.Description),
			slog.Any("imports", assessment.NewImports),
		)
		return nil, &Rejected{Description: prop.Description, Reason: "new_imports_disallowed"}
	}
	if !g.cfg.AllowSignatureChanges && len(assessment.SignatureChanges) > 0 {
		g.logger.Warn("discarding proposal changing signatures",
			slog.String("description", prop.Description),
			slog.Any("functions", assessment.SignatureChanges),
		)
		return nil, &Rejected{Description: prop.Description, Reason: "signature_change_disallowed"}
	}

	return &Candidate{
		Description:  prop.Description,
		Risk:         assessment.Risk,
		DiffSet:      prop.Diff,
		FilesTouched: touched,
		fileDiffs:    fileDiffs,
	}, nil
}

func countLines(s string) int {
	n := 0
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}
