// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyze

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxFiles bounds how many source files a single analysis parses.
const DefaultMaxFiles = 5000

var (
	// ErrEntryUnresolved is returned when the entry point cannot be
	// mapped to any code unit in the project.
	ErrEntryUnresolved = errors.New("entry point could not be resolved")

	// ErrProjectTooLarge is returned when the project holds more parseable
	// files than the configured bound.
	ErrProjectTooLarge = errors.New("project exceeds maximum file count")
)

// skipDirs are directory names never descended into during the source
// walk. Mirrors the overlay copy exclusions.
var skipDirs = map[string]bool{
	".sitka":       true,
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"vendor":       true,
}

// Analyzer builds call graphs from a project tree on disk.
//
// # Description
//
// Build walks the tree in lexical order, parses every supported source
// file, and links call references by symbol name. Same-file definitions
// shadow project-wide ones; an unqualified name that matches several
// units in other files links to all of them, because a may-call
// over-approximation is the safe direction for scope computation.
//
// # Thread Safety
//
// An Analyzer is stateless between Build calls and safe for concurrent
// use.
type Analyzer struct {
	maxFiles    int
	parallelism int
	logger      *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMaxFiles overrides the parseable-file bound.
func WithMaxFiles(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxFiles = n
		}
	}
}

// WithParallelism sets the number of concurrent file parses.
func WithParallelism(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.parallelism = n
		}
	}
}

// WithLogger sets the logger used for per-file diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAnalyzer creates an Analyzer with the given options applied.
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{
		maxFiles:    DefaultMaxFiles,
		parallelism: min(runtime.NumCPU(), 8),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Build constructs the call graph for a project rooted at the defect
// entry point.
//
// # Inputs
//
//   - ctx: Cancels the walk and any in-flight parses.
//   - root: Absolute path of the tree to analyze, normally the session's
//     overlay root.
//   - entryPoint: "file", "file:symbol", or a bare symbol name. Paths are
//     project-relative with forward slashes.
//
// # Outputs
//
//   - *CallGraph: Deterministic graph with Entry set to the resolved
//     units.
//   - error: ErrEntryUnresolved, ErrProjectTooLarge, or an I/O error.
func (a *Analyzer) Build(ctx context.Context, root, entryPoint string) (*CallGraph, error) {
	ctx, span := startAnalyzeSpan(ctx, entryPoint)
	defer span.End()
	start := time.Now()

	files, err := a.listSourceFiles(root)
	if err != nil {
		recordAnalyzeMetrics(ctx, time.Since(start), 0, 0, 0, false)
		return nil, err
	}

	summaries, err := a.parseAll(ctx, root, files)
	if err != nil {
		recordAnalyzeMetrics(ctx, time.Since(start), len(files), 0, 0, false)
		return nil, err
	}

	graph := assembleGraph(summaries)

	entries, err := resolveEntry(entryPoint, summaries)
	if err != nil {
		recordAnalyzeMetrics(ctx, time.Since(start), len(files), 0, 0, false)
		return nil, err
	}
	graph.Entry = entries

	a.logger.Debug("call graph built",
		slog.String("entry_point", entryPoint),
		slog.Int("files", len(files)),
		slog.Int("nodes", graph.NodeCount()),
		slog.Int("edges", graph.EdgeCount()),
	)
	setAnalyzeSpanResult(span, graph.NodeCount(), graph.EdgeCount(), len(files))
	recordAnalyzeMetrics(ctx, time.Since(start), len(files), graph.NodeCount(), graph.EdgeCount(), true)
	return graph, nil
}

// listSourceFiles walks root collecting supported source files in
// lexical order, as project-relative forward-slash paths.
func (a *Analyzer) listSourceFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if DetectLanguage(path) == "" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		if len(files) > a.maxFiles {
			return fmt.Errorf("%w: more than %d files", ErrProjectTooLarge, a.maxFiles)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking project tree: %w", err)
	}
	return files, nil
}

// parseAll parses files concurrently, preserving input order in the
// result. Unparseable files are skipped with a warning; a broken file
// still contributes whatever declarations tree-sitter can recover.
func (a *Analyzer) parseAll(ctx context.Context, root string, files []string) ([]*FileSummary, error) {
	results := make([]*FileSummary, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism)
	for i, relPath := range files {
		g.Go(func() error {
			content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(relPath)))
			if err != nil {
				return fmt.Errorf("reading %s: %w", relPath, err)
			}
			summary, err := ParseFile(gctx, content, relPath)
			if err != nil {
				if errors.Is(err, ErrFileTooLarge) || errors.Is(err, ErrInvalidContent) {
					a.logger.Warn("skipping unparseable file",
						slog.String("path", relPath),
						slog.String("error", err.Error()),
					)
					return nil
				}
				return err
			}
			results[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summaries := results[:0:0]
	for _, s := range results {
		if s != nil {
			summaries = append(summaries, s)
		}
	}
	return summaries, nil
}

// assembleGraph indexes declarations by symbol name and links call
// references. Resolution prefers a same-file definition; otherwise every
// project-wide definition of the name gets an edge.
func assembleGraph(summaries []*FileSummary) *CallGraph {
	graph := NewCallGraph()

	bySymbol := make(map[string][]string)
	inFile := make(map[string]map[string]string) // file -> symbol -> unit ID
	for _, s := range summaries {
		for _, fn := range s.Functions {
			id := UnitID(s.Path, fn.Name)
			graph.AddNode(Unit{ID: id, File: s.Path, Symbol: fn.Name})
			bySymbol[fn.Name] = append(bySymbol[fn.Name], id)
			if inFile[s.Path] == nil {
				inFile[s.Path] = make(map[string]string)
			}
			inFile[s.Path][fn.Name] = id
		}
	}
	for name := range bySymbol {
		sort.Strings(bySymbol[name])
	}

	for _, s := range summaries {
		for _, fn := range s.Functions {
			from := UnitID(s.Path, fn.Name)
			for _, call := range fn.Calls {
				if local, ok := inFile[s.Path][call]; ok {
					_ = graph.AddEdge(from, local)
					continue
				}
				for _, target := range bySymbol[call] {
					_ = graph.AddEdge(from, target)
				}
			}
		}
	}
	return graph
}

// resolveEntry maps an entry-point string to unit IDs.
//
// Accepted forms, tried in order:
//
//  1. "file:symbol" — the single matching unit.
//  2. "file" — every unit declared in the file.
//  3. "symbol" — every unit with that name, any file.
func resolveEntry(entryPoint string, summaries []*FileSummary) ([]string, error) {
	entryPoint = strings.TrimSpace(entryPoint)
	if entryPoint == "" {
		return nil, fmt.Errorf("%w: empty entry point", ErrEntryUnresolved)
	}

	byFile := make(map[string]*FileSummary)
	for _, s := range summaries {
		byFile[s.Path] = s
	}

	if file, symbol, ok := strings.Cut(entryPoint, ":"); ok {
		s := byFile[file]
		if s == nil {
			return nil, fmt.Errorf("%w: file %q not found or not parseable", ErrEntryUnresolved, file)
		}
		for _, fn := range s.Functions {
			if fn.Name == symbol {
				return []string{UnitID(file, symbol)}, nil
			}
		}
		return nil, fmt.Errorf("%w: symbol %q not declared in %s", ErrEntryUnresolved, symbol, file)
	}

	if s := byFile[entryPoint]; s != nil {
		var ids []string
		for _, fn := range s.Functions {
			ids = append(ids, UnitID(s.Path, fn.Name))
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: %s declares no functions", ErrEntryUnresolved, entryPoint)
		}
		sort.Strings(ids)
		return ids, nil
	}

	var ids []string
	for _, s := range summaries {
		for _, fn := range s.Functions {
			if fn.Name == entryPoint {
				ids = append(ids, UnitID(s.Path, fn.Name))
			}
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %q matches no file or symbol", ErrEntryUnresolved, entryPoint)
	}
	sort.Strings(ids)
	return ids, nil
}
