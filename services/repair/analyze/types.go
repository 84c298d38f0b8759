// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analyze builds static call graphs for defect localization.
//
// The analyzer parses project sources with tree-sitter, extracts function
// declarations and the calls they make, and produces a CallGraph rooted
// at a defect entry point. The graph is deterministic: identical sources
// and entry point always yield an identical graph.
package analyze

import (
	"fmt"
	"sort"
)

// Unit is one code unit in the call graph: a function or method keyed by
// file and symbol name.
type Unit struct {
	// ID is "file:symbol", unique within a graph.
	ID string

	// File is the project-relative path containing the symbol.
	File string

	// Symbol is the declared function or method name.
	Symbol string
}

// UnitID builds the canonical unit identifier.
func UnitID(file, symbol string) string {
	return fmt.Sprintf("%s:%s", file, symbol)
}

// CallGraph is a directed "may call" graph over code units.
//
// A CallGraph is immutable once built for a session; all accessors are
// safe for concurrent reads.
type CallGraph struct {
	// Entry holds the unit IDs the analysis was rooted at.
	Entry []string

	nodes map[string]Unit
	edges map[string][]string
}

// NewCallGraph creates an empty graph.
func NewCallGraph() *CallGraph {
	return &CallGraph{
		nodes: make(map[string]Unit),
		edges: make(map[string][]string),
	}
}

// AddNode inserts a unit. Re-adding an existing unit is a no-op.
func (g *CallGraph) AddNode(u Unit) {
	if _, ok := g.nodes[u.ID]; !ok {
		g.nodes[u.ID] = u
	}
}

// AddEdge records that from may call to. Both units must already exist.
func (g *CallGraph) AddEdge(from, to string) error {
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("unknown source unit: %s", from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("unknown target unit: %s", to)
	}
	for _, existing := range g.edges[from] {
		if existing == to {
			return nil
		}
	}
	g.edges[from] = append(g.edges[from], to)
	return nil
}

// Node returns the unit with the given ID.
func (g *CallGraph) Node(id string) (Unit, bool) {
	u, ok := g.nodes[id]
	return u, ok
}

// NodeCount returns the number of units in the graph.
func (g *CallGraph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of call edges.
func (g *CallGraph) EdgeCount() int {
	n := 0
	for _, targets := range g.edges {
		n += len(targets)
	}
	return n
}

// Callees returns the sorted targets of a unit's outgoing edges.
func (g *CallGraph) Callees(id string) []string {
	targets := append([]string(nil), g.edges[id]...)
	sort.Strings(targets)
	return targets
}

// Callers returns the sorted units with an edge into id.
func (g *CallGraph) Callers(id string) []string {
	var callers []string
	for from, targets := range g.edges {
		for _, to := range targets {
			if to == id {
				callers = append(callers, from)
				break
			}
		}
	}
	sort.Strings(callers)
	return callers
}

// Reachable returns every unit reachable from the entry set within
// maxDepth call hops (the entry units themselves are depth 0).
//
// Traversal order is breadth-first over sorted adjacency, so the result
// is stable for a given graph.
func (g *CallGraph) Reachable(maxDepth int) []Unit {
	type frame struct {
		id    string
		depth int
	}

	seen := make(map[string]bool)
	var queue []frame

	entries := append([]string(nil), g.Entry...)
	sort.Strings(entries)
	for _, id := range entries {
		if _, ok := g.nodes[id]; ok && !seen[id] {
			seen[id] = true
			queue = append(queue, frame{id: id, depth: 0})
		}
	}

	var result []Unit
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		result = append(result, g.nodes[f.id])

		if f.depth >= maxDepth {
			continue
		}
		for _, next := range g.Callees(f.id) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, frame{id: next, depth: f.depth + 1})
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ReachableFiles flattens Reachable to a sorted, de-duplicated set of
// project-relative file paths.
func (g *CallGraph) ReachableFiles(maxDepth int) []string {
	seen := make(map[string]bool)
	var files []string
	for _, u := range g.Reachable(maxDepth) {
		if !seen[u.File] {
			seen[u.File] = true
			files = append(files, u.File)
		}
	}
	sort.Strings(files)
	return files
}

// CallPath returns one shortest entry-to-target unit path, used in
// diagnoses. Returns nil when the target is unreachable.
func (g *CallGraph) CallPath(target string) []string {
	parent := make(map[string]string)
	seen := make(map[string]bool)
	var queue []string

	entries := append([]string(nil), g.Entry...)
	sort.Strings(entries)
	for _, id := range entries {
		if _, ok := g.nodes[id]; ok {
			seen[id] = true
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == target {
			var path []string
			for cur := id; ; {
				path = append([]string{cur}, path...)
				prev, ok := parent[cur]
				if !ok {
					return path
				}
				cur = prev
			}
		}
		for _, next := range g.Callees(id) {
			if !seen[next] {
				seen[next] = true
				parent[next] = id
				queue = append(queue, next)
			}
		}
	}
	return nil
}
