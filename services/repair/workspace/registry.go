// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/semaphore"
)

// ErrProjectBusy is returned when a session tries to claim a project that
// another session currently holds. Concurrent sessions against the same
// project root are rejected, not queued.
var ErrProjectBusy = errors.New("project already claimed by another session")

// Project is the long-lived per-root record shared by all sessions that
// target the same project.
type Project struct {
	// RootPath is the absolute path of the read-only base.
	RootPath string

	// Language is the detected or configured primary language.
	Language string

	// sem serializes Patching+Validating: weight 1, one session at a time.
	sem *semaphore.Weighted

	// owner is the session currently holding the claim ("" when free).
	ownerMu sync.Mutex
	owner   string

	// dirty is set when fsnotify observes an external change to the base
	// tree; the next analysis must not reuse cached call-graph artifacts.
	dirtyMu sync.Mutex
	dirty   bool
}

// MarkDirty flags the project's cached analysis artifacts as stale.
func (p *Project) MarkDirty() {
	p.dirtyMu.Lock()
	p.dirty = true
	p.dirtyMu.Unlock()
}

// ConsumeDirty reports and clears the stale flag in one step.
func (p *Project) ConsumeDirty() bool {
	p.dirtyMu.Lock()
	defer p.dirtyMu.Unlock()
	d := p.dirty
	p.dirty = false
	return d
}

// Registry tracks which projects are known to the engine and which
// session, if any, currently owns each one.
//
// # Description
//
// Process-wide state such as "which project has an active overlay" lives
// here rather than in ambient globals. Claims are tied to session
// lifecycle: Claim at session start, Free at terminal transition.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	projects map[string]*Project
	watcher  *fsnotify.Watcher
	watched  map[string]string // watched dir -> project root
	closed   bool
}

// NewRegistry creates a Registry with an fsnotify watcher for external
// change detection on registered project roots.
func NewRegistry() (*Registry, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	r := &Registry{
		projects: make(map[string]*Project),
		watcher:  watcher,
		watched:  make(map[string]string),
	}
	go r.watchLoop()
	return r, nil
}

// Register returns the Project for the given root, creating it on first
// use. The root directory is added to the external-change watcher.
func (r *Registry) Register(projectRoot, language string) (*Project, error) {
	if !filepath.IsAbs(projectRoot) {
		return nil, fmt.Errorf("project root must be absolute: %s", projectRoot)
	}
	projectRoot = filepath.Clean(projectRoot)

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.projects[projectRoot]; ok {
		return p, nil
	}

	p := &Project{
		RootPath: projectRoot,
		Language: language,
		sem:      semaphore.NewWeighted(1),
	}
	r.projects[projectRoot] = p

	// Watch the top level only. A recursive watch is not worth the inotify
	// descriptor cost; top-level churn catches checkouts and saves, and a
	// stale cache only costs one re-analysis.
	if err := r.watcher.Add(projectRoot); err != nil {
		slog.Warn("external change watch unavailable for project",
			slog.String("project_root", projectRoot),
			slog.String("error", err.Error()),
		)
	} else {
		r.watched[projectRoot] = projectRoot
	}

	return p, nil
}

// Claim gives sessionID exclusive ownership of the project.
//
// # Outputs
//
//   - error: ErrProjectBusy if another session holds the project, a
//     context error if ctx expires while acquiring.
func (r *Registry) Claim(ctx context.Context, p *Project, sessionID string) error {
	// TryAcquire implements the reject-not-queue conflict policy.
	if !p.sem.TryAcquire(1) {
		// Give a fast caller a short grace window before rejecting, so
		// back-to-back sessions from the same caller don't flap.
		acquireCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if err := p.sem.Acquire(acquireCtx, 1); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrProjectBusy, p.RootPath)
			}
			return err
		}
	}

	p.ownerMu.Lock()
	p.owner = sessionID
	p.ownerMu.Unlock()

	slog.Debug("project claimed",
		slog.String("project_root", p.RootPath),
		slog.String("session_id", sessionID),
	)
	return nil
}

// Free releases the claim held by sessionID. Freeing a project the
// session does not own is a no-op.
func (r *Registry) Free(p *Project, sessionID string) {
	p.ownerMu.Lock()
	if p.owner != sessionID {
		p.ownerMu.Unlock()
		return
	}
	p.owner = ""
	p.ownerMu.Unlock()

	p.sem.Release(1)
	slog.Debug("project freed",
		slog.String("project_root", p.RootPath),
		slog.String("session_id", sessionID),
	)
}

// Owner returns the session currently holding the project, or "".
func (r *Registry) Owner(p *Project) string {
	p.ownerMu.Lock()
	defer p.ownerMu.Unlock()
	return p.owner
}

// Close stops the watcher. Registered projects remain usable but external
// change detection ends.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.watcher.Close()
}

func (r *Registry) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.mu.Lock()
			root, watched := r.watched[filepath.Dir(event.Name)]
			if !watched {
				// Direct events on the root itself.
				root, watched = r.watched[filepath.Clean(event.Name)]
			}
			var project *Project
			if watched {
				project = r.projects[root]
			}
			r.mu.Unlock()

			if project != nil && !isControlPath(event.Name) {
				project.MarkDirty()
				slog.Debug("external change detected, analysis cache marked stale",
					slog.String("project_root", project.RootPath),
					slog.String("path", event.Name),
				)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

// isControlPath reports whether the path is inside a control directory;
// overlay churn must not invalidate the analysis cache.
func isControlPath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ControlDirName {
			return true
		}
	}
	return false
}
