// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package workspace owns the read-only/writable filesystem pair for each
// project under repair.
//
// # Description
//
// The project root is treated as a read-only mount: nothing in this
// package ever writes to it. All modification happens in a writable
// overlay under the project's control directory
// ({root}/.sitka/workspace/{handle}). The Controller is the sole writer
// of the overlay; every other component goes through it.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Mutation of a single
// handle's overlay is serialized by a per-handle mutex.
package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ControlDirName is the per-project control directory created alongside
// the project sources. It is always excluded from overlays and scope.
const ControlDirName = ".sitka"

// skipDirs are directory names never copied into an overlay.
var skipDirs = map[string]bool{
	ControlDirName: true,
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
}

// FileChange is one overlay mutation: a full new content for a path, or
// a deletion. Paths are relative to the project root with forward slashes.
type FileChange struct {
	// Path is the project-relative file path.
	Path string

	// Content is the complete new file content. Ignored when Delete is set.
	Content []byte

	// Delete removes the file from the overlay.
	Delete bool
}

// ApplyResult reports the outcome of applying a set of changes.
type ApplyResult struct {
	// FilesWritten lists paths written to the overlay.
	FilesWritten []string

	// FilesDeleted lists paths removed from the overlay.
	FilesDeleted []string

	// BytesWritten is the total size of written content.
	BytesWritten int64
}

// Controller mediates all mutation of a project's writable overlay.
//
// The interface exists so the repair pipeline can be exercised against a
// fake in tests without a real filesystem overlay.
type Controller interface {
	// Acquire prepares a writable overlay for the project and returns a
	// handle to it. The overlay is a clean copy of the read-only base.
	Acquire(ctx context.Context, projectRoot string) (*Handle, error)

	// Apply writes a set of file changes to the handle's overlay. The
	// read-only base is never touched.
	Apply(ctx context.Context, h *Handle, changes []FileChange) (*ApplyResult, error)

	// ReadFile reads a project-relative path from the overlay view.
	ReadFile(h *Handle, relPath string) ([]byte, error)

	// Reset restores the overlay to the clean baseline, discarding every
	// change applied since Acquire or the previous Reset.
	Reset(ctx context.Context, h *Handle) error

	// Release removes the overlay and invalidates the handle.
	Release(h *Handle) error
}

// Handle identifies one acquired overlay.
//
// A Handle is owned by exactly one session at a time; the registry
// enforces that ownership.
type Handle struct {
	// ID is the unique overlay identifier.
	ID string

	// ProjectRoot is the absolute path of the read-only base.
	ProjectRoot string

	// OverlayRoot is the absolute path of the writable overlay tree.
	OverlayRoot string

	mu sync.Mutex

	// touched tracks paths modified since the last Reset, so Reset can
	// restore only what changed instead of rebuilding the whole overlay.
	touched map[string]bool

	released bool
}

// OverlayController implements Controller with a file-granular
// copy-on-write overlay under the project control directory.
type OverlayController struct {
	mu      sync.Mutex
	handles map[string]*Handle
	nextID  int
}

var _ Controller = (*OverlayController)(nil)

// NewOverlayController creates an empty controller.
func NewOverlayController() *OverlayController {
	return &OverlayController{
		handles: make(map[string]*Handle),
	}
}

// Acquire copies the project tree into a fresh overlay and returns its
// handle.
//
// # Inputs
//
//   - ctx: Context for cancellation; checked between file copies.
//   - projectRoot: Absolute path to the project. Must be a directory.
//
// # Outputs
//
//   - *Handle: Handle for the new overlay.
//   - error: Non-nil if the root is invalid or copying fails.
func (c *OverlayController) Acquire(ctx context.Context, projectRoot string) (*Handle, error) {
	if !filepath.IsAbs(projectRoot) {
		return nil, fmt.Errorf("project root must be absolute: %s", projectRoot)
	}
	info, err := os.Stat(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("stat project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root is not a directory: %s", projectRoot)
	}

	c.mu.Lock()
	c.nextID++
	id := fmt.Sprintf("ovl-%06d", c.nextID)
	c.mu.Unlock()

	overlayRoot := filepath.Join(projectRoot, ControlDirName, "workspace", id)
	if err := os.MkdirAll(overlayRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating overlay directory: %w", err)
	}

	if err := copyTree(ctx, projectRoot, overlayRoot); err != nil {
		_ = os.RemoveAll(overlayRoot)
		return nil, fmt.Errorf("populating overlay: %w", err)
	}

	h := &Handle{
		ID:          id,
		ProjectRoot: projectRoot,
		OverlayRoot: overlayRoot,
		touched:     make(map[string]bool),
	}

	c.mu.Lock()
	c.handles[id] = h
	c.mu.Unlock()

	slog.Debug("overlay acquired",
		slog.String("handle", id),
		slog.String("project_root", projectRoot),
	)
	return h, nil
}

// Apply writes the given changes into the overlay.
//
// Every path is validated against traversal escapes before anything is
// written; a single bad path rejects the whole change set so the overlay
// is never left half-applied by a malformed candidate.
func (c *OverlayController) Apply(ctx context.Context, h *Handle, changes []FileChange) (*ApplyResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, fmt.Errorf("handle %s already released", h.ID)
	}

	for _, change := range changes {
		if !isPathSafe(h.OverlayRoot, filepath.Join(h.OverlayRoot, filepath.FromSlash(change.Path))) {
			return nil, fmt.Errorf("security: path escapes overlay: %s", change.Path)
		}
	}

	result := &ApplyResult{}
	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		fullPath := filepath.Join(h.OverlayRoot, filepath.FromSlash(change.Path))

		if change.Delete {
			if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
				return result, fmt.Errorf("removing %s: %w", change.Path, err)
			}
			h.touched[change.Path] = true
			result.FilesDeleted = append(result.FilesDeleted, change.Path)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			return result, fmt.Errorf("creating directories for %s: %w", change.Path, err)
		}
		if err := os.WriteFile(fullPath, change.Content, 0644); err != nil {
			return result, fmt.Errorf("writing %s: %w", change.Path, err)
		}
		h.touched[change.Path] = true
		result.FilesWritten = append(result.FilesWritten, change.Path)
		result.BytesWritten += int64(len(change.Content))
	}

	return result, nil
}

// ReadFile reads a project-relative path from the overlay.
func (c *OverlayController) ReadFile(h *Handle, relPath string) ([]byte, error) {
	fullPath := filepath.Join(h.OverlayRoot, filepath.FromSlash(relPath))
	if !isPathSafe(h.OverlayRoot, fullPath) {
		return nil, fmt.Errorf("security: path escapes overlay: %s", relPath)
	}
	return os.ReadFile(fullPath)
}

// Reset restores every touched path from the read-only base.
//
// Files the base never had are deleted; files that existed are re-copied.
// After Reset the overlay is byte-equivalent to the baseline, which is
// what makes candidate validation idempotent.
func (c *OverlayController) Reset(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return fmt.Errorf("handle %s already released", h.ID)
	}

	for relPath := range h.touched {
		if err := ctx.Err(); err != nil {
			return err
		}

		basePath := filepath.Join(h.ProjectRoot, filepath.FromSlash(relPath))
		overlayPath := filepath.Join(h.OverlayRoot, filepath.FromSlash(relPath))

		if _, err := os.Stat(basePath); os.IsNotExist(err) {
			if err := os.Remove(overlayPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("resetting %s: %w", relPath, err)
			}
			continue
		}

		if err := copyFile(basePath, overlayPath); err != nil {
			return fmt.Errorf("resetting %s: %w", relPath, err)
		}
	}

	h.touched = make(map[string]bool)
	slog.Debug("overlay reset", slog.String("handle", h.ID))
	return nil
}

// Release removes the overlay tree and forgets the handle.
func (c *OverlayController) Release(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil
	}
	h.released = true

	c.mu.Lock()
	delete(c.handles, h.ID)
	c.mu.Unlock()

	if err := os.RemoveAll(h.OverlayRoot); err != nil {
		return fmt.Errorf("removing overlay: %w", err)
	}
	slog.Debug("overlay released", slog.String("handle", h.ID))
	return nil
}

// copyTree copies src into dst, skipping control and vendor directories.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0755)
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// isPathSafe reports whether fullPath stays inside base after cleaning.
func isPathSafe(base, fullPath string) bool {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(fullPath))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
