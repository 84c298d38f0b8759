// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// defaultAllowedBinaries are the only commands the runner will execute
// unless the operator configures otherwise.
var defaultAllowedBinaries = map[string]bool{
	"go":      true,
	"gofmt":   true,
	"python":  true,
	"python3": true,
	"pytest":  true,
	"mypy":    true,
	"node":    true,
	"npm":     true,
}

// passEnv are the only environment variables forwarded to checks.
// Everything else, credentials included, is withheld.
var passEnv = []string{"PATH", "HOME", "GOCACHE", "GOPATH", "GOMODCACHE", "PYTHONPATH", "LANG", "TMPDIR"}

// RunResult captures one command execution.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Runner executes validation commands with a binary allow list, a
// scrubbed environment, bounded output, and a hard timeout.
//
// Thread Safety: safe for concurrent use.
type Runner struct {
	allowed   map[string]bool
	maxOutput int
	logger    *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithAllowedBinaries replaces the binary allow list.
func WithAllowedBinaries(names []string) RunnerOption {
	return func(r *Runner) {
		r.allowed = make(map[string]bool, len(names))
		for _, n := range names {
			r.allowed[n] = true
		}
	}
}

// WithExtraBinaries adds names to the default allow list, used when a
// container runtime fronts the checks.
func WithExtraBinaries(names ...string) RunnerOption {
	return func(r *Runner) {
		merged := make(map[string]bool, len(r.allowed)+len(names))
		for n := range r.allowed {
			merged[n] = true
		}
		for _, n := range names {
			merged[n] = true
		}
		r.allowed = merged
	}
}

// WithMaxOutput caps captured stdout and stderr, each, in bytes.
func WithMaxOutput(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a Runner with the default allow list and a 256KB
// output cap.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		allowed:   defaultAllowedBinaries,
		maxOutput: 256 * 1024,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes argv in dir.
//
// # Outputs
//
//   - *RunResult: Exit code and captured output. A non-zero exit or a
//     timeout is reported here, not as an error.
//   - error: ErrBinaryNotAllowed, or ErrEnvironment when the process
//     could not be started at all.
func (r *Runner) Run(ctx context.Context, dir string, argv []string, timeout time.Duration) (*RunResult, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrEnvironment)
	}
	name := filepath.Base(argv[0])
	if !r.allowed[name] {
		return nil, fmt.Errorf("%w: %q", ErrBinaryNotAllowed, name)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = scrubbedEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &capWriter{buf: &stdout, max: r.maxOutput}
	cmd.Stderr = &capWriter{buf: &stderr, max: r.maxOutput}

	start := time.Now()
	err := cmd.Run()
	result := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}

	switch {
	case err == nil:
		result.ExitCode = 0
	case result.TimedOut:
		result.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("%w: starting %q: %v", ErrEnvironment, name, err)
		}
	}

	r.logger.Debug("validation command finished",
		slog.String("command", strings.Join(argv, " ")),
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("timed_out", result.TimedOut),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// scrubbedEnv forwards only the pass list from the parent environment.
func scrubbedEnv() []string {
	var env []string
	for _, key := range passEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// capWriter discards bytes past max, keeping the head of the output.
type capWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *capWriter) Write(p []byte) (int, error) {
	remaining := w.max - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}
