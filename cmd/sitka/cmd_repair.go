// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/sitka-systems/sitka/pkg/logging"
	"github.com/sitka-systems/sitka/services/repair"
	"github.com/sitka-systems/sitka/services/repair/session"
	"github.com/sitka-systems/sitka/services/repair/validate"
)

var repairFlags struct {
	project string
	entry   string
	output  string
	desc    string
	model   string
	baseURL string
	hil     bool
	verbose bool
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Run one repair session against a project",
	Example: `  sitka repair --project ./svc --entry "src/app.py:handler" \
      --failing-output "$(pytest 2>&1 | tail -20)"`,
	RunE: runRepair,
}

func init() {
	repairCmd.Flags().StringVar(&repairFlags.project, "project", "", "Project root directory (required)")
	repairCmd.Flags().StringVar(&repairFlags.entry, "entry", "", "Defect entry point, file:symbol (inferred from failing output when omitted)")
	repairCmd.Flags().StringVar(&repairFlags.output, "failing-output", "", "Observed failure output")
	repairCmd.Flags().StringVar(&repairFlags.desc, "description", "", "Defect description")
	repairCmd.Flags().StringVar(&repairFlags.model, "model", "", "Proposer model name")
	repairCmd.Flags().StringVar(&repairFlags.baseURL, "base-url", "", "Proposer API base URL")
	repairCmd.Flags().BoolVar(&repairFlags.hil, "human-in-the-loop", true, "Hold validated fixes for approval instead of applying them")
	repairCmd.Flags().BoolVarP(&repairFlags.verbose, "verbose", "v", false, "Debug logging")
	repairCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(repairCmd)
}

func runRepair(cmd *cobra.Command, args []string) error {
	level := logging.LevelWarn
	if repairFlags.verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{Level: level, Service: "sitka"})
	defer logger.Close()

	if repairFlags.entry == "" && repairFlags.output == "" {
		return fmt.Errorf("one of --entry or --failing-output is required")
	}

	root, err := filepath.Abs(repairFlags.project)
	if err != nil {
		return fmt.Errorf("resolving project root: %w", err)
	}

	svc, err := repair.NewService(repair.ServiceConfig{
		ProposerModel:   repairFlags.model,
		ProposerBaseURL: repairFlags.baseURL,
		Logger:          logger.Slog(),
	})
	if err != nil {
		return err
	}

	req := &session.Request{
		ProjectRoot:   root,
		EntryPoint:    repairFlags.entry,
		FailingOutput: repairFlags.output,
		Description:   repairFlags.desc,
	}
	if cmd.Flags().Changed("human-in-the-loop") {
		req.HumanInTheLoop = &repairFlags.hil
	}
	sess, err := svc.Manager.Run(context.Background(), req)
	if err != nil {
		return err
	}

	printOutcome(sess)
	if sess.Status() == session.StatusUnfixable {
		os.Exit(1)
	}
	return nil
}

// printOutcome renders the terminal report, with color on a TTY.
func printOutcome(sess *session.Session) {
	color := isatty.IsTerminal(os.Stdout.Fd())
	paint := func(code, s string) string {
		if !color {
			return s
		}
		return "\033[" + code + "m" + s + "\033[0m"
	}

	out := sess.Outcome()
	fmt.Printf("session:  %s\n", sess.ID)
	switch out.Status {
	case session.StatusFixed:
		fmt.Printf("status:   %s (attempt %d)\n", paint("32", "fixed"), out.Attempts)
		fmt.Printf("scope:    %v\n\n%s", out.RepairableScope, out.Diff)
	case session.StatusCandidates:
		fmt.Printf("status:   %s\n", paint("33", "candidates"))
		for _, r := range out.Candidates {
			if r.Validation != nil && r.Validation.Verdict == validate.VerdictPass {
				fmt.Printf("\n[%s] %s (risk: %s)\n%s", r.Candidate.ID,
					r.Candidate.Description, r.Candidate.Risk, r.Candidate.DiffSet)
			}
		}
	default:
		fmt.Printf("status:   %s\n", paint("31", "unfixable"))
		fmt.Printf("reason:   %s\n", out.Reason)
		if out.Detail != "" {
			fmt.Printf("detail:   %s\n", out.Detail)
		}
		if out.SuggestedAction != "" {
			fmt.Printf("try:      %s\n", out.SuggestedAction)
		}
		if len(out.RepairableScope) > 0 {
			fmt.Printf("scope:    %v\n", out.RepairableScope)
		}
	}
}
