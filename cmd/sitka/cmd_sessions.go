// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sitka-systems/sitka/services/repair/session"
)

var version = "1.0.0"

var sessionsFlags struct {
	audit string
	limit int
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List finished sessions from the audit store",
	RunE:  runSessions,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("sitka", version)
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsFlags.audit, "audit", "", "Audit store directory (required)")
	sessionsCmd.Flags().IntVar(&sessionsFlags.limit, "limit", 50, "Maximum records to show")
	sessionsCmd.MarkFlagRequired("audit")
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	store, err := session.OpenAuditStore(sessionsFlags.audit)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(sessionsFlags.limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}

	for _, rec := range records {
		status := "unknown"
		attempts := 0
		if rec.Outcome != nil {
			status = string(rec.Outcome.Status)
			attempts = rec.Outcome.Attempts
		}
		fmt.Printf("%s  %-10s  attempts=%d  %s  %s\n",
			rec.FinishedAt.Format("2006-01-02 15:04:05"),
			status, attempts, rec.SessionID, rec.EntryPoint)
	}
	return nil
}
