// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command sitka is the operator CLI for the repair engine.
//
// Usage:
//
//	sitka repair --project /path/to/project --entry "src/app.py:handler"
//	sitka serve --port 8080
//	sitka sessions --audit /var/lib/sitka/audit
//	sitka version
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sitka",
	Short: "Scope-bounded automated code repair",
	Long: `sitka analyzes a defect from its entry point, computes the exact set
of files a fix may touch, and drives generate-validate repair rounds
against an isolated copy of the project. The project tree itself is
never modified; accepted fixes are reported as unified diffs.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
