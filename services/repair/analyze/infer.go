// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyze

import "regexp"

// Failure-output shapes an entry point can be recovered from.
var (
	pyFrameRe  = regexp.MustCompile(`File "([^"]+\.py)", line \d+, in (\S+)`)
	fileLineRe = regexp.MustCompile(`([\w./\\-]+\.(?:py|go)):\d+`)
)

// InferEntry recovers a defect entry point from failing-test or
// traceback output.
//
// # Description
//
// Python tracebacks print frames outermost first, so the last frame is
// the one closest to the defect; it yields "file:symbol" (or just the
// file for module-level code). Otherwise the last file:line reference
// in the output yields a file-only entry point. Returns "" when
// nothing recognizable appears.
func InferEntry(output string) string {
	if frames := pyFrameRe.FindAllStringSubmatch(output, -1); len(frames) > 0 {
		file, symbol := frames[len(frames)-1][1], frames[len(frames)-1][2]
		if symbol == "<module>" {
			return file
		}
		return file + ":" + symbol
	}
	if locs := fileLineRe.FindAllStringSubmatch(output, -1); len(locs) > 0 {
		return locs[len(locs)-1][1]
	}
	return ""
}
