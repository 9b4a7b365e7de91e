// Package diagnostics converts the capnp compiler's textual error
// output into LSP diagnostics.
package diagnostics

import (
	"regexp"
	"strconv"
	"strings"

	"go.lsp.dev/protocol"
)

// Source identifies this server in every published diagnostic.
const Source = "capnp-compiler"

// Map accumulates diagnostics per workspace-relative file path. It is
// cleared before every compile and drained when publishing.
type Map map[string][]protocol.Diagnostic

// Clear removes all entries in place.
func (m Map) Clear() {
	for k := range m {
		delete(m, k)
	}
}

// errorLine matches one compiler error line:
//
//	file:rowStart[-rowEnd][:colStart[-colEnd]]: type: message
//
// The optional drive-letter prefix tolerates Windows paths. Rows and
// columns are 1-based in the compiler output.
var errorLine = regexp.MustCompile(
	`^\s*((?:\w:[/\\])?[^:]+):(\d+)(?:-(\d+))?(?::(\d+)(?:-(\d+))?)?:\s*([^:]*):\s*(.*?)\s*$`)

// Parse scans errorText line by line and appends a Diagnostic to diags
// for every line whose reported filename equals fileName. Coordinates
// are converted to the 0-based LSP convention. It reports whether at
// least one line matched fileName.
func Parse(fileName, errorText string, diags Map) bool {
	foundAny := false

	for _, line := range strings.Split(errorText, "\n") {
		if line == "" {
			continue
		}
		match := errorLine.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		if match[1] != fileName {
			continue
		}
		foundAny = true

		rowStart := zeroBased(match[2])
		rowEnd := rowStart
		if match[3] != "" {
			rowEnd = zeroBased(match[3])
		}
		colStart := uint32(0)
		if match[4] != "" {
			colStart = zeroBased(match[4])
		}
		colEnd := colStart
		if match[5] != "" {
			colEnd = zeroBased(match[5])
		}

		diags[fileName] = append(diags[fileName], protocol.Diagnostic{
			Range: protocol.Range{
				Start: protocol.Position{Line: rowStart, Character: colStart},
				End:   protocol.Position{Line: rowEnd, Character: colEnd},
			},
			// The compiler does not distinguish warnings in its error
			// stream; everything it prints there is an error.
			Severity: protocol.DiagnosticSeverityError,
			Source:   Source,
			Message:  match[7],
		})
	}

	return foundAny
}

// zeroBased converts a 1-based compiler coordinate to the 0-based LSP
// convention, clamping at zero.
func zeroBased(s string) uint32 {
	n, _ := strconv.ParseUint(s, 10, 32)
	if n == 0 {
		return 0
	}
	return uint32(n) - 1
}
