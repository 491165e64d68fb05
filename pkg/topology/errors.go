// Package topology validates declarative team graphs and builds the
// immutable arena representation the graph runner schedules against.
package topology

import (
	"fmt"
	"strings"
)

// Issue codes. Each validation defect is reported under exactly one code.
const (
	CodeCycle              = "CYCLE"
	CodeUnreachable        = "UNREACHABLE"
	CodeDuplicateID        = "DUPLICATE_ID"
	CodeDanglingEdge       = "DANGLING_EDGE"
	CodeUnknownModel       = "UNKNOWN_MODEL"
	CodeUnknownTool        = "UNKNOWN_TOOL"
	CodeTooDeep            = "TOO_DEEP"
	CodeEmptySupervisor    = "EMPTY_SUPERVISOR"
	CodeNoEntryPoint       = "NO_ENTRY_POINT"
	CodeMultipleEntryPoint = "MULTIPLE_ENTRY_POINTS"
	CodeTooManyNodes       = "TOO_MANY_NODES"
)

// Issue is a single validation defect. Path locates the defect: a node id,
// an edge rendered as "source→target", or a cycle path.
type Issue struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError reports every defect found in a topology. Validation does
// not short-circuit, so Issues covers all violated rules at once.
type ValidationError struct {
	Issues []Issue `json:"errors"`
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("topology validation failed: %s: %s", e.Issues[0].Code, e.Issues[0].Message)
	}
	codes := make([]string, len(e.Issues))
	for i, iss := range e.Issues {
		codes[i] = iss.Code
	}
	return fmt.Sprintf("topology validation failed: %d issues (%s)", len(e.Issues), strings.Join(codes, ", "))
}

// ValidationResult is the dry-run validation response shape.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Errors []Issue `json:"errors"`
}

// Result converts a validation outcome into the response shape. err may be
// nil for a valid topology.
func Result(err *ValidationError) ValidationResult {
	if err == nil || len(err.Issues) == 0 {
		return ValidationResult{Valid: true, Errors: []Issue{}}
	}
	return ValidationResult{Valid: false, Errors: err.Issues}
}
