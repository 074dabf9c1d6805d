// Package repair converts untrusted model output into schema-valid values. Every
// content-producing stage routes through Generator, which runs a bounded
// generate, validate, repair loop.
package repair

import (
	"fmt"
	"strings"

	"github.com/jonathan/capsule-forge/internal/schemas"
)

// ParseError means the model output was not well-formed JSON even after fence stripping
type ParseError struct {
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Violations reports the parse failure as a root violation so repair has context
func (e *ParseError) Violations() []schemas.Violation {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return []schemas.Violation{{Path: schemas.RootPath, Message: msg}}
}

// SchemaViolationError means the output parsed but broke schema rules
type SchemaViolationError struct {
	SchemaID   schemas.SchemaID
	Violations []schemas.Violation
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation (%s): %d violation(s): %s", e.SchemaID, len(e.Violations), summarize(e.Violations, 3))
}

// SchemaValidationExhaustedError means the repair ceiling was reached without a valid document
type SchemaValidationExhaustedError struct {
	SchemaID   schemas.SchemaID
	Attempts   int
	Violations []schemas.Violation
	Cause      error
}

func (e *SchemaValidationExhaustedError) Error() string {
	return fmt.Sprintf("schema validation exhausted for %s after %d attempt(s): %s", e.SchemaID, e.Attempts, summarize(e.Violations, 3))
}

func (e *SchemaValidationExhaustedError) Unwrap() error {
	return e.Cause
}

func summarize(vs []schemas.Violation, limit int) string {
	if len(vs) == 0 {
		return "no violations recorded"
	}
	parts := make([]string, 0, limit+1)
	for i, v := range vs {
		if i == limit {
			parts = append(parts, fmt.Sprintf("and %d more", len(vs)-limit))
			break
		}
		parts = append(parts, fmt.Sprintf("%s: %s", v.Path, v.Message))
	}
	return strings.Join(parts, "; ")
}
