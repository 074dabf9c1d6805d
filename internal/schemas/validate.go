// Package schemas validates generated content against named content-type schemas.
// Structural typing is expressed as embedded JSON Schema documents; the rules JSON Schema
// cannot express (cross-field cardinality, placeholder matching) are checked in Go.
package schemas

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// RootPath is the path reported for violations that apply to the whole document
const RootPath = "(root)"

// Violation is a single rule failure at a document path
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the outcome of Validate
type Result struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations,omitempty"`
}

// String renders the violations one per line
func (r Result) String() string {
	if r.OK {
		return "valid"
	}
	var sb strings.Builder
	for i, v := range r.Violations {
		sb.WriteString(fmt.Sprintf("%d. %s: %s\n", i+1, v.Path, v.Message))
	}
	return sb.String()
}

// SchemaLoadError represents errors loading or parsing the schema itself
type SchemaLoadError struct {
	Path    string
	Message string
	Cause   error
}

func (e *SchemaLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load schema %s: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load schema %s: %s", e.Path, e.Message)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

// Validate checks value against the schema named by id. value may be a Go value,
// a json.RawMessage, or raw JSON bytes. All violations are collected.
func Validate(value any, id SchemaID) Result {
	raw, doc, err := normalize(value)
	if err != nil {
		return invalid(Violation{Path: RootPath, Message: err.Error()})
	}

	violations := validateDocument(raw, doc, id, "")
	sortViolations(violations)
	return Result{OK: len(violations) == 0, Violations: violations}
}

// ValidateBytes parses data as JSON and validates it against id
func ValidateBytes(data []byte, id SchemaID) Result {
	return Validate(json.RawMessage(data), id)
}

func validateDocument(raw []byte, doc any, id SchemaID, prefix string) []Violation {
	var violations []Violation

	structural, err := structuralViolations(doc, id)
	if err != nil {
		return []Violation{{Path: joinPath(prefix, RootPath), Message: err.Error()}}
	}
	for _, v := range structural {
		v.Path = joinPath(prefix, v.Path)
		violations = append(violations, v)
	}

	for _, v := range semanticViolations(raw, id) {
		v.Path = joinPath(prefix, v.Path)
		violations = append(violations, v)
	}

	for _, q := range nestedQuestions(doc, id) {
		qid, ok := questionSchema(q.value)
		if !ok {
			// unknown or missing type is reported by the parent schema's enum
			continue
		}
		qraw, err := json.Marshal(q.value)
		if err != nil {
			continue
		}
		violations = append(violations, validateDocument(qraw, q.value, qid, joinPath(prefix, q.path))...)
	}

	return violations
}

func structuralViolations(doc any, id SchemaID) ([]Violation, error) {
	schema, err := compiledSchema(id)
	if err != nil {
		return nil, err
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("document could not be evaluated: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	violations := make([]Violation, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = RootPath
		}
		violations = append(violations, Violation{Path: field, Message: desc.Description()})
	}
	return violations, nil
}

func normalize(value any) ([]byte, any, error) {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil, nil, fmt.Errorf("document is empty")
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("document is not JSON-serializable: %w", err)
		}
		raw = b
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("document is not valid JSON: %w", err)
	}
	return raw, doc, nil
}

func invalid(vs ...Violation) Result {
	return Result{OK: false, Violations: vs}
}

func joinPath(prefix, path string) string {
	switch {
	case prefix == "":
		return path
	case path == "" || path == RootPath:
		return prefix
	default:
		return prefix + "." + path
	}
}

func sortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		if vs[i].Path != vs[j].Path {
			return vs[i].Path < vs[j].Path
		}
		return vs[i].Message < vs[j].Message
	})
}
