package repair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jonathan/capsule-forge/internal/llm"
	"github.com/jonathan/capsule-forge/internal/observability"
	"github.com/jonathan/capsule-forge/internal/schemas"
)

// DefaultMaxAttempts is the attempt ceiling: one generation plus up to two repairs
const DefaultMaxAttempts = 3

// ValidateFunc checks a parsed document
type ValidateFunc func(value any) schemas.Result

// Task describes one validated generation
type Task struct {
	SchemaID schemas.SchemaID
	Prompt   string
	Tier     llm.ModelTier
	// Description defaults to schemas.Describe(SchemaID)
	Description string
	// Validate defaults to schemas.Validate against SchemaID
	Validate ValidateFunc
}

// Generated is a document that passed validation
type Generated struct {
	Value    any
	JSON     []byte
	Attempts int
}

// Generator composes generation, validation, and repair into a bounded loop
type Generator struct {
	client      llm.Client
	requester   *Requester
	maxAttempts int
	log         *observability.Logger
}

// Option configures a Generator
type Option func(*Generator)

// WithMaxAttempts sets the attempt ceiling. Values below 1 are raised to 1.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n < 1 {
			n = 1
		}
		g.maxAttempts = n
	}
}

// WithLogger sets the logger used for per-attempt diagnostics
func WithLogger(log *observability.Logger) Option {
	return func(g *Generator) {
		if log != nil {
			g.log = log
		}
	}
}

// WithRequester overrides the repair requester
func WithRequester(r *Requester) Option {
	return func(g *Generator) {
		g.requester = r
	}
}

// NewGenerator creates a Generator using client for both generation and repair
func NewGenerator(client llm.Client, opts ...Option) *Generator {
	g := &Generator{
		client:      client,
		requester:   NewRequester(client, llm.TierAdvanced),
		maxAttempts: DefaultMaxAttempts,
		log:         observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxAttempts returns the configured ceiling
func (g *Generator) MaxAttempts() int {
	return g.maxAttempts
}

// GenerateValidated generates a document for task and repairs it until it validates.
// It makes at most MaxAttempts capability calls in total: one generation and up to
// MaxAttempts-1 repairs. Repaired text is re-validated, never regenerated from scratch.
func (g *Generator) GenerateValidated(ctx context.Context, task Task) (*Generated, error) {
	ctx, span := observability.Tracer("repair").Start(ctx, "repair.GenerateValidated")
	defer span.End()
	span.SetAttributes(attribute.String("schema_id", string(task.SchemaID)))

	validate := task.Validate
	if validate == nil {
		id := task.SchemaID
		validate = func(v any) schemas.Result { return schemas.Validate(v, id) }
	}
	desc := task.Description
	if desc == "" {
		desc = schemas.Describe(task.SchemaID)
	}
	log := g.log.With("schema_id", task.SchemaID)

	raw, err := g.client.GenerateJSON(ctx, task.Prompt, task.Tier)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	attempt := 1
	for {
		generated, checkErr := check(raw, task.SchemaID, validate)
		if checkErr == nil {
			generated.Attempts = attempt
			span.SetAttributes(attribute.Int("attempts", attempt))
			if attempt > 1 {
				log.Info("repaired output passed validation", "attempts", attempt)
			}
			return generated, nil
		}

		violations := violationsOf(checkErr)
		log.Warn("generated output rejected",
			"attempt", attempt,
			"max_attempts", g.maxAttempts,
			"violations", len(violations),
			"error", checkErr,
		)

		if attempt >= g.maxAttempts {
			exhausted := &SchemaValidationExhaustedError{
				SchemaID:   task.SchemaID,
				Attempts:   attempt,
				Violations: violations,
				Cause:      checkErr,
			}
			observability.RecordError(span, exhausted)
			return nil, exhausted
		}

		attempt++
		raw, err = g.requester.Repair(ctx, Request{
			SchemaID:          task.SchemaID,
			SchemaDescription: desc,
			PreviousOutput:    raw,
			Violations:        violations,
			OriginalInput:     task.Prompt,
			Attempt:           attempt,
		})
		if err != nil {
			observability.RecordError(span, err)
			return nil, err
		}
	}
}

// check parses and validates raw, returning *ParseError or *SchemaViolationError on failure
func check(raw string, id schemas.SchemaID, validate ValidateFunc) (*Generated, error) {
	cleaned := llm.CleanJSONBlock(raw)
	if cleaned == "" {
		return nil, &ParseError{Message: "response was empty"}
	}

	var value any
	if err := json.Unmarshal([]byte(cleaned), &value); err != nil {
		return nil, &ParseError{Message: "response is not valid JSON", Cause: err}
	}

	result := validate(value)
	if !result.OK {
		return nil, &SchemaViolationError{SchemaID: id, Violations: result.Violations}
	}
	return &Generated{Value: value, JSON: []byte(cleaned)}, nil
}

func violationsOf(err error) []schemas.Violation {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Violations()
	}
	var se *SchemaViolationError
	if errors.As(err, &se) {
		return se.Violations
	}
	return []schemas.Violation{{Path: schemas.RootPath, Message: err.Error()}}
}

// DecodeInto decodes a validated document into T
func DecodeInto[T any](g *Generated) (*T, error) {
	if g == nil {
		return nil, fmt.Errorf("nothing to decode")
	}
	var out T
	if err := json.Unmarshal(g.JSON, &out); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("validated document does not decode into %T", out), Cause: err}
	}
	return &out, nil
}
