// Package pipeline drives capsule generation: a stage executor that turns prompts into
// validated outlines and modules, an orchestrator that advances one persisted job by one
// stage per invocation, and the service surface used by the API and CLI.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jonathan/capsule-forge/internal/llm"
	"github.com/jonathan/capsule-forge/internal/observability"
	"github.com/jonathan/capsule-forge/internal/pipeline/steps"
	"github.com/jonathan/capsule-forge/internal/prompts"
	"github.com/jonathan/capsule-forge/internal/repair"
	"github.com/jonathan/capsule-forge/internal/schemas"
	"github.com/jonathan/capsule-forge/internal/types"
)

// SourceLoader resolves a capsule source into text for prompts
type SourceLoader interface {
	Load(ctx context.Context, src types.Source) (string, error)
}

// ExecutorConfig bounds the shape of generated capsules
type ExecutorConfig struct {
	MinModules int
	MaxModules int
	// DefaultLessonMinutes is assumed for lesson plans without an estimate
	DefaultLessonMinutes int
}

// DefaultExecutorConfig returns the standard capsule shape
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MinModules:           3,
		MaxModules:           6,
		DefaultLessonMinutes: 8,
	}
}

// StageExecutor runs a single generation stage through the validated generator.
// It never touches the store; the orchestrator persists what it returns.
type StageExecutor struct {
	gen     *repair.Generator
	sources SourceLoader
	cfg     ExecutorConfig
	log     *observability.Logger
}

// NewStageExecutor creates a StageExecutor
func NewStageExecutor(gen *repair.Generator, sources SourceLoader, cfg ExecutorConfig, log *observability.Logger) *StageExecutor {
	if log == nil {
		log = observability.NewNopLogger()
	}
	if cfg.MinModules < 1 {
		cfg.MinModules = 1
	}
	if cfg.MaxModules < cfg.MinModules {
		cfg.MaxModules = cfg.MinModules
	}
	return &StageExecutor{gen: gen, sources: sources, cfg: cfg, log: log}
}

// OutlineResult is a validated outline plus its canonical JSON for persistence
type OutlineResult struct {
	Outline  *types.Outline
	JSON     json.RawMessage
	Attempts int
}

// RunOutline generates the capsule outline
func (e *StageExecutor) RunOutline(ctx context.Context, capsule *types.Capsule) (*OutlineResult, error) {
	source, err := e.sources.Load(ctx, capsule.Source)
	if err != nil {
		return nil, err
	}

	prompt, err := prompts.Render(prompts.OutlineFile, "generate-outline", map[string]string{
		"SourceKind":        string(capsule.Source.Kind),
		"Source":            source,
		"MinModules":        strconv.Itoa(e.cfg.MinModules),
		"MaxModules":        strconv.Itoa(e.cfg.MaxModules),
		"SchemaDescription": schemas.Describe(schemas.SchemaOutline),
	})
	if err != nil {
		return nil, err
	}

	generated, err := e.gen.GenerateValidated(ctx, repair.Task{
		SchemaID: schemas.SchemaOutline,
		Prompt:   prompt,
		Tier:     stageTier(steps.KindOutline),
		Validate: e.validateOutline,
	})
	if err != nil {
		return nil, err
	}

	outline, err := repair.DecodeInto[types.Outline](generated)
	if err != nil {
		return nil, err
	}
	e.log.Info("outline generated",
		"capsule_id", capsule.ID,
		"modules", len(outline.Modules),
		"lessons", outline.TotalLessons(),
		"attempts", generated.Attempts,
	)
	return &OutlineResult{Outline: outline, JSON: generated.JSON, Attempts: generated.Attempts}, nil
}

// validateOutline adds the configured module bounds on top of the outline schema
func (e *StageExecutor) validateOutline(value any) schemas.Result {
	result := schemas.Validate(value, schemas.SchemaOutline)
	var o types.Outline
	if err := remarshal(value, &o); err != nil {
		return result
	}
	if n := len(o.Modules); n > 0 && (n < e.cfg.MinModules || n > e.cfg.MaxModules) {
		result = withViolation(result, schemas.Violation{
			Path:    "modules",
			Message: fmt.Sprintf("must have between %d and %d modules, got %d", e.cfg.MinModules, e.cfg.MaxModules, n),
		})
	}
	return result
}

// RunModule generates every lesson of module index in a single validated call
func (e *StageExecutor) RunModule(ctx context.Context, capsule *types.Capsule, outline *types.Outline, index int) (*types.ModuleWithLessons, error) {
	if index < 0 || index >= len(outline.Modules) {
		return nil, fmt.Errorf("module index %d out of range for outline with %d modules", index, len(outline.Modules))
	}
	plan := outline.Modules[index]

	source, err := e.sources.Load(ctx, capsule.Source)
	if err != nil {
		return nil, err
	}

	prompt, err := prompts.Render(prompts.ModuleFile, "generate-module-content", map[string]string{
		"CapsuleTitle":       outline.Title,
		"CapsuleDescription": outline.Description,
		"ModuleNumber":       strconv.Itoa(index + 1),
		"TotalModules":       strconv.Itoa(len(outline.Modules)),
		"ModuleTitle":        plan.Title,
		"ModuleDescription":  plan.Description,
		"PreviousModules":    previousModules(outline, index),
		"LessonPlan":         formatLessonPlan(plan.Lessons),
		"Source":             source,
		"SchemaDescription":  schemas.Describe(schemas.SchemaModuleContent),
	})
	if err != nil {
		return nil, err
	}

	generated, err := e.gen.GenerateValidated(ctx, repair.Task{
		SchemaID: schemas.SchemaModuleContent,
		Prompt:   prompt,
		Tier:     stageTier(steps.KindModule),
		Validate: func(v any) schemas.Result { return validateAgainstPlan(v, plan) },
	})
	if err != nil {
		return nil, err
	}

	content, err := repair.DecodeInto[types.ModuleContent](generated)
	if err != nil {
		return nil, err
	}

	module := &types.ModuleWithLessons{
		Module: types.Module{
			CapsuleID:   capsule.ID,
			Position:    index,
			Title:       plan.Title,
			Description: plan.Description,
		},
		Lessons: make([]types.Lesson, len(content.Lessons)),
	}
	for i, l := range content.Lessons {
		module.Lessons[i] = types.Lesson{
			Position:  i,
			Title:     l.Title,
			Variant:   l.Variant,
			Body:      l.Body,
			KeyPoints: l.KeyPoints,
			Questions: l.Questions,
		}
	}
	e.log.Info("module generated",
		"capsule_id", capsule.ID,
		"module_index", index,
		"lessons", len(module.Lessons),
		"attempts", generated.Attempts,
	)
	return module, nil
}

// validateAgainstPlan checks module content against its schema and the outline's lesson plan
func validateAgainstPlan(value any, plan types.ModuleOutline) schemas.Result {
	result := schemas.Validate(value, schemas.SchemaModuleContent)
	var content types.ModuleContent
	if err := remarshal(value, &content); err != nil {
		return result
	}
	if len(content.Lessons) != len(plan.Lessons) {
		return withViolation(result, schemas.Violation{
			Path:    "lessons",
			Message: fmt.Sprintf("must contain exactly %d lessons as planned, got %d", len(plan.Lessons), len(content.Lessons)),
		})
	}
	for i, l := range content.Lessons {
		if want := plan.Lessons[i].Variant; want != "" && l.Variant != want {
			result = withViolation(result, schemas.Violation{
				Path:    fmt.Sprintf("lessons.%d.variant", i),
				Message: fmt.Sprintf("must be %q as planned, got %q", want, l.Variant),
			})
		}
	}
	return result
}

// RegenerateLesson rewrites one lesson following the author's instructions
func (e *StageExecutor) RegenerateLesson(ctx context.Context, capsule *types.Capsule, module *types.Module, lesson *types.Lesson, instructions string) (*types.LessonContent, error) {
	current, err := json.MarshalIndent(types.LessonContent{
		Title:     lesson.Title,
		Variant:   lesson.Variant,
		Body:      lesson.Body,
		KeyPoints: lesson.KeyPoints,
		Questions: lesson.Questions,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode current lesson: %w", err)
	}
	if strings.TrimSpace(instructions) == "" {
		instructions = "Improve clarity and accuracy."
	}

	prompt, err := prompts.Render(prompts.ModuleFile, "regenerate-lesson", map[string]string{
		"CapsuleTitle":      capsule.Title,
		"ModuleTitle":       module.Title,
		"CurrentLesson":     string(current),
		"Instructions":      instructions,
		"Variant":           string(lesson.Variant),
		"SchemaDescription": schemas.Describe(schemas.SchemaSingleLesson),
	})
	if err != nil {
		return nil, err
	}

	generated, err := e.gen.GenerateValidated(ctx, repair.Task{
		SchemaID: schemas.SchemaSingleLesson,
		Prompt:   prompt,
		Tier:     stageTier(steps.KindModule),
		Validate: keepVariant(lesson.Variant),
	})
	if err != nil {
		return nil, err
	}
	return repair.DecodeInto[types.LessonContent](generated)
}

// keepVariant validates a regenerated lesson and requires it to keep the planned variant
func keepVariant(want types.LessonVariant) repair.ValidateFunc {
	return func(value any) schemas.Result {
		result := schemas.Validate(value, schemas.SchemaSingleLesson)
		var content types.LessonContent
		if want == "" || remarshal(value, &content) != nil {
			return result
		}
		if content.Variant != want {
			result = withViolation(result, schemas.Violation{
				Path:    "variant",
				Message: fmt.Sprintf("must stay %q, got %q", want, content.Variant),
			})
		}
		return result
	}
}

// stageTier is the model tier the stage registry assigns to kind
func stageTier(kind steps.Kind) llm.ModelTier {
	if tier := steps.StageRegistry[kind].Tier; tier != "" {
		return tier
	}
	return llm.TierStandard
}

// EstimatedMinutes is the capsule duration implied by an outline
func (e *StageExecutor) EstimatedMinutes(o *types.Outline) int {
	return o.EstimatedMinutes(e.cfg.DefaultLessonMinutes)
}

func previousModules(o *types.Outline, index int) string {
	if index == 0 {
		return "(none, this is the first module)"
	}
	var b strings.Builder
	for i := 0; i < index; i++ {
		fmt.Fprintf(&b, "%d. %s\n", i+1, o.Modules[i].Title)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatLessonPlan(plans []types.LessonPlan) string {
	var b strings.Builder
	for i, p := range plans {
		fmt.Fprintf(&b, "%d. [%s] %s: %s\n", i+1, p.Variant, p.Title, p.Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

func remarshal(value any, out any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func withViolation(r schemas.Result, v schemas.Violation) schemas.Result {
	r.OK = false
	r.Violations = append(r.Violations, v)
	return r
}
