package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jonathan/capsule-forge/internal/schemas"
	"github.com/jonathan/capsule-forge/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestPrintOutline(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	lessons := make([]types.LessonPlan, 7)
	for i := range lessons {
		lessons[i] = types.LessonPlan{Title: "Lesson", Variant: types.VariantConcept}
	}
	p.PrintOutline(&types.Outline{
		Title: "Graph theory",
		Modules: []types.ModuleOutline{
			{Title: "Basics", Lessons: []types.LessonPlan{{Title: "Vertices", Variant: types.VariantConcept}}},
			{Title: "Search", Lessons: lessons},
		},
	})
	output := buf.String()

	assert.Contains(t, output, "CAPSULE OUTLINE")
	assert.Contains(t, output, "Graph theory")
	assert.Contains(t, output, "1. Basics")
	assert.Contains(t, output, "Vertices [concept]")
	assert.Contains(t, output, "... and 2 more")
}

func TestPrintOutline_Nil(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintOutline(nil)
	assert.Empty(t, buf.String())
}

func TestPrintModule(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintModule(&types.ModuleWithLessons{
		Module: types.Module{Position: 1, Title: "Search"},
		Lessons: []types.Lesson{
			{Title: "BFS", Variant: types.VariantMixed, Questions: []types.Question{{Type: types.QuestionMCQ}}},
		},
	})
	output := buf.String()

	assert.Contains(t, output, "MODULE 2: Search")
	assert.Contains(t, output, "BFS [mixed] (1 questions)")
}

func TestPrintProgress(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintProgress(&types.Progress{Percent: 50, Message: "Generating module 2 of 4"})

	output := buf.String()
	assert.Contains(t, output, " 50%")
	assert.Contains(t, output, "Generating module 2 of 4")
	assert.Equal(t, 15, strings.Count(output, "█"))
}

func TestPrintValidation(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintValidation(schemas.SchemaMCQ, schemas.Result{OK: true})
	assert.Contains(t, buf.String(), "valid")

	buf.Reset()
	p.PrintValidation(schemas.SchemaDragDrop, schemas.Result{Violations: []schemas.Violation{
		{Path: "targets", Message: "must have one target per item"},
	}})
	assert.Contains(t, buf.String(), "1 violation(s)")
	assert.Contains(t, buf.String(), "targets")
}

func TestPrintJobEvents(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintJobEvents([]types.JobEvent{
		{FromState: types.JobIdle, ToState: types.JobGeneratingOutline, Stage: "outline", CreatedAt: time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)},
		{FromState: types.JobGeneratingOutline, ToState: types.JobFailed, Message: "generation service unavailable"},
	})
	output := buf.String()

	assert.Contains(t, output, "JOB HISTORY")
	assert.Contains(t, output, "09:30:00")
	assert.Contains(t, output, "(outline)")
	assert.Contains(t, output, "generation service unavailable")
}
