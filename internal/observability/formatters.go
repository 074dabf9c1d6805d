// Package observability provides structured logging, tracing, and formatted output
// for the verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/jonathan/capsule-forge/internal/schemas"
	"github.com/jonathan/capsule-forge/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
	// progressBarWidth is the number of cells in a rendered progress bar
	progressBarWidth = 30
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		if len([]rune(line)) > boxWidth-4 {
			line = string([]rune(line)[:boxWidth-7]) + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintOutline outputs the module and lesson plan of a generated outline
func (p *Printer) PrintOutline(outline *types.Outline) {
	if outline == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Title:    %s\n", outline.Title))
	sb.WriteString(fmt.Sprintf("Modules:  %d\n", len(outline.Modules)))
	sb.WriteString(fmt.Sprintf("Lessons:  %d\n\n", outline.TotalLessons()))

	for i, m := range outline.Modules {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, m.Title))
		count := min(len(m.Lessons), maxItemsToShow)
		for j := 0; j < count; j++ {
			sb.WriteString(fmt.Sprintf("   • %s [%s]\n", m.Lessons[j].Title, m.Lessons[j].Variant))
		}
		if len(m.Lessons) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("   ... and %d more\n", len(m.Lessons)-maxItemsToShow))
		}
	}

	p.printBox("CAPSULE OUTLINE", sb.String())
}

// PrintModule outputs one committed module and its lessons
func (p *Printer) PrintModule(module *types.ModuleWithLessons) {
	if module == nil {
		return
	}

	var sb strings.Builder
	if module.Description != "" {
		sb.WriteString(module.Description + "\n\n")
	}
	for _, l := range module.Lessons {
		sb.WriteString(fmt.Sprintf("• %s [%s]", l.Title, l.Variant))
		if n := len(l.Questions); n > 0 {
			sb.WriteString(fmt.Sprintf(" (%d questions)", n))
		}
		sb.WriteString("\n")
	}

	p.printBox(fmt.Sprintf("MODULE %d: %s", module.Position+1, module.Title), sb.String())
}

// PrintProgress renders a one-line progress bar
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintProgress(progress *types.Progress) {
	if progress == nil {
		return
	}
	filled := progress.Percent * progressBarWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", progressBarWidth-filled)
	fmt.Fprintf(p.out, "[%s] %3d%%  %s\n", bar, progress.Percent, progress.Message)
}

// PrintValidation outputs the result of validating a document against a schema
func (p *Printer) PrintValidation(id schemas.SchemaID, result schemas.Result) {
	if result.OK {
		p.printBox(fmt.Sprintf("SCHEMA %s", id), "✓ valid")
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("✗ %d violation(s)\n\n", len(result.Violations)))
	for _, v := range result.Violations {
		sb.WriteString(fmt.Sprintf("• %s\n  %s\n", v.Path, v.Message))
	}
	p.printBox(fmt.Sprintf("SCHEMA %s", id), sb.String())
}

// PrintJobEvents outputs a job's transition history
func (p *Printer) PrintJobEvents(events []types.JobEvent) {
	if len(events) == 0 {
		return
	}

	var sb strings.Builder
	for _, e := range events {
		sb.WriteString(fmt.Sprintf("%s  %s → %s", e.CreatedAt.Format("15:04:05"), e.FromState, e.ToState))
		if e.Stage != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", e.Stage))
		}
		sb.WriteString("\n")
		if e.Message != "" {
			sb.WriteString("  " + e.Message + "\n")
		}
	}
	p.printBox("JOB HISTORY", sb.String())
}
