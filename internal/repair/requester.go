package repair

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jonathan/capsule-forge/internal/llm"
	"github.com/jonathan/capsule-forge/internal/prompts"
	"github.com/jonathan/capsule-forge/internal/schemas"
)

const (
	maxPreviousOutputChars = 24000
	maxOriginalInputChars  = 12000
)

// Request is everything one repair round-trip needs
type Request struct {
	SchemaID          schemas.SchemaID
	SchemaDescription string
	PreviousOutput    string
	Violations        []schemas.Violation
	OriginalInput     string
	Attempt           int
}

// Requester asks the model to correct a previous response. It holds no state between calls.
type Requester struct {
	client llm.Client
	tier   llm.ModelTier
}

// NewRequester creates a Requester that sends repair prompts at the given tier
func NewRequester(client llm.Client, tier llm.ModelTier) *Requester {
	if tier == "" {
		tier = llm.TierAdvanced
	}
	return &Requester{client: client, tier: tier}
}

// Repair makes exactly one generation call and returns its raw text. The text is not
// validated here. Capability errors are returned unchanged so callers can classify them.
func (r *Requester) Repair(ctx context.Context, req Request) (string, error) {
	prompt, err := BuildRepairPrompt(req)
	if err != nil {
		return "", err
	}
	return r.client.GenerateJSON(ctx, prompt, r.tier)
}

// BuildRepairPrompt renders the repair instruction for req
func BuildRepairPrompt(req Request) (string, error) {
	desc := req.SchemaDescription
	if desc == "" {
		desc = schemas.Describe(req.SchemaID)
	}

	prompt, err := prompts.Render(prompts.RepairFile, "repair-output", map[string]string{
		"SchemaID":          string(req.SchemaID),
		"Attempt":           strconv.Itoa(req.Attempt),
		"SchemaDescription": desc,
		"Violations":        formatViolations(req.Violations),
		"OriginalInput":     truncate(req.OriginalInput, maxOriginalInputChars),
		"PreviousOutput":    truncate(req.PreviousOutput, maxPreviousOutputChars),
	})
	if err != nil {
		return "", fmt.Errorf("failed to build repair prompt: %w", err)
	}
	return prompt, nil
}

func formatViolations(vs []schemas.Violation) string {
	if len(vs) == 0 {
		return "- (root): response did not match the required shape"
	}
	var sb strings.Builder
	for _, v := range vs {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", v.Path, v.Message))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// truncate cuts s to at most limit bytes without splitting a rune
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n...[truncated]"
}
