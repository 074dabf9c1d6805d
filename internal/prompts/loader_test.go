package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_ValidPrompt(t *testing.T) {
	ClearCache()

	prompt, err := Get(OutlineFile, "generate-outline")
	require.NoError(t, err)
	assert.Contains(t, prompt, "course outline")
}

func TestGet_InvalidFile(t *testing.T) {
	ClearCache()

	_, err := Get("nonexistent.json", "some-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read prompt file")
}

func TestGet_InvalidKey(t *testing.T) {
	ClearCache()

	_, err := Get(ModuleFile, "nonexistent-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestFormat(t *testing.T) {
	template := "Module {{.Number}}: {{.Title}}"
	result := Format(template, map[string]string{"Number": "2", "Title": "Search"})
	assert.Equal(t, "Module 2: Search", result)

	// content placeholders used by fill_blanks questions are left alone
	assert.Equal(t, "A {{b1}} here", Format("A {{b1}} here", map[string]string{"b1": "x"}))
}

func TestFormat_ValuesAreNotExpanded(t *testing.T) {
	data := map[string]string{
		"Source":     "Topic: {{.MaxModules}} ways to sort",
		"MaxModules": "8",
		"Extra":      "{{.Source}}",
	}
	template := "{{.Source}} / max {{.MaxModules}} / {{.Extra}}"
	want := "Topic: {{.MaxModules}} ways to sort / max 8 / {{.Source}}"

	for i := 0; i < 50; i++ {
		assert.Equal(t, want, Format(template, data))
	}
}

func TestFormat_MissingValueLeftInPlace(t *testing.T) {
	assert.Equal(t, "Hi {{.Name}}", Format("Hi {{.Name}}", map[string]string{"Other": "x"}))
}

func TestRender(t *testing.T) {
	ClearCache()

	out, err := Render(RepairFile, "repair-output", map[string]string{
		"SchemaID":          "mcq",
		"Attempt":           "2",
		"SchemaDescription": "shape",
		"Violations":        "- options: must have exactly 4 options, got 3",
		"OriginalInput":     "make a question",
		"PreviousOutput":    `{"type":"mcq","text":"{{.Smuggled}}"}`,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "attempt 2")
	assert.Contains(t, out, "must have exactly 4 options")
	// values are not re-scanned for placeholders
	assert.Contains(t, out, "{{.Smuggled}}")

	_, err = Render(RepairFile, "repair-output", map[string]string{"SchemaID": "mcq"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no value for placeholder")
}

func TestList(t *testing.T) {
	ClearCache()

	keys, err := List(ModuleFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"generate-module-content", "regenerate-lesson"}, keys)
}

func TestAllPromptFilesParse(t *testing.T) {
	ClearCache()

	for _, f := range []string{OutlineFile, ModuleFile, RepairFile} {
		keys, err := List(f)
		require.NoError(t, err, f)
		assert.NotEmpty(t, keys, f)
	}
}
