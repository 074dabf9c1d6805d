package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/capsule-forge/internal/llm/llmtest"
	"github.com/jonathan/capsule-forge/internal/repair"
	"github.com/jonathan/capsule-forge/internal/schemas"
	"github.com/jonathan/capsule-forge/internal/types"
)

func decode(t *testing.T, doc string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(doc), &v))
	return v
}

func testOutline(t *testing.T) *types.Outline {
	t.Helper()
	var o types.Outline
	require.NoError(t, json.Unmarshal([]byte(threeModuleOutline), &o))
	return &o
}

func newTestExecutor(client *llmtest.ScriptedClient, cfg ExecutorConfig) *StageExecutor {
	src := sourceFunc(func(_ context.Context, s types.Source) (string, error) { return "Topic: " + s.Topic, nil })
	return NewStageExecutor(repair.NewGenerator(client), src, cfg, nil)
}

func topicCapsule(topic string) *types.Capsule {
	return &types.Capsule{ID: uuid.New(), Source: types.Source{Kind: types.SourceTopic, Topic: topic}}
}

func TestValidateAgainstPlan(t *testing.T) {
	plan := testOutline(t).Modules[1]

	t.Run("matches plan", func(t *testing.T) {
		result := validateAgainstPlan(decode(t, moduleContent("m1")), plan)
		assert.True(t, result.OK, "%v", result.Violations)
	})

	t.Run("wrong lesson count", func(t *testing.T) {
		result := validateAgainstPlan(decode(t, oneLessonModule), plan)
		assert.False(t, result.OK)
		paths := violationPaths(result)
		assert.Contains(t, paths, "lessons")
	})

	t.Run("wrong variant", func(t *testing.T) {
		doc := `{"lessons": [
			{"title": "a", "variant": "concept", "body": "a"},
			{"title": "b", "variant": "simulation", "body": "b"}
		]}`
		result := validateAgainstPlan(decode(t, doc), plan)
		assert.False(t, result.OK)
		assert.Contains(t, violationPaths(result), "lessons.1.variant")
	})

	t.Run("schema violations are kept", func(t *testing.T) {
		doc := `{"lessons": [
			{"title": "", "variant": "concept", "body": "a"},
			{"title": "b", "variant": "concept", "body": "b"}
		]}`
		result := validateAgainstPlan(decode(t, doc), plan)
		assert.False(t, result.OK)
		assert.NotEmpty(t, result.Violations)
	})
}

func violationPaths(r schemas.Result) []string {
	paths := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		paths[i] = v.Path
	}
	return paths
}

func TestValidateOutline_ModuleBounds(t *testing.T) {
	cfg := DefaultExecutorConfig()
	cfg.MinModules = 4
	e := newTestExecutor(llmtest.NewScriptedClient(), cfg)

	result := e.validateOutline(decode(t, threeModuleOutline))
	assert.False(t, result.OK)
	assert.Contains(t, violationPaths(result), "modules")

	cfg.MinModules = 3
	e = newTestExecutor(llmtest.NewScriptedClient(), cfg)
	assert.True(t, e.validateOutline(decode(t, threeModuleOutline)).OK)
}

func TestRunOutline_RepairsModuleCount(t *testing.T) {
	cfg := DefaultExecutorConfig()
	cfg.MaxModules = 2
	client := llmtest.NewScriptedClient(
		llmtest.Reply{Text: threeModuleOutline},
		llmtest.Reply{Text: `{"title": "Graphs", "description": "d", "modules": [
			{"title": "One", "lessons": [{"title": "a", "variant": "concept", "summary": "s"}]}
		]}`},
	)
	cfg.MinModules = 1
	e := newTestExecutor(client, cfg)

	result, err := e.RunOutline(context.Background(), topicCapsule("graphs"))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)
	assert.Len(t, result.Outline.Modules, 1)
	assert.JSONEq(t, string(result.JSON), `{"title": "Graphs", "description": "d", "modules": [
			{"title": "One", "lessons": [{"title": "a", "variant": "concept", "summary": "s"}]}
		]}`)

	calls := client.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Prompt, "Topic: graphs")
	assert.Contains(t, calls[1].Prompt, "must have between 1 and 2 modules, got 3")
}

func TestRunModule_BuildsLessonsInOrder(t *testing.T) {
	client := llmtest.NewScriptedClient(llmtest.Reply{Text: moduleContent("m2")})
	e := newTestExecutor(client, DefaultExecutorConfig())
	capsule := topicCapsule("graphs")

	module, err := e.RunModule(context.Background(), capsule, testOutline(t), 2)
	require.NoError(t, err)
	assert.Equal(t, capsule.ID, module.CapsuleID)
	assert.Equal(t, 2, module.Position)
	assert.Equal(t, "Shortest paths", module.Title)
	require.Len(t, module.Lessons, 2)
	assert.Equal(t, 0, module.Lessons[0].Position)
	assert.Equal(t, 1, module.Lessons[1].Position)
	assert.Equal(t, []string{"first"}, module.Lessons[0].KeyPoints)

	prompt := client.Calls()[0].Prompt
	assert.Contains(t, prompt, "MODULE 3 of 3: Shortest paths")
	assert.Contains(t, prompt, "1. Foundations\n2. Traversal")
	assert.Contains(t, prompt, "1. [concept] Dijkstra: Greedy relaxation")
}

func TestRunModule_IndexOutOfRange(t *testing.T) {
	e := newTestExecutor(llmtest.NewScriptedClient(), DefaultExecutorConfig())

	_, err := e.RunModule(context.Background(), topicCapsule("graphs"), testOutline(t), 3)
	assert.Error(t, err)
}

func TestEstimatedMinutes(t *testing.T) {
	e := newTestExecutor(llmtest.NewScriptedClient(), DefaultExecutorConfig())
	o := testOutline(t)
	assert.Equal(t, 60, e.EstimatedMinutes(o))

	o.Modules[0].Lessons[0].EstimatedMinutes = 0
	assert.Equal(t, 58, e.EstimatedMinutes(o))
}
