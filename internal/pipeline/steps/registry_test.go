package steps

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/capsule-forge/internal/llm"
	"github.com/jonathan/capsule-forge/internal/types"
)

func TestStageRegistry(t *testing.T) {
	for _, kind := range []Kind{KindOutline, KindModule, KindFinalize} {
		def, ok := StageRegistry[kind]
		require.True(t, ok, "stage %s should be in registry", kind)
		assert.Equal(t, kind, def.Kind)
		assert.NotEmpty(t, def.From)
	}
}

func TestStageRegistry_DoneStatesAndTiers(t *testing.T) {
	assert.Equal(t, types.JobOutlineComplete, StageRegistry[KindOutline].Done)
	assert.Equal(t, types.JobModuleComplete, StageRegistry[KindModule].Done)
	assert.Equal(t, types.JobCompleted, StageRegistry[KindFinalize].Done)

	assert.Equal(t, llm.TierAdvanced, StageRegistry[KindOutline].Tier)
	assert.Equal(t, llm.TierStandard, StageRegistry[KindModule].Tier)
	assert.Empty(t, StageRegistry[KindFinalize].Tier)
}

func TestNext(t *testing.T) {
	outline := json.RawMessage(`{"title":"x"}`)

	tests := []struct {
		name string
		job  *types.GenerationJob
		want Step
	}{
		{"nil job", nil, Step{Kind: KindNone}},
		{"completed", &types.GenerationJob{State: types.JobCompleted}, Step{Kind: KindNone}},
		{"failed", &types.GenerationJob{State: types.JobFailed}, Step{Kind: KindNone}},
		{"idle", &types.GenerationJob{State: types.JobIdle}, Step{Kind: KindOutline}},
		{"outline interrupted", &types.GenerationJob{State: types.JobGeneratingOutline}, Step{Kind: KindOutline}},
		{
			"first module",
			&types.GenerationJob{State: types.JobOutlineComplete, Outline: outline, TotalModules: 3},
			Step{Kind: KindModule, ModuleIndex: 0},
		},
		{
			"module interrupted",
			&types.GenerationJob{State: types.JobGeneratingModuleContent, Outline: outline, TotalModules: 3, CurrentModuleIndex: 1},
			Step{Kind: KindModule, ModuleIndex: 1},
		},
		{
			"all modules committed",
			&types.GenerationJob{State: types.JobModuleComplete, Outline: outline, TotalModules: 3, CurrentModuleIndex: 3},
			Step{Kind: KindFinalize, ModuleIndex: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.job)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNext_ModuleStateWithoutOutline(t *testing.T) {
	_, err := Next(&types.GenerationJob{State: types.JobOutlineComplete, TotalModules: 2})

	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, KindModule, depErr.Step)
	assert.Equal(t, []Kind{KindOutline}, depErr.MissingDependencies)
}

func TestNext_UnknownState(t *testing.T) {
	_, err := Next(&types.GenerationJob{State: "paused"})
	assert.Error(t, err)
}

func TestStepStage(t *testing.T) {
	assert.Equal(t, "outline", Step{Kind: KindOutline}.Stage())
	assert.Equal(t, "module_2", Step{Kind: KindModule, ModuleIndex: 2}.Stage())
	assert.Equal(t, "finalize", Step{Kind: KindFinalize}.Stage())
	assert.Equal(t, "module[2]", Step{Kind: KindModule, ModuleIndex: 2}.String())
}

func TestValidateDependencies_UnknownStage(t *testing.T) {
	err := ValidateDependencies(&types.GenerationJob{}, "render")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}
