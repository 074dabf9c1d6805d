// Package steps defines the stages of capsule generation and decides which one a job runs next.
package steps

import (
	"fmt"

	"github.com/jonathan/capsule-forge/internal/llm"
	"github.com/jonathan/capsule-forge/internal/types"
)

// Kind identifies a stage of generation
type Kind string

const (
	// KindNone means the job has nothing left to run
	KindNone Kind = "none"
	// KindOutline produces and persists the capsule outline
	KindOutline Kind = "outline"
	// KindModule produces one module's lessons
	KindModule Kind = "module"
	// KindFinalize completes a job whose modules are all committed
	KindFinalize Kind = "finalize"
)

// StageDefinition describes a stage's place in the job state machine
type StageDefinition struct {
	Kind Kind
	// From lists the job states a stage may start in
	From []types.JobState
	// Running is the state the job holds while the stage executes
	Running types.JobState
	// Done is the state the job moves to when the stage commits
	Done types.JobState
	// Dependencies are stages whose output must already be persisted
	Dependencies []Kind
	// Tier is the model tier the stage generates with; empty for stages that call no model
	Tier llm.ModelTier
}

// StageRegistry holds all stage definitions
var StageRegistry = map[Kind]StageDefinition{
	KindOutline: {
		Kind:    KindOutline,
		From:    []types.JobState{types.JobIdle, types.JobGeneratingOutline},
		Running: types.JobGeneratingOutline,
		Done:    types.JobOutlineComplete,
		Tier:    llm.TierAdvanced,
	},
	KindModule: {
		Kind: KindModule,
		From: []types.JobState{
			types.JobOutlineComplete, types.JobGeneratingModuleContent, types.JobModuleComplete,
		},
		Running:      types.JobGeneratingModuleContent,
		Done:         types.JobModuleComplete,
		Dependencies: []Kind{KindOutline},
		Tier:         llm.TierStandard,
	},
	KindFinalize: {
		Kind: KindFinalize,
		From: []types.JobState{
			types.JobOutlineComplete, types.JobGeneratingModuleContent, types.JobModuleComplete,
		},
		Running:      types.JobModuleComplete,
		Done:         types.JobCompleted,
		Dependencies: []Kind{KindOutline, KindModule},
	},
}

// Step is the unit of work an invocation should perform
type Step struct {
	Kind        Kind
	ModuleIndex int
}

// Stage is the CurrentStage label for the step
func (s Step) Stage() string {
	switch s.Kind {
	case KindOutline:
		return types.StageOutline
	case KindModule:
		return types.ModuleStage(s.ModuleIndex)
	case KindFinalize:
		return types.StageFinalize
	}
	return ""
}

func (s Step) String() string {
	if s.Kind == KindModule {
		return fmt.Sprintf("%s[%d]", s.Kind, s.ModuleIndex)
	}
	return string(s.Kind)
}

// DependencyError reports a job whose persisted state cannot support the stage it is in
type DependencyError struct {
	Step                Kind
	MissingDependencies []Kind
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("stage %s is missing dependencies: %v", e.Step, e.MissingDependencies)
}

// Next decides the step for job. A terminal job yields KindNone.
func Next(job *types.GenerationJob) (Step, error) {
	if job == nil || job.State.IsTerminal() {
		return Step{Kind: KindNone}, nil
	}
	if !job.State.Valid() {
		return Step{}, fmt.Errorf("unknown job state: %q", job.State)
	}

	if allowed(KindOutline, job.State) {
		return Step{Kind: KindOutline}, nil
	}

	if err := ValidateDependencies(job, KindModule); err != nil {
		return Step{}, err
	}
	if job.CurrentModuleIndex >= job.TotalModules {
		return Step{Kind: KindFinalize, ModuleIndex: job.TotalModules}, nil
	}
	return Step{Kind: KindModule, ModuleIndex: job.CurrentModuleIndex}, nil
}

// ValidateDependencies checks that job carries everything stage needs
func ValidateDependencies(job *types.GenerationJob, stage Kind) error {
	def, ok := StageRegistry[stage]
	if !ok {
		return fmt.Errorf("unknown stage: %s", stage)
	}

	var missing []Kind
	for _, dep := range def.Dependencies {
		switch dep {
		case KindOutline:
			if len(job.Outline) == 0 || job.TotalModules == 0 {
				missing = append(missing, dep)
			}
		case KindModule:
			if job.CurrentModuleIndex < job.TotalModules {
				missing = append(missing, dep)
			}
		}
	}
	if len(missing) > 0 {
		return &DependencyError{Step: stage, MissingDependencies: missing}
	}
	return nil
}

func allowed(stage Kind, state types.JobState) bool {
	for _, s := range StageRegistry[stage].From {
		if s == state {
			return true
		}
	}
	return false
}
