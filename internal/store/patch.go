package store

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/jonathan/capsule-forge/internal/types"
)

// JobGuard is the optimistic precondition for a job update. A terminal job never matches.
type JobGuard struct {
	// States the job must be in; empty allows any non-terminal state
	States []types.JobState
	// ModuleIndex, when set, must equal the job's CurrentModuleIndex
	ModuleIndex *int
}

// Matches reports whether job satisfies the guard
func (g JobGuard) Matches(job *types.GenerationJob) bool {
	if job == nil || job.State.IsTerminal() {
		return false
	}
	if len(g.States) > 0 && !slices.Contains(g.States, job.State) {
		return false
	}
	if g.ModuleIndex != nil && job.CurrentModuleIndex != *g.ModuleIndex {
		return false
	}
	return true
}

// AnyActive matches any non-terminal job
var AnyActive = JobGuard{}

// JobPatch is a partial update of a job and, optionally, its capsule.
// nil fields are left unchanged. Every applied patch refreshes UpdatedAt.
type JobPatch struct {
	State                 *types.JobState
	CurrentStage          *string
	CurrentModuleIndex    *int
	TotalModules          *int
	LessonPlansGenerated  *int
	TotalLessons          *int
	LessonsGeneratedDelta int
	Outline               json.RawMessage
	ErrorMessage          *string
	IncrementAttempts     bool
	ResetAttempts         bool

	// EventMessage is recorded on the audit trail entry for this update
	EventMessage string

	CapsuleStatus      *types.CapsuleStatus
	CapsuleTitle       *string
	CapsuleDescription *string
	CapsuleError       *string
	EstimatedDuration  *int
}

// Apply mutates job in place
func (p JobPatch) Apply(job *types.GenerationJob, now time.Time) {
	if p.State != nil {
		job.State = *p.State
	}
	if p.CurrentStage != nil {
		job.CurrentStage = *p.CurrentStage
	}
	if p.CurrentModuleIndex != nil {
		job.CurrentModuleIndex = *p.CurrentModuleIndex
	}
	if p.TotalModules != nil {
		job.TotalModules = *p.TotalModules
	}
	if p.LessonPlansGenerated != nil {
		job.LessonPlansGenerated = *p.LessonPlansGenerated
	}
	if p.TotalLessons != nil {
		job.TotalLessons = *p.TotalLessons
	}
	job.LessonsGenerated += p.LessonsGeneratedDelta
	if len(p.Outline) > 0 {
		job.Outline = p.Outline
	}
	if p.ErrorMessage != nil {
		job.ErrorMessage = *p.ErrorMessage
	}
	switch {
	case p.ResetAttempts:
		job.Attempts = 0
	case p.IncrementAttempts:
		job.Attempts++
	}
	job.UpdatedAt = now
}

// TouchesCapsule reports whether the patch has capsule side effects
func (p JobPatch) TouchesCapsule() bool {
	return p.CapsuleStatus != nil || p.CapsuleTitle != nil || p.CapsuleDescription != nil ||
		p.CapsuleError != nil || p.EstimatedDuration != nil
}

// ApplyCapsule mutates capsule in place
func (p JobPatch) ApplyCapsule(c *types.Capsule, now time.Time) {
	if !p.TouchesCapsule() {
		return
	}
	if p.CapsuleStatus != nil {
		c.Status = *p.CapsuleStatus
	}
	if p.CapsuleTitle != nil {
		c.Title = *p.CapsuleTitle
	}
	if p.CapsuleDescription != nil {
		c.Description = *p.CapsuleDescription
	}
	if p.CapsuleError != nil {
		c.ErrorMessage = *p.CapsuleError
	}
	if p.EstimatedDuration != nil {
		c.EstimatedDuration = *p.EstimatedDuration
	}
	c.UpdatedAt = now
}

// Event builds the audit entry for a transition from prev, or nil when nothing worth recording happened
func (p JobPatch) Event(prev types.JobState, job *types.GenerationJob) *types.JobEvent {
	if job.State == prev && p.EventMessage == "" {
		return nil
	}
	return &types.JobEvent{
		JobID:     job.ID,
		FromState: prev,
		ToState:   job.State,
		Stage:     job.CurrentStage,
		Message:   p.EventMessage,
		CreatedAt: job.UpdatedAt,
	}
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}
