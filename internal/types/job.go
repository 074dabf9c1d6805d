package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState is a GenerationJob state machine state
type JobState string

const (
	JobIdle                    JobState = "idle"
	JobGeneratingOutline       JobState = "generating_outline"
	JobOutlineComplete         JobState = "outline_complete"
	JobGeneratingModuleContent JobState = "generating_module_content"
	JobModuleComplete          JobState = "module_complete"
	JobCompleted               JobState = "completed"
	JobFailed                  JobState = "failed"
)

// TerminalJobStates are the states no invocation may leave
var TerminalJobStates = []JobState{JobCompleted, JobFailed}

// IsTerminal reports whether the state is completed or failed
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Valid reports whether s is a known state
func (s JobState) Valid() bool {
	switch s {
	case JobIdle, JobGeneratingOutline, JobOutlineComplete, JobGeneratingModuleContent,
		JobModuleComplete, JobCompleted, JobFailed:
		return true
	}
	return false
}

// ModuleStage is the CurrentStage label used while module i is being generated
func ModuleStage(index int) string {
	return fmt.Sprintf("module_%d", index)
}

// Stage labels for CurrentStage outside of module generation
const (
	StageOutline  = "outline"
	StageFinalize = "finalize"
)

// GenerationJob is the persisted state-machine record driving one capsule's production
type GenerationJob struct {
	ID                   uuid.UUID       `json:"id"`
	CapsuleID            uuid.UUID       `json:"capsule_id"`
	State                JobState        `json:"state"`
	CurrentStage         string          `json:"current_stage,omitempty"`
	CurrentModuleIndex   int             `json:"current_module_index"`
	TotalModules         int             `json:"total_modules"`
	LessonPlansGenerated int             `json:"lesson_plans_generated"`
	TotalLessons         int             `json:"total_lessons"`
	LessonsGenerated     int             `json:"lessons_generated"`
	Outline              json.RawMessage `json:"outline,omitempty"`
	Attempts             int             `json:"attempts"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// DecodeOutline parses the persisted outline, returning nil when none has been stored
func (j *GenerationJob) DecodeOutline() (*Outline, error) {
	if len(j.Outline) == 0 {
		return nil, nil
	}
	var o Outline
	if err := json.Unmarshal(j.Outline, &o); err != nil {
		return nil, fmt.Errorf("failed to decode persisted outline: %w", err)
	}
	return &o, nil
}

// JobEvent is one state transition in a job's audit trail
type JobEvent struct {
	ID        int64     `json:"id"`
	JobID     uuid.UUID `json:"job_id"`
	FromState JobState  `json:"from_state"`
	ToState   JobState  `json:"to_state"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Progress is the read model rendered by clients
type Progress struct {
	JobID                uuid.UUID `json:"job_id"`
	CapsuleID            uuid.UUID `json:"capsule_id"`
	State                JobState  `json:"state"`
	CurrentStage         string    `json:"current_stage,omitempty"`
	CurrentModuleIndex   int       `json:"current_module_index"`
	TotalModules         int       `json:"total_modules"`
	LessonPlansGenerated int       `json:"lesson_plans_generated"`
	TotalLessons         int       `json:"total_lessons"`
	LessonsGenerated     int       `json:"lessons_generated"`
	UpdatedAt            time.Time `json:"updated_at"`
	Percent              int       `json:"percent"`
	Message              string    `json:"message"`
	ErrorMessage         string    `json:"error_message,omitempty"`
}
