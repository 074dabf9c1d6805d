package pipeline

import (
	"fmt"

	"github.com/jonathan/capsule-forge/internal/types"
)

// Progress weighting: the outline is worth outlineWeight percent, committed modules share
// modulesWeight, and only a completed job reaches 100.
const (
	outlineWeight = 10
	modulesWeight = 85
	maxUnfinished = outlineWeight + modulesWeight
)

// ComputeProgress renders a job as the progress read model. Percent never decreases as a
// job moves forward and is 100 only once the job is completed.
func ComputeProgress(job *types.GenerationJob) types.Progress {
	p := types.Progress{
		JobID:                job.ID,
		CapsuleID:            job.CapsuleID,
		State:                job.State,
		CurrentStage:         job.CurrentStage,
		CurrentModuleIndex:   job.CurrentModuleIndex,
		TotalModules:         job.TotalModules,
		LessonPlansGenerated: job.LessonPlansGenerated,
		TotalLessons:         job.TotalLessons,
		LessonsGenerated:     job.LessonsGenerated,
		UpdatedAt:            job.UpdatedAt,
		ErrorMessage:         job.ErrorMessage,
	}
	p.Percent = percent(job)
	p.Message = message(job)
	return p
}

func percent(job *types.GenerationJob) int {
	switch job.State {
	case types.JobCompleted:
		return 100
	case types.JobIdle:
		return 0
	case types.JobGeneratingOutline:
		return outlineWeight / 2
	}
	if job.TotalModules <= 0 {
		// failed before the outline landed
		return 0
	}
	done := min(job.CurrentModuleIndex, job.TotalModules)
	return min(outlineWeight+modulesWeight*done/job.TotalModules, maxUnfinished)
}

func message(job *types.GenerationJob) string {
	switch job.State {
	case types.JobIdle:
		return "Waiting to start"
	case types.JobGeneratingOutline:
		return "Designing the course outline"
	case types.JobOutlineComplete:
		return fmt.Sprintf("Outline ready: %d modules, %d lessons", job.TotalModules, job.TotalLessons)
	case types.JobGeneratingModuleContent:
		return fmt.Sprintf("Writing module %d of %d", job.CurrentModuleIndex+1, job.TotalModules)
	case types.JobModuleComplete:
		return fmt.Sprintf("Finished module %d of %d", job.CurrentModuleIndex, job.TotalModules)
	case types.JobCompleted:
		return "Your capsule is ready"
	case types.JobFailed:
		if job.ErrorMessage != "" {
			return job.ErrorMessage
		}
		return "Generation failed"
	}
	return string(job.State)
}
