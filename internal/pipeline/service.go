package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/capsule-forge/internal/observability"
	"github.com/jonathan/capsule-forge/internal/store"
	"github.com/jonathan/capsule-forge/internal/types"
)

// Service is the trigger surface for capsule generation used by the API and the CLI
type Service struct {
	store     store.Store
	exec      *StageExecutor
	scheduler Scheduler
	log       *observability.Logger
}

// NewService creates a Service
func NewService(st store.Store, exec *StageExecutor, scheduler Scheduler, log *observability.Logger) *Service {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Service{store: st, exec: exec, scheduler: scheduler, log: log}
}

// CreateCapsule stores a pending capsule for the request and starts its generation
func (s *Service) CreateCapsule(ctx context.Context, userID uuid.UUID, req types.CreateCapsuleRequest) (*types.Capsule, *types.GenerationJob, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	visibility := req.Visibility
	if visibility == "" {
		visibility = types.VisibilityPrivate
	}
	capsule := &types.Capsule{
		UserID:     userID,
		Title:      provisionalTitle(req),
		Source:     req.Source(),
		Visibility: visibility,
		Status:     types.CapsulePending,
	}
	if err := s.store.CreateCapsule(ctx, capsule); err != nil {
		return nil, nil, err
	}
	s.log.Info("capsule created", "capsule_id", capsule.ID, "user_id", userID, "source_kind", capsule.Source.Kind)

	job, err := s.StartGeneration(ctx, capsule.ID)
	if err != nil {
		return capsule, nil, err
	}
	return capsule, job, nil
}

// StartGeneration ensures the capsule has a live job and triggers the orchestrator.
// It is idempotent: an existing non-terminal job is reused and a completed one is returned as is.
func (s *Service) StartGeneration(ctx context.Context, capsuleID uuid.UUID) (*types.GenerationJob, error) {
	capsule, err := s.store.GetCapsule(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if capsule == nil {
		return nil, ErrCapsuleNotFound
	}

	latest, err := s.store.GetLatestJob(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		switch latest.State {
		case types.JobCompleted:
			return latest, nil
		case types.JobFailed:
			return nil, ErrRetryRequired
		}
	}

	job, created, err := s.store.EnsureActiveJob(ctx, capsuleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCapsuleNotFound
		}
		return nil, err
	}
	if created {
		s.log.Info("generation job created", "capsule_id", capsuleID, "job_id", job.ID)
	}
	// Re-scheduling an existing job is harmless: schedulers coalesce by job id and the
	// orchestrator tolerates duplicate invocations.
	if err := s.scheduler.Schedule(ctx, job.ID, 0); err != nil {
		return job, fmt.Errorf("failed to schedule job: %w", err)
	}
	return job, nil
}

// RetryGeneration resumes a failed capsule from its last persisted module. A new job is
// created that reuses the persisted outline, so committed modules are never regenerated.
func (s *Service) RetryGeneration(ctx context.Context, capsuleID uuid.UUID) (*types.GenerationJob, error) {
	capsule, err := s.store.GetCapsule(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if capsule == nil {
		return nil, ErrCapsuleNotFound
	}
	failed, err := s.store.GetLatestJob(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if failed == nil {
		return nil, ErrJobNotFound
	}
	if failed.State != types.JobFailed {
		return nil, ErrNotRetryable
	}

	persisted, err := s.store.CountModules(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	job, err := resumeJob(failed, persisted)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateRetryJob(ctx, failed.ID, job); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrNotRetryable
		}
		return nil, err
	}
	s.log.Info("generation retried",
		"capsule_id", capsuleID,
		"job_id", job.ID,
		"previous_job_id", failed.ID,
		"resume_module_index", job.CurrentModuleIndex,
	)
	if err := s.scheduler.Schedule(ctx, job.ID, 0); err != nil {
		return job, fmt.Errorf("failed to schedule job: %w", err)
	}
	return job, nil
}

// resumeJob builds the successor of a failed job given how many modules are persisted
func resumeJob(failed *types.GenerationJob, persisted int) (*types.GenerationJob, error) {
	job := &types.GenerationJob{State: types.JobIdle}
	outline, err := failed.DecodeOutline()
	if err != nil || outline == nil || len(outline.Modules) == 0 {
		// no usable outline: start over
		return job, nil
	}

	total := len(outline.Modules)
	if persisted > total {
		return nil, fmt.Errorf("capsule has %d modules but its outline plans %d", persisted, total)
	}
	lessonsDone := 0
	for i := 0; i < persisted; i++ {
		lessonsDone += len(outline.Modules[i].Lessons)
	}

	job.Outline = failed.Outline
	job.TotalModules = total
	job.TotalLessons = outline.TotalLessons()
	job.LessonPlansGenerated = outline.TotalLessons()
	job.CurrentModuleIndex = persisted
	job.LessonsGenerated = lessonsDone
	job.State = types.JobOutlineComplete
	job.CurrentStage = types.ModuleStage(persisted)
	if persisted > 0 {
		job.State = types.JobModuleComplete
	}
	return job, nil
}

// DeleteCapsule removes a capsule and everything it owns. In-flight invocations observe the
// missing capsule at their next stage boundary and stop.
func (s *Service) DeleteCapsule(ctx context.Context, capsuleID uuid.UUID) error {
	if err := s.store.DeleteCapsule(ctx, capsuleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrCapsuleNotFound
		}
		return err
	}
	s.log.Info("capsule deleted", "capsule_id", capsuleID)
	return nil
}

// Progress returns the progress read model of the capsule's latest job
func (s *Service) Progress(ctx context.Context, capsuleID uuid.UUID) (*types.Progress, error) {
	job, err := s.store.GetLatestJob(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		capsule, err := s.store.GetCapsule(ctx, capsuleID)
		if err != nil {
			return nil, err
		}
		if capsule == nil {
			return nil, ErrCapsuleNotFound
		}
		return nil, ErrJobNotFound
	}
	p := ComputeProgress(job)
	return &p, nil
}

// RegenerateLesson rewrites one committed lesson outside the pipeline. The replacement is
// validated as a single lesson and overwrites the stored lesson in place.
func (s *Service) RegenerateLesson(ctx context.Context, capsuleID, lessonID uuid.UUID, instructions string) (*types.Lesson, error) {
	capsule, err := s.store.GetCapsule(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if capsule == nil {
		return nil, ErrCapsuleNotFound
	}
	lesson, err := s.store.GetLesson(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	modules, err := s.store.ListModules(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	var module *types.Module
	for i := range modules {
		if lesson != nil && modules[i].ID == lesson.ModuleID {
			module = &modules[i].Module
		}
	}
	if lesson == nil || module == nil {
		return nil, ErrLessonNotFound
	}

	content, err := s.exec.RegenerateLesson(ctx, capsule, module, lesson, instructions)
	if err != nil {
		return nil, err
	}
	// the variant was planned with the outline and is not the model's to change
	lesson.Title = content.Title
	lesson.Body = content.Body
	lesson.KeyPoints = content.KeyPoints
	lesson.Questions = content.Questions
	if err := s.store.ReplaceLesson(ctx, lesson); err != nil {
		return nil, err
	}
	s.log.Info("lesson regenerated", "capsule_id", capsuleID, "lesson_id", lessonID)
	return lesson, nil
}

func provisionalTitle(req types.CreateCapsuleRequest) string {
	if req.Topic != "" {
		return req.Topic
	}
	return "Untitled capsule"
}
