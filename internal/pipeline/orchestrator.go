package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jonathan/capsule-forge/internal/llm"
	"github.com/jonathan/capsule-forge/internal/observability"
	"github.com/jonathan/capsule-forge/internal/pipeline/steps"
	"github.com/jonathan/capsule-forge/internal/store"
	"github.com/jonathan/capsule-forge/internal/types"
)

// Scheduler re-invokes the orchestrator for a job after delay
type Scheduler interface {
	Schedule(ctx context.Context, jobID uuid.UUID, delay time.Duration) error
}

// Outcome is what one invocation did
type Outcome string

const (
	// OutcomeNoop means the job was terminal or another invocation got there first
	OutcomeNoop Outcome = "noop"
	// OutcomeCancelled means the job or its capsule no longer exists
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeAdvanced means a stage committed and the next invocation was scheduled
	OutcomeAdvanced Outcome = "advanced"
	// OutcomeCompleted means the capsule is complete
	OutcomeCompleted Outcome = "completed"
	// OutcomeDeferred means a quota signal left the stage un-advanced and rescheduled
	OutcomeDeferred Outcome = "deferred"
	// OutcomeFailed means the job transitioned to failed
	OutcomeFailed Outcome = "failed"
)

// OrchestratorConfig tunes scheduling between invocations
type OrchestratorConfig struct {
	// NextStageDelay is the delay before the invocation that follows a committed stage
	NextStageDelay time.Duration
	// QuotaRetryDelay is the delay before retrying a stage deferred by quota
	QuotaRetryDelay time.Duration
}

// DefaultOrchestratorConfig returns production delays
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		NextStageDelay:  0,
		QuotaRetryDelay: 30 * time.Second,
	}
}

// Orchestrator owns the job state machine. Each Invoke runs at most one stage.
type Orchestrator struct {
	store     store.Store
	exec      *StageExecutor
	scheduler Scheduler
	cfg       OrchestratorConfig
	log       *observability.Logger
}

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(st store.Store, exec *StageExecutor, scheduler Scheduler, cfg OrchestratorConfig, log *observability.Logger) *Orchestrator {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Orchestrator{store: st, exec: exec, scheduler: scheduler, cfg: cfg, log: log}
}

// Invoke loads the job, runs the next stage, persists it, and schedules the next invocation.
// Duplicate and late invocations are safe: they end as OutcomeNoop or OutcomeCancelled.
// A quota deferral returns OutcomeDeferred with an error wrapping ErrRetryLater.
func (o *Orchestrator) Invoke(ctx context.Context, jobID uuid.UUID) (Outcome, error) {
	ctx, span := observability.Tracer("pipeline").Start(ctx, "pipeline.Invoke")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", jobID.String()))

	outcome, err := o.invoke(ctx, jobID)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if err != nil && !errors.Is(err, ErrRetryLater) {
		observability.RecordError(span, err)
	}
	return outcome, err
}

func (o *Orchestrator) invoke(ctx context.Context, jobID uuid.UUID) (Outcome, error) {
	log := o.log.With("job_id", jobID)

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		log.Info("job no longer exists; skipping")
		return OutcomeCancelled, nil
	}
	capsule, err := o.store.GetCapsule(ctx, job.CapsuleID)
	if err != nil {
		return "", fmt.Errorf("failed to load capsule: %w", err)
	}
	if capsule == nil {
		log.Info("capsule deleted; skipping", "capsule_id", job.CapsuleID)
		return OutcomeCancelled, nil
	}
	if job.State.IsTerminal() {
		log.Debug("job is terminal; nothing to do", "state", job.State)
		return OutcomeNoop, nil
	}

	step, err := steps.Next(job)
	if err != nil {
		return o.fail(ctx, job, step, err)
	}
	log = log.With("capsule_id", capsule.ID, "step", step.String())

	switch step.Kind {
	case steps.KindOutline:
		return o.runOutline(ctx, log, job, capsule, step)
	case steps.KindModule:
		return o.runModule(ctx, log, job, capsule, step)
	case steps.KindFinalize:
		return o.finalize(ctx, log, job, step)
	}
	return OutcomeNoop, nil
}

// begin moves the job into the stage's running state. The guard pins the state and index the
// invocation observed, so a concurrent invocation that already advanced makes this a no-op.
func (o *Orchestrator) begin(ctx context.Context, job *types.GenerationJob, step steps.Step) (*types.GenerationJob, error) {
	def := steps.StageRegistry[step.Kind]
	guard := store.JobGuard{States: []types.JobState{job.State}, ModuleIndex: store.Ptr(job.CurrentModuleIndex)}
	patch := store.JobPatch{
		State:         store.Ptr(def.Running),
		CurrentStage:  store.Ptr(step.Stage()),
		CapsuleStatus: store.Ptr(types.CapsuleProcessing),
	}
	if job.State == def.Running && job.CurrentStage == step.Stage() {
		// resuming an interrupted stage
		patch.EventMessage = "resuming " + step.Stage()
	}
	return o.store.UpdateJob(ctx, job.ID, guard, patch)
}

func (o *Orchestrator) runOutline(ctx context.Context, log *observability.Logger, job *types.GenerationJob, capsule *types.Capsule, step steps.Step) (Outcome, error) {
	job, err := o.begin(ctx, job, step)
	if err != nil {
		return o.storeOutcome(err)
	}

	ctx, span := observability.Tracer("pipeline").Start(ctx, "pipeline.stage.outline")
	result, err := o.exec.RunOutline(ctx, capsule)
	span.End()
	if err != nil {
		return o.handleStageError(ctx, log, job, step, err)
	}

	gone, err := o.capsuleGone(ctx, capsule.ID)
	if err != nil {
		return "", err
	}
	if gone {
		return OutcomeCancelled, nil
	}

	outline := result.Outline
	job, err = o.store.UpdateJob(ctx, job.ID,
		store.JobGuard{States: []types.JobState{types.JobGeneratingOutline}},
		store.JobPatch{
			State:                store.Ptr(steps.StageRegistry[steps.KindOutline].Done),
			CurrentStage:         store.Ptr(types.ModuleStage(0)),
			CurrentModuleIndex:   store.Ptr(0),
			TotalModules:         store.Ptr(len(outline.Modules)),
			LessonPlansGenerated: store.Ptr(outline.TotalLessons()),
			TotalLessons:         store.Ptr(outline.TotalLessons()),
			Outline:              result.JSON,
			ResetAttempts:        true,
			EventMessage:         fmt.Sprintf("outline with %d modules", len(outline.Modules)),
			CapsuleTitle:         store.Ptr(outline.Title),
			CapsuleDescription:   store.Ptr(outline.Description),
		})
	if err != nil {
		return o.storeOutcome(err)
	}
	log.Info("outline committed", "modules", job.TotalModules, "lessons", job.TotalLessons)
	return o.scheduleNext(ctx, job, OutcomeAdvanced)
}

func (o *Orchestrator) runModule(ctx context.Context, log *observability.Logger, job *types.GenerationJob, capsule *types.Capsule, step steps.Step) (Outcome, error) {
	index := step.ModuleIndex

	// A module present at this index was committed by an earlier invocation; advance past it.
	existing, err := o.store.GetModuleByPosition(ctx, capsule.ID, index)
	if err != nil {
		return "", fmt.Errorf("failed to check module %d: %w", index, err)
	}
	if existing != nil {
		log.Warn("module already persisted; skipping regeneration", "module_index", index)
		job, err = o.store.UpdateJob(ctx, job.ID,
			store.JobGuard{ModuleIndex: store.Ptr(index)},
			o.moduleCommitPatch(job, index, len(existing.LessonIDs), "module already persisted"))
		if err != nil {
			return o.storeOutcome(err)
		}
		return o.afterModule(ctx, job)
	}

	outline, err := job.DecodeOutline()
	if err != nil {
		return o.fail(ctx, job, step, err)
	}
	if outline == nil || index >= len(outline.Modules) {
		return o.fail(ctx, job, step, &steps.DependencyError{Step: steps.KindModule, MissingDependencies: []steps.Kind{steps.KindOutline}})
	}

	job, err = o.begin(ctx, job, step)
	if err != nil {
		return o.storeOutcome(err)
	}

	ctx, span := observability.Tracer("pipeline").Start(ctx, "pipeline.stage.module")
	span.SetAttributes(attribute.Int("module_index", index))
	module, err := o.exec.RunModule(ctx, capsule, outline, index)
	span.End()
	if err != nil {
		return o.handleStageError(ctx, log, job, step, err)
	}

	gone, err := o.capsuleGone(ctx, capsule.ID)
	if err != nil {
		return "", err
	}
	if gone {
		return OutcomeCancelled, nil
	}

	patch := o.moduleCommitPatch(job, index, len(module.Lessons), "")
	if index+1 >= job.TotalModules {
		patch.CapsuleStatus = store.Ptr(types.CapsuleCompleted)
		patch.CapsuleError = store.Ptr("")
		patch.EstimatedDuration = store.Ptr(o.exec.EstimatedMinutes(outline))
	}
	job, err = o.store.CommitModule(ctx, job.ID,
		store.JobGuard{States: []types.JobState{types.JobGeneratingModuleContent}, ModuleIndex: store.Ptr(index)},
		module, patch)
	if err != nil {
		return o.storeOutcome(err)
	}
	log.Info("module committed", "module_index", index, "lessons", len(module.Lessons))
	return o.afterModule(ctx, job)
}

// moduleCommitPatch advances past module index, completing the job when it was the last one
func (o *Orchestrator) moduleCommitPatch(job *types.GenerationJob, index, lessons int, message string) store.JobPatch {
	patch := store.JobPatch{
		State:                 store.Ptr(steps.StageRegistry[steps.KindModule].Done),
		CurrentStage:          store.Ptr(types.ModuleStage(index)),
		CurrentModuleIndex:    store.Ptr(index + 1),
		LessonsGeneratedDelta: lessons,
		ResetAttempts:         true,
		EventMessage:          message,
	}
	if index+1 >= job.TotalModules {
		patch.State = store.Ptr(steps.StageRegistry[steps.KindFinalize].Done)
		patch.CurrentStage = store.Ptr(types.StageFinalize)
		patch.CapsuleStatus = store.Ptr(types.CapsuleCompleted)
	}
	return patch
}

func (o *Orchestrator) afterModule(ctx context.Context, job *types.GenerationJob) (Outcome, error) {
	if job.State == types.JobCompleted {
		o.log.Info("capsule completed", "job_id", job.ID, "capsule_id", job.CapsuleID, "modules", job.TotalModules)
		return OutcomeCompleted, nil
	}
	return o.scheduleNext(ctx, job, OutcomeAdvanced)
}

// finalize completes a job whose modules are all committed but whose state never caught up
func (o *Orchestrator) finalize(ctx context.Context, log *observability.Logger, job *types.GenerationJob, step steps.Step) (Outcome, error) {
	patch := store.JobPatch{
		State:         store.Ptr(steps.StageRegistry[step.Kind].Done),
		CurrentStage:  store.Ptr(step.Stage()),
		CapsuleStatus: store.Ptr(types.CapsuleCompleted),
		CapsuleError:  store.Ptr(""),
		EventMessage:  "finalized",
	}
	if outline, err := job.DecodeOutline(); err == nil && outline != nil {
		patch.EstimatedDuration = store.Ptr(o.exec.EstimatedMinutes(outline))
	}
	if _, err := o.store.UpdateJob(ctx, job.ID, store.JobGuard{ModuleIndex: store.Ptr(job.CurrentModuleIndex)}, patch); err != nil {
		return o.storeOutcome(err)
	}
	log.Info("capsule completed")
	return OutcomeCompleted, nil
}

// handleStageError routes a stage failure by kind: quota defers, cancellation leaves the job
// for the next invocation, everything else fails the job.
func (o *Orchestrator) handleStageError(ctx context.Context, log *observability.Logger, job *types.GenerationJob, step steps.Step, err error) (Outcome, error) {
	if llm.IsQuota(err) {
		return o.deferStage(ctx, log, job, step, err)
	}
	if llm.Classify(err) == llm.KindCanceled && ctx.Err() != nil {
		log.Warn("invocation cancelled mid-stage", "error", err)
		return "", err
	}
	return o.fail(ctx, job, step, err)
}

func (o *Orchestrator) deferStage(ctx context.Context, log *observability.Logger, job *types.GenerationJob, step steps.Step, cause error) (Outcome, error) {
	delay := o.cfg.QuotaRetryDelay
	// Touch the heartbeat so the stale sweep does not kill a job that is backing off.
	job, err := o.store.UpdateJob(ctx, job.ID,
		store.JobGuard{States: []types.JobState{job.State}, ModuleIndex: store.Ptr(job.CurrentModuleIndex)},
		store.JobPatch{
			IncrementAttempts: true,
			EventMessage:      fmt.Sprintf("quota exceeded during %s; retrying in %s", step.Stage(), delay),
		})
	if err != nil {
		return o.storeOutcome(err)
	}
	log.Warn("generation quota exceeded; stage deferred",
		"attempts", job.Attempts,
		"retry_in", delay.String(),
		"error", cause,
	)
	if err := o.scheduler.Schedule(ctx, job.ID, delay); err != nil {
		return OutcomeDeferred, fmt.Errorf("failed to reschedule deferred job: %w", err)
	}
	return OutcomeDeferred, fmt.Errorf("%w: %w", ErrRetryLater, cause)
}

// fail transitions the job and capsule to failed with a user-facing message. Full detail is logged only.
func (o *Orchestrator) fail(ctx context.Context, job *types.GenerationJob, step steps.Step, cause error) (Outcome, error) {
	msg := UserMessage(cause)
	stageErr := &StageError{Stage: step.Stage(), Err: cause}
	o.log.Error("generation failed",
		"job_id", job.ID,
		"capsule_id", job.CapsuleID,
		"stage", step.Stage(),
		"error", stageErr,
	)
	_, err := o.store.UpdateJob(ctx, job.ID, store.AnyActive, store.JobPatch{
		State:         store.Ptr(types.JobFailed),
		ErrorMessage:  store.Ptr(msg),
		CapsuleStatus: store.Ptr(types.CapsuleFailed),
		CapsuleError:  store.Ptr(msg),
		EventMessage:  msg,
	})
	if err != nil {
		return o.storeOutcome(err)
	}
	return OutcomeFailed, nil
}

func (o *Orchestrator) scheduleNext(ctx context.Context, job *types.GenerationJob, outcome Outcome) (Outcome, error) {
	if err := o.scheduler.Schedule(ctx, job.ID, o.cfg.NextStageDelay); err != nil {
		return outcome, fmt.Errorf("failed to schedule next stage: %w", err)
	}
	return outcome, nil
}

// storeOutcome maps optimistic-update failures onto outcomes; they mean another actor moved the job
func (o *Orchestrator) storeOutcome(err error) (Outcome, error) {
	switch {
	case errors.Is(err, store.ErrConflict):
		o.log.Info("job changed concurrently; invocation is a no-op")
		return OutcomeNoop, nil
	case errors.Is(err, store.ErrNotFound):
		return OutcomeCancelled, nil
	}
	return "", err
}

// capsuleGone is the cooperative cancellation check made before committing a stage
func (o *Orchestrator) capsuleGone(ctx context.Context, capsuleID uuid.UUID) (bool, error) {
	c, err := o.store.GetCapsule(ctx, capsuleID)
	if err != nil {
		return false, fmt.Errorf("failed to recheck capsule: %w", err)
	}
	if c == nil {
		o.log.Info("capsule deleted during stage; discarding output", "capsule_id", capsuleID)
		return true, nil
	}
	return false, nil
}
