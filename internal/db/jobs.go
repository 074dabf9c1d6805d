package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/capsule-forge/internal/store"
	"github.com/jonathan/capsule-forge/internal/types"
)

const jobColumns = `id, capsule_id, state, current_stage, current_module_index, total_modules,
	lesson_plans_generated, total_lessons, lessons_generated, outline, attempts, error_message,
	created_at, updated_at`

const activeJobFilter = `state NOT IN ('completed', 'failed')`

func scanJob(row pgx.Row) (*types.GenerationJob, error) {
	var j types.GenerationJob
	var outline []byte
	err := row.Scan(&j.ID, &j.CapsuleID, &j.State, &j.CurrentStage, &j.CurrentModuleIndex,
		&j.TotalModules, &j.LessonPlansGenerated, &j.TotalLessons, &j.LessonsGenerated, &outline,
		&j.Attempts, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(outline) > 0 {
		j.Outline = outline
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func nullableOutline(j *types.GenerationJob) any {
	if len(j.Outline) == 0 {
		return nil
	}
	return []byte(j.Outline)
}

func getJob(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*types.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	j, err := scanJob(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func latestJob(ctx context.Context, q querier, capsuleID uuid.UUID) (*types.GenerationJob, error) {
	j, err := scanJob(q.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM generation_jobs WHERE capsule_id = $1
		 ORDER BY created_at DESC, seq DESC LIMIT 1`, capsuleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest job: %w", err)
	}
	return j, nil
}

func insertJob(ctx context.Context, q querier, j *types.GenerationJob) error {
	_, err := q.Exec(ctx,
		`INSERT INTO generation_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.ID, j.CapsuleID, j.State, j.CurrentStage, j.CurrentModuleIndex, j.TotalModules,
		j.LessonPlansGenerated, j.TotalLessons, j.LessonsGenerated, nullableOutline(j), j.Attempts,
		j.ErrorMessage, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func writeJob(ctx context.Context, q querier, j *types.GenerationJob) error {
	_, err := q.Exec(ctx,
		`UPDATE generation_jobs SET state = $1, current_stage = $2, current_module_index = $3,
		        total_modules = $4, lesson_plans_generated = $5, total_lessons = $6,
		        lessons_generated = $7, outline = $8, attempts = $9, error_message = $10, updated_at = $11
		 WHERE id = $12`,
		j.State, j.CurrentStage, j.CurrentModuleIndex, j.TotalModules, j.LessonPlansGenerated,
		j.TotalLessons, j.LessonsGenerated, nullableOutline(j), j.Attempts, j.ErrorMessage,
		j.UpdatedAt, j.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, q querier, e *types.JobEvent) error {
	if e == nil {
		return nil
	}
	_, err := q.Exec(ctx,
		`INSERT INTO job_events (job_id, from_state, to_state, stage, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.JobID, e.FromState, e.ToState, e.Stage, e.Message, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record job event: %w", err)
	}
	return nil
}

// EnsureActiveJob returns the capsule's non-terminal job or creates an idle one.
// A concurrent creator losing the race on the partial unique index re-reads the winner.
func (db *DB) EnsureActiveJob(ctx context.Context, capsuleID uuid.UUID) (*types.GenerationJob, bool, error) {
	job, created, err := db.ensureActiveJob(ctx, capsuleID)
	if errors.Is(err, store.ErrConflict) {
		job, created, err = db.ensureActiveJob(ctx, capsuleID)
	}
	return job, created, err
}

func (db *DB) ensureActiveJob(ctx context.Context, capsuleID uuid.UUID) (*types.GenerationJob, bool, error) {
	var job *types.GenerationJob
	var created bool
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		capsule, err := getCapsule(ctx, tx, capsuleID, false)
		if err != nil {
			return err
		}
		if capsule == nil {
			return store.ErrNotFound
		}

		existing, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM generation_jobs WHERE capsule_id = $1 AND `+activeJobFilter, capsuleID))
		if err == nil {
			job = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to find active job: %w", err)
		}

		now := db.now()
		job = &types.GenerationJob{
			ID:        uuid.New(),
			CapsuleID: capsuleID,
			State:     types.JobIdle,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
		created = true
		return insertEvent(ctx, tx, &types.JobEvent{
			JobID: job.ID, FromState: types.JobIdle, ToState: types.JobIdle,
			Message: "job created", CreatedAt: now,
		})
	})
	if err != nil {
		return nil, false, err
	}
	return job, created, nil
}

// CreateRetryJob inserts job as the successor of a failed job
func (db *DB) CreateRetryJob(ctx context.Context, failedJobID uuid.UUID, job *types.GenerationJob) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		failed, err := getJob(ctx, tx, failedJobID, true)
		if err != nil {
			return err
		}
		if failed == nil {
			return store.ErrNotFound
		}
		capsule, err := getCapsule(ctx, tx, failed.CapsuleID, true)
		if err != nil {
			return err
		}
		if capsule == nil {
			return store.ErrNotFound
		}
		latest, err := latestJob(ctx, tx, failed.CapsuleID)
		if err != nil {
			return err
		}
		if failed.State != types.JobFailed || latest == nil || latest.ID != failed.ID {
			return store.ErrConflict
		}

		now := db.now()
		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		job.CapsuleID = failed.CapsuleID
		job.CreatedAt, job.UpdatedAt = now, now
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}

		capsule.Status = types.CapsulePending
		capsule.ErrorMessage = ""
		capsule.UpdatedAt = now
		if err := writeCapsuleState(ctx, tx, capsule); err != nil {
			return err
		}
		return insertEvent(ctx, tx, &types.JobEvent{
			JobID: job.ID, FromState: types.JobFailed, ToState: job.State, Stage: job.CurrentStage,
			Message: fmt.Sprintf("retry of job %s", failed.ID), CreatedAt: now,
		})
	})
}

// GetJob retrieves a job by id
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*types.GenerationJob, error) {
	return getJob(ctx, db.pool, id, false)
}

// GetLatestJob retrieves the capsule's most recently created job
func (db *DB) GetLatestJob(ctx context.Context, capsuleID uuid.UUID) (*types.GenerationJob, error) {
	return latestJob(ctx, db.pool, capsuleID)
}

// UpdateJob applies patch under guard
func (db *DB) UpdateJob(ctx context.Context, id uuid.UUID, guard store.JobGuard, patch store.JobPatch) (*types.GenerationJob, error) {
	var job *types.GenerationJob
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		current, err := lockGuarded(ctx, tx, id, guard)
		if err != nil {
			return err
		}
		job, err = applyPatch(ctx, tx, current, patch, db.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// lockGuarded loads the job row FOR UPDATE and checks the guard against it
func lockGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, guard store.JobGuard) (*types.GenerationJob, error) {
	job, err := getJob(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, store.ErrNotFound
	}
	if !guard.Matches(job) {
		return nil, store.ErrConflict
	}
	return job, nil
}

// applyPatch writes patch onto a locked job, with its capsule side effects and audit event
func applyPatch(ctx context.Context, tx pgx.Tx, job *types.GenerationJob, patch store.JobPatch, now time.Time) (*types.GenerationJob, error) {
	prev := job.State
	patch.Apply(job, now)
	if err := writeJob(ctx, tx, job); err != nil {
		return nil, err
	}

	if patch.TouchesCapsule() {
		capsule, err := getCapsule(ctx, tx, job.CapsuleID, true)
		if err != nil {
			return nil, err
		}
		if capsule == nil {
			return nil, store.ErrNotFound
		}
		patch.ApplyCapsule(capsule, now)
		if err := writeCapsuleState(ctx, tx, capsule); err != nil {
			return nil, err
		}
	}

	if err := insertEvent(ctx, tx, patch.Event(prev, job)); err != nil {
		return nil, err
	}
	return job, nil
}

// CommitModule inserts a module with its lessons and advances the job in one transaction
func (db *DB) CommitModule(ctx context.Context, jobID uuid.UUID, guard store.JobGuard, module *types.ModuleWithLessons, patch store.JobPatch) (*types.GenerationJob, error) {
	var job *types.GenerationJob
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		now := db.now()
		current, err := lockGuarded(ctx, tx, jobID, guard)
		if err != nil {
			return err
		}
		module.CapsuleID = current.CapsuleID
		if err := insertModule(ctx, tx, module, now); err != nil {
			return err
		}
		job, err = applyPatch(ctx, tx, current, patch, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// MarkStaleJobsFailed fails every non-terminal job whose heartbeat is older than cutoff
func (db *DB) MarkStaleJobsFailed(ctx context.Context, cutoff time.Time, message string) ([]uuid.UUID, error) {
	var failed []uuid.UUID
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		now := db.now()
		// The predicate is re-evaluated under the row lock, so a heartbeat racing the sweep wins.
		rows, err := tx.Query(ctx,
			`WITH stale AS (
			     SELECT id, state FROM generation_jobs
			     WHERE `+activeJobFilter+` AND updated_at < $1
			     FOR UPDATE SKIP LOCKED
			 )
			 UPDATE generation_jobs j
			 SET state = 'failed', error_message = $2, updated_at = $3
			 FROM stale
			 WHERE j.id = stale.id
			 RETURNING j.id, j.capsule_id, stale.state, j.current_stage`,
			cutoff, message, now)
		if err != nil {
			return fmt.Errorf("failed to mark stale jobs: %w", err)
		}
		type staleJob struct {
			ID        uuid.UUID
			CapsuleID uuid.UUID
			State     types.JobState
			Stage     string
		}
		swept, err := pgx.CollectRows(rows, pgx.RowToStructByPos[staleJob])
		if err != nil {
			return fmt.Errorf("failed to scan stale jobs: %w", err)
		}

		for _, s := range swept {
			if _, err := tx.Exec(ctx,
				`UPDATE capsules SET status = 'failed', error_message = $1, updated_at = $2 WHERE id = $3`,
				message, now, s.CapsuleID); err != nil {
				return fmt.Errorf("failed to mark capsule %s failed: %w", s.CapsuleID, err)
			}
			if err := insertEvent(ctx, tx, &types.JobEvent{
				JobID: s.ID, FromState: s.State, ToState: types.JobFailed, Stage: s.Stage,
				Message: message, CreatedAt: now,
			}); err != nil {
				return err
			}
			failed = append(failed, s.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// ListJobEvents returns a job's audit trail in insertion order
func (db *DB) ListJobEvents(ctx context.Context, jobID uuid.UUID) ([]types.JobEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, from_state, to_state, stage, message, created_at
		 FROM job_events WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.JobEvent, error) {
		var e types.JobEvent
		err := row.Scan(&e.ID, &e.JobID, &e.FromState, &e.ToState, &e.Stage, &e.Message, &e.CreatedAt)
		e.CreatedAt = e.CreatedAt.UTC()
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan job events: %w", err)
	}
	return events, nil
}
