package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/capsule-forge/internal/store"
	"github.com/jonathan/capsule-forge/internal/types"
)

const jobColumns = `id, capsule_id, state, current_stage, current_module_index, total_modules,
	lesson_plans_generated, total_lessons, lessons_generated, outline, attempts, error_message,
	created_at, updated_at`

const activeJobFilter = `state NOT IN ('completed', 'failed')`

func scanJob(row rowScanner) (*types.GenerationJob, error) {
	var j types.GenerationJob
	var outline sql.NullString
	var created, updated int64
	err := row.Scan(&j.ID, &j.CapsuleID, &j.State, &j.CurrentStage, &j.CurrentModuleIndex,
		&j.TotalModules, &j.LessonPlansGenerated, &j.TotalLessons, &j.LessonsGenerated, &outline,
		&j.Attempts, &j.ErrorMessage, &created, &updated)
	if err != nil {
		return nil, err
	}
	if outline.Valid && outline.String != "" {
		j.Outline = []byte(outline.String)
	}
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}

func nullableOutline(j *types.GenerationJob) any {
	if len(j.Outline) == 0 {
		return nil
	}
	return string(j.Outline)
}

func getJob(ctx context.Context, q querier, id uuid.UUID) (*types.GenerationJob, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func latestJob(ctx context.Context, q querier, capsuleID uuid.UUID) (*types.GenerationJob, error) {
	j, err := scanJob(q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM generation_jobs WHERE capsule_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, capsuleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest job: %w", err)
	}
	return j, nil
}

func insertJob(ctx context.Context, q querier, j *types.GenerationJob) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO generation_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.CapsuleID, j.State, j.CurrentStage, j.CurrentModuleIndex, j.TotalModules,
		j.LessonPlansGenerated, j.TotalLessons, j.LessonsGenerated, nullableOutline(j), j.Attempts,
		j.ErrorMessage, millis(j.CreatedAt), millis(j.UpdatedAt),
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
	_, err := q.ExecContext(ctx,
		`UPDATE generation_jobs SET state = ?, current_stage = ?, current_module_index = ?,
		        total_modules = ?, lesson_plans_generated = ?, total_lessons = ?,
		        lessons_generated = ?, outline = ?, attempts = ?, error_message = ?, updated_at = ?
		 WHERE id = ?`,
		j.State, j.CurrentStage, j.CurrentModuleIndex, j.TotalModules, j.LessonPlansGenerated,
		j.TotalLessons, j.LessonsGenerated, nullableOutline(j), j.Attempts, j.ErrorMessage,
		millis(j.UpdatedAt), j.ID,
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
	_, err := q.ExecContext(ctx,
		`INSERT INTO job_events (job_id, from_state, to_state, stage, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.JobID, e.FromState, e.ToState, e.Stage, e.Message, millis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record job event: %w", err)
	}
	return nil
}

// EnsureActiveJob returns the capsule's non-terminal job or creates an idle one
func (d *DB) EnsureActiveJob(ctx context.Context, capsuleID uuid.UUID) (*types.GenerationJob, bool, error) {
	var job *types.GenerationJob
	var created bool
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		capsule, err := getCapsule(ctx, tx, capsuleID)
		if err != nil {
			return err
		}
		if capsule == nil {
			return store.ErrNotFound
		}

		existing, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM generation_jobs WHERE capsule_id = ? AND `+activeJobFilter, capsuleID))
		if err == nil {
			job = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to find active job: %w", err)
		}

		now := d.now()
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
func (d *DB) CreateRetryJob(ctx context.Context, failedJobID uuid.UUID, job *types.GenerationJob) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		failed, err := getJob(ctx, tx, failedJobID)
		if err != nil {
			return err
		}
		if failed == nil {
			return store.ErrNotFound
		}
		latest, err := latestJob(ctx, tx, failed.CapsuleID)
		if err != nil {
			return err
		}
		if failed.State != types.JobFailed || latest == nil || latest.ID != failed.ID {
			return store.ErrConflict
		}

		capsule, err := getCapsule(ctx, tx, failed.CapsuleID)
		if err != nil {
			return err
		}
		if capsule == nil {
			return store.ErrNotFound
		}

		now := d.now()
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
func (d *DB) GetJob(ctx context.Context, id uuid.UUID) (*types.GenerationJob, error) {
	return getJob(ctx, d.db, id)
}

// GetLatestJob retrieves the capsule's most recently created job
func (d *DB) GetLatestJob(ctx context.Context, capsuleID uuid.UUID) (*types.GenerationJob, error) {
	return latestJob(ctx, d.db, capsuleID)
}

// UpdateJob applies patch under guard
func (d *DB) UpdateJob(ctx context.Context, id uuid.UUID, guard store.JobGuard, patch store.JobPatch) (*types.GenerationJob, error) {
	var job *types.GenerationJob
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = applyPatch(ctx, tx, id, guard, patch, d.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// applyPatch performs a guarded job update with its capsule side effects and audit event
func applyPatch(ctx context.Context, tx *sql.Tx, id uuid.UUID, guard store.JobGuard, patch store.JobPatch, now time.Time) (*types.GenerationJob, error) {
	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, store.ErrNotFound
	}
	if !guard.Matches(job) {
		return nil, store.ErrConflict
	}

	prev := job.State
	patch.Apply(job, now)
	if err := writeJob(ctx, tx, job); err != nil {
		return nil, err
	}

	if patch.TouchesCapsule() {
		capsule, err := getCapsule(ctx, tx, job.CapsuleID)
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
func (d *DB) CommitModule(ctx context.Context, jobID uuid.UUID, guard store.JobGuard, module *types.ModuleWithLessons, patch store.JobPatch) (*types.GenerationJob, error) {
	var job *types.GenerationJob
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		now := d.now()
		current, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if current == nil {
			return store.ErrNotFound
		}
		if !guard.Matches(current) {
			return store.ErrConflict
		}
		module.CapsuleID = current.CapsuleID
		if err := insertModule(ctx, tx, module, now); err != nil {
			return err
		}
		job, err = applyPatch(ctx, tx, jobID, guard, patch, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// MarkStaleJobsFailed fails every non-terminal job whose heartbeat is older than cutoff
func (d *DB) MarkStaleJobsFailed(ctx context.Context, cutoff time.Time, message string) ([]uuid.UUID, error) {
	var failed []uuid.UUID
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, capsule_id, state, current_stage FROM generation_jobs
			 WHERE `+activeJobFilter+` AND updated_at < ?`, millis(cutoff))
		if err != nil {
			return fmt.Errorf("failed to find stale jobs: %w", err)
		}
		type staleJob struct {
			id, capsuleID uuid.UUID
			state         types.JobState
			stage         string
		}
		var candidates []staleJob
		for rows.Next() {
			var s staleJob
			if err := rows.Scan(&s.id, &s.capsuleID, &s.state, &s.stage); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := d.now()
		for _, s := range candidates {
			// Conditional on the same predicate so a heartbeat racing the sweep wins.
			res, err := tx.ExecContext(ctx,
				`UPDATE generation_jobs SET state = 'failed', error_message = ?, updated_at = ?
				 WHERE id = ? AND `+activeJobFilter+` AND updated_at < ?`,
				message, millis(now), s.id, millis(cutoff))
			if err != nil {
				return fmt.Errorf("failed to mark job %s failed: %w", s.id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE capsules SET status = 'failed', error_message = ?, updated_at = ? WHERE id = ?`,
				message, millis(now), s.capsuleID); err != nil {
				return fmt.Errorf("failed to mark capsule %s failed: %w", s.capsuleID, err)
			}
			if err := insertEvent(ctx, tx, &types.JobEvent{
				JobID: s.id, FromState: s.state, ToState: types.JobFailed, Stage: s.stage,
				Message: message, CreatedAt: now,
			}); err != nil {
				return err
			}
			failed = append(failed, s.id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// ListJobEvents returns a job's audit trail in insertion order
func (d *DB) ListJobEvents(ctx context.Context, jobID uuid.UUID) ([]types.JobEvent, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, job_id, from_state, to_state, stage, message, created_at
		 FROM job_events WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}
	defer rows.Close()

	var events []types.JobEvent
	for rows.Next() {
		var e types.JobEvent
		var created int64
		if err := rows.Scan(&e.ID, &e.JobID, &e.FromState, &e.ToState, &e.Stage, &e.Message, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(created)
		events = append(events, e)
	}
	return events, rows.Err()
}
