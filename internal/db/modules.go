package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/capsule-forge/internal/store"
	"github.com/jonathan/capsule-forge/internal/types"
)

const lessonColumns = `id, module_id, position, title, variant, body, key_points, questions, created_at, updated_at`

func insertModule(ctx context.Context, q querier, m *types.ModuleWithLessons, now time.Time) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = now
	_, err := q.Exec(ctx,
		`INSERT INTO modules (id, capsule_id, position, title, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.CapsuleID, m.Position, m.Title, m.Description, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to insert module: %w", err)
	}

	batch := &pgx.Batch{}
	m.LessonIDs = make([]uuid.UUID, 0, len(m.Lessons))
	for i := range m.Lessons {
		l := &m.Lessons[i]
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		l.ModuleID = m.ID
		l.Position = i
		l.CreatedAt, l.UpdatedAt = now, now
		keyPoints, questions, err := encodeLessonFields(l)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO lessons (`+lessonColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			l.ID, l.ModuleID, l.Position, l.Title, l.Variant, l.Body, keyPoints, questions, now, now,
		)
		m.LessonIDs = append(m.LessonIDs, l.ID)
	}
	if batch.Len() == 0 {
		return nil
	}

	tx, ok := q.(pgx.Tx)
	if !ok {
		return errors.New("lessons must be inserted inside a transaction")
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert lessons: %w", err)
	}
	return nil
}

func encodeLessonFields(l *types.Lesson) ([]byte, []byte, error) {
	keyPoints := l.KeyPoints
	if keyPoints == nil {
		keyPoints = []string{}
	}
	questions := l.Questions
	if questions == nil {
		questions = []types.Question{}
	}
	kp, err := json.Marshal(keyPoints)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode key points: %w", err)
	}
	qs, err := json.Marshal(questions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode questions: %w", err)
	}
	return kp, qs, nil
}

func scanLesson(row pgx.Row) (*types.Lesson, error) {
	var l types.Lesson
	var keyPoints, questions []byte
	if err := row.Scan(&l.ID, &l.ModuleID, &l.Position, &l.Title, &l.Variant, &l.Body,
		&keyPoints, &questions, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keyPoints, &l.KeyPoints); err != nil {
		return nil, fmt.Errorf("failed to decode key points: %w", err)
	}
	if err := json.Unmarshal(questions, &l.Questions); err != nil {
		return nil, fmt.Errorf("failed to decode questions: %w", err)
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

func scanModule(row pgx.Row) (types.ModuleWithLessons, error) {
	var m types.ModuleWithLessons
	err := row.Scan(&m.ID, &m.CapsuleID, &m.Position, &m.Title, &m.Description, &m.CreatedAt)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, err
}

// ListModules returns a capsule's committed modules with their lessons, in order
func (db *DB) ListModules(ctx context.Context, capsuleID uuid.UUID) ([]types.ModuleWithLessons, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, capsule_id, position, title, description, created_at
		 FROM modules WHERE capsule_id = $1 ORDER BY position`, capsuleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	modules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ModuleWithLessons, error) {
		return scanModule(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan modules: %w", err)
	}

	for i := range modules {
		lessons, err := db.listLessons(ctx, modules[i].ID)
		if err != nil {
			return nil, err
		}
		modules[i].Lessons = lessons
		modules[i].LessonIDs = lessonIDs(lessons)
	}
	return modules, nil
}

func (db *DB) listLessons(ctx context.Context, moduleID uuid.UUID) ([]types.Lesson, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+lessonColumns+` FROM lessons WHERE module_id = $1 ORDER BY position`, moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list lessons: %w", err)
	}
	lessons, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Lesson, error) {
		l, err := scanLesson(row)
		if err != nil {
			return types.Lesson{}, err
		}
		return *l, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan lessons: %w", err)
	}
	if lessons == nil {
		lessons = []types.Lesson{}
	}
	return lessons, nil
}

func lessonIDs(lessons []types.Lesson) []uuid.UUID {
	ids := make([]uuid.UUID, len(lessons))
	for i, l := range lessons {
		ids[i] = l.ID
	}
	return ids
}

// GetModuleByPosition returns the module committed at position, or nil
func (db *DB) GetModuleByPosition(ctx context.Context, capsuleID uuid.UUID, position int) (*types.Module, error) {
	m, err := scanModule(db.pool.QueryRow(ctx,
		`SELECT id, capsule_id, position, title, description, created_at
		 FROM modules WHERE capsule_id = $1 AND position = $2`, capsuleID, position))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get module: %w", err)
	}
	lessons, err := db.listLessons(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.LessonIDs = lessonIDs(lessons)
	return &m.Module, nil
}

// CountModules returns how many modules have been committed for a capsule
func (db *DB) CountModules(ctx context.Context, capsuleID uuid.UUID) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM modules WHERE capsule_id = $1`, capsuleID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count modules: %w", err)
	}
	return n, nil
}

// GetLesson retrieves a lesson by id
func (db *DB) GetLesson(ctx context.Context, id uuid.UUID) (*types.Lesson, error) {
	l, err := scanLesson(db.pool.QueryRow(ctx, `SELECT `+lessonColumns+` FROM lessons WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lesson: %w", err)
	}
	return l, nil
}

// ReplaceLesson overwrites title, variant, and content of an existing lesson
func (db *DB) ReplaceLesson(ctx context.Context, lesson *types.Lesson) error {
	keyPoints, questions, err := encodeLessonFields(lesson)
	if err != nil {
		return err
	}
	now := db.now()
	tag, err := db.pool.Exec(ctx,
		`UPDATE lessons SET title = $1, variant = $2, body = $3, key_points = $4, questions = $5, updated_at = $6
		 WHERE id = $7`,
		lesson.Title, lesson.Variant, lesson.Body, keyPoints, questions, now, lesson.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to replace lesson: %w", err)
	}
	if err := requireAffected(tag); err != nil {
		return err
	}
	lesson.UpdatedAt = now
	return nil
}
