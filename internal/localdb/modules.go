package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/capsule-forge/internal/store"
	"github.com/jonathan/capsule-forge/internal/types"
)

const lessonColumns = `id, module_id, position, title, variant, body, key_points, questions, created_at, updated_at`

func insertModule(ctx context.Context, q querier, m *types.ModuleWithLessons, now time.Time) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = now
	_, err := q.ExecContext(ctx,
		`INSERT INTO modules (id, capsule_id, position, title, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.CapsuleID, m.Position, m.Title, m.Description, millis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to insert module: %w", err)
	}

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
		if _, err := q.ExecContext(ctx,
			`INSERT INTO lessons (`+lessonColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.ModuleID, l.Position, l.Title, l.Variant, l.Body, keyPoints, questions,
			millis(now), millis(now),
		); err != nil {
			return fmt.Errorf("failed to insert lesson %d: %w", i, err)
		}
		m.LessonIDs = append(m.LessonIDs, l.ID)
	}
	return nil
}

func encodeLessonFields(l *types.Lesson) (string, string, error) {
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
		return "", "", fmt.Errorf("failed to encode key points: %w", err)
	}
	qs, err := json.Marshal(questions)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode questions: %w", err)
	}
	return string(kp), string(qs), nil
}

func scanLesson(row rowScanner) (*types.Lesson, error) {
	var l types.Lesson
	var keyPoints, questions string
	var created, updated int64
	if err := row.Scan(&l.ID, &l.ModuleID, &l.Position, &l.Title, &l.Variant, &l.Body,
		&keyPoints, &questions, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(keyPoints), &l.KeyPoints); err != nil {
		return nil, fmt.Errorf("failed to decode key points: %w", err)
	}
	if err := json.Unmarshal([]byte(questions), &l.Questions); err != nil {
		return nil, fmt.Errorf("failed to decode questions: %w", err)
	}
	l.CreatedAt = fromMillis(created)
	l.UpdatedAt = fromMillis(updated)
	return &l, nil
}

// ListModules returns a capsule's committed modules with their lessons, in order
func (d *DB) ListModules(ctx context.Context, capsuleID uuid.UUID) ([]types.ModuleWithLessons, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, capsule_id, position, title, description, created_at
		 FROM modules WHERE capsule_id = ? ORDER BY position`, capsuleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}

	var modules []types.ModuleWithLessons
	for rows.Next() {
		var m types.ModuleWithLessons
		var created int64
		if err := rows.Scan(&m.ID, &m.CapsuleID, &m.Position, &m.Title, &m.Description, &created); err != nil {
			rows.Close()
			return nil, err
		}
		m.CreatedAt = fromMillis(created)
		modules = append(modules, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range modules {
		lessons, err := d.listLessons(ctx, modules[i].ID)
		if err != nil {
			return nil, err
		}
		modules[i].Lessons = lessons
		modules[i].LessonIDs = make([]uuid.UUID, len(lessons))
		for j, l := range lessons {
			modules[i].LessonIDs[j] = l.ID
		}
	}
	return modules, nil
}

func (d *DB) listLessons(ctx context.Context, moduleID uuid.UUID) ([]types.Lesson, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+lessonColumns+` FROM lessons WHERE module_id = ? ORDER BY position`, moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list lessons: %w", err)
	}
	defer rows.Close()

	lessons := []types.Lesson{}
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		lessons = append(lessons, *l)
	}
	return lessons, rows.Err()
}

// GetModuleByPosition returns the module committed at position, or nil
func (d *DB) GetModuleByPosition(ctx context.Context, capsuleID uuid.UUID, position int) (*types.Module, error) {
	var m types.Module
	var created int64
	err := d.db.QueryRowContext(ctx,
		`SELECT id, capsule_id, position, title, description, created_at
		 FROM modules WHERE capsule_id = ? AND position = ?`, capsuleID, position,
	).Scan(&m.ID, &m.CapsuleID, &m.Position, &m.Title, &m.Description, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get module: %w", err)
	}
	m.CreatedAt = fromMillis(created)

	lessons, err := d.listLessons(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.LessonIDs = make([]uuid.UUID, len(lessons))
	for i, l := range lessons {
		m.LessonIDs[i] = l.ID
	}
	return &m, nil
}

// CountModules returns how many modules have been committed for a capsule
func (d *DB) CountModules(ctx context.Context, capsuleID uuid.UUID) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM modules WHERE capsule_id = ?`, capsuleID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count modules: %w", err)
	}
	return n, nil
}

// GetLesson retrieves a lesson by id
func (d *DB) GetLesson(ctx context.Context, id uuid.UUID) (*types.Lesson, error) {
	l, err := scanLesson(d.db.QueryRowContext(ctx, `SELECT `+lessonColumns+` FROM lessons WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lesson: %w", err)
	}
	return l, nil
}

// ReplaceLesson overwrites title, variant, and content of an existing lesson
func (d *DB) ReplaceLesson(ctx context.Context, lesson *types.Lesson) error {
	keyPoints, questions, err := encodeLessonFields(lesson)
	if err != nil {
		return err
	}
	now := d.now()
	res, err := d.db.ExecContext(ctx,
		`UPDATE lessons SET title = ?, variant = ?, body = ?, key_points = ?, questions = ?, updated_at = ?
		 WHERE id = ?`,
		lesson.Title, lesson.Variant, lesson.Body, keyPoints, questions, millis(now), lesson.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to replace lesson: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	lesson.UpdatedAt = now
	return nil
}
