package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/capsule-forge/internal/store"
	"github.com/jonathan/capsule-forge/internal/types"
)

const capsuleColumns = `id, user_id, title, description, source_kind, source_topic, source_document_ref,
	visibility, status, error_message, estimated_duration_minutes, created_at, updated_at`

func scanCapsule(row rowScanner) (*types.Capsule, error) {
	var c types.Capsule
	var created, updated int64
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Description, &c.Source.Kind, &c.Source.Topic,
		&c.Source.DocumentRef, &c.Visibility, &c.Status, &c.ErrorMessage, &c.EstimatedDuration,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// CreateCapsule inserts c, assigning an ID and timestamps when unset
func (d *DB) CreateCapsule(ctx context.Context, c *types.Capsule) error {
	now := d.now()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = types.CapsulePending
	}
	if c.Visibility == "" {
		c.Visibility = types.VisibilityPrivate
	}
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO capsules (`+capsuleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, c.Description, c.Source.Kind, c.Source.Topic, c.Source.DocumentRef,
		c.Visibility, c.Status, c.ErrorMessage, c.EstimatedDuration, millis(now), millis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create capsule: %w", err)
	}
	return nil
}

// GetCapsule retrieves a capsule with its ordered module ids
func (d *DB) GetCapsule(ctx context.Context, id uuid.UUID) (*types.Capsule, error) {
	return getCapsule(ctx, d.db, id)
}

func getCapsule(ctx context.Context, q querier, id uuid.UUID) (*types.Capsule, error) {
	c, err := scanCapsule(q.QueryRowContext(ctx, `SELECT `+capsuleColumns+` FROM capsules WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get capsule: %w", err)
	}
	if c.ModuleIDs, err = moduleIDs(ctx, q, id); err != nil {
		return nil, err
	}
	return c, nil
}

func moduleIDs(ctx context.Context, q querier, capsuleID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM modules WHERE capsule_id = ? ORDER BY position`, capsuleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list module ids: %w", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListCapsules returns the user's capsules, plus public ones when requested, newest first
func (d *DB) ListCapsules(ctx context.Context, filter store.ListCapsulesFilter) ([]types.Capsule, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+capsuleColumns+` FROM capsules
		 WHERE user_id = ? OR (? AND visibility = 'public')
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ? OFFSET ?`,
		filter.UserID, filter.IncludePublic, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list capsules: %w", err)
	}

	var capsules []types.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		capsules = append(capsules, *c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range capsules {
		if capsules[i].ModuleIDs, err = moduleIDs(ctx, d.db, capsules[i].ID); err != nil {
			return nil, err
		}
	}
	return capsules, nil
}

// UpdateCapsuleVisibility sets a capsule's visibility
func (d *DB) UpdateCapsuleVisibility(ctx context.Context, id uuid.UUID, v types.Visibility) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE capsules SET visibility = ?, updated_at = ? WHERE id = ?`,
		v, millis(d.now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update visibility: %w", err)
	}
	return requireAffected(res)
}

// DeleteCapsule removes a capsule; foreign keys cascade to everything it owns
func (d *DB) DeleteCapsule(ctx context.Context, id uuid.UUID) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM capsules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete capsule: %w", err)
	}
	return requireAffected(res)
}

func writeCapsuleState(ctx context.Context, q querier, c *types.Capsule) error {
	_, err := q.ExecContext(ctx,
		`UPDATE capsules SET title = ?, description = ?, status = ?, error_message = ?,
		        estimated_duration_minutes = ?, updated_at = ?
		 WHERE id = ?`,
		c.Title, c.Description, c.Status, c.ErrorMessage, c.EstimatedDuration, millis(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update capsule: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
