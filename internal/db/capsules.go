package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/capsule-forge/internal/store"
	"github.com/jonathan/capsule-forge/internal/types"
)

const capsuleColumns = `id, user_id, title, description, source_kind, source_topic, source_document_ref,
	visibility, status, error_message, estimated_duration_minutes, created_at, updated_at`

func scanCapsule(row pgx.Row) (*types.Capsule, error) {
	var c types.Capsule
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Description, &c.Source.Kind, &c.Source.Topic,
		&c.Source.DocumentRef, &c.Visibility, &c.Status, &c.ErrorMessage, &c.EstimatedDuration,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// CreateCapsule inserts c, assigning an ID and timestamps when unset
func (db *DB) CreateCapsule(ctx context.Context, c *types.Capsule) error {
	now := db.now()
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

	_, err := db.pool.Exec(ctx,
		`INSERT INTO capsules (`+capsuleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.UserID, c.Title, c.Description, c.Source.Kind, c.Source.Topic, c.Source.DocumentRef,
		c.Visibility, c.Status, c.ErrorMessage, c.EstimatedDuration, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create capsule: %w", err)
	}
	return nil
}

// GetCapsule retrieves a capsule with its ordered module ids
func (db *DB) GetCapsule(ctx context.Context, id uuid.UUID) (*types.Capsule, error) {
	return getCapsule(ctx, db.pool, id, false)
}

func getCapsule(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*types.Capsule, error) {
	query := `SELECT ` + capsuleColumns + ` FROM capsules WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	c, err := scanCapsule(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := q.Query(ctx, `SELECT id FROM modules WHERE capsule_id = $1 ORDER BY position`, capsuleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list module ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan module ids: %w", err)
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return ids, nil
}

// ListCapsules returns the user's capsules, plus public ones when requested, newest first
func (db *DB) ListCapsules(ctx context.Context, filter store.ListCapsulesFilter) ([]types.Capsule, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+capsuleColumns+` FROM capsules
		 WHERE user_id = $1 OR ($2 AND visibility = 'public')
		 ORDER BY created_at DESC, id
		 LIMIT $3 OFFSET $4`,
		filter.UserID, filter.IncludePublic, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list capsules: %w", err)
	}
	capsules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Capsule, error) {
		c, err := scanCapsule(row)
		if err != nil {
			return types.Capsule{}, err
		}
		return *c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan capsules: %w", err)
	}

	for i := range capsules {
		if capsules[i].ModuleIDs, err = moduleIDs(ctx, db.pool, capsules[i].ID); err != nil {
			return nil, err
		}
	}
	return capsules, nil
}

// UpdateCapsuleVisibility sets a capsule's visibility
func (db *DB) UpdateCapsuleVisibility(ctx context.Context, id uuid.UUID, v types.Visibility) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE capsules SET visibility = $1, updated_at = $2 WHERE id = $3`, v, db.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update visibility: %w", err)
	}
	return requireAffected(tag)
}

// DeleteCapsule removes a capsule; foreign keys cascade to everything it owns
func (db *DB) DeleteCapsule(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM capsules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete capsule: %w", err)
	}
	return requireAffected(tag)
}

func writeCapsuleState(ctx context.Context, q querier, c *types.Capsule) error {
	_, err := q.Exec(ctx,
		`UPDATE capsules SET title = $1, description = $2, status = $3, error_message = $4,
		        estimated_duration_minutes = $5, updated_at = $6
		 WHERE id = $7`,
		c.Title, c.Description, c.Status, c.ErrorMessage, c.EstimatedDuration, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update capsule: %w", err)
	}
	return nil
}
