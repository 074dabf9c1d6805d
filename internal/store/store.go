// Package store defines the persistence contract shared by the Postgres and SQLite backends.
// Every multi-record write (module commit, job transition with capsule side effects,
// stale sweep) is a single transaction in both backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/capsule-forge/internal/types"
)

var (
	// ErrNotFound is returned by mutations whose target record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an optimistic guard fails or a uniqueness rule is hit
	ErrConflict = errors.New("conflicting concurrent update")
)

// ListCapsulesFilter selects capsules visible to a user
type ListCapsulesFilter struct {
	UserID        uuid.UUID
	IncludePublic bool
	Limit         int
	Offset        int
}

// Store is the transactional record store behind the pipeline.
// Getters return (nil, nil) when the record does not exist.
type Store interface {
	CreateCapsule(ctx context.Context, c *types.Capsule) error
	GetCapsule(ctx context.Context, id uuid.UUID) (*types.Capsule, error)
	ListCapsules(ctx context.Context, filter ListCapsulesFilter) ([]types.Capsule, error)
	UpdateCapsuleVisibility(ctx context.Context, id uuid.UUID, v types.Visibility) error
	// DeleteCapsule removes the capsule with its modules, lessons, jobs, and job events
	DeleteCapsule(ctx context.Context, id uuid.UUID) error

	// EnsureActiveJob returns the capsule's non-terminal job, creating an idle one if
	// none exists. created reports whether a new job was inserted.
	EnsureActiveJob(ctx context.Context, capsuleID uuid.UUID) (job *types.GenerationJob, created bool, err error)
	// CreateRetryJob inserts job as the successor of failedJobID, which must be the
	// capsule's latest job and failed. The capsule returns to pending.
	CreateRetryJob(ctx context.Context, failedJobID uuid.UUID, job *types.GenerationJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*types.GenerationJob, error)
	GetLatestJob(ctx context.Context, capsuleID uuid.UUID) (*types.GenerationJob, error)
	// UpdateJob applies patch when guard matches the current record, else ErrConflict.
	UpdateJob(ctx context.Context, id uuid.UUID, guard JobGuard, patch JobPatch) (*types.GenerationJob, error)
	// CommitModule inserts module and its lessons and applies patch, all or nothing.
	// A module already present at the same position yields ErrConflict.
	CommitModule(ctx context.Context, jobID uuid.UUID, guard JobGuard, module *types.ModuleWithLessons, patch JobPatch) (*types.GenerationJob, error)
	// MarkStaleJobsFailed fails every non-terminal job last updated before cutoff and
	// returns the ids transitioned. Jobs updated concurrently are left alone.
	MarkStaleJobsFailed(ctx context.Context, cutoff time.Time, message string) ([]uuid.UUID, error)
	ListJobEvents(ctx context.Context, jobID uuid.UUID) ([]types.JobEvent, error)

	ListModules(ctx context.Context, capsuleID uuid.UUID) ([]types.ModuleWithLessons, error)
	GetModuleByPosition(ctx context.Context, capsuleID uuid.UUID, position int) (*types.Module, error)
	CountModules(ctx context.Context, capsuleID uuid.UUID) (int, error)
	GetLesson(ctx context.Context, id uuid.UUID) (*types.Lesson, error)
	// ReplaceLesson overwrites a lesson's content in place
	ReplaceLesson(ctx context.Context, lesson *types.Lesson) error

	Close()
}

// Clock returns the current time. Backends stamp every write with it.
type Clock func() time.Time

// SystemClock is the wall clock in UTC
func SystemClock() time.Time {
	return time.Now().UTC()
}
