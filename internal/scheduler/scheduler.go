// Package scheduler delivers delayed orchestrator invocations. InProcess keeps timers in
// memory for single-process use; RedisQueue shares a delayed queue between API and workers.
// Both coalesce schedules for the same job.
package scheduler

import (
	"context"

	"github.com/google/uuid"
)

// Handler runs one invocation for a job
type Handler func(ctx context.Context, jobID uuid.UUID) error

// DefaultConcurrency is the number of invocations run at once
const DefaultConcurrency = 4
