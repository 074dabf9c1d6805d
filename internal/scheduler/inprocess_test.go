package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	runs map[uuid.UUID]int
}

func newRecorder() *recorder {
	return &recorder{runs: make(map[uuid.UUID]int)}
}

func (r *recorder) handle(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[id]++
	return nil
}

func (r *recorder) count(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

func waitIdle(t *testing.T, s *InProcess) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func TestInProcess_RunsScheduledJob(t *testing.T) {
	rec := newRecorder()
	s := NewInProcess(rec.handle, 2, nil)
	defer s.Stop()

	id := uuid.New()
	require.NoError(t, s.Schedule(context.Background(), id, 0))
	waitIdle(t, s)

	assert.Equal(t, 1, rec.count(id))
}

func TestInProcess_CoalescesPendingSchedules(t *testing.T) {
	rec := newRecorder()
	s := NewInProcess(rec.handle, 2, nil)
	defer s.Stop()

	id := uuid.New()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Schedule(context.Background(), id, 50*time.Millisecond))
	}
	assert.Equal(t, 1, s.Pending())
	waitIdle(t, s)

	assert.Equal(t, 1, rec.count(id))
}

func TestInProcess_EarlierScheduleWins(t *testing.T) {
	rec := newRecorder()
	s := NewInProcess(rec.handle, 1, nil)
	defer s.Stop()

	id := uuid.New()
	require.NoError(t, s.Schedule(context.Background(), id, time.Hour))
	require.NoError(t, s.Schedule(context.Background(), id, 0))

	waitIdle(t, s)
	assert.Equal(t, 1, rec.count(id))
}

func TestInProcess_ScheduleWhileRunningRunsAgain(t *testing.T) {
	var s *InProcess
	var runs atomic.Int32
	id := uuid.New()
	s = NewInProcess(func(ctx context.Context, jobID uuid.UUID) error {
		// self-scheduling, as the orchestrator does after committing a stage
		if runs.Add(1) < 3 {
			return s.Schedule(ctx, jobID, 0)
		}
		return nil
	}, 2, nil)
	defer s.Stop()

	require.NoError(t, s.Schedule(context.Background(), id, 0))
	waitIdle(t, s)

	assert.Equal(t, int32(3), runs.Load())
}

func TestInProcess_NeverRunsJobConcurrently(t *testing.T) {
	var active, maxActive atomic.Int32
	var total atomic.Int32
	var s *InProcess
	s = NewInProcess(func(ctx context.Context, jobID uuid.UUID) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		if total.Add(1) < 5 {
			// duplicate deliveries while running
			_ = s.Schedule(ctx, jobID, 0)
			_ = s.Schedule(ctx, jobID, 0)
		}
		return nil
	}, 4, nil)
	defer s.Stop()

	require.NoError(t, s.Schedule(context.Background(), uuid.New(), 0))
	waitIdle(t, s)

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, int32(5), total.Load())
}

func TestInProcess_HandlerErrorDoesNotStopScheduler(t *testing.T) {
	rec := newRecorder()
	failing := uuid.New()
	s := NewInProcess(func(ctx context.Context, id uuid.UUID) error {
		if id == failing {
			return errors.New("boom")
		}
		return rec.handle(ctx, id)
	}, 2, nil)
	defer s.Stop()

	ok := uuid.New()
	require.NoError(t, s.Schedule(context.Background(), failing, 0))
	require.NoError(t, s.Schedule(context.Background(), ok, 0))
	waitIdle(t, s)

	assert.Equal(t, 1, rec.count(ok))
}

func TestInProcess_StopCancelsPending(t *testing.T) {
	rec := newRecorder()
	s := NewInProcess(rec.handle, 1, nil)

	id := uuid.New()
	require.NoError(t, s.Schedule(context.Background(), id, time.Hour))
	s.Stop()

	assert.Equal(t, 0, s.Pending())
	assert.ErrorIs(t, s.Schedule(context.Background(), id, 0), ErrStopped)
	assert.Equal(t, 0, rec.count(id))
}

func TestInProcess_WaitIdleRespectsContext(t *testing.T) {
	s := NewInProcess(newRecorder().handle, 1, nil)
	defer s.Stop()
	require.NoError(t, s.Schedule(context.Background(), uuid.New(), time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitIdle(ctx), context.DeadlineExceeded)
}
