package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/capsule-forge/internal/localdb"
	"github.com/jonathan/capsule-forge/internal/observability"
	"github.com/jonathan/capsule-forge/internal/store"
	"github.com/jonathan/capsule-forge/internal/store/storetest"
	"github.com/jonathan/capsule-forge/internal/types"
)

func setup(t *testing.T) (*localdb.DB, *storetest.Clock) {
	t.Helper()
	clock := storetest.NewClock()
	db, err := localdb.Open(context.Background(), ":memory:", localdb.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db, clock
}

func startJob(t *testing.T, db *localdb.DB) *types.GenerationJob {
	t.Helper()
	ctx := context.Background()
	c := storetest.SeedCapsule(t, db, uuid.New())
	job, _, err := db.EnsureActiveJob(ctx, c.ID)
	require.NoError(t, err)
	job, err = db.UpdateJob(ctx, job.ID, store.AnyActive, store.JobPatch{
		State:         store.Ptr(types.JobGeneratingOutline),
		CurrentStage:  store.Ptr(types.StageOutline),
		CapsuleStatus: store.Ptr(types.CapsuleProcessing),
	})
	require.NoError(t, err)
	return job
}

func TestMarkStaleJobsFailed(t *testing.T) {
	ctx := context.Background()
	db, clock := setup(t)
	log, logs := observability.NewObservedLogger()
	m := New(db, Config{}, WithClock(clock.Now), WithLogger(log))

	stale := startJob(t, db)
	clock.Advance(11 * time.Minute)
	fresh := startJob(t, db)
	clock.Advance(5 * time.Minute)

	// stale: 16 minutes without an update; fresh: 5 minutes
	n, err := m.MarkStaleJobsFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := db.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, got.State)
	assert.Equal(t, TimeoutMessage, got.ErrorMessage)

	c, err := db.GetCapsule(ctx, stale.CapsuleID)
	require.NoError(t, err)
	assert.Equal(t, types.CapsuleFailed, c.Status)
	assert.Equal(t, TimeoutMessage, c.ErrorMessage)

	got, err = db.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobGeneratingOutline, got.State)
	assert.Empty(t, got.ErrorMessage)

	assert.Equal(t, 1, logs.FilterMessage("generation job timed out").Len())

	// a second sweep finds nothing new
	n, err = m.MarkStaleJobsFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMarkStaleJobsFailed_HeartbeatKeepsJobAlive(t *testing.T) {
	ctx := context.Background()
	db, clock := setup(t)
	m := New(db, Config{}, WithClock(clock.Now))

	job := startJob(t, db)
	for i := 0; i < 4; i++ {
		clock.Advance(10 * time.Minute)
		_, err := db.UpdateJob(ctx, job.ID, store.AnyActive, store.JobPatch{IncrementAttempts: true})
		require.NoError(t, err)
	}

	n, err := m.MarkStaleJobsFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMarkStaleJobsFailed_IgnoresTerminalJobs(t *testing.T) {
	ctx := context.Background()
	db, clock := setup(t)
	m := New(db, Config{Threshold: time.Minute}, WithClock(clock.Now))

	job := startJob(t, db)
	_, err := db.UpdateJob(ctx, job.ID, store.AnyActive, store.JobPatch{
		State:         store.Ptr(types.JobCompleted),
		CapsuleStatus: store.Ptr(types.CapsuleCompleted),
	})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	n, err := m.MarkStaleJobsFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.State)
}

func TestNew_Defaults(t *testing.T) {
	m := New(nil, Config{})
	assert.Equal(t, DefaultThreshold, m.cfg.Threshold)
	assert.Equal(t, DefaultInterval, m.cfg.Interval)
}

func TestRun_StopsOnCancel(t *testing.T) {
	db, clock := setup(t)
	job := startJob(t, db)
	clock.Advance(20 * time.Minute)
	m := New(db, Config{Interval: 10 * time.Millisecond}, WithClock(clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := db.GetJob(context.Background(), job.ID)
		return err == nil && got != nil && got.State == types.JobFailed
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestStaleJobTimeoutError(t *testing.T) {
	id := uuid.MustParse("6f1c2a9e-8a4b-4c11-9a51-3e2f0d6b7c10")
	err := &StaleJobTimeoutError{JobID: id, Threshold: 15 * time.Minute}
	assert.Equal(t, "job 6f1c2a9e-8a4b-4c11-9a51-3e2f0d6b7c10 made no progress for over 15m0s", err.Error())
}
