package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/capsule-forge/internal/store"
	"github.com/jonathan/capsule-forge/internal/types"
)

// Factory opens an empty store stamping writes with clock
type Factory func(t *testing.T, clock *Clock) store.Store

// Run exercises the store contract against a backend
func Run(t *testing.T, open Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store, clock *Clock)
	}{
		{"CapsuleRoundTrip", testCapsuleRoundTrip},
		{"ListCapsulesVisibility", testListCapsulesVisibility},
		{"EnsureActiveJobIsIdempotent", testEnsureActiveJobIsIdempotent},
		{"UpdateJobGuard", testUpdateJobGuard},
		{"CommitModuleAtomic", testCommitModuleAtomic},
		{"CommitModuleConflict", testCommitModuleConflict},
		{"StaleSweep", testStaleSweep},
		{"RetryJob", testRetryJob},
		{"DeleteCascades", testDeleteCascades},
		{"ReplaceLesson", testReplaceLesson},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewClock()
			s := open(t, clock)
			t.Cleanup(s.Close)
			tt.fn(t, s, clock)
		})
	}
}

// SeedCapsule inserts a pending topic capsule
func SeedCapsule(t *testing.T, s store.Store, userID uuid.UUID) *types.Capsule {
	t.Helper()
	c := &types.Capsule{
		UserID: userID,
		Title:  "Untitled",
		Source: types.Source{Kind: types.SourceTopic, Topic: "Photosynthesis"},
	}
	require.NoError(t, s.CreateCapsule(context.Background(), c))
	return c
}

// SampleModule builds a module with n concept lessons
func SampleModule(position, n int) *types.ModuleWithLessons {
	m := &types.ModuleWithLessons{
		Module: types.Module{Position: position, Title: "Module", Description: "desc"},
	}
	for i := 0; i < n; i++ {
		m.Lessons = append(m.Lessons, types.Lesson{
			Title:     "Lesson",
			Variant:   types.VariantConcept,
			Body:      "Body text",
			KeyPoints: []string{"one"},
		})
	}
	return m
}

func testCapsuleRoundTrip(t *testing.T, s store.Store, clock *Clock) {
	ctx := context.Background()
	c := SeedCapsule(t, s, uuid.New())
	assert.NotEqual(t, uuid.Nil, c.ID)
	assert.Equal(t, types.CapsulePending, c.Status)
	assert.Equal(t, types.VisibilityPrivate, c.Visibility)

	got, err := s.GetCapsule(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.UserID, got.UserID)
	assert.Equal(t, "Photosynthesis", got.Source.Topic)
	assert.True(t, clock.Now().Equal(got.CreatedAt))
	assert.Empty(t, got.ModuleIDs)

	missing, err := s.GetCapsule(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.UpdateCapsuleVisibility(ctx, c.ID, types.VisibilityPublic))
	got, err = s.GetCapsule(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VisibilityPublic, got.Visibility)

	assert.ErrorIs(t, s.UpdateCapsuleVisibility(ctx, uuid.New(), types.VisibilityPublic), store.ErrNotFound)
}

func testListCapsulesVisibility(t *testing.T, s store.Store, clock *Clock) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	mine := SeedCapsule(t, s, alice)
	clock.Advance(time.Second)
	theirs := SeedCapsule(t, s, bob)
	clock.Advance(time.Second)
	public := SeedCapsule(t, s, bob)
	require.NoError(t, s.UpdateCapsuleVisibility(ctx, public.ID, types.VisibilityPublic))

	own, err := s.ListCapsules(ctx, store.ListCapsulesFilter{UserID: alice})
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, mine.ID, own[0].ID)

	withPublic, err := s.ListCapsules(ctx, store.ListCapsulesFilter{UserID: alice, IncludePublic: true})
	require.NoError(t, err)
	require.Len(t, withPublic, 2)
	assert.Equal(t, public.ID, withPublic[0].ID, "newest first")
	for _, c := range withPublic {
		assert.NotEqual(t, theirs.ID, c.ID)
	}
}

func testEnsureActiveJobIsIdempotent(t *testing.T, s store.Store, _ *Clock) {
	ctx := context.Background()
	c := SeedCapsule(t, s, uuid.New())

	first, created, err := s.EnsureActiveJob(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.JobIdle, first.State)

	second, created, err := s.EnsureActiveJob(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, _, err = s.EnsureActiveJob(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testUpdateJobGuard(t *testing.T, s store.Store, clock *Clock) {
	ctx := context.Background()
	c := SeedCapsule(t, s, uuid.New())
	job, _, err := s.EnsureActiveJob(ctx, c.ID)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	outline := json.RawMessage(`{"title":"T","modules":[]}`)
	updated, err := s.UpdateJob(ctx, job.ID,
		store.JobGuard{States: []types.JobState{types.JobIdle}},
		store.JobPatch{
			State:         store.Ptr(types.JobOutlineComplete),
			Outline:       outline,
			TotalModules:  store.Ptr(2),
			CapsuleStatus: store.Ptr(types.CapsuleProcessing),
			CapsuleTitle:  store.Ptr("Plants"),
			EventMessage:  "outline generated",
		})
	require.NoError(t, err)
	assert.Equal(t, types.JobOutlineComplete, updated.State)
	assert.True(t, clock.Now().Equal(updated.UpdatedAt))
	assert.JSONEq(t, string(outline), string(updated.Outline))

	capsule, err := s.GetCapsule(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CapsuleProcessing, capsule.Status)
	assert.Equal(t, "Plants", capsule.Title)

	// stale guard
	_, err = s.UpdateJob(ctx, job.ID,
		store.JobGuard{States: []types.JobState{types.JobIdle}},
		store.JobPatch{State: store.Ptr(types.JobGeneratingOutline)})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.UpdateJob(ctx, uuid.New(), store.AnyActive, store.JobPatch{})
	assert.ErrorIs(t, err, store.ErrNotFound)

	// terminal jobs never move
	_, err = s.UpdateJob(ctx, job.ID, store.AnyActive, store.JobPatch{State: store.Ptr(types.JobFailed)})
	require.NoError(t, err)
	_, err = s.UpdateJob(ctx, job.ID, store.AnyActive, store.JobPatch{State: store.Ptr(types.JobIdle)})
	assert.ErrorIs(t, err, store.ErrConflict)

	events, err := s.ListJobEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, types.JobOutlineComplete, events[1].ToState)
	assert.Equal(t, "outline generated", events[1].Message)
	assert.Equal(t, types.JobFailed, events[2].ToState)
}

func testCommitModuleAtomic(t *testing.T, s store.Store, clock *Clock) {
	ctx := context.Background()
	c := SeedCapsule(t, s, uuid.New())
	job, _, err := s.EnsureActiveJob(ctx, c.ID)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	module := SampleModule(0, 3)
	module.Lessons[1].Questions = []types.Question{{
		Type: types.QuestionMCQ, Prompt: "Q", Options: []string{"a", "b", "c", "d"}, CorrectIndex: store.Ptr(2),
	}}
	updated, err := s.CommitModule(ctx, job.ID, store.JobGuard{ModuleIndex: store.Ptr(0)}, module, store.JobPatch{
		State:                 store.Ptr(types.JobModuleComplete),
		CurrentModuleIndex:    store.Ptr(1),
		LessonsGeneratedDelta: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentModuleIndex)
	assert.Equal(t, 3, updated.LessonsGenerated)
	assert.Len(t, module.LessonIDs, 3)

	n, err := s.CountModules(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	modules, err := s.ListModules(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, modules, 1)
	require.Len(t, modules[0].Lessons, 3)
	assert.Equal(t, module.LessonIDs, modules[0].LessonIDs)
	require.Len(t, modules[0].Lessons[1].Questions, 1)
	assert.Equal(t, 2, *modules[0].Lessons[1].Questions[0].CorrectIndex)

	got, err := s.GetModuleByPosition(ctx, c.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, module.ID, got.ID)

	none, err := s.GetModuleByPosition(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.Nil(t, none)

	capsule, err := s.GetCapsule(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{module.ID}, capsule.ModuleIDs)
}

func testCommitModuleConflict(t *testing.T, s store.Store, _ *Clock) {
	ctx := context.Background()
	c := SeedCapsule(t, s, uuid.New())
	job, _, err := s.EnsureActiveJob(ctx, c.ID)
	require.NoError(t, err)

	advance := store.JobPatch{CurrentModuleIndex: store.Ptr(1), LessonsGeneratedDelta: 2}
	_, err = s.CommitModule(ctx, job.ID, store.JobGuard{ModuleIndex: store.Ptr(0)}, SampleModule(0, 2), advance)
	require.NoError(t, err)

	// duplicate invocation holding a stale index
	_, err = s.CommitModule(ctx, job.ID, store.JobGuard{ModuleIndex: store.Ptr(0)}, SampleModule(0, 2), advance)
	assert.ErrorIs(t, err, store.ErrConflict)

	// guard passes but the position is taken: nothing from this attempt may persist
	_, err = s.CommitModule(ctx, job.ID, store.JobGuard{ModuleIndex: store.Ptr(1)}, SampleModule(0, 2), advance)
	assert.ErrorIs(t, err, store.ErrConflict)

	reloaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.CurrentModuleIndex)
	assert.Equal(t, 2, reloaded.LessonsGenerated)

	n, err := s.CountModules(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testStaleSweep(t *testing.T, s store.Store, clock *Clock) {
	ctx := context.Background()
	stale := SeedCapsule(t, s, uuid.New())
	fresh := SeedCapsule(t, s, uuid.New())
	done := SeedCapsule(t, s, uuid.New())

	staleJob, _, err := s.EnsureActiveJob(ctx, stale.ID)
	require.NoError(t, err)
	doneJob, _, err := s.EnsureActiveJob(ctx, done.ID)
	require.NoError(t, err)
	_, err = s.UpdateJob(ctx, doneJob.ID, store.AnyActive, store.JobPatch{State: store.Ptr(types.JobCompleted)})
	require.NoError(t, err)

	clock.Advance(16 * time.Minute)
	freshJob, _, err := s.EnsureActiveJob(ctx, fresh.ID)
	require.NoError(t, err)

	cutoff := clock.Now().Add(-15 * time.Minute)
	ids, err := s.MarkStaleJobsFailed(ctx, cutoff, "timed out")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{staleJob.ID}, ids)

	got, err := s.GetJob(ctx, staleJob.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, got.State)
	assert.Equal(t, "timed out", got.ErrorMessage)

	capsule, err := s.GetCapsule(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CapsuleFailed, capsule.Status)
	assert.Equal(t, "timed out", capsule.ErrorMessage)

	got, err = s.GetJob(ctx, freshJob.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobIdle, got.State)

	got, err = s.GetJob(ctx, doneJob.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.State)

	// second sweep is a no-op
	ids, err = s.MarkStaleJobsFailed(ctx, cutoff, "timed out")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testRetryJob(t *testing.T, s store.Store, clock *Clock) {
	ctx := context.Background()
	c := SeedCapsule(t, s, uuid.New())
	job, _, err := s.EnsureActiveJob(ctx, c.ID)
	require.NoError(t, err)

	retry := &types.GenerationJob{State: types.JobIdle}
	assert.ErrorIs(t, s.CreateRetryJob(ctx, job.ID, retry), store.ErrConflict, "job is not failed")

	_, err = s.UpdateJob(ctx, job.ID, store.AnyActive, store.JobPatch{
		State:         store.Ptr(types.JobFailed),
		CapsuleStatus: store.Ptr(types.CapsuleFailed),
		CapsuleError:  store.Ptr("boom"),
	})
	require.NoError(t, err)

	clock.Advance(time.Second)
	retry = &types.GenerationJob{State: types.JobModuleComplete, CurrentModuleIndex: 1, TotalModules: 3}
	require.NoError(t, s.CreateRetryJob(ctx, job.ID, retry))
	assert.Equal(t, c.ID, retry.CapsuleID)

	latest, err := s.GetLatestJob(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, retry.ID, latest.ID)
	assert.Equal(t, 1, latest.CurrentModuleIndex)

	capsule, err := s.GetCapsule(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CapsulePending, capsule.Status)
	assert.Empty(t, capsule.ErrorMessage)

	// the failed job is no longer the latest
	assert.ErrorIs(t, s.CreateRetryJob(ctx, job.ID, &types.GenerationJob{State: types.JobIdle}), store.ErrConflict)
}

func testDeleteCascades(t *testing.T, s store.Store, _ *Clock) {
	ctx := context.Background()
	c := SeedCapsule(t, s, uuid.New())
	job, _, err := s.EnsureActiveJob(ctx, c.ID)
	require.NoError(t, err)
	module := SampleModule(0, 1)
	_, err = s.CommitModule(ctx, job.ID, store.AnyActive, module, store.JobPatch{CurrentModuleIndex: store.Ptr(1)})
	require.NoError(t, err)

	require.NoError(t, s.DeleteCapsule(ctx, c.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	lesson, err := s.GetLesson(ctx, module.LessonIDs[0])
	require.NoError(t, err)
	assert.Nil(t, lesson)

	events, err := s.ListJobEvents(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.ErrorIs(t, s.DeleteCapsule(ctx, c.ID), store.ErrNotFound)
}

func testReplaceLesson(t *testing.T, s store.Store, clock *Clock) {
	ctx := context.Background()
	c := SeedCapsule(t, s, uuid.New())
	job, _, err := s.EnsureActiveJob(ctx, c.ID)
	require.NoError(t, err)
	module := SampleModule(0, 1)
	_, err = s.CommitModule(ctx, job.ID, store.AnyActive, module, store.JobPatch{CurrentModuleIndex: store.Ptr(1)})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	lesson, err := s.GetLesson(ctx, module.LessonIDs[0])
	require.NoError(t, err)
	require.NotNil(t, lesson)
	lesson.Title = "Rewritten"
	lesson.Variant = types.VariantQuiz
	lesson.Questions = []types.Question{{
		Type: types.QuestionFillBlanks, Text: "{{a}} is green", Blanks: []types.Blank{{ID: "a", Answer: "Chlorophyll"}},
	}}
	require.NoError(t, s.ReplaceLesson(ctx, lesson))

	got, err := s.GetLesson(ctx, lesson.ID)
	require.NoError(t, err)
	assert.Equal(t, "Rewritten", got.Title)
	assert.Equal(t, types.VariantQuiz, got.Variant)
	assert.Equal(t, 0, got.Position)
	require.Len(t, got.Questions, 1)
	assert.Equal(t, "Chlorophyll", got.Questions[0].Blanks[0].Answer)
	assert.True(t, clock.Now().Equal(got.UpdatedAt))

	lesson.ID = uuid.New()
	assert.ErrorIs(t, s.ReplaceLesson(ctx, lesson), store.ErrNotFound)
}
