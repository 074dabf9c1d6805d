package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/capsule-forge/internal/types"
)

func TestService_CreateCapsule(t *testing.T) {
	h := newHarness(t)
	userID := uuid.New()

	capsule, job, err := h.svc.CreateCapsule(context.Background(), userID, types.CreateCapsuleRequest{Topic: "photosynthesis"})
	require.NoError(t, err)

	assert.Equal(t, userID, capsule.UserID)
	assert.Equal(t, "photosynthesis", capsule.Title)
	assert.Equal(t, types.VisibilityPrivate, capsule.Visibility)
	assert.Equal(t, types.SourceTopic, capsule.Source.Kind)
	assert.Equal(t, types.JobIdle, job.State)
	assert.Equal(t, capsule.ID, job.CapsuleID)

	calls := h.scheduler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, job.ID, calls[0].JobID)
}

func TestService_CreateCapsule_InvalidRequest(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		req  types.CreateCapsuleRequest
	}{
		{name: "neither source", req: types.CreateCapsuleRequest{}},
		{name: "both sources", req: types.CreateCapsuleRequest{Topic: "graphs", DocumentRef: "https://example.com"}},
		{name: "topic too short", req: types.CreateCapsuleRequest{Topic: "go"}},
		{name: "bad visibility", req: types.CreateCapsuleRequest{Topic: "graphs", Visibility: "friends"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.svc.CreateCapsule(context.Background(), uuid.New(), tt.req)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, h.scheduler.Calls())
}

func TestService_StartGeneration_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	capsule, first := h.createCapsule(t, "graph algorithms")

	second, err := h.svc.StartGeneration(ctx, capsule.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// mid-generation starts reuse the live job too
	h.script(threeModuleOutline)
	_, err = h.orch.Invoke(ctx, first.ID)
	require.NoError(t, err)
	third, err := h.svc.StartGeneration(ctx, capsule.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, types.JobOutlineComplete, third.State)

	for _, c := range h.scheduler.Calls() {
		assert.Equal(t, first.ID, c.JobID)
	}
}

func TestService_StartGeneration_Completed(t *testing.T) {
	h := newHarness(t)
	capsule, job := h.createCapsule(t, "graph algorithms")
	h.script(threeModuleOutline, moduleContent("m0"), moduleContent("m1"), moduleContent("m2"))
	h.drain(t, job.ID)
	scheduledBefore := len(h.scheduler.Calls())

	got, err := h.svc.StartGeneration(context.Background(), capsule.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, types.JobCompleted, got.State)
	assert.Len(t, h.scheduler.Calls(), scheduledBefore)
}

func TestService_StartGeneration_FailedRequiresRetry(t *testing.T) {
	h := newHarness(t)
	capsule, job := h.createCapsule(t, "graph algorithms")
	h.script(notJSON, notJSON, notJSON)
	h.drain(t, job.ID)

	_, err := h.svc.StartGeneration(context.Background(), capsule.ID)
	assert.ErrorIs(t, err, ErrRetryRequired)
}

func TestService_StartGeneration_MissingCapsule(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.StartGeneration(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrCapsuleNotFound)
}

func TestService_RetryGeneration_ResumesFromPersistedModules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	capsule, job := h.createCapsule(t, "graph algorithms")
	h.script(threeModuleOutline, moduleContent("m0"), notJSON, notJSON, notJSON)
	h.drain(t, job.ID)
	require.Equal(t, types.JobFailed, h.job(t, job.ID).State)
	module0 := h.modules(t, capsule.ID)[0]

	retry, err := h.svc.RetryGeneration(ctx, capsule.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, retry.ID)
	assert.Equal(t, types.JobModuleComplete, retry.State)
	assert.Equal(t, 1, retry.CurrentModuleIndex)
	assert.Equal(t, 3, retry.TotalModules)
	assert.Equal(t, 2, retry.LessonsGenerated)
	assert.JSONEq(t, string(h.job(t, job.ID).Outline), string(retry.Outline))

	c := h.capsule(t, capsule.ID)
	assert.Equal(t, types.CapsulePending, c.Status)
	assert.Empty(t, c.ErrorMessage)

	callsBefore := len(h.client.Calls())
	h.script(moduleContent("m1"), moduleContent("m2"))
	h.drain(t, retry.ID)

	assert.Len(t, h.client.Calls(), callsBefore+2, "outline and module 0 must not be regenerated")
	modules := h.modules(t, capsule.ID)
	require.Len(t, modules, 3)
	assert.Equal(t, module0.ID, modules[0].ID)
	assert.Equal(t, module0.LessonIDs, modules[0].LessonIDs)

	got := h.job(t, retry.ID)
	assert.Equal(t, types.JobCompleted, got.State)
	assert.Equal(t, 6, got.LessonsGenerated)
	assert.Equal(t, types.CapsuleCompleted, h.capsule(t, capsule.ID).Status)

	// the failed job stays as history
	assert.Equal(t, types.JobFailed, h.job(t, job.ID).State)
}

func TestService_RetryGeneration_WithoutOutlineStartsOver(t *testing.T) {
	h := newHarness(t)
	capsule, job := h.createCapsule(t, "graph algorithms")
	h.script(notJSON, notJSON, notJSON)
	h.drain(t, job.ID)

	retry, err := h.svc.RetryGeneration(context.Background(), capsule.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobIdle, retry.State)
	assert.Empty(t, retry.Outline)

	h.script(threeModuleOutline, moduleContent("m0"), moduleContent("m1"), moduleContent("m2"))
	h.drain(t, retry.ID)
	assert.Equal(t, types.JobCompleted, h.job(t, retry.ID).State)
}

func TestService_RetryGeneration_NotRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	capsule, _ := h.createCapsule(t, "graph algorithms")

	_, err := h.svc.RetryGeneration(ctx, capsule.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	_, err = h.svc.RetryGeneration(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrCapsuleNotFound)
}

func TestService_RetryGeneration_Twice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	capsule, job := h.createCapsule(t, "graph algorithms")
	h.script(notJSON, notJSON, notJSON)
	h.drain(t, job.ID)

	_, err := h.svc.RetryGeneration(ctx, capsule.ID)
	require.NoError(t, err)
	_, err = h.svc.RetryGeneration(ctx, capsule.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestService_Progress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	capsule, job := h.createCapsule(t, "graph algorithms")

	p, err := h.svc.Progress(ctx, capsule.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, p.JobID)
	assert.Equal(t, 0, p.Percent)
	assert.Equal(t, "Waiting to start", p.Message)

	h.script(threeModuleOutline)
	_, err = h.orch.Invoke(ctx, job.ID)
	require.NoError(t, err)

	p, err = h.svc.Progress(ctx, capsule.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, p.Percent)
	assert.Equal(t, 3, p.TotalModules)
	assert.Equal(t, 6, p.TotalLessons)
	assert.Equal(t, 6, p.LessonPlansGenerated)

	_, err = h.svc.Progress(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrCapsuleNotFound)
}

func TestService_DeleteCapsule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	capsule, _ := h.createCapsule(t, "graph algorithms")

	require.NoError(t, h.svc.DeleteCapsule(ctx, capsule.ID))
	assert.ErrorIs(t, h.svc.DeleteCapsule(ctx, capsule.ID), ErrCapsuleNotFound)

	_, err := h.svc.Progress(ctx, capsule.ID)
	assert.ErrorIs(t, err, ErrCapsuleNotFound)
}

func TestService_RegenerateLesson(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	capsule, job := h.createCapsule(t, "graph algorithms")
	h.script(threeModuleOutline, moduleContent("m0"), moduleContent("m1"), moduleContent("m2"))
	h.drain(t, job.ID)

	target := h.modules(t, capsule.ID)[1].Lessons[0]
	replacement, err := json.Marshal(types.LessonContent{
		Title:   target.Title,
		Variant: types.VariantConcept,
		Body:    "A clearer explanation of breadth-first search.",
	})
	require.NoError(t, err)
	h.script(string(replacement))

	lesson, err := h.svc.RegenerateLesson(ctx, capsule.ID, target.ID, "simpler words please")
	require.NoError(t, err)
	assert.Equal(t, target.ID, lesson.ID)
	assert.Equal(t, "A clearer explanation of breadth-first search.", lesson.Body)

	calls := h.client.Calls()
	assert.Contains(t, calls[len(calls)-1].Prompt, "simpler words please")

	stored, err := h.store.GetLesson(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, "A clearer explanation of breadth-first search.", stored.Body)
	assert.Equal(t, target.Position, stored.Position)
}

func TestService_RegenerateLesson_KeepsVariant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	capsule, job := h.createCapsule(t, "graph algorithms")
	h.script(threeModuleOutline, moduleContent("m0"), moduleContent("m1"), moduleContent("m2"))
	h.drain(t, job.ID)

	target := h.modules(t, capsule.ID)[0].Lessons[1]
	require.Equal(t, types.VariantConcept, target.Variant)

	changed, err := json.Marshal(types.LessonContent{
		Title:   target.Title,
		Variant: types.VariantSimulation,
		Body:    "Now a simulation.",
	})
	require.NoError(t, err)
	kept, err := json.Marshal(types.LessonContent{
		Title:   target.Title,
		Variant: types.VariantConcept,
		Body:    "Still a concept, explained better.",
	})
	require.NoError(t, err)
	h.script(string(changed), string(kept))
	before := len(h.client.Calls())

	lesson, err := h.svc.RegenerateLesson(ctx, capsule.ID, target.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.VariantConcept, lesson.Variant)
	assert.Equal(t, "Still a concept, explained better.", lesson.Body)

	calls := h.client.Calls()[before:]
	require.Len(t, calls, 2, "a changed variant goes through repair")
	assert.Contains(t, calls[1].Prompt, `must stay "concept"`)

	stored, err := h.store.GetLesson(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VariantConcept, stored.Variant)
}

func TestService_RegenerateLesson_WrongCapsule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	capsule, job := h.createCapsule(t, "graph algorithms")
	h.script(threeModuleOutline, moduleContent("m0"), moduleContent("m1"), moduleContent("m2"))
	h.drain(t, job.ID)
	other, _ := h.createCapsule(t, "another topic")

	lessonID := h.modules(t, capsule.ID)[0].LessonIDs[0]
	_, err := h.svc.RegenerateLesson(ctx, other.ID, lessonID, "")
	assert.ErrorIs(t, err, ErrLessonNotFound)

	_, err = h.svc.RegenerateLesson(ctx, capsule.ID, uuid.New(), "")
	assert.ErrorIs(t, err, ErrLessonNotFound)
}

func TestResumeJob(t *testing.T) {
	outline := json.RawMessage(threeModuleOutline)

	tests := []struct {
		name        string
		failed      types.GenerationJob
		persisted   int
		wantState   types.JobState
		wantIndex   int
		wantLessons int
		wantErr     bool
	}{
		{name: "no outline", failed: types.GenerationJob{State: types.JobFailed}, wantState: types.JobIdle},
		{name: "corrupt outline", failed: types.GenerationJob{State: types.JobFailed, Outline: json.RawMessage(`{`)}, wantState: types.JobIdle},
		{name: "outline only", failed: types.GenerationJob{State: types.JobFailed, Outline: outline}, wantState: types.JobOutlineComplete},
		{name: "two modules", failed: types.GenerationJob{State: types.JobFailed, Outline: outline}, persisted: 2, wantState: types.JobModuleComplete, wantIndex: 2, wantLessons: 4},
		{name: "more modules than planned", failed: types.GenerationJob{State: types.JobFailed, Outline: outline}, persisted: 4, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := resumeJob(&tt.failed, tt.persisted)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, job.State)
			assert.Equal(t, tt.wantIndex, job.CurrentModuleIndex)
			assert.Equal(t, tt.wantLessons, job.LessonsGenerated)
		})
	}
}
