package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/capsule-forge/internal/ingestion"
	"github.com/jonathan/capsule-forge/internal/llm/llmtest"
	"github.com/jonathan/capsule-forge/internal/localdb"
	"github.com/jonathan/capsule-forge/internal/repair"
	"github.com/jonathan/capsule-forge/internal/store"
	"github.com/jonathan/capsule-forge/internal/store/storetest"
	"github.com/jonathan/capsule-forge/internal/types"
)

// threeModuleOutline plans three modules of two ten-minute concept lessons each
const threeModuleOutline = `{
  "title": "Graph Algorithms",
  "description": "From vertices to shortest paths.",
  "modules": [
    {"title": "Foundations", "description": "Vocabulary", "lessons": [
      {"title": "Vertices and edges", "variant": "concept", "summary": "Basic terms", "estimated_minutes": 10},
      {"title": "Representations", "variant": "concept", "summary": "Lists and matrices", "estimated_minutes": 10}
    ]},
    {"title": "Traversal", "description": "Walking a graph", "lessons": [
      {"title": "Breadth-first search", "variant": "concept", "summary": "Queues", "estimated_minutes": 10},
      {"title": "Depth-first search", "variant": "concept", "summary": "Stacks", "estimated_minutes": 10}
    ]},
    {"title": "Shortest paths", "description": "Weighted graphs", "lessons": [
      {"title": "Dijkstra", "variant": "concept", "summary": "Greedy relaxation", "estimated_minutes": 10},
      {"title": "Bellman-Ford", "variant": "concept", "summary": "Negative edges", "estimated_minutes": 10}
    ]}
  ]
}`

// moduleContent returns a valid two-lesson module body tagged with label
func moduleContent(label string) string {
	return fmt.Sprintf(`{"lessons": [
  {"title": "%[1]s lesson one", "variant": "concept", "body": "Body of %[1]s one.", "key_points": ["first"]},
  {"title": "%[1]s lesson two", "variant": "concept", "body": "Body of %[1]s two."}
]}`, label)
}

// oneLessonModule is well-formed but contradicts a two-lesson plan
const oneLessonModule = `{"lessons": [{"title": "Only one", "variant": "concept", "body": "Too short."}]}`

const notJSON = "Sure! Here is your module:"

type scheduled struct {
	JobID uuid.UUID
	Delay time.Duration
}

// recordingScheduler records Schedule calls instead of running anything
type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduled
	err   error
}

func (r *recordingScheduler) Schedule(_ context.Context, jobID uuid.UUID, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, scheduled{JobID: jobID, Delay: delay})
	return r.err
}

func (r *recordingScheduler) Calls() []scheduled {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scheduled(nil), r.calls...)
}

type sourceFunc func(ctx context.Context, src types.Source) (string, error)

func (f sourceFunc) Load(ctx context.Context, src types.Source) (string, error) {
	return f(ctx, src)
}

type harness struct {
	store     store.Store
	client    *llmtest.ScriptedClient
	scheduler *recordingScheduler
	clock     *storetest.Clock
	exec      *StageExecutor
	orch      *Orchestrator
	svc       *Service
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	sources SourceLoader
}

func withSources(s SourceLoader) harnessOption {
	return func(c *harnessConfig) { c.sources = s }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{sources: ingestion.NewLoader(ingestion.Options{})}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := storetest.NewClock()
	db, err := localdb.Open(context.Background(), ":memory:", localdb.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	client := llmtest.NewScriptedClient()
	sched := &recordingScheduler{}
	exec := NewStageExecutor(repair.NewGenerator(client), cfg.sources, DefaultExecutorConfig(), nil)
	return &harness{
		store:     db,
		client:    client,
		scheduler: sched,
		clock:     clock,
		exec:      exec,
		orch:      NewOrchestrator(db, exec, sched, DefaultOrchestratorConfig(), nil),
		svc:       NewService(db, exec, sched, nil),
	}
}

// script queues replies for the next capability calls
func (h *harness) script(texts ...string) {
	for _, text := range texts {
		h.client.Push(llmtest.Reply{Text: text})
	}
}

func (h *harness) createCapsule(t *testing.T, topic string) (*types.Capsule, *types.GenerationJob) {
	t.Helper()
	capsule, job, err := h.svc.CreateCapsule(context.Background(), uuid.New(), types.CreateCapsuleRequest{Topic: topic})
	require.NoError(t, err)
	require.NotNil(t, job)
	return capsule, job
}

// drain invokes the orchestrator until the job reaches a terminal state, returning the
// progress percent observed after every invocation
func (h *harness) drain(t *testing.T, jobID uuid.UUID) []int {
	t.Helper()
	ctx := context.Background()
	var percents []int
	for i := 0; i < 20; i++ {
		outcome, err := h.orch.Invoke(ctx, jobID)
		require.NoError(t, err)

		job, err := h.store.GetJob(ctx, jobID)
		require.NoError(t, err)
		require.NotNil(t, job)
		percents = append(percents, ComputeProgress(job).Percent)

		if outcome == OutcomeCompleted || outcome == OutcomeFailed {
			return percents
		}
		require.Equal(t, OutcomeAdvanced, outcome, "unexpected outcome at invocation %d", i)
		h.clock.Advance(time.Second)
	}
	t.Fatalf("job %s did not finish", jobID)
	return nil
}

func (h *harness) job(t *testing.T, id uuid.UUID) *types.GenerationJob {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func (h *harness) capsule(t *testing.T, id uuid.UUID) *types.Capsule {
	t.Helper()
	c, err := h.store.GetCapsule(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func (h *harness) modules(t *testing.T, capsuleID uuid.UUID) []types.ModuleWithLessons {
	t.Helper()
	modules, err := h.store.ListModules(context.Background(), capsuleID)
	require.NoError(t, err)
	return modules
}

func countPrompts(calls []llmtest.Call, needle string) int {
	n := 0
	for _, c := range calls {
		if strings.Contains(c.Prompt, needle) {
			n++
		}
	}
	return n
}
