package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/capsule-forge/internal/config"
	"github.com/jonathan/capsule-forge/internal/llm"
	"github.com/jonathan/capsule-forge/internal/llm/llmtest"
	"github.com/jonathan/capsule-forge/internal/pipeline"
	"github.com/jonathan/capsule-forge/internal/server"
)

const testJWTSecret = "cli-test-secret-0123456789"

const sortingOutline = `{
  "title": "Sorting",
  "description": "Ordering things quickly.",
  "modules": [
    {"title": "Simple sorts", "description": "Quadratic", "lessons": [
      {"title": "Insertion sort", "variant": "concept", "summary": "Shifting", "estimated_minutes": 10},
      {"title": "Selection sort", "variant": "concept", "summary": "Minimums", "estimated_minutes": 10}
    ]},
    {"title": "Fast sorts", "description": "n log n", "lessons": [
      {"title": "Merge sort", "variant": "concept", "summary": "Divide", "estimated_minutes": 10},
      {"title": "Quicksort", "variant": "concept", "summary": "Partition", "estimated_minutes": 10}
    ]},
    {"title": "Special sorts", "description": "Beyond comparisons", "lessons": [
      {"title": "Counting sort", "variant": "concept", "summary": "Buckets", "estimated_minutes": 10},
      {"title": "Radix sort", "variant": "concept", "summary": "Digits", "estimated_minutes": 10}
    ]}
  ]
}`

func moduleReply(label string) string {
	return fmt.Sprintf(`{"lessons": [
  {"title": "%[1]s one", "variant": "concept", "body": "Body of %[1]s one."},
  {"title": "%[1]s two", "variant": "concept", "body": "Body of %[1]s two."}
]}`, label)
}

var capsuleLine = regexp.MustCompile(`Capsule ([0-9a-f-]{36})`)

// isolate points every command at a private SQLite file and the in-process scheduler
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STORE_DRIVER", config.StoreSQLite)
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "capsules.db"))
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SCHEDULER_BACKEND", config.SchedulerInProcess)
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("LLM_REQUESTS_PER_MINUTE", "60000")
	t.Setenv("LOG_MODE", "production")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("TRACING_ENABLED", "false")

	prevPoll := pollInterval
	pollInterval = 5 * time.Millisecond
	t.Cleanup(func() {
		pollInterval = prevPoll
		cliClient = nil
	})
}

// execute runs the root command with args after resetting every flag to its default
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	reset := func(fs *pflag.FlagSet) {
		fs.VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
	reset(rootCmd.PersistentFlags())
	for _, c := range rootCmd.Commands() {
		reset(c.Flags())
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "worker", "generate", "retry", "status", "sweep", "validate", "migrate", "token"}
	have := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], "missing command %s", name)
	}
}

func TestGenerateCommand(t *testing.T) {
	isolate(t)
	cliClient = llmtest.NewScriptedClient(
		llmtest.Reply{Text: sortingOutline},
		llmtest.Reply{Text: moduleReply("simple")},
		llmtest.Reply{Text: moduleReply("fast")},
		llmtest.Reply{Text: moduleReply("special")},
	)

	out, err := execute(t, "", "generate", "--topic", "Sorting algorithms")
	require.NoError(t, err, out)

	assert.Regexp(t, capsuleLine, out)
	assert.Contains(t, out, "CAPSULE OUTLINE")
	assert.Contains(t, out, "MODULE 1: Simple sorts")
	assert.Contains(t, out, "MODULE 3: Special sorts")
	assert.Contains(t, out, "100%")
	assert.Equal(t, 0, cliClient.(*llmtest.ScriptedClient).Remaining())

	id := capsuleLine.FindStringSubmatch(out)[1]
	out, err = execute(t, "", "status", id)
	require.NoError(t, err, out)
	assert.Contains(t, out, "status: completed")
	assert.Contains(t, out, "modules: 3")
}

func TestGenerateCommand_InvalidInput(t *testing.T) {
	isolate(t)

	_, err := execute(t, "", "generate")
	assert.Error(t, err, "a topic or document is required")

	_, err = execute(t, "", "generate", "--topic", "Sorting", "--document", "https://example.com/a")
	assert.Error(t, err)

	_, err = execute(t, "", "generate", "--topic", "Sorting", "--user", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid --user")
}

func TestGenerateThenRetry(t *testing.T) {
	isolate(t)
	client := llmtest.NewScriptedClient(
		llmtest.Reply{Text: sortingOutline},
		llmtest.Reply{Text: moduleReply("simple")},
		llmtest.Reply{Err: &llm.Error{Kind: llm.KindAuth, Op: "generate"}},
	)
	cliClient = client

	out, err := execute(t, "", "generate", "--topic", "Sorting algorithms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), pipeline.MsgAuth)
	assert.Contains(t, out, "MODULE 1: Simple sorts", "the committed module survives the failure")
	assert.NotContains(t, out, "MODULE 2")

	id := capsuleLine.FindStringSubmatch(out)[1]
	client.Push(
		llmtest.Reply{Text: moduleReply("fast")},
		llmtest.Reply{Text: moduleReply("special")},
	)
	out, err = execute(t, "", "retry", id)
	require.NoError(t, err, out)
	assert.Contains(t, out, "from module 2")
	assert.Contains(t, out, "MODULE 3: Special sorts")
	assert.Equal(t, 0, client.Remaining())
}

func TestRetryCommand_NothingToRetry(t *testing.T) {
	isolate(t)
	cliClient = llmtest.NewScriptedClient()

	_, err := execute(t, "", "retry", uuid.NewString())
	assert.ErrorIs(t, err, pipeline.ErrCapsuleNotFound)

	_, err = execute(t, "", "retry", "nope")
	assert.ErrorContains(t, err, "invalid capsule ID")
}

func TestStatusCommand_UnknownCapsule(t *testing.T) {
	isolate(t)
	_, err := execute(t, "", "status", uuid.NewString())
	assert.ErrorIs(t, err, pipeline.ErrCapsuleNotFound)
}

func TestSweepCommand(t *testing.T) {
	isolate(t)
	out, err := execute(t, "", "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "Failed 0 stale job(s)")
}

func TestMigrateCommand(t *testing.T) {
	isolate(t)
	out, err := execute(t, "", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema applied (sqlite)")

	// idempotent
	_, err = execute(t, "", "migrate")
	assert.NoError(t, err)
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outline.json")
	require.NoError(t, os.WriteFile(path, []byte(sortingOutline), 0o600))

	out, err := execute(t, "", "validate", "--schema", "outline", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "valid")

	out, err = execute(t, `{"title": "Sorting", "modules": []}`, "validate", "--schema", "outline")
	assert.ErrorIs(t, err, errValidationFailed)
	assert.Contains(t, out, "violation")

	_, err = execute(t, "", "validate", "--schema", "resume", path)
	assert.ErrorContains(t, err, "unknown schema")

	out, err = execute(t, "", "validate", "--schema", "mcq", "--describe")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", testJWTSecret)
	t.Setenv("JWT_ISSUER", "")
	t.Setenv("JWT_EXPIRATION_HOURS", "")
	userID := uuid.New()

	out, err := execute(t, "", "token", "--user", userID.String())
	require.NoError(t, err)

	cfg, err := config.NewJWTConfig()
	require.NoError(t, err)
	claims, err := server.NewJWTService(cfg).ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := execute(t, "", "token")
	assert.ErrorContains(t, err, "JWT_SECRET")
}

type fakeInvoker struct {
	err error
}

func (f fakeInvoker) Invoke(context.Context, uuid.UUID) (pipeline.Outcome, error) {
	if f.err != nil {
		return pipeline.OutcomeDeferred, f.err
	}
	return pipeline.OutcomeAdvanced, nil
}

func TestInvocationHandler(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	assert.NoError(t, invocationHandler(fakeInvoker{})(ctx, id))
	assert.NoError(t, invocationHandler(fakeInvoker{err: fmt.Errorf("stage: %w", pipeline.ErrRetryLater)})(ctx, id),
		"a deferred job is already rescheduled")

	boom := errors.New("store down")
	assert.ErrorIs(t, invocationHandler(fakeInvoker{err: boom})(ctx, id), boom)
}

func TestLLMConfig(t *testing.T) {
	c := llmConfig(config.LLMConfig{
		Models:      map[string]string{"advanced": "custom-pro", "bogus": "ignored"},
		Temperature: 0.4,
	})
	assert.Equal(t, "custom-pro", c.GetModel(llm.TierAdvanced))
	assert.Equal(t, llm.DefaultGeminiConfig().GetModel(llm.TierLite), c.GetModel(llm.TierLite))
	assert.InDelta(t, 0.4, c.Temperature, 1e-6)

	assert.Equal(t, llm.DefaultTemperature, llmConfig(config.LLMConfig{}).Temperature)
}

func TestWorkerCommand_RequiresRedis(t *testing.T) {
	isolate(t)
	_, err := execute(t, "", "worker")
	assert.ErrorContains(t, err, "redis")
}
