package pipeline

import (
	"errors"
	"fmt"

	"github.com/jonathan/capsule-forge/internal/ingestion"
	"github.com/jonathan/capsule-forge/internal/llm"
	"github.com/jonathan/capsule-forge/internal/pipeline/steps"
	"github.com/jonathan/capsule-forge/internal/repair"
)

var (
	// ErrCapsuleNotFound is returned when the capsule does not exist (or was deleted)
	ErrCapsuleNotFound = errors.New("capsule not found")
	// ErrJobNotFound is returned when a capsule has no generation job
	ErrJobNotFound = errors.New("generation job not found")
	// ErrLessonNotFound is returned when the lesson does not belong to the capsule
	ErrLessonNotFound = errors.New("lesson not found")
	// ErrRetryRequired is returned by StartGeneration when the latest job failed
	ErrRetryRequired = errors.New("generation failed; use retry to resume it")
	// ErrNotRetryable is returned by RetryGeneration unless the latest job failed
	ErrNotRetryable = errors.New("only a failed generation can be retried")
	// ErrRetryLater marks an invocation deferred by a quota signal; the job was rescheduled
	ErrRetryLater = errors.New("generation deferred by quota; rescheduled")
)

// StageError wraps a fatal failure with the stage it happened in
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// User-facing failure messages. These end up on the capsule and must never carry internal detail.
const (
	MsgValidationExhausted = "We couldn't produce well-formed course content after several attempts. Please retry."
	MsgAuth                = "Content generation is not configured correctly. Please contact support."
	MsgUnavailable         = "The content generation service is unavailable right now. Please retry in a few minutes."
	MsgInvalidRequest      = "The content generation service rejected this request. Try a different topic or document."
	MsgSource              = "The source document could not be read."
	MsgInconsistent        = "Generation stopped in an inconsistent state. Please retry."
	MsgUnknown             = "Generation failed unexpectedly. Please retry."
)

// UserMessage maps an error to a short, non-leaky message for the capsule
func UserMessage(err error) string {
	var exhausted *repair.SchemaValidationExhaustedError
	if errors.As(err, &exhausted) {
		return MsgValidationExhausted
	}
	var sourceErr *ingestion.SourceError
	if errors.As(err, &sourceErr) {
		return MsgSource
	}
	var depErr *steps.DependencyError
	if errors.As(err, &depErr) {
		return MsgInconsistent
	}
	switch llm.Classify(err) {
	case llm.KindAuth:
		return MsgAuth
	case llm.KindUnavailable:
		return MsgUnavailable
	case llm.KindInvalidRequest:
		return MsgInvalidRequest
	}
	return MsgUnknown
}
