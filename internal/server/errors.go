// Package server provides the HTTP API for capsule creation, generation, and progress.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/capsule-forge/internal/llm"
	"github.com/jonathan/capsule-forge/internal/pipeline"
	"github.com/jonathan/capsule-forge/internal/repair"
	"github.com/jonathan/capsule-forge/internal/store"
)

// ErrForbidden indicates the caller may see the capsule but not change it
type ErrForbidden struct {
	Action string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("not allowed to %s this capsule", e.Action)
}

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}

	var forbidden *ErrForbidden
	var invalid *ErrValidation
	var fieldErrs validator.ValidationErrors
	var exhausted *repair.SchemaValidationExhaustedError
	switch {
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &invalid), errors.As(err, &fieldErrs), errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrCapsuleNotFound),
		errors.Is(err, pipeline.ErrJobNotFound),
		errors.Is(err, pipeline.ErrLessonNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrRetryRequired),
		errors.Is(err, pipeline.ErrNotRetryable),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &exhausted):
		return http.StatusBadGateway
	}

	switch llm.Classify(err) {
	case llm.KindQuota:
		return http.StatusTooManyRequests
	case llm.KindUnavailable, llm.KindAuth:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// publicMessage is what the client sees for err. Server-side failures never echo internals.
func publicMessage(err error, status int) string {
	switch {
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return pipeline.UserMessage(err)
	case status == http.StatusTooManyRequests:
		return "Content generation is busy. Please try again shortly."
	case status >= 500:
		return "Internal server error"
	}
	return err.Error()
}

// errInvalidRequest marks malformed bodies and path parameters
var errInvalidRequest = errors.New("invalid request")

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, fmt.Sprintf(format, args...))
}
