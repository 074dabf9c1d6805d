package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is the closed set of generation failure classes
type Kind string

const (
	// KindQuota is a rate limit or exhausted quota. Retryable after a pause.
	KindQuota Kind = "quota"
	// KindAuth is a missing, invalid, or unauthorized credential
	KindAuth Kind = "auth"
	// KindUnavailable is a service outage or transport failure
	KindUnavailable Kind = "unavailable"
	// KindInvalidRequest is a request the service refused to process (bad model, blocked prompt)
	KindInvalidRequest Kind = "invalid_request"
	// KindCanceled means the caller's context ended
	KindCanceled Kind = "canceled"
	// KindUnknown is anything else
	KindUnknown Kind = "unknown"
)

// Error is a classified failure from the generation capability
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// wrapError classifies err and wraps it as *Error
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Cause: err}
}

// Classify maps an error from a provider SDK onto a Kind using status codes, never message text
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return classifyHTTP(gerr.Code)
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return KindInvalidRequest
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		return classifyGRPC(st.Code())
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return KindUnavailable
	}

	return KindUnknown
}

// IsQuota reports whether err is a quota or rate limit failure
func IsQuota(err error) bool {
	return Classify(err) == KindQuota
}

func classifyHTTP(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindQuota
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusBadRequest || code == http.StatusNotFound:
		return KindInvalidRequest
	case code == http.StatusRequestTimeout || code >= 500:
		return KindUnavailable
	}
	return KindUnknown
}

func classifyGRPC(code codes.Code) Kind {
	switch code {
	case codes.ResourceExhausted:
		return KindQuota
	case codes.Unauthenticated, codes.PermissionDenied:
		return KindAuth
	case codes.Unavailable, codes.Internal, codes.DeadlineExceeded, codes.Aborted:
		return KindUnavailable
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition, codes.OutOfRange:
		return KindInvalidRequest
	case codes.Canceled:
		return KindCanceled
	}
	return KindUnknown
}
