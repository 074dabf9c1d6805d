package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "http 429", err: &googleapi.Error{Code: 429}, want: KindQuota},
		{name: "http 401", err: &googleapi.Error{Code: 401}, want: KindAuth},
		{name: "http 403", err: &googleapi.Error{Code: 403}, want: KindAuth},
		{name: "http 400", err: &googleapi.Error{Code: 400}, want: KindInvalidRequest},
		{name: "http 503", err: &googleapi.Error{Code: 503}, want: KindUnavailable},
		{name: "wrapped http 429", err: fmt.Errorf("call failed: %w", &googleapi.Error{Code: 429}), want: KindQuota},
		{name: "grpc resource exhausted", err: status.Error(codes.ResourceExhausted, "slow down"), want: KindQuota},
		{name: "grpc unauthenticated", err: status.Error(codes.Unauthenticated, "bad key"), want: KindAuth},
		{name: "grpc permission denied", err: status.Error(codes.PermissionDenied, "no"), want: KindAuth},
		{name: "grpc unavailable", err: status.Error(codes.Unavailable, "down"), want: KindUnavailable},
		{name: "grpc invalid argument", err: status.Error(codes.InvalidArgument, "model"), want: KindInvalidRequest},
		{name: "context canceled", err: context.Canceled, want: KindCanceled},
		{name: "deadline exceeded", err: fmt.Errorf("x: %w", context.DeadlineExceeded), want: KindCanceled},
		{name: "blocked prompt", err: &genai.BlockedError{}, want: KindInvalidRequest},
		{name: "network", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: KindUnavailable},
		{name: "already classified", err: fmt.Errorf("outer: %w", &Error{Kind: KindAuth, Op: "x"}), want: KindAuth},
		{name: "message text is ignored", err: errors.New("429 quota exceeded"), want: KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrapError(t *testing.T) {
	assert.NoError(t, wrapError("op", nil))

	cause := &googleapi.Error{Code: 429}
	err := wrapError("generate json", cause)

	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindQuota, le.Kind)
	assert.True(t, IsQuota(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "generate json: quota error")

	// already-classified errors are not double wrapped
	assert.Same(t, err, wrapError("other", err))
}

func TestIsQuota_OnlyForQuota(t *testing.T) {
	for _, k := range []Kind{KindAuth, KindUnavailable, KindInvalidRequest, KindCanceled, KindUnknown} {
		assert.False(t, IsQuota(&Error{Kind: k, Op: "generate"}), string(k))
	}
	assert.True(t, IsQuota(fmt.Errorf("stage: %w", &Error{Kind: KindQuota, Op: "generate"})))
}
