// Package llmtest provides test doubles for llm.Client.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonathan/capsule-forge/internal/llm"
)

// Reply is one scripted response
type Reply struct {
	Text string
	Err  error
}

// Call records one request seen by a ScriptedClient
type Call struct {
	Prompt string
	Tier   llm.ModelTier
}

// ScriptedClient answers GenerateJSON and GenerateContent calls from a queue of replies,
// in order, and records every call. It fails the call when the queue is empty.
type ScriptedClient struct {
	mu      sync.Mutex
	replies []Reply
	calls   []Call
}

// NewScriptedClient returns a client that will answer with replies in order
func NewScriptedClient(replies ...Reply) *ScriptedClient {
	return &ScriptedClient{replies: replies}
}

// Push appends more replies to the queue
func (s *ScriptedClient) Push(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

// Calls returns a copy of every call made so far
func (s *ScriptedClient) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Remaining reports how many scripted replies were not consumed
func (s *ScriptedClient) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}

func (s *ScriptedClient) next(ctx context.Context, prompt string, tier llm.ModelTier) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &llm.Error{Kind: llm.KindCanceled, Op: "scripted", Cause: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Prompt: prompt, Tier: tier})
	if len(s.replies) == 0 {
		return "", fmt.Errorf("scripted client: no reply queued for call %d", len(s.calls))
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.Text, r.Err
}

func (s *ScriptedClient) GenerateContent(ctx context.Context, prompt string, tier llm.ModelTier) (string, error) {
	return s.next(ctx, prompt, tier)
}

func (s *ScriptedClient) GenerateJSON(ctx context.Context, prompt string, tier llm.ModelTier) (string, error) {
	return s.next(ctx, prompt, tier)
}

func (s *ScriptedClient) GetModel(llm.ModelTier) string { return "scripted-model" }

func (s *ScriptedClient) Close() error { return nil }
