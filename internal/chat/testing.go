package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// StubStep scripts one provider call of a StubStreamer.
type StubStep func(ctx context.Context, req *GenerateRequest, fn StreamFunc) (string, error)

// StubStreamer is a scripted Streamer for tests. Steps are consumed in
// order; the last step repeats once the script runs out. A StubStreamer
// with no steps fails every call.
type StubStreamer struct {
	mu    sync.Mutex
	steps []StubStep
	next  int
	reqs  []*GenerateRequest
}

// Enqueue appends steps to the script.
func (s *StubStreamer) Enqueue(steps ...StubStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Stream replays the next scripted step.
func (s *StubStreamer) Stream(ctx context.Context, req *GenerateRequest, fn StreamFunc) (string, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return "", errors.New("stub streamer: no script")
	}
	idx := s.next
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	s.next++
	step := s.steps[idx]
	s.mu.Unlock()
	return step(ctx, req, fn)
}

// Calls returns the number of provider calls made.
func (s *StubStreamer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

// Requests returns the recorded call snapshots.
func (s *StubStreamer) Requests() []*GenerateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*GenerateRequest, len(s.reqs))
	copy(out, s.reqs)
	return out
}

// StreamText scripts a successful call emitting the given fragments.
func StreamText(fragments ...string) StubStep {
	return func(ctx context.Context, _ *GenerateRequest, fn StreamFunc) (string, error) {
		var full strings.Builder
		for _, f := range fragments {
			full.WriteString(f)
			if fn != nil {
				if err := fn(ctx, Chunk{Text: f}); err != nil {
					return "", err
				}
			}
		}
		if fn != nil {
			if err := fn(ctx, Chunk{Final: true}); err != nil {
				return "", err
			}
		}
		out := full.String()
		if strings.TrimSpace(out) == "" {
			return "", &Error{Kind: KindContentFiltered, Message: "provider returned an empty response"}
		}
		return out, nil
	}
}

// StreamError scripts a failing call.
func StreamError(err error) StubStep {
	return func(context.Context, *GenerateRequest, StreamFunc) (string, error) {
		return "", err
	}
}
