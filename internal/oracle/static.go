package oracle

import (
	"context"
	"sync"
)

// StaticOracle returns a canned response and records every request.
type StaticOracle struct {
	Response string
	Err      error

	mu       sync.Mutex
	requests []Request
}

func (s *StaticOracle) Analyze(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.Response, s.Err
}

// Calls returns how many requests were made.
func (s *StaticOracle) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of the recorded requests.
func (s *StaticOracle) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// FuncOracle adapts a function to the Oracle interface.
type FuncOracle func(ctx context.Context, req Request) (string, error)

func (f FuncOracle) Analyze(ctx context.Context, req Request) (string, error) { return f(ctx, req) }
