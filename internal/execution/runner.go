package execution

import "context"

// IterationRunner is the caller-supplied iteration logic. The core only decides
// when it runs; what it does is opaque.
type IterationRunner interface {
	RunIteration(ctx context.Context, s *Session) error
}

// RunnerFunc adapts a function to IterationRunner.
type RunnerFunc func(ctx context.Context, s *Session) error

// RunIteration calls f.
func (f RunnerFunc) RunIteration(ctx context.Context, s *Session) error {
	return f(ctx, s)
}
