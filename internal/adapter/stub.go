package adapter

import "context"

// Stub is an adapter that returns a canned result. It stands in for real
// execution backends in tests and dry runs.
type Stub struct {
	// RunFunc overrides the canned behavior when set.
	RunFunc func(ctx context.Context, req Request, progress ProgressFunc) (Result, error)
}

func (s *Stub) Type() string { return "stub" }

func (s *Stub) Run(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if s.RunFunc != nil {
		return s.RunFunc(ctx, req, progress)
	}
	if progress != nil {
		progress(100, "done")
	}
	return Result{Success: true}, nil
}
