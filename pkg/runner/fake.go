package runner

import (
	"context"
	"sync"
)

// Fake is an in-memory Runner. Each call is recorded and Handler, when set,
// decides the outcome; it may create the files a real tool would produce.
type Fake struct {
	Handler func(inv Invocation) (Result, error)

	mu    sync.Mutex
	calls []Invocation
}

func (f *Fake) Run(ctx context.Context, inv Invocation) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{Argv: inv.Argv()}, err
	}
	if f.Handler == nil {
		return Result{Argv: inv.Argv()}, nil
	}
	res, err := f.Handler(inv)
	if res.Argv == nil {
		res.Argv = inv.Argv()
	}
	return res, err
}

// Calls returns a copy of the recorded invocations.
func (f *Fake) Calls() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Invocation(nil), f.calls...)
}
