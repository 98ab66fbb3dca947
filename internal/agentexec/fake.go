package agentexec

import (
	"context"
	"sync"
)

// Fake is a scripted Executor for tests. Each call pops the next entry from
// the script; an exhausted script returns the Default result.
type Fake struct {
	mu      sync.Mutex
	script  []FakeCall
	calls   []Request
	Default Result
}

// FakeCall is one scripted response.
type FakeCall struct {
	Result *Result
	Err    error
}

func NewFake(script ...FakeCall) *Fake {
	return &Fake{script: script, Default: Result{Output: "ok"}}
}

func (f *Fake) Run(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.script) == 0 {
		r := f.Default
		return &r, nil
	}
	call := f.script[0]
	f.script = f.script[1:]
	if call.Err != nil {
		return nil, call.Err
	}
	r := *call.Result
	return &r, nil
}

// Calls returns a copy of every request seen so far.
func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.calls))
	copy(out, f.calls)
	return out
}
