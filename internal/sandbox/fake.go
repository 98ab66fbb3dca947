package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Provider for tests.
type Fake struct {
	mu       sync.Mutex
	acquired int
	released int
	// Output returned from every Exec call.
	Output string
	// ExecErr, when set, is returned from every Exec call.
	ExecErr error
}

func NewFake() *Fake {
	return &Fake{Output: "ok"}
}

func (f *Fake) Acquire(ctx context.Context, repositoryID string) (*Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	return &Workspace{
		ID:      fmt.Sprintf("ws-%d", f.acquired),
		WorkDir: "/tmp/" + repositoryID,
	}, nil
}

func (f *Fake) Exec(ctx context.Context, ws *Workspace, command string) (string, error) {
	if f.ExecErr != nil {
		return "", f.ExecErr
	}
	return f.Output, nil
}

func (f *Fake) Release(ctx context.Context, ws *Workspace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

// Leaked reports whether any acquired workspace was not released.
func (f *Fake) Leaked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired != f.released
}
