package repos

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Service for tests. Errors can be scripted per
// repository and operation.
type Fake struct {
	mu       sync.Mutex
	branches map[string][]string
	prs      map[string][]PullRequest
	merged   map[string][]string
	// Fail maps "op:repositoryID" to the error returned for that call.
	Fail map[string]error
}

func NewFake() *Fake {
	return &Fake{
		branches: map[string][]string{},
		prs:      map[string][]PullRequest{},
		merged:   map[string][]string{},
		Fail:     map[string]error{},
	}
}

func (f *Fake) fail(op, repositoryID string) error {
	if err, ok := f.Fail[op+":"+repositoryID]; ok {
		return err
	}
	return nil
}

func (f *Fake) CreateBranch(ctx context.Context, repositoryID, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("branch", repositoryID); err != nil {
		return err
	}
	f.branches[repositoryID] = append(f.branches[repositoryID], branch)
	return nil
}

func (f *Fake) OpenPullRequest(ctx context.Context, repositoryID, branch, title, body string) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("pr", repositoryID); err != nil {
		return nil, err
	}
	pr := PullRequest{
		URL:    fmt.Sprintf("https://example.com/%s/pull/%d", repositoryID, len(f.prs[repositoryID])+1),
		Branch: branch,
		Title:  title,
	}
	f.prs[repositoryID] = append(f.prs[repositoryID], pr)
	return &pr, nil
}

func (f *Fake) Merge(ctx context.Context, repositoryID, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("merge", repositoryID); err != nil {
		return err
	}
	f.merged[repositoryID] = append(f.merged[repositoryID], branch)
	return nil
}

// Merged returns the branches merged for repositoryID.
func (f *Fake) Merged(repositoryID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.merged[repositoryID]...)
}
