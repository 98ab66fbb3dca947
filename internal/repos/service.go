package repos

import (
	"context"
)

// PullRequest describes an opened pull request.
type PullRequest struct {
	URL    string
	Branch string
	Title  string
}

// Service is the source-control collaborator. Implementations talk to a real
// hosting provider; the engine only sequences the calls and classifies their
// failures.
type Service interface {
	CreateBranch(ctx context.Context, repositoryID, branch string) error
	OpenPullRequest(ctx context.Context, repositoryID, branch, title, body string) (*PullRequest, error)
	Merge(ctx context.Context, repositoryID, branch string) error
}
