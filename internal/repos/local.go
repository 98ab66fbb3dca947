package repos

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Local is a Service that records branch and merge state in memory and
// synthesizes pull request URLs. It stands in when no real source-control
// provider is configured, so a single-process deployment still runs the
// whole pipeline.
type Local struct {
	mu     sync.Mutex
	prSeq  int
	logger *slog.Logger
}

func NewLocal(logger *slog.Logger) *Local {
	return &Local{logger: logger}
}

func (l *Local) CreateBranch(ctx context.Context, repositoryID, branch string) error {
	l.logger.InfoContext(ctx, "create branch",
		slog.String("repository_id", repositoryID),
		slog.String("branch", branch),
	)
	return nil
}

func (l *Local) OpenPullRequest(ctx context.Context, repositoryID, branch, title, body string) (*PullRequest, error) {
	l.mu.Lock()
	l.prSeq++
	seq := l.prSeq
	l.mu.Unlock()
	pr := &PullRequest{
		URL:    fmt.Sprintf("local://%s/pull/%d", repositoryID, seq),
		Branch: branch,
		Title:  title,
	}
	l.logger.InfoContext(ctx, "open pull request",
		slog.String("repository_id", repositoryID),
		slog.String("url", pr.URL),
	)
	return pr, nil
}

func (l *Local) Merge(ctx context.Context, repositoryID, branch string) error {
	l.logger.InfoContext(ctx, "merge branch",
		slog.String("repository_id", repositoryID),
		slog.String("branch", branch),
	)
	return nil
}
