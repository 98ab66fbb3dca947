package repos

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"typed merge conflict", NewMergeConflictError(nil), ClassIntervention},
		{"conflict in message", errors.New("CONFLICT (content): merge conflict in main.go"), ClassIntervention},
		{"non fast forward", errors.New("rejected: non-fast-forward update"), ClassIntervention},
		{"diverged branches", errors.New("branches have diverged"), ClassIntervention},
		{"transient network", errors.New("dial tcp: connection refused"), ClassRetryable},
		{"timeout", errors.New("request timed out"), ClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestChangeSummary(t *testing.T) {
	summary, err := ChangeSummary([]FileChange{
		{
			Path:   "internal/server/server.go",
			Before: "package server\n\nfunc run() {}\n",
			After:  "package server\n\nfunc run() error { return nil }\n",
		},
	})
	require.NoError(t, err)
	assert.Contains(t, summary, "--- a/internal/server/server.go")
	assert.Contains(t, summary, "+++ b/internal/server/server.go")
	assert.Contains(t, summary, "-func run() {}")
	assert.Contains(t, summary, "+func run() error { return nil }")
}

func TestChangeSummaryEmpty(t *testing.T) {
	summary, err := ChangeSummary(nil)
	require.NoError(t, err)
	assert.Empty(t, summary)
}

func TestFakeService(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	require.NoError(t, f.CreateBranch(ctx, "svc-api", "pipeforge/t1/svc-api"))
	pr, err := f.OpenPullRequest(ctx, "svc-api", "pipeforge/t1/svc-api", "pipeforge: demo", "body")
	require.NoError(t, err)
	assert.NotEmpty(t, pr.URL)
	assert.Equal(t, "pipeforge/t1/svc-api", pr.Branch)

	require.NoError(t, f.Merge(ctx, "svc-api", pr.Branch))
	assert.Equal(t, []string{pr.Branch}, f.Merged("svc-api"))

	f.Fail["merge:svc-api"] = NewMergeConflictError(nil)
	err = f.Merge(ctx, "svc-api", pr.Branch)
	assert.Equal(t, ClassIntervention, Classify(err))
}
