package agentexec

import (
	"context"
)

// Request describes one agent invocation for a phase or story.
type Request struct {
	TaskID       string
	Phase        string
	Prompt       string
	SystemPrompt string
	WorkDir      string
	// SessionID resumes a previous agent session when set.
	SessionID string
}

// Result is the outcome of a successful agent invocation. Token and cost
// figures are zero when the underlying agent does not report them.
type Result struct {
	Output     string
	TokensIn   int64
	TokensOut  int64
	CostUSD    float64
	DurationMs int64
	SessionID  string
}

// Executor runs an AI agent call. Calls may take minutes; implementations
// must honor ctx cancellation and deadlines.
type Executor interface {
	Run(ctx context.Context, req Request) (*Result, error)
}
