package agentexec

import (
	"context"
	"fmt"
	"strings"
	"time"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"

	"github.com/forgeops/pipeforge/internal/config"
	"github.com/forgeops/pipeforge/pkg/cerr"
)

// Claude executes agent calls through the Claude CLI SDK.
type Claude struct {
	env      *config.AgentEnv
	maxTurns int
	timeout  time.Duration
}

// NewClaude returns a Claude executor. maxTurns <= 0 leaves the turn limit
// to the SDK default; timeout bounds each invocation.
func NewClaude(env *config.AgentEnv, maxTurns int, timeout time.Duration) *Claude {
	return &Claude{env: env, maxTurns: maxTurns, timeout: timeout}
}

func (c *Claude) Run(ctx context.Context, req Request) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	workDir := req.WorkDir
	if workDir == "" {
		workDir = c.env.WorkDir
	}
	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt:   req.SystemPrompt,
		Cwd:            workDir,
		PermissionMode: claudeagent.PermissionMode(c.env.PermissionMode),
	}
	if c.maxTurns > 0 {
		maxTurns := c.maxTurns
		opts.MaxTurns = &maxTurns
	}
	if req.SessionID != "" {
		opts.Resume = req.SessionID
	}

	start := time.Now()
	result, err := claudeagent.RunQuerySync(ctx, req.Prompt, opts)
	elapsed := time.Since(start)
	if err != nil {
		return nil, classifyAgentError(err)
	}
	if result.Result == nil {
		return nil, cerr.NewError(cerr.Internal, "agent returned no result", nil)
	}
	if result.Result.IsError {
		return nil, classifyAgentError(fmt.Errorf("agent error: %s", result.Result.Result))
	}

	return &Result{
		Output:     result.Result.Result,
		DurationMs: elapsed.Milliseconds(),
		SessionID:  result.Result.SessionID,
	}, nil
}

// classifyAgentError maps billing and quota failures to ResourceExhausted so
// the coordinator pauses the task instead of failing it. Everything else is
// a retryable internal error.
func classifyAgentError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"billing", "quota", "credit balance", "rate limit", "insufficient funds"} {
		if strings.Contains(msg, marker) {
			return cerr.NewError(cerr.ResourceExhausted, "agent billing or quota error", err)
		}
	}
	return cerr.NewError(cerr.Internal, "agent execution failed", err)
}
