package sandbox

import (
	"context"
	"log/slog"

	"github.com/forgeops/pipeforge/pkg/shellformat"
)

// Workspace is an isolated execution environment for one repository.
type Workspace struct {
	ID      string
	WorkDir string
}

// Provider manages isolated execution environments. The engine only
// acquires, runs verification commands in, and releases workspaces; how
// isolation is achieved is the provider's business.
type Provider interface {
	Acquire(ctx context.Context, repositoryID string) (*Workspace, error)
	Exec(ctx context.Context, ws *Workspace, command string) (string, error)
	Release(ctx context.Context, ws *Workspace) error
}

// LogCommand formats a shell one-liner canonically before logging it, so
// verification commands read the same regardless of how they were composed.
func LogCommand(logger *slog.Logger, ws *Workspace, command string) {
	formatted, err := shellformat.Format(command)
	if err != nil {
		formatted = command
	}
	logger.Info("sandbox exec",
		slog.String("workspace_id", ws.ID),
		slog.String("command", formatted),
	)
}
