package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forgeops/pipeforge/pkg/cerr"
)

// Local runs commands in throwaway directories under BaseDir. It gives
// process-level isolation only; stronger isolation needs another Provider.
type Local struct {
	baseDir string
	timeout time.Duration
	logger  *slog.Logger
}

func NewLocal(baseDir string, timeout time.Duration, logger *slog.Logger) *Local {
	return &Local{baseDir: baseDir, timeout: timeout, logger: logger}
}

func (l *Local) Acquire(ctx context.Context, repositoryID string) (*Workspace, error) {
	id := ulid.Make().String()
	dir := filepath.Join(l.baseDir, repositoryID, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to create workspace directory", err)
	}
	return &Workspace{ID: id, WorkDir: dir}, nil
}

func (l *Local) Exec(ctx context.Context, ws *Workspace, command string) (string, error) {
	LogCommand(l.logger, ws, command)

	execCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
	cmd.Dir = ws.WorkDir
	cmd.Env = append(os.Environ(),
		"PIPEFORGE_WORKSPACE_ID="+ws.ID,
		"PIPEFORGE_WORK_DIR="+ws.WorkDir,
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return out.String(), cerr.NewError(cerr.Internal,
			fmt.Sprintf("command failed with exit code %d", exitCode), err)
	}
	return out.String(), nil
}

func (l *Local) Release(ctx context.Context, ws *Workspace) error {
	if err := os.RemoveAll(ws.WorkDir); err != nil {
		return cerr.NewError(cerr.Internal, "failed to remove workspace directory", err)
	}
	return nil
}
