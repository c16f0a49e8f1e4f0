package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// WorkspaceProvisioner creates the per-build workspace directory. Project
// scaffolding itself is out of scope (§1); the module's only implementation
// is the filesystem-backed LocalWorkspaceProvisioner.
type WorkspaceProvisioner interface {
	CreateWorkspace(ctx context.Context, buildID, projectRef string) (path string, err error)
}

// LocalWorkspaceProvisioner creates workspace directories under a root
// directory, one per build id. buildworker always wires it; it does not
// call any scaffolding service.
type LocalWorkspaceProvisioner struct {
	Root string
}

// NewLocalWorkspaceProvisioner creates a LocalWorkspaceProvisioner rooted at root.
func NewLocalWorkspaceProvisioner(root string) *LocalWorkspaceProvisioner {
	return &LocalWorkspaceProvisioner{Root: root}
}

func (p *LocalWorkspaceProvisioner) CreateWorkspace(ctx context.Context, buildID, projectRef string) (string, error) {
	path := filepath.Join(p.Root, buildID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("runner: create workspace %s: %w", path, err)
	}
	return path, nil
}
