package process

import (
	"fmt"
	"os"
)

// Sandbox is a per-invocation working directory.
type Sandbox struct {
	Dir string
}

// NewSandbox creates a fresh directory under root (the OS temp directory when empty).
func NewSandbox(root string) (*Sandbox, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create sandbox root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, "clibridge-")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	return &Sandbox{Dir: dir}, nil
}

// Cleanup removes the sandbox and everything in it. Safe on a nil Sandbox.
func (s *Sandbox) Cleanup() {
	if s == nil || s.Dir == "" {
		return
	}
	_ = os.RemoveAll(s.Dir)
}
