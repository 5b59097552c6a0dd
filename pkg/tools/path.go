package tools

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace decides which paths the file tools may touch: everything under
// the root plus any explicitly allowed external directories. Containment is
// checked after cleaning and symlink resolution.
type Workspace struct {
	Root    string
	Allowed []string
}

func NewWorkspace(root string, allowed []string) *Workspace {
	return &Workspace{Root: root, Allowed: allowed}
}

// Resolve turns path into an absolute path (relative paths are joined onto
// the root) and rejects anything that escapes the sandbox.
func (w *Workspace) Resolve(path string) (string, error) {
	if w.Root == "" {
		return "", fmt.Errorf("workspace is not defined")
	}

	absRoot, err := filepath.Abs(w.Root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	var absPath string
	if filepath.IsAbs(path) {
		absPath = filepath.Clean(path)
	} else {
		absPath, err = filepath.Abs(filepath.Join(absRoot, path))
		if err != nil {
			return "", fmt.Errorf("failed to resolve file path: %w", err)
		}
	}

	if !w.contains(absPath, absRoot) {
		return "", fmt.Errorf("access denied: path is outside the workspace")
	}

	// The lexical check passed; verify symlinks do not escape either.
	resolved, err := resolveExistingAncestor(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	rootReal := absRoot
	if rr, err := filepath.EvalSymlinks(absRoot); err == nil {
		rootReal = rr
	}
	if !w.contains(resolved, rootReal) {
		return "", fmt.Errorf("access denied: symlink resolves outside workspace")
	}

	return absPath, nil
}

func (w *Workspace) contains(candidate, root string) bool {
	if isWithin(candidate, root) {
		return true
	}
	for _, dir := range w.Allowed {
		absDir, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if isWithin(candidate, absDir) {
			return true
		}
	}
	return false
}

func isWithin(candidate, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(candidate))
	return err == nil && filepath.IsLocal(rel)
}

// resolveExistingAncestor resolves symlinks on the deepest existing ancestor
// of path, so not-yet-created files are checked against their real parent.
func resolveExistingAncestor(path string) (string, error) {
	suffix := ""
	for current := filepath.Clean(path); ; {
		if resolved, err := filepath.EvalSymlinks(current); err == nil {
			return filepath.Join(resolved, suffix), nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", os.ErrNotExist
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}
