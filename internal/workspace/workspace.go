package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manager owns execution-specific working directories under a common root,
// plus per-program dependency caches that survive individual executions.
type Manager struct {
	root      string
	cacheRoot string
}

// New ensures the workspace and cache roots exist and are accessible.
func New(root, cacheRoot string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if cacheRoot == "" {
		cacheRoot = filepath.Join(root, "cache")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Manager{root: root, cacheRoot: cacheRoot}, nil
}

// Prepare creates a fresh isolated directory for the provided identifier,
// removing any leftover from a previous run under the same id.
func (m *Manager) Prepare(identifier string) (string, error) {
	if err := validIdentifier(identifier); err != nil {
		return "", err
	}
	dir := filepath.Join(m.root, identifier)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// CachePath returns the dependency cache directory for a program and scope
// (for example the language name), creating it when absent. Caches are keyed
// by program so repeated builds of the same program reuse downloads.
func (m *Manager) CachePath(programID, scope string) (string, error) {
	if err := validIdentifier(programID); err != nil {
		return "", err
	}
	if scope == "" {
		scope = "default"
	}
	dir := filepath.Join(m.cacheRoot, programID, scope)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	return dir, nil
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Ensure we only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the provided identifier.
func (m *Manager) CleanupByID(identifier string) error {
	if err := validIdentifier(identifier); err != nil {
		return err
	}
	return m.Cleanup(filepath.Join(m.root, identifier))
}

// DropCache removes a program's dependency caches.
func (m *Manager) DropCache(programID string) error {
	if err := validIdentifier(programID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(m.cacheRoot, programID))
}

// PurgeOrphans removes workspace directories not listed in keep and older
// than minAge. It is called on startup to reclaim directories left behind by
// executions interrupted by a crash.
func (m *Manager) PurgeOrphans(keep map[string]struct{}, minAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}
	cutoff := time.Now().Add(-minAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Join(m.root, name) == m.cacheRoot {
			continue
		}
		if _, active := keep[name]; active {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if minAge > 0 && info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, name)); err != nil {
			return removed, fmt.Errorf("purge workspace %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}

func validIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("workspace identifier cannot be empty")
	}
	if strings.ContainsAny(identifier, "/\\") || identifier == "." || identifier == ".." {
		return fmt.Errorf("invalid workspace identifier %q", identifier)
	}
	return nil
}
