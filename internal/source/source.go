package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrNotFound indicates the requested program version has no stored files.
var ErrNotFound = errors.New("source: program version not found")

// Request identifies the sources to materialize. Either ProgramID/VersionID
// (local store) or RepoURL (git) must be set.
type Request struct {
	ProgramID string
	VersionID string
	RepoURL   string
}

// Fetcher materializes program sources into dest.
type Fetcher interface {
	Fetch(ctx context.Context, req Request, dest string) error
}

// DirFetcher serves sources from a local content store laid out as
// <root>/<programID>/<versionID>/.
type DirFetcher struct {
	root string
}

// NewDirFetcher creates a fetcher over the given store root.
func NewDirFetcher(root string) (*DirFetcher, error) {
	if root == "" {
		return nil, fmt.Errorf("source root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create source root: %w", err)
	}
	return &DirFetcher{root: root}, nil
}

// Fetch copies the stored version into dest. The latest version is used when
// the request does not name one.
func (f *DirFetcher) Fetch(ctx context.Context, req Request, dest string) error {
	if req.ProgramID == "" {
		return fmt.Errorf("program id cannot be empty")
	}
	versionID := req.VersionID
	if versionID == "" {
		latest, err := f.latestVersion(req.ProgramID)
		if err != nil {
			return err
		}
		versionID = latest
	}
	src := filepath.Join(f.root, req.ProgramID, versionID)
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, req.ProgramID, versionID)
	}
	return copyTree(ctx, src, dest)
}

func (f *DirFetcher) latestVersion(programID string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, programID))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, programID)
	}
	latest := ""
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() > latest {
			latest = entry.Name()
		}
	}
	if latest == "" {
		return "", fmt.Errorf("%w: %s has no versions", ErrNotFound, programID)
	}
	return latest, nil
}

func copyTree(ctx context.Context, src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
