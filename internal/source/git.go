package source

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// GitFetcher clones a repository into the destination directory.
type GitFetcher struct{}

// NewGitFetcher creates the git-backed fetcher.
func NewGitFetcher() *GitFetcher { return &GitFetcher{} }

// Fetch performs a shallow clone of the requested repository.
func (f *GitFetcher) Fetch(ctx context.Context, req Request, dest string) error {
	if req.RepoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	args := []string{"clone", "--depth", "1"}
	if req.VersionID != "" {
		args = append(args, "--branch", req.VersionID)
	}
	args = append(args, req.RepoURL, ".")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dest
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, string(output))
	}
	return nil
}

// Router picks a fetcher by request shape: git for repo URLs, the local
// store otherwise.
type Router struct {
	Dir *DirFetcher
	Git *GitFetcher
}

// Fetch dispatches to the fetcher matching the request.
func (r *Router) Fetch(ctx context.Context, req Request, dest string) error {
	if req.RepoURL != "" {
		if r.Git == nil {
			return fmt.Errorf("git fetcher not configured")
		}
		return r.Git.Fetch(ctx, req, dest)
	}
	if r.Dir == nil {
		return fmt.Errorf("local source store not configured")
	}
	return r.Dir.Fetch(ctx, req, dest)
}
