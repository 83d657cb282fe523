package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func seedVersion(t *testing.T, root, programID, versionID string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, programID, versionID, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDirFetcherCopiesVersion(t *testing.T) {
	root := t.TempDir()
	seedVersion(t, root, "prog-1", "v1", map[string]string{
		"main.py":          "print('v1')\n",
		"pkg/__init__.py":  "",
		"requirements.txt": "flask\n",
	})

	f, err := NewDirFetcher(root)
	if err != nil {
		t.Fatal(err)
	}
	dest := t.TempDir()
	if err := f.Fetch(context.Background(), Request{ProgramID: "prog-1", VersionID: "v1"}, dest); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "main.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "print('v1')\n" {
		t.Errorf("content = %q", data)
	}
	if _, err := os.Stat(filepath.Join(dest, "pkg", "__init__.py")); err != nil {
		t.Error("nested file not copied")
	}
}

func TestDirFetcherLatestVersion(t *testing.T) {
	root := t.TempDir()
	seedVersion(t, root, "prog-1", "v1", map[string]string{"main.py": "old\n"})
	seedVersion(t, root, "prog-1", "v2", map[string]string{"main.py": "new\n"})

	f, err := NewDirFetcher(root)
	if err != nil {
		t.Fatal(err)
	}
	dest := t.TempDir()
	if err := f.Fetch(context.Background(), Request{ProgramID: "prog-1"}, dest); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "main.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new\n" {
		t.Errorf("content = %q, want latest version", data)
	}
}

func TestDirFetcherUnknownProgram(t *testing.T) {
	f, err := NewDirFetcher(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	err = f.Fetch(context.Background(), Request{ProgramID: "ghost"}, t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDirFetcherUnknownVersion(t *testing.T) {
	root := t.TempDir()
	seedVersion(t, root, "prog-1", "v1", map[string]string{"main.py": "x\n"})
	f, err := NewDirFetcher(root)
	if err != nil {
		t.Fatal(err)
	}
	err = f.Fetch(context.Background(), Request{ProgramID: "prog-1", VersionID: "v9"}, t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRouterDispatch(t *testing.T) {
	root := t.TempDir()
	seedVersion(t, root, "prog-1", "v1", map[string]string{"main.py": "x\n"})
	dirFetcher, err := NewDirFetcher(root)
	if err != nil {
		t.Fatal(err)
	}
	router := &Router{Dir: dirFetcher}
	if err := router.Fetch(context.Background(), Request{ProgramID: "prog-1"}, t.TempDir()); err != nil {
		t.Fatal(err)
	}
	// Repo URL without a configured git fetcher is rejected.
	if err := router.Fetch(context.Background(), Request{RepoURL: "https://example.com/repo.git"}, t.TempDir()); err == nil {
		t.Error("expected error for unconfigured git fetcher")
	}
}
