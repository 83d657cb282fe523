package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPrepareCreatesFreshDir(t *testing.T) {
	m, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	dir, err := m.Prepare("exec-1")
	if err != nil {
		t.Fatal(err)
	}
	leftover := filepath.Join(dir, "stale.txt")
	if err := os.WriteFile(leftover, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Preparing again under the same id wipes previous contents.
	if _, err := m.Prepare("exec-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Error("stale file survived re-prepare")
	}
}

func TestPrepareRejectsTraversal(t *testing.T) {
	m, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := m.Prepare(id); err == nil {
			t.Errorf("Prepare(%q) should fail", id)
		}
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	root := t.TempDir()
	m, err := New(root, "")
	if err != nil {
		t.Fatal(err)
	}
	outside := t.TempDir()
	if err := m.Cleanup(outside); err == nil {
		t.Error("cleanup outside root should fail")
	}
	if err := m.Cleanup(root); err == nil {
		t.Error("cleanup of the root itself should fail")
	}
}

func TestCleanupByID(t *testing.T) {
	m, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	dir, err := m.Prepare("exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.CleanupByID("exec-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("workspace survived cleanup")
	}
}

func TestCachePathPersistsAcrossRuns(t *testing.T) {
	m, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	first, err := m.CachePath("prog-1", "python")
	if err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(first, "wheel.whl")
	if err := os.WriteFile(marker, []byte("cached"), 0o644); err != nil {
		t.Fatal(err)
	}
	second, err := m.CachePath("prog-1", "python")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("cache path changed: %q then %q", first, second)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("cache content lost between calls")
	}
	if err := m.DropCache("prog-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("cache survived DropCache")
	}
}

func TestPurgeOrphans(t *testing.T) {
	root := t.TempDir()
	m, err := New(root, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Prepare("keep-me"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Prepare("orphan"); err != nil {
		t.Fatal(err)
	}
	removed, err := m.PurgeOrphans(map[string]struct{}{"keep-me": {}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(root, "keep-me")); err != nil {
		t.Error("kept workspace was removed")
	}
	if _, err := os.Stat(filepath.Join(root, "orphan")); !os.IsNotExist(err) {
		t.Error("orphan workspace survived purge")
	}
}

func TestPurgeOrphansHonorsMinAge(t *testing.T) {
	m, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Prepare("fresh"); err != nil {
		t.Fatal(err)
	}
	removed, err := m.PurgeOrphans(nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, fresh workspace should survive", removed)
	}
}
