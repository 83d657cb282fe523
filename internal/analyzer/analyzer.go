package analyzer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gridworks/forge/internal/domain"
)

// ErrAnalysis wraps unreadable, empty or oversized projects.
var ErrAnalysis = errors.New("project analysis failed")

const (
	defaultMaxFiles = 5000
	maxScanFileSize = 1 << 20

	complexityModerateScore = 40
	complexityComplexScore  = 120
)

var sourceExtensions = map[string]domain.Language{
	".py":     domain.LanguagePython,
	".js":     domain.LanguageNode,
	".mjs":    domain.LanguageNode,
	".cjs":    domain.LanguageNode,
	".ts":     domain.LanguageNode,
	".tsx":    domain.LanguageNode,
	".jsx":    domain.LanguageNode,
	".java":   domain.LanguageJava,
	".cs":     domain.LanguageDotNet,
	".csx":    domain.LanguageDotNet,
	".fs":     domain.LanguageDotNet,
	".kt":     domain.LanguageJava,
	".scala":  domain.LanguageJava,
	".groovy": domain.LanguageJava,
}

var configFileNames = map[string]struct{}{
	"requirements.txt": {},
	"pyproject.toml":   {},
	"setup.py":         {},
	"pipfile":          {},
	"package.json":     {},
	"tsconfig.json":    {},
	"pom.xml":          {},
	"build.gradle":     {},
	"settings.gradle":  {},
	"dockerfile":       {},
	"makefile":         {},
	".env":             {},
	"nuget.config":     {},
	"global.json":      {},
}

var binaryExtensions = map[string]struct{}{
	".exe": {}, ".dll": {}, ".so": {}, ".dylib": {}, ".a": {},
	".jar": {}, ".war": {}, ".class": {}, ".pyc": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".ico": {},
	".zip": {}, ".gz": {}, ".tar": {}, ".pdf": {}, ".woff": {}, ".woff2": {},
}

var entryPointNames = map[string]struct{}{
	"main.py": {}, "app.py": {}, "run.py": {}, "manage.py": {}, "__main__.py": {},
	"index.js": {}, "server.js": {}, "app.js": {}, "main.js": {}, "index.ts": {}, "main.ts": {},
	"main.java": {}, "application.java": {},
	"program.cs": {}, "startup.cs": {},
}

// Analyzer inspects project directories and classifies their contents.
type Analyzer struct {
	maxFiles int
}

// New creates an analyzer with the given file-count ceiling. A non-positive
// ceiling falls back to the default.
func New(maxFiles int) *Analyzer {
	if maxFiles <= 0 {
		maxFiles = defaultMaxFiles
	}
	return &Analyzer{maxFiles: maxFiles}
}

// Analyze walks the project tree once and produces a structure analysis.
// The walk is read-only.
func (a *Analyzer) Analyze(dir string) (*domain.Analysis, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read project directory: %v", ErrAnalysis, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrAnalysis, dir)
	}

	analysis := &domain.Analysis{}
	langCounts := make(map[domain.Language]int)
	var scanTargets []string

	walkErr := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", path, err)
		}
		if entry.IsDir() {
			name := entry.Name()
			if path != dir && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "__pycache__" || name == "bin" || name == "obj" || name == "target") {
				return filepath.SkipDir
			}
			return nil
		}

		analysis.FileCount++
		if analysis.FileCount > a.maxFiles {
			return fmt.Errorf("%w: project exceeds %d files", ErrAnalysis, a.maxFiles)
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		base := strings.ToLower(entry.Name())
		ext := strings.ToLower(filepath.Ext(base))

		if _, ok := configFileNames[base]; ok || strings.HasSuffix(base, ".csproj") || strings.HasSuffix(base, ".fsproj") || strings.HasSuffix(base, ".sln") {
			analysis.ConfigFiles = append(analysis.ConfigFiles, rel)
			return nil
		}
		if _, ok := binaryExtensions[ext]; ok {
			analysis.BinaryFiles = append(analysis.BinaryFiles, rel)
			return nil
		}
		if lang, ok := sourceExtensions[ext]; ok {
			analysis.SourceFiles = append(analysis.SourceFiles, rel)
			langCounts[lang]++
			if _, entry := entryPointNames[base]; entry {
				analysis.EntryPoints = append(analysis.EntryPoints, rel)
			}
			analysis.TotalLines += countLines(path)
			scanTargets = append(scanTargets, path)
		}
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, ErrAnalysis) {
			return nil, walkErr
		}
		return nil, fmt.Errorf("%w: %v", ErrAnalysis, walkErr)
	}
	if analysis.FileCount == 0 {
		return nil, fmt.Errorf("%w: project directory is empty", ErrAnalysis)
	}

	analysis.Language = a.dominantLanguage(dir, langCounts)
	analysis.ProjectType = projectType(analysis)
	analysis.Dependencies = collectDependencies(dir, analysis.ConfigFiles)
	analysis.Complexity = complexityFor(analysis.FileCount, analysis.TotalLines, len(analysis.Dependencies))
	analysis.Security = scanSources(dir, scanTargets)

	sort.Strings(analysis.SourceFiles)
	sort.Strings(analysis.ConfigFiles)
	sort.Strings(analysis.EntryPoints)
	return analysis, nil
}

// dominantLanguage combines extension frequency with manifest presence.
// A language-specific manifest outweighs a small extension edge.
func (a *Analyzer) dominantLanguage(dir string, counts map[domain.Language]int) domain.Language {
	manifestBoost := map[domain.Language]int{}
	if fileExists(filepath.Join(dir, "requirements.txt")) || fileExists(filepath.Join(dir, "pyproject.toml")) || fileExists(filepath.Join(dir, "setup.py")) {
		manifestBoost[domain.LanguagePython] = 10
	}
	if fileExists(filepath.Join(dir, "package.json")) {
		manifestBoost[domain.LanguageNode] = 10
	}
	if fileExists(filepath.Join(dir, "pom.xml")) || fileExists(filepath.Join(dir, "build.gradle")) {
		manifestBoost[domain.LanguageJava] = 10
	}
	if hasGlobSuffix(dir, ".csproj") || hasGlobSuffix(dir, ".sln") {
		manifestBoost[domain.LanguageDotNet] = 10
	}

	best := domain.LanguageNone
	bestScore := 0
	for _, lang := range []domain.Language{domain.LanguagePython, domain.LanguageNode, domain.LanguageJava, domain.LanguageDotNet} {
		score := counts[lang] + manifestBoost[lang]
		if score > bestScore {
			best = lang
			bestScore = score
		}
	}
	return best
}

func projectType(analysis *domain.Analysis) string {
	if len(analysis.EntryPoints) > 0 {
		return "application"
	}
	if len(analysis.SourceFiles) > 0 {
		return "library"
	}
	return "static"
}

func complexityFor(files, lines, deps int) domain.Complexity {
	score := files + lines/100 + deps*3
	switch {
	case score >= complexityComplexScore:
		return domain.ComplexityComplex
	case score >= complexityModerateScore:
		return domain.ComplexityModerate
	default:
		return domain.ComplexitySimple
	}
}

func collectDependencies(dir string, configFiles []string) []string {
	seen := make(map[string]struct{})
	var deps []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		deps = append(deps, name)
	}

	for _, rel := range configFiles {
		path := filepath.Join(dir, rel)
		switch strings.ToLower(filepath.Base(rel)) {
		case "requirements.txt":
			for _, line := range readTextLines(path) {
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
					continue
				}
				add(splitAny(line, "=<>!~[; "))
			}
		case "package.json":
			var manifest struct {
				Dependencies    map[string]string `json:"dependencies"`
				DevDependencies map[string]string `json:"devDependencies"`
			}
			data, err := os.ReadFile(path)
			if err == nil && json.Unmarshal(data, &manifest) == nil {
				for name := range manifest.Dependencies {
					add(name)
				}
				for name := range manifest.DevDependencies {
					add(name)
				}
			}
		case "pom.xml":
			for _, line := range readTextLines(path) {
				line = strings.TrimSpace(line)
				if strings.HasPrefix(line, "<artifactId>") && strings.HasSuffix(line, "</artifactId>") {
					add(strings.TrimSuffix(strings.TrimPrefix(line, "<artifactId>"), "</artifactId>"))
				}
			}
		default:
			if strings.HasSuffix(strings.ToLower(rel), ".csproj") {
				for _, line := range readTextLines(path) {
					line = strings.TrimSpace(line)
					if idx := strings.Index(line, `PackageReference Include="`); idx >= 0 {
						rest := line[idx+len(`PackageReference Include="`):]
						if end := strings.IndexByte(rest, '"'); end > 0 {
							add(rest[:end])
						}
					}
				}
			}
		}
	}
	sort.Strings(deps)
	return deps
}

func splitAny(s, cutset string) string {
	if idx := strings.IndexAny(s, cutset); idx >= 0 {
		return s[:idx]
	}
	return s
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		count++
	}
	return count
}

func readTextLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) > maxScanFileSize {
		return nil
	}
	return strings.Split(string(bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))), "\n")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func hasGlobSuffix(dir, suffix string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(entry.Name()), suffix) {
			return true
		}
	}
	return false
}
