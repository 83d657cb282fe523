package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gridworks/forge/internal/domain"
)

// ErrUnsupportedLanguage is returned when no registered runner claims a
// project. It is always reported to the caller, never silently defaulted.
var ErrUnsupportedLanguage = errors.New("no runner supports this project")

// Runner knows how to detect, build and execute projects of one language.
type Runner interface {
	// Language identifies the runner.
	Language() domain.Language
	// Priority orders runners for selection; higher wins, ties resolve to
	// registration order.
	Priority() int
	// CanHandle is a fast heuristic probe. It must not build and must not
	// fail; a runner that cannot decide answers false.
	CanHandle(dir string, analysis *domain.Analysis) bool
	// Refine applies language-specific detail to a generic analysis.
	Refine(dir string, analysis *domain.Analysis)
	// Build prepares the project for execution. Faults surface in the
	// result, never as a panic or propagated error.
	Build(ctx context.Context, execCtx *domain.ExecutionContext, args domain.BuildArgs) domain.BuildResult
	// Execute runs the built (or interpretable) project in the sandbox.
	Execute(ctx context.Context, execCtx *domain.ExecutionContext) domain.ExecutionResult
	// Validate performs cheap static validation without building.
	Validate(dir string, analysis *domain.Analysis) domain.ValidationResult
}

// Registry holds the ordered set of registered runners.
type Registry struct {
	runners []Runner
}

// NewRegistry registers runners sorted descending by priority. The sort is
// stable so first-registered wins among equals.
func NewRegistry(runners ...Runner) *Registry {
	ordered := append([]Runner(nil), runners...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() > ordered[j].Priority()
	})
	return &Registry{runners: ordered}
}

// Select probes runners in priority order and returns the first that claims
// the project.
func (r *Registry) Select(dir string, analysis *domain.Analysis) (Runner, error) {
	for _, candidate := range r.runners {
		if candidate.CanHandle(dir, analysis) {
			return candidate, nil
		}
	}
	return nil, fmt.Errorf("%w: language %q", ErrUnsupportedLanguage, analysis.Language)
}

// ByLanguage returns the registered runner for one language.
func (r *Registry) ByLanguage(lang domain.Language) (Runner, bool) {
	for _, candidate := range r.runners {
		if candidate.Language() == lang {
			return candidate, true
		}
	}
	return nil, false
}

// Languages lists supported languages in selection order.
func (r *Registry) Languages() []domain.Language {
	languages := make([]domain.Language, 0, len(r.runners))
	for _, candidate := range r.runners {
		languages = append(languages, candidate.Language())
	}
	return languages
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func anyFileWithSuffix(dir, suffix string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(entry.Name()), suffix) {
			return entry.Name()
		}
	}
	return ""
}

// firstEntryPoint prefers analysis entry points matching the extension, then
// conventional names present on disk.
func firstEntryPoint(dir string, analysis *domain.Analysis, ext string, conventional ...string) string {
	if analysis != nil {
		for _, candidate := range analysis.EntryPoints {
			if strings.HasSuffix(strings.ToLower(candidate), ext) {
				return candidate
			}
		}
	}
	for _, name := range conventional {
		if fileExists(filepath.Join(dir, name)) {
			return name
		}
	}
	if analysis != nil {
		for _, candidate := range analysis.SourceFiles {
			if strings.HasSuffix(strings.ToLower(candidate), ext) {
				return candidate
			}
		}
	}
	return ""
}
