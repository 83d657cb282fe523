package runner

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/gridworks/forge/internal/domain"
	"github.com/gridworks/forge/internal/sandbox"
)

const pythonPriority = 50

// PythonRunner builds and executes Python projects with pip and python3.
type PythonRunner struct {
	base
}

// NewPythonRunner creates the Python language runner.
func NewPythonRunner(sb *sandbox.Runner, logger *slog.Logger) *PythonRunner {
	return &PythonRunner{base: newBase(sb, logger, "runner.python")}
}

func (r *PythonRunner) Language() domain.Language { return domain.LanguagePython }
func (r *PythonRunner) Priority() int             { return pythonPriority }

// CanHandle claims projects with a Python manifest or a dominant Python
// source set.
func (r *PythonRunner) CanHandle(dir string, analysis *domain.Analysis) bool {
	if fileExists(filepath.Join(dir, "requirements.txt")) || fileExists(filepath.Join(dir, "pyproject.toml")) || fileExists(filepath.Join(dir, "setup.py")) {
		return true
	}
	return analysis != nil && analysis.Language == domain.LanguagePython
}

func (r *PythonRunner) Refine(dir string, analysis *domain.Analysis) {
	if analysis == nil {
		return
	}
	if entry := firstEntryPoint(dir, analysis, ".py", "main.py", "app.py", "run.py", "manage.py"); entry != "" {
		analysis.EntryPoints = prepend(analysis.EntryPoints, entry)
	}
}

// Build restores dependencies into the package cache directory. Projects
// without a requirements manifest have no build step.
func (r *PythonRunner) Build(ctx context.Context, execCtx *domain.ExecutionContext, args domain.BuildArgs) domain.BuildResult {
	if args.SkipDependencyRestore || !fileExists(filepath.Join(workDir(execCtx), "requirements.txt")) {
		return noBuildNeeded()
	}
	target := pipTarget(execCtx)
	argv := []string{"python3", "-m", "pip", "install", "--no-input", "--disable-pip-version-warning", "-r", "requirements.txt", "--target", target}
	return r.runBuildStep(ctx, execCtx, argv, args.Env)
}

func (r *PythonRunner) Execute(ctx context.Context, execCtx *domain.ExecutionContext) domain.ExecutionResult {
	entry := firstEntryPoint(workDir(execCtx), execCtx.Analysis, ".py", "main.py", "app.py", "run.py", "manage.py")
	if entry == "" {
		return missingEntryPoint(domain.LanguagePython)
	}
	env := map[string]string{
		"PYTHONUNBUFFERED": "1",
		"PYTHONPATH":       pipTarget(execCtx),
	}
	return r.runExec(ctx, execCtx, []string{"python3", entry}, env)
}

// Validate checks for an entry point without building anything.
func (r *PythonRunner) Validate(dir string, analysis *domain.Analysis) domain.ValidationResult {
	result := domain.ValidationResult{Valid: true}
	if firstEntryPoint(dir, analysis, ".py", "main.py", "app.py", "run.py", "manage.py") == "" {
		result.Valid = false
		result.Errors = append(result.Errors, "no python entry point (expected main.py, app.py, run.py or manage.py)")
	}
	if !fileExists(filepath.Join(dir, "requirements.txt")) && analysis != nil && len(analysis.Dependencies) > 0 {
		result.Warnings = append(result.Warnings, "dependencies detected but requirements.txt is missing")
	}
	return result
}

// pipTarget reuses the named package-cache volume across builds of the same
// program so dependencies are not re-fetched.
func pipTarget(execCtx *domain.ExecutionContext) string {
	if execCtx.CacheVolume != "" {
		return execCtx.CacheVolume
	}
	return filepath.Join(workDir(execCtx), ".forge-deps")
}

func prepend(list []string, head string) []string {
	for i, item := range list {
		if item == head {
			if i == 0 {
				return list
			}
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	return append([]string{head}, list...)
}

var _ Runner = (*PythonRunner)(nil)
