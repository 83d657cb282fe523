package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gridworks/forge/internal/domain"
	"github.com/gridworks/forge/internal/sandbox"
)

// base carries what every language runner shares: the sandbox and a logger.
type base struct {
	sandbox *sandbox.Runner
	logger  *slog.Logger
}

func newBase(sb *sandbox.Runner, logger *slog.Logger, component string) base {
	if logger != nil {
		logger = logger.With("component", component)
	}
	return base{sandbox: sb, logger: logger}
}

// workDir resolves the directory a run executes in.
func workDir(execCtx *domain.ExecutionContext) string {
	if execCtx.WorkDir != "" {
		return execCtx.WorkDir
	}
	return execCtx.ProjectDir
}

// outputDir returns the conventional output directory when present.
func outputDir(execCtx *domain.ExecutionContext) string {
	dir := filepath.Join(workDir(execCtx), "output")
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return ""
}

// runBuildStep executes one build command in the sandbox and converts the
// outcome into a build result. The caller owns the timeout on ctx.
func (b base) runBuildStep(ctx context.Context, execCtx *domain.ExecutionContext, argv []string, extraEnv map[string]string) domain.BuildResult {
	spec := sandbox.ExecSpec{
		Argv:     argv,
		Dir:      workDir(execCtx),
		Env:      MergeEnv(execCtx.Env, extraEnv),
		Limits:   execCtx.Limits,
		OnStdout: execCtx.OnOutput,
		OnStderr: execCtx.OnError,
	}
	run := b.sandbox.Run(ctx, spec)

	result := domain.BuildResult{
		Success:  run.Success,
		Output:   joinOutput(run.Stdout, run.Stderr),
		Duration: run.Duration,
		Usage:    run.Usage,
	}
	if run.Success {
		return result
	}
	switch run.ErrorKind {
	case domain.ErrKindCancelled:
		// Build-stage cancellation is a deadline unless the caller aborted.
		if ctx.Err() == context.DeadlineExceeded {
			result.ErrorKind = domain.ErrKindBuildTimeout
			result.ErrorMessage = "build timed out"
		} else {
			result.ErrorKind = domain.ErrKindCancelled
			result.ErrorMessage = run.ErrorMessage
		}
	case domain.ErrKindResourceLimit:
		result.ErrorKind = domain.ErrKindResourceLimit
		result.ErrorMessage = run.ErrorMessage
	case domain.ErrKindInfrastructure:
		result.ErrorKind = domain.ErrKindInfrastructure
		result.ErrorMessage = run.ErrorMessage
	default:
		result.ErrorKind = domain.ErrKindBuildFailure
		result.ErrorMessage = fmt.Sprintf("build exited with status %d", run.ExitCode)
	}
	return result
}

// runExec executes the run command in the sandbox.
func (b base) runExec(ctx context.Context, execCtx *domain.ExecutionContext, argv []string, extraEnv map[string]string) domain.ExecutionResult {
	spec := sandbox.ExecSpec{
		Argv:      argv,
		Dir:       workDir(execCtx),
		Env:       MergeEnv(execCtx.Env, extraEnv),
		Limits:    execCtx.Limits,
		OnStdout:  execCtx.OnOutput,
		OnStderr:  execCtx.OnError,
		OutputDir: outputDir(execCtx),
	}
	return b.sandbox.Run(ctx, spec)
}

func joinOutput(stdout, stderr string) string {
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}

func noBuildNeeded() domain.BuildResult {
	return domain.BuildResult{Success: true}
}

func missingEntryPoint(lang domain.Language) domain.ExecutionResult {
	return domain.ExecutionResult{
		ExitCode:     -1,
		ErrorKind:    domain.ErrKindExecutionFailure,
		ErrorMessage: fmt.Sprintf("no %s entry point found", lang),
	}
}
