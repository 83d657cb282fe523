package build

import (
	"context"
	"log/slog"

	"github.com/gridworks/forge/internal/domain"
	"github.com/gridworks/forge/internal/runner"
)

// Stage wraps a runner's build step with a hard wall-clock timeout and
// incremental output aggregation.
type Stage struct {
	logger *slog.Logger
}

// NewStage creates the build stage.
func NewStage(logger *slog.Logger) *Stage {
	if logger != nil {
		logger = logger.With("component", "build")
	}
	return &Stage{logger: logger}
}

const failureTailLines = 40

// Run executes the runner's build under the timeout resolved from the build
// arguments. On timeout the process tree is already terminated by the
// sandbox; the result carries the build-timeout kind with partial output.
func (s *Stage) Run(ctx context.Context, r runner.Runner, execCtx *domain.ExecutionContext, args domain.BuildArgs) domain.BuildResult {
	buildCtx, cancel := context.WithTimeout(ctx, args.Timeout())
	defer cancel()

	aggregator := newLogAggregator(execCtx.OnOutput)
	wrapped := *execCtx
	wrapped.OnOutput = aggregator.Add
	wrapped.OnError = aggregator.Add

	if s.logger != nil {
		s.logger.Info("build started",
			"execution_id", execCtx.ExecutionID,
			"program_id", execCtx.ProgramID,
			"language", r.Language(),
			"timeout", args.Timeout())
	}

	result := r.Build(buildCtx, &wrapped, args)
	aggregator.Flush()

	if !result.Success {
		if tail := aggregator.Snapshot(failureTailLines); len(tail) > 0 {
			result.Warnings = append(result.Warnings, tail...)
		}
		if s.logger != nil {
			s.logger.Warn("build failed",
				"execution_id", execCtx.ExecutionID,
				"program_id", execCtx.ProgramID,
				"kind", result.ErrorKind,
				"error", result.ErrorMessage)
		}
		return result
	}
	if s.logger != nil {
		s.logger.Info("build completed",
			"execution_id", execCtx.ExecutionID,
			"program_id", execCtx.ProgramID,
			"duration", result.Duration)
	}
	return result
}
