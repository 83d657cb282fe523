package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/forge/internal/analyzer"
	"github.com/gridworks/forge/internal/build"
	"github.com/gridworks/forge/internal/domain"
	"github.com/gridworks/forge/internal/runner"
	"github.com/gridworks/forge/internal/source"
	"github.com/gridworks/forge/internal/store"
	"github.com/gridworks/forge/internal/workspace"
)

// ErrExecutionNotFound is returned by Cancel for unknown or finished runs.
var ErrExecutionNotFound = errors.New("engine: no active execution with that id")

// Options wires the engine's collaborators.
type Options struct {
	Analyzer   *analyzer.Analyzer
	Runners    *runner.Registry
	BuildStage *build.Stage
	Workspaces *workspace.Manager
	Sources    source.Fetcher
	Store      store.Store
	Logger     *slog.Logger

	// MaxConcurrentRuns bounds simultaneously executing pipelines. Zero
	// means a default of 8.
	MaxConcurrentRuns int

	// DefaultBuildTimeout applies when a request does not set its own
	// build timeout. Zero keeps the built-in default.
	DefaultBuildTimeout time.Duration

	// ExecTimeout caps the run phase wall clock. Zero means unlimited.
	ExecTimeout time.Duration
}

// Engine runs the full execute pipeline: fetch, analyze, select, build, run.
// One Engine serves all requests; per-execution state lives on the stack of
// each Execute call.
type Engine struct {
	analyzer   *analyzer.Analyzer
	runners    *runner.Registry
	buildStage *build.Stage
	workspaces *workspace.Manager
	sources    source.Fetcher
	store      store.Store
	logger     *slog.Logger

	buildTimeout time.Duration
	execTimeout  time.Duration

	slots  chan struct{}
	active *cancelTable
}

// New creates an engine from its options.
func New(opts Options) (*Engine, error) {
	if opts.Analyzer == nil || opts.Runners == nil || opts.BuildStage == nil {
		return nil, fmt.Errorf("engine requires analyzer, runners and build stage")
	}
	if opts.Workspaces == nil || opts.Sources == nil || opts.Store == nil {
		return nil, fmt.Errorf("engine requires workspaces, sources and store")
	}
	ceiling := opts.MaxConcurrentRuns
	if ceiling <= 0 {
		ceiling = 8
	}
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("component", "engine")
	}
	return &Engine{
		analyzer:     opts.Analyzer,
		runners:      opts.Runners,
		buildStage:   opts.BuildStage,
		workspaces:   opts.Workspaces,
		sources:      opts.Sources,
		store:        opts.Store,
		logger:       logger,
		buildTimeout: opts.DefaultBuildTimeout,
		execTimeout:  opts.ExecTimeout,
		slots:        make(chan struct{}, ceiling),
		active:       newCancelTable(),
	}, nil
}

// Execute runs one project end to end and returns the persisted record.
// Pipeline faults are reported inside the record; the error return is
// reserved for invalid requests and store access problems.
func (e *Engine) Execute(ctx context.Context, req domain.ExecutionRequest) (store.Record, error) {
	if req.ProgramID == "" {
		return store.Record{}, fmt.Errorf("program id cannot be empty")
	}

	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
		return store.Record{}, fmt.Errorf("waiting for execution slot: %w", ctx.Err())
	}

	executionID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.active.add(executionID, cancel)
	defer e.active.remove(executionID)

	observeExecutionStarted()
	started := time.Now().UTC()
	record := store.Record{
		ExecutionID: executionID,
		ProgramID:   req.ProgramID,
		VersionID:   req.VersionID,
		UserID:      req.UserID,
		Phase:       store.PhaseQueued,
		StartedAt:   started,
	}
	e.save(ctx, &record)

	result := e.runPipeline(runCtx, req, &record)
	record.Result = &result
	record.Phase = phaseFor(result)
	if record.Language == domain.LanguageNone && record.Analysis != nil {
		record.Language = record.Analysis.Language
	}
	e.save(ctx, &record)
	observeExecutionFinished(record.Phase, result.ErrorKind, time.Since(started))

	if e.logger != nil {
		e.logger.Info("execution finished",
			"execution_id", executionID,
			"program_id", req.ProgramID,
			"phase", record.Phase,
			"exit_code", result.ExitCode,
			"duration", result.Duration)
	}
	return record, nil
}

func phaseFor(result domain.ExecutionResult) store.Phase {
	switch {
	case result.Success:
		return store.PhaseCompleted
	case result.ErrorKind == domain.ErrKindCancelled:
		return store.PhaseCancelled
	default:
		return store.PhaseFailed
	}
}

// runPipeline performs the staged work. Every fault is converted to an
// execution result carrying the matching error kind.
func (e *Engine) runPipeline(ctx context.Context, req domain.ExecutionRequest, record *store.Record) domain.ExecutionResult {
	dir, err := e.workspaces.Prepare(record.ExecutionID)
	if err != nil {
		return failure(domain.ErrKindInfrastructure, fmt.Sprintf("prepare workspace: %v", err))
	}
	if req.CleanupOnExit {
		defer func() {
			if err := e.workspaces.Cleanup(dir); err != nil && e.logger != nil {
				e.logger.Warn("workspace cleanup failed", "execution_id", record.ExecutionID, "error", err)
			}
		}()
	}

	if err := e.sources.Fetch(ctx, source.Request{ProgramID: req.ProgramID, VersionID: req.VersionID}, dir); err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		return failure(domain.ErrKindInfrastructure, fmt.Sprintf("fetch sources: %v", err))
	}

	record.Phase = store.PhaseAnalyzing
	e.save(ctx, record)

	analysis, err := e.analyzer.Analyze(dir)
	if err != nil {
		return failure(domain.ErrKindAnalysis, err.Error())
	}
	record.Analysis = analysis
	record.Language = analysis.Language

	selected, err := e.runners.Select(dir, analysis)
	if err != nil {
		return failure(domain.ErrKindUnsupportedLanguage, err.Error())
	}
	selected.Refine(dir, analysis)

	limits := domain.DefaultResourceLimits()
	if req.Limits != nil {
		limits = req.Limits.Normalize()
	}
	if err := limits.Validate(); err != nil {
		return failure(domain.ErrKindResourceLimit, err.Error())
	}

	cache, err := e.workspaces.CachePath(req.ProgramID, string(selected.Language()))
	if err != nil {
		return failure(domain.ErrKindInfrastructure, fmt.Sprintf("prepare cache: %v", err))
	}

	execCtx := &domain.ExecutionContext{
		ExecutionID: record.ExecutionID,
		ProgramID:   req.ProgramID,
		ProjectDir:  dir,
		CacheVolume: cache,
		Env:         requestEnv(req),
		Limits:      limits,
		Analysis:    analysis,
	}

	record.Phase = store.PhaseBuilding
	e.save(ctx, record)

	args := domain.BuildArgs{}
	if req.Build != nil {
		args = *req.Build
	}
	if args.BuildTimeoutMinutes <= 0 && e.buildTimeout > 0 {
		args.BuildTimeoutMinutes = int(e.buildTimeout.Minutes())
	}
	buildResult := e.buildStage.Run(ctx, selected, execCtx, args)
	record.Build = &buildResult
	if !buildResult.Success {
		return failure(buildResult.ErrorKind, buildResult.ErrorMessage)
	}

	record.Phase = store.PhaseRunning
	e.save(ctx, record)

	runCtx := ctx
	if e.execTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.execTimeout)
		defer cancel()
	}
	return selected.Execute(runCtx, execCtx)
}

// requestEnv merges caller env with the JSON-encoded parameters.
func requestEnv(req domain.ExecutionRequest) map[string]string {
	env := make(map[string]string, len(req.Env)+1)
	for key, value := range req.Env {
		env[key] = value
	}
	if len(req.Parameters) > 0 {
		if payload, err := json.Marshal(req.Parameters); err == nil {
			env["PROGRAM_PARAMETERS"] = string(payload)
		}
	}
	return env
}

func failure(kind domain.ErrorKind, message string) domain.ExecutionResult {
	return domain.ExecutionResult{
		ExitCode:     -1,
		ErrorKind:    kind,
		ErrorMessage: message,
		CompletedAt:  time.Now().UTC(),
	}
}

func cancelled(ctx context.Context) domain.ExecutionResult {
	message := "execution cancelled"
	if ctx.Err() == context.DeadlineExceeded {
		message = "execution deadline exceeded"
	}
	return domain.ExecutionResult{
		ExitCode:     -1,
		ErrorKind:    domain.ErrKindCancelled,
		ErrorMessage: message,
		CompletedAt:  time.Now().UTC(),
	}
}

// save persists the record, tolerating store faults so a flaky store never
// aborts a run. Persistence uses a non-cancellable context because records
// must outlive cancelled executions.
func (e *Engine) save(ctx context.Context, record *store.Record) {
	record.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(context.WithoutCancel(ctx), *record); err != nil && e.logger != nil {
		e.logger.Warn("persist execution record failed",
			"execution_id", record.ExecutionID,
			"phase", record.Phase,
			"error", err)
	}
}

// Cancel aborts a running execution. The sandbox delivers SIGTERM to the
// process group and escalates to SIGKILL after the grace period.
func (e *Engine) Cancel(executionID string) error {
	if !e.active.cancel(executionID) {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if e.logger != nil {
		e.logger.Info("execution cancel requested", "execution_id", executionID)
	}
	return nil
}

// Validate fetches a program and runs cheap static validation without
// building or executing.
func (e *Engine) Validate(ctx context.Context, req domain.ExecutionRequest) (domain.ValidationResult, error) {
	dir, analysis, cleanup, err := e.stage(ctx, req)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	defer cleanup()

	selected, err := e.runners.Select(dir, analysis)
	if err != nil {
		return domain.ValidationResult{
			Valid:  false,
			Errors: []string{err.Error()},
		}, nil
	}
	selected.Refine(dir, analysis)
	result := selected.Validate(dir, analysis)
	if analysis.Security.RiskLevel == domain.RiskHigh {
		result.Warnings = append(result.Warnings, "security scan graded this project high risk")
	}
	return result, nil
}

// AnalyzeStructure fetches a program and returns its structure analysis.
func (e *Engine) AnalyzeStructure(ctx context.Context, req domain.ExecutionRequest) (*domain.Analysis, error) {
	dir, analysis, cleanup, err := e.stage(ctx, req)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	if selected, selErr := e.runners.Select(dir, analysis); selErr == nil {
		selected.Refine(dir, analysis)
	}
	return analysis, nil
}

// stage materializes sources into a scratch workspace and analyzes them.
func (e *Engine) stage(ctx context.Context, req domain.ExecutionRequest) (string, *domain.Analysis, func(), error) {
	if req.ProgramID == "" {
		return "", nil, nil, fmt.Errorf("program id cannot be empty")
	}
	id := "inspect-" + uuid.NewString()
	dir, err := e.workspaces.Prepare(id)
	if err != nil {
		return "", nil, nil, fmt.Errorf("prepare workspace: %w", err)
	}
	cleanup := func() {
		if err := e.workspaces.Cleanup(dir); err != nil && e.logger != nil {
			e.logger.Warn("workspace cleanup failed", "workspace", id, "error", err)
		}
	}
	if err := e.sources.Fetch(ctx, source.Request{ProgramID: req.ProgramID, VersionID: req.VersionID}, dir); err != nil {
		cleanup()
		return "", nil, nil, fmt.Errorf("fetch sources: %w", err)
	}
	analysis, err := e.analyzer.Analyze(dir)
	if err != nil {
		cleanup()
		return "", nil, nil, err
	}
	return dir, analysis, cleanup, nil
}

// SupportedLanguages lists languages in runner selection order.
func (e *Engine) SupportedLanguages() []domain.Language {
	return e.runners.Languages()
}

// Execution returns one persisted record.
func (e *Engine) Execution(ctx context.Context, executionID string) (store.Record, error) {
	return e.store.Get(ctx, executionID)
}

// Executions lists recent records for a program.
func (e *Engine) Executions(ctx context.Context, programID string, limit int) ([]store.Record, error) {
	return e.store.List(ctx, programID, limit)
}
