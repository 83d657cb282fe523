package runner

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/gridworks/forge/internal/domain"
	"github.com/gridworks/forge/internal/sandbox"
)

const dotnetPriority = 20

// DotNetRunner builds and executes .NET projects with the dotnet CLI.
type DotNetRunner struct {
	base
}

// NewDotNetRunner creates the .NET language runner.
func NewDotNetRunner(sb *sandbox.Runner, logger *slog.Logger) *DotNetRunner {
	return &DotNetRunner{base: newBase(sb, logger, "runner.dotnet")}
}

func (r *DotNetRunner) Language() domain.Language { return domain.LanguageDotNet }
func (r *DotNetRunner) Priority() int             { return dotnetPriority }

func (r *DotNetRunner) CanHandle(dir string, analysis *domain.Analysis) bool {
	if anyFileWithSuffix(dir, ".csproj") != "" || anyFileWithSuffix(dir, ".sln") != "" || anyFileWithSuffix(dir, ".fsproj") != "" {
		return true
	}
	return analysis != nil && analysis.Language == domain.LanguageDotNet
}

func (r *DotNetRunner) Refine(dir string, analysis *domain.Analysis) {
	if analysis == nil {
		return
	}
	if project := anyFileWithSuffix(dir, ".csproj"); project != "" {
		analysis.ConfigFiles = prepend(analysis.ConfigFiles, project)
	}
}

func (r *DotNetRunner) Build(ctx context.Context, execCtx *domain.ExecutionContext, args domain.BuildArgs) domain.BuildResult {
	argv := []string{"dotnet", "build", "-c", "Release", "--nologo"}
	if args.SkipDependencyRestore {
		argv = append(argv, "--no-restore")
	}
	env := map[string]string{
		"DOTNET_CLI_TELEMETRY_OPTOUT": "1",
		"DOTNET_NOLOGO":               "1",
	}
	if execCtx.CacheVolume != "" {
		env["NUGET_PACKAGES"] = execCtx.CacheVolume
	}
	for key, value := range args.Env {
		env[key] = value
	}
	return r.runBuildStep(ctx, execCtx, argv, env)
}

func (r *DotNetRunner) Execute(ctx context.Context, execCtx *domain.ExecutionContext) domain.ExecutionResult {
	dir := workDir(execCtx)
	project := anyFileWithSuffix(dir, ".csproj")
	if project == "" {
		project = anyFileWithSuffix(dir, ".fsproj")
	}
	if project == "" {
		return missingEntryPoint(domain.LanguageDotNet)
	}
	env := map[string]string{
		"DOTNET_CLI_TELEMETRY_OPTOUT": "1",
		"DOTNET_NOLOGO":               "1",
	}
	argv := []string{"dotnet", "run", "--project", filepath.Join(dir, project), "-c", "Release", "--no-build"}
	return r.runExec(ctx, execCtx, argv, env)
}

func (r *DotNetRunner) Validate(dir string, analysis *domain.Analysis) domain.ValidationResult {
	result := domain.ValidationResult{Valid: true}
	if anyFileWithSuffix(dir, ".csproj") == "" && anyFileWithSuffix(dir, ".fsproj") == "" && anyFileWithSuffix(dir, ".sln") == "" {
		result.Valid = false
		result.Errors = append(result.Errors, "no .csproj, .fsproj or .sln project file")
	}
	return result
}

var _ Runner = (*DotNetRunner)(nil)
