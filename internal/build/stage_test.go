package build

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/gridworks/forge/internal/domain"
)

// stubRunner drives the stage without a real sandbox.
type stubRunner struct {
	lang  domain.Language
	build func(ctx context.Context, execCtx *domain.ExecutionContext) domain.BuildResult
}

func (s *stubRunner) Language() domain.Language { return s.lang }
func (s *stubRunner) Priority() int             { return 1 }
func (s *stubRunner) CanHandle(string, *domain.Analysis) bool {
	return true
}
func (s *stubRunner) Refine(string, *domain.Analysis) {}
func (s *stubRunner) Build(ctx context.Context, execCtx *domain.ExecutionContext, _ domain.BuildArgs) domain.BuildResult {
	return s.build(ctx, execCtx)
}
func (s *stubRunner) Execute(context.Context, *domain.ExecutionContext) domain.ExecutionResult {
	return domain.ExecutionResult{Success: true}
}
func (s *stubRunner) Validate(string, *domain.Analysis) domain.ValidationResult {
	return domain.ValidationResult{Valid: true}
}

func testStage() *Stage {
	return NewStage(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestStagePassesTimeoutContext(t *testing.T) {
	r := &stubRunner{
		lang: domain.LanguagePython,
		build: func(ctx context.Context, _ *domain.ExecutionContext) domain.BuildResult {
			deadline, ok := ctx.Deadline()
			if !ok {
				t.Error("build context has no deadline")
			}
			if remaining := time.Until(deadline); remaining > 3*time.Minute+time.Second {
				t.Errorf("deadline %v from now, want at most 3m", remaining)
			}
			return domain.BuildResult{Success: true}
		},
	}
	execCtx := &domain.ExecutionContext{ExecutionID: "x", ProgramID: "p"}
	result := testStage().Run(context.Background(), r, execCtx, domain.BuildArgs{BuildTimeoutMinutes: 3})
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
}

func TestStageAppendsTailOnFailure(t *testing.T) {
	r := &stubRunner{
		lang: domain.LanguageNode,
		build: func(_ context.Context, execCtx *domain.ExecutionContext) domain.BuildResult {
			execCtx.OnOutput("compiling")
			execCtx.OnError("boom: missing module")
			return domain.BuildResult{
				Success:      false,
				ErrorKind:    domain.ErrKindBuildFailure,
				ErrorMessage: "build exited with status 1",
			}
		},
	}
	execCtx := &domain.ExecutionContext{ExecutionID: "x", ProgramID: "p"}
	result := testStage().Run(context.Background(), r, execCtx, domain.BuildArgs{})
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorKind != domain.ErrKindBuildFailure {
		t.Errorf("error kind = %q", result.ErrorKind)
	}
	found := false
	for _, warning := range result.Warnings {
		if warning == "boom: missing module" {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want build tail included", result.Warnings)
	}
}

func TestStageForwardsOutputToCaller(t *testing.T) {
	var streamed []string
	r := &stubRunner{
		lang: domain.LanguagePython,
		build: func(_ context.Context, execCtx *domain.ExecutionContext) domain.BuildResult {
			execCtx.OnOutput("fetching wheels")
			return domain.BuildResult{Success: true}
		},
	}
	execCtx := &domain.ExecutionContext{
		ExecutionID: "x",
		ProgramID:   "p",
		OnOutput:    func(line string) { streamed = append(streamed, line) },
	}
	result := testStage().Run(context.Background(), r, execCtx, domain.BuildArgs{})
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if len(streamed) != 1 || streamed[0] != "fetching wheels" {
		t.Errorf("streamed = %v", streamed)
	}
}
