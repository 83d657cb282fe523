package runner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gridworks/forge/internal/domain"
	"github.com/gridworks/forge/internal/sandbox"
)

const javaPriority = 30

// JavaRunner builds Java projects with Maven or Gradle and executes the
// resulting jar.
type JavaRunner struct {
	base
}

// NewJavaRunner creates the Java language runner.
func NewJavaRunner(sb *sandbox.Runner, logger *slog.Logger) *JavaRunner {
	return &JavaRunner{base: newBase(sb, logger, "runner.java")}
}

func (r *JavaRunner) Language() domain.Language { return domain.LanguageJava }
func (r *JavaRunner) Priority() int             { return javaPriority }

func (r *JavaRunner) CanHandle(dir string, analysis *domain.Analysis) bool {
	if javaBuildFile(dir) != "" {
		return true
	}
	return analysis != nil && analysis.Language == domain.LanguageJava
}

func (r *JavaRunner) Refine(dir string, analysis *domain.Analysis) {
	if analysis == nil {
		return
	}
	if jar := findJar(dir); jar != "" {
		analysis.BinaryFiles = prepend(analysis.BinaryFiles, jar)
	}
}

// Build runs the detected build tool. Gradle wins when both wrappers exist,
// matching wrapper-first convention.
func (r *JavaRunner) Build(ctx context.Context, execCtx *domain.ExecutionContext, args domain.BuildArgs) domain.BuildResult {
	dir := workDir(execCtx)
	env := map[string]string{}
	if execCtx.CacheVolume != "" {
		env["MAVEN_OPTS"] = "-Dmaven.repo.local=" + execCtx.CacheVolume
		env["GRADLE_USER_HOME"] = execCtx.CacheVolume
	}
	for key, value := range args.Env {
		env[key] = value
	}

	var argv []string
	switch {
	case fileExists(filepath.Join(dir, "gradlew")):
		argv = []string{"./gradlew", "build", "-x", "test", "--no-daemon"}
	case fileExists(filepath.Join(dir, "build.gradle")) || fileExists(filepath.Join(dir, "build.gradle.kts")):
		argv = []string{"gradle", "build", "-x", "test", "--no-daemon"}
	case fileExists(filepath.Join(dir, "mvnw")):
		argv = []string{"./mvnw", "-B", "package", "-DskipTests"}
	case fileExists(filepath.Join(dir, "pom.xml")):
		argv = []string{"mvn", "-B", "package", "-DskipTests"}
	default:
		if findJar(dir) != "" {
			return noBuildNeeded()
		}
		return domain.BuildResult{
			ErrorKind:    domain.ErrKindBuildFailure,
			ErrorMessage: "no maven or gradle build file and no prebuilt jar found",
		}
	}
	if args.SkipDependencyRestore {
		// Offline mode reuses whatever the cache volume already holds.
		argv = append(argv, "--offline")
	}
	return r.runBuildStep(ctx, execCtx, argv, env)
}

func (r *JavaRunner) Execute(ctx context.Context, execCtx *domain.ExecutionContext) domain.ExecutionResult {
	dir := workDir(execCtx)
	jar := findJar(dir)
	if jar == "" {
		return missingEntryPoint(domain.LanguageJava)
	}
	return r.runExec(ctx, execCtx, []string{"java", "-jar", jar}, nil)
}

func (r *JavaRunner) Validate(dir string, analysis *domain.Analysis) domain.ValidationResult {
	result := domain.ValidationResult{Valid: true}
	if javaBuildFile(dir) == "" && findJar(dir) == "" {
		result.Valid = false
		result.Errors = append(result.Errors, "no pom.xml, gradle build file or prebuilt jar")
	}
	return result
}

func javaBuildFile(dir string) string {
	for _, name := range []string{"pom.xml", "build.gradle", "build.gradle.kts", "settings.gradle", "mvnw", "gradlew"} {
		if fileExists(filepath.Join(dir, name)) {
			return name
		}
	}
	return ""
}

// findJar locates the first runnable jar under the conventional build output
// directories, then the project root.
func findJar(dir string) string {
	for _, sub := range []string{"target", filepath.Join("build", "libs"), "."} {
		root := filepath.Join(dir, sub)
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			lower := strings.ToLower(name)
			if !strings.HasSuffix(lower, ".jar") || strings.HasSuffix(lower, "-sources.jar") || strings.HasSuffix(lower, "-javadoc.jar") {
				continue
			}
			rel := filepath.Join(sub, name)
			if sub == "." {
				rel = name
			}
			return rel
		}
	}
	return ""
}

var _ Runner = (*JavaRunner)(nil)
