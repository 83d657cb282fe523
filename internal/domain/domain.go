package domain

import "time"

// Language identifies a supported project language.
type Language string

const (
	LanguagePython Language = "python"
	LanguageNode   Language = "node"
	LanguageJava   Language = "java"
	LanguageDotNet Language = "dotnet"
	LanguageNone   Language = ""
)

// Complexity buckets a project by analysis signals.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// RiskLevel grades the security scan outcome.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// SecurityFinding points at a suspicious construct in a project file.
type SecurityFinding struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Pattern string `json:"pattern"`
	Detail  string `json:"detail"`
}

// SecurityScan summarizes the lightweight pattern scan over project sources.
type SecurityScan struct {
	RiskLevel RiskLevel         `json:"risk_level"`
	Findings  []SecurityFinding `json:"findings,omitempty"`
}

// Analysis is the immutable result of one structure-analyzer pass.
type Analysis struct {
	Language     Language     `json:"language"`
	ProjectType  string       `json:"project_type"`
	EntryPoints  []string     `json:"entry_points,omitempty"`
	ConfigFiles  []string     `json:"config_files,omitempty"`
	SourceFiles  []string     `json:"source_files,omitempty"`
	BinaryFiles  []string     `json:"binary_files,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
	FileCount    int          `json:"file_count"`
	TotalLines   int          `json:"total_lines"`
	Complexity   Complexity   `json:"complexity"`
	Security     SecurityScan `json:"security"`
}

// ExecutionRequest describes one caller-submitted run of a project.
type ExecutionRequest struct {
	ProgramID     string            `json:"program_id"`
	VersionID     string            `json:"version_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Parameters    map[string]any    `json:"parameters,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Limits        *ResourceLimits   `json:"limits,omitempty"`
	Build         *BuildArgs        `json:"build,omitempty"`
	Name          string            `json:"name,omitempty"`
	CleanupOnExit bool              `json:"cleanup_on_exit,omitempty"`
}

// BuildArgs tunes the build stage for one request.
type BuildArgs struct {
	BuildTimeoutMinutes   int               `json:"build_timeout_minutes,omitempty"`
	SkipDependencyRestore bool              `json:"skip_dependency_restore,omitempty"`
	CacheVolume           string            `json:"cache_volume,omitempty"`
	Env                   map[string]string `json:"env,omitempty"`
}

const defaultBuildTimeoutMinutes = 15

// Timeout resolves the build wall-clock budget.
func (a BuildArgs) Timeout() time.Duration {
	minutes := a.BuildTimeoutMinutes
	if minutes <= 0 {
		minutes = defaultBuildTimeoutMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// ExecutionContext carries everything the sandbox needs for one run. It is
// owned by the execution stage for the duration of that run.
type ExecutionContext struct {
	ExecutionID string
	ProgramID   string
	ProjectDir  string
	WorkDir     string
	CacheVolume string
	Env         map[string]string
	Limits      ResourceLimits
	Analysis    *Analysis
	OnOutput    func(line string)
	OnError     func(line string)
}

// BuildResult records the outcome of one build-stage invocation.
type BuildResult struct {
	Success        bool          `json:"success"`
	Output         string        `json:"output,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	ErrorKind      ErrorKind     `json:"error_kind,omitempty"`
	Duration       time.Duration `json:"duration"`
	GeneratedFiles []string      `json:"generated_files,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
	Usage          ResourceUsage `json:"usage"`
}

// ExecutionResult records the outcome of one sandboxed run.
type ExecutionResult struct {
	Success      bool          `json:"success"`
	ExitCode     int           `json:"exit_code"`
	Stdout       string        `json:"stdout,omitempty"`
	Stderr       string        `json:"stderr,omitempty"`
	Duration     time.Duration `json:"duration"`
	OutputFiles  []string      `json:"output_files,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	Usage        ResourceUsage `json:"usage"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// ValidationResult reports cheap static validation without building.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// DeploymentResult summarizes one strategy Deploy call. Returned to the
// caller, never retained by the engine.
type DeploymentResult struct {
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	URL          string         `json:"url,omitempty"`
	DeploymentID string         `json:"deployment_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Logs         []string       `json:"logs,omitempty"`
}
