package domain

// ErrorKind classifies why a build, execution or deployment failed so that
// callers can tell a misbehaving project apart from a quota kill or an
// infrastructure outage.
type ErrorKind string

const (
	// ErrKindAnalysis covers unreadable, empty or oversized projects.
	ErrKindAnalysis ErrorKind = "analysis_failed"
	// ErrKindUnsupportedLanguage means no runner claimed the project.
	ErrKindUnsupportedLanguage ErrorKind = "unsupported_language"
	// ErrKindBuildTimeout means the build exceeded its wall-clock budget.
	ErrKindBuildTimeout ErrorKind = "build_timeout"
	// ErrKindBuildFailure means the build exited non-zero.
	ErrKindBuildFailure ErrorKind = "build_failed"
	// ErrKindResourceLimit means a CPU/memory/disk/process/output ceiling
	// was breached and the run was terminated.
	ErrKindResourceLimit ErrorKind = "resource_limit_exceeded"
	// ErrKindExecutionFailure means the program exited non-zero without
	// breaching any limit.
	ErrKindExecutionFailure ErrorKind = "execution_failed"
	// ErrKindCancelled means the caller requested cancellation.
	ErrKindCancelled ErrorKind = "cancelled"
	// ErrKindPortAllocation means no free port was available.
	ErrKindPortAllocation ErrorKind = "port_allocation_failed"
	// ErrKindDuplicateInstance means a deployment already exists for the
	// program identifier.
	ErrKindDuplicateInstance ErrorKind = "duplicate_instance"
	// ErrKindInfrastructure flags a retryable environment fault (e.g. the
	// sandbox runtime being unreachable), not a project defect.
	ErrKindInfrastructure ErrorKind = "infrastructure_unavailable"
)

// Retryable reports whether the failure is an infrastructure condition the
// caller may retry rather than a defect in the submitted project.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindInfrastructure
}
