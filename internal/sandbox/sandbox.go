package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/gridworks/forge/internal/domain"
)

const (
	defaultGracePeriod  = 5 * time.Second
	defaultSamplePeriod = 250 * time.Millisecond
)

// ExecSpec describes one sandboxed command invocation.
type ExecSpec struct {
	Argv      []string
	Dir       string
	Env       []string
	Stdin     io.Reader
	Limits    domain.ResourceLimits
	OnStdout  func(line string)
	OnStderr  func(line string)
	OutputDir string
}

// Runner executes commands in an isolated working directory under resource
// ceilings. A breach of any ceiling terminates the process group and is
// reported as a resource-limit failure, distinct from a plain non-zero exit.
type Runner struct {
	logger       *slog.Logger
	sampler      Sampler
	gracePeriod  time.Duration
	samplePeriod time.Duration
}

// Option tunes a Runner.
type Option func(*Runner)

// WithGracePeriod sets the SIGTERM-to-SIGKILL window.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.gracePeriod = d
		}
	}
}

// WithSamplePeriod sets the resource sampling interval.
func WithSamplePeriod(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.samplePeriod = d
		}
	}
}

// WithSampler overrides the process sampler, mainly for tests.
func WithSampler(s Sampler) Option {
	return func(r *Runner) {
		if s != nil {
			r.sampler = s
		}
	}
}

// New creates a sandbox runner. When no sampler is supplied a procfs-backed
// one is used; on hosts without /proc resource sampling is disabled and only
// output/disk ceilings are enforced.
func New(logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		logger:       logger,
		gracePeriod:  defaultGracePeriod,
		samplePeriod: defaultSamplePeriod,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sampler == nil {
		if sampler, err := NewProcSampler(); err == nil {
			r.sampler = sampler
		} else if logger != nil {
			logger.Warn("procfs unavailable, cpu/memory/process ceilings not enforced", "error", err)
		}
	}
	return r
}

type breach struct {
	mu   sync.Mutex
	kind domain.ErrorKind
	msg  string
}

func (b *breach) trip(kind domain.ErrorKind, msg string, cancel context.CancelFunc) {
	b.mu.Lock()
	first := b.kind == ""
	if first {
		b.kind = kind
		b.msg = msg
	}
	b.mu.Unlock()
	if first {
		cancel()
	}
}

func (b *breach) get() (domain.ErrorKind, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kind, b.msg
}

// Run executes the spec and blocks until the process tree exits, is killed
// for a ceiling breach, or the context is cancelled.
func (r *Runner) Run(ctx context.Context, spec ExecSpec) domain.ExecutionResult {
	started := time.Now()
	limits := spec.Limits.Normalize()
	if err := limits.Validate(); err != nil {
		return failedResult(domain.ErrKindExecutionFailure, fmt.Sprintf("invalid resource limits: %v", err), started)
	}
	if len(spec.Argv) == 0 {
		return failedResult(domain.ErrKindExecutionFailure, "empty command", started)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var tripped breach
	budget := newOutputBudget(limits.MaxOutputBytes, func() {
		tripped.trip(domain.ErrKindResourceLimit,
			fmt.Sprintf("output exceeded %d bytes", limits.MaxOutputBytes), cancel)
	})
	stdout := newLineWriter(budget, spec.OnStdout)
	stderr := newLineWriter(budget, spec.OnStderr)

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group so the whole tree can be signalled.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = r.gracePeriod

	if err := cmd.Start(); err != nil {
		return failedResult(domain.ErrKindInfrastructure, fmt.Sprintf("start process: %v", err), started)
	}
	pid := cmd.Process.Pid

	monitorDone := make(chan domain.ResourceUsage, 1)
	go func() {
		monitorDone <- r.monitor(runCtx, pid, spec.Dir, limits, &tripped, cancel)
	}()

	waitErr := cmd.Wait()
	cancel()
	usage := <-monitorDone
	r.reapGroup(pid)

	stdout.flush()
	stderr.flush()
	usage.OutputBytes = budget.used()
	duration := time.Since(started)

	result := domain.ExecutionResult{
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		Duration:    duration,
		Usage:       usage,
		CompletedAt: time.Now().UTC(),
	}
	if spec.OutputDir != "" {
		result.OutputFiles = listFiles(spec.OutputDir)
	}

	if kind, msg := tripped.get(); kind != "" {
		result.ErrorKind = kind
		result.ErrorMessage = msg
		result.ExitCode = exitCode(cmd, waitErr)
		return result
	}
	if ctx.Err() != nil {
		result.ErrorKind = domain.ErrKindCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.ErrorMessage = "execution deadline exceeded"
		} else {
			result.ErrorMessage = "execution cancelled"
		}
		result.ExitCode = exitCode(cmd, waitErr)
		return result
	}
	result.ExitCode = exitCode(cmd, waitErr)
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ErrorKind = domain.ErrKindExecutionFailure
			result.ErrorMessage = fmt.Sprintf("process exited with status %d", result.ExitCode)
		} else {
			result.ErrorKind = domain.ErrKindInfrastructure
			result.ErrorMessage = fmt.Sprintf("execution error: %v", waitErr)
		}
		return result
	}
	result.Success = result.ExitCode == 0
	if !result.Success {
		result.ErrorKind = domain.ErrKindExecutionFailure
		result.ErrorMessage = fmt.Sprintf("process exited with status %d", result.ExitCode)
	}
	return result
}

// monitor samples the process group until the context is cancelled and
// returns the peak usage observed. Ceiling breaches trip the breach record.
func (r *Runner) monitor(ctx context.Context, pid int, dir string, limits domain.ResourceLimits, tripped *breach, cancel context.CancelFunc) domain.ResourceUsage {
	var peak domain.ResourceUsage
	started := time.Now()
	ticker := time.NewTicker(r.samplePeriod)
	defer ticker.Stop()
	diskEvery := 4 // disk walks are expensive relative to /proc reads
	tick := 0

	for {
		select {
		case <-ctx.Done():
			return peak
		case <-ticker.C:
		}
		tick++

		if r.sampler != nil {
			sample, err := r.sampler.Sample(pid)
			if err == nil {
				if sample.MemoryBytes > peak.MemoryBytes {
					peak.MemoryBytes = sample.MemoryBytes
				}
				if sample.Processes > peak.Processes {
					peak.Processes = sample.Processes
				}
				if sample.CPUSeconds > peak.CPUSeconds {
					peak.CPUSeconds = sample.CPUSeconds
				}
				elapsed := time.Since(started).Seconds()
				if elapsed > 0 {
					percent := sample.CPUSeconds / elapsed * 100
					if percent > peak.CPUPercent {
						peak.CPUPercent = percent
					}
					// Require a settle window so startup spikes do not kill runs.
					if elapsed >= 1 && percent > float64(limits.MaxCPUPercent) {
						tripped.trip(domain.ErrKindResourceLimit,
							fmt.Sprintf("cpu usage %.1f%% exceeded %d%%", percent, limits.MaxCPUPercent), cancel)
					}
				}
				if sample.MemoryBytes > limits.MemoryBytes() {
					tripped.trip(domain.ErrKindResourceLimit,
						fmt.Sprintf("memory usage %d bytes exceeded %dMB", sample.MemoryBytes, limits.MaxMemoryMB), cancel)
				}
				if sample.Processes > limits.MaxProcesses {
					tripped.trip(domain.ErrKindResourceLimit,
						fmt.Sprintf("process count %d exceeded %d", sample.Processes, limits.MaxProcesses), cancel)
				}
			}
		}

		if dir != "" && tick%diskEvery == 0 {
			if size := dirSize(dir); size > 0 {
				if size > peak.DiskBytes {
					peak.DiskBytes = size
				}
				if size > limits.DiskBytes() {
					tripped.trip(domain.ErrKindResourceLimit,
						fmt.Sprintf("disk usage %d bytes exceeded %dMB", size, limits.MaxDiskMB), cancel)
				}
			}
		}
	}
}

// reapGroup issues a final SIGKILL to the process group so no orphans
// survive a cancelled or killed run.
func (r *Runner) reapGroup(pid int) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		if r.logger != nil {
			r.logger.Debug("process group reap", "pid", pid, "error", err)
		}
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

func failedResult(kind domain.ErrorKind, msg string, started time.Time) domain.ExecutionResult {
	return domain.ExecutionResult{
		ExitCode:     -1,
		ErrorKind:    kind,
		ErrorMessage: msg,
		Duration:     time.Since(started),
		CompletedAt:  time.Now().UTC(),
	}
}
