package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gridworks/forge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testLimits() domain.ResourceLimits {
	limits := domain.DefaultResourceLimits()
	limits.MaxCPUPercent = 100
	return limits
}

func TestRunCapturesOutput(t *testing.T) {
	r := New(testLogger(), WithSampler(stubSampler{}))
	var lines []string
	result := r.Run(context.Background(), ExecSpec{
		Argv:     []string{"/bin/sh", "-c", "echo hello; echo oops >&2"},
		Dir:      t.TempDir(),
		Limits:   testLimits(),
		OnStdout: func(line string) { lines = append(lines, line) },
	})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if !strings.Contains(result.Stdout, "hello") {
		t.Errorf("stdout = %q, want hello", result.Stdout)
	}
	if !strings.Contains(result.Stderr, "oops") {
		t.Errorf("stderr = %q, want oops", result.Stderr)
	}
	if len(lines) != 1 || lines[0] != "hello" {
		t.Errorf("stdout callback lines = %v", lines)
	}
}

func TestRunReportsExitCode(t *testing.T) {
	r := New(testLogger(), WithSampler(stubSampler{}))
	result := r.Run(context.Background(), ExecSpec{
		Argv:   []string{"/bin/sh", "-c", "exit 3"},
		Dir:    t.TempDir(),
		Limits: testLimits(),
	})
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if result.ErrorKind != domain.ErrKindExecutionFailure {
		t.Errorf("error kind = %q, want %q", result.ErrorKind, domain.ErrKindExecutionFailure)
	}
}

func TestRunCancellation(t *testing.T) {
	r := New(testLogger(), WithSampler(stubSampler{}), WithGracePeriod(500*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	started := time.Now()
	result := r.Run(ctx, ExecSpec{
		Argv:   []string{"/bin/sh", "-c", "sleep 30"},
		Dir:    t.TempDir(),
		Limits: testLimits(),
	})
	if result.Success {
		t.Fatal("expected cancelled run to fail")
	}
	if result.ErrorKind != domain.ErrKindCancelled {
		t.Errorf("error kind = %q, want %q", result.ErrorKind, domain.ErrKindCancelled)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Errorf("cancellation took %v, grace period not honored", elapsed)
	}
}

func TestRunDeadline(t *testing.T) {
	r := New(testLogger(), WithSampler(stubSampler{}), WithGracePeriod(500*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	result := r.Run(ctx, ExecSpec{
		Argv:   []string{"/bin/sh", "-c", "sleep 30"},
		Dir:    t.TempDir(),
		Limits: testLimits(),
	})
	if result.ErrorKind != domain.ErrKindCancelled {
		t.Fatalf("error kind = %q, want %q", result.ErrorKind, domain.ErrKindCancelled)
	}
	if !strings.Contains(result.ErrorMessage, "deadline") {
		t.Errorf("error message = %q, want deadline mention", result.ErrorMessage)
	}
}

func TestRunOutputCeiling(t *testing.T) {
	limits := testLimits()
	limits.MaxOutputBytes = 1024
	r := New(testLogger(), WithSampler(stubSampler{}), WithGracePeriod(500*time.Millisecond))
	result := r.Run(context.Background(), ExecSpec{
		Argv:   []string{"/bin/sh", "-c", "while true; do echo aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa; done"},
		Dir:    t.TempDir(),
		Limits: limits,
	})
	if result.ErrorKind != domain.ErrKindResourceLimit {
		t.Fatalf("error kind = %q, want %q", result.ErrorKind, domain.ErrKindResourceLimit)
	}
	if result.Usage.OutputBytes > limits.MaxOutputBytes {
		t.Errorf("recorded output %d exceeds cap %d", result.Usage.OutputBytes, limits.MaxOutputBytes)
	}
}

func TestRunMemoryCeiling(t *testing.T) {
	limits := testLimits()
	limits.MaxMemoryMB = 1
	sampler := &rampSampler{memory: 64 << 20}
	r := New(testLogger(),
		WithSampler(sampler),
		WithSamplePeriod(20*time.Millisecond),
		WithGracePeriod(500*time.Millisecond))
	result := r.Run(context.Background(), ExecSpec{
		Argv:   []string{"/bin/sh", "-c", "sleep 30"},
		Dir:    t.TempDir(),
		Limits: limits,
	})
	if result.ErrorKind != domain.ErrKindResourceLimit {
		t.Fatalf("error kind = %q, want %q (%s)", result.ErrorKind, domain.ErrKindResourceLimit, result.ErrorMessage)
	}
	if !strings.Contains(result.ErrorMessage, "memory") {
		t.Errorf("error message = %q, want memory breach", result.ErrorMessage)
	}
}

func TestRunProcessCeiling(t *testing.T) {
	limits := testLimits()
	limits.MaxProcesses = 2
	sampler := &rampSampler{processes: 5}
	r := New(testLogger(),
		WithSampler(sampler),
		WithSamplePeriod(20*time.Millisecond),
		WithGracePeriod(500*time.Millisecond))
	result := r.Run(context.Background(), ExecSpec{
		Argv:   []string{"/bin/sh", "-c", "sleep 30"},
		Dir:    t.TempDir(),
		Limits: limits,
	})
	if result.ErrorKind != domain.ErrKindResourceLimit {
		t.Fatalf("error kind = %q, want %q", result.ErrorKind, domain.ErrKindResourceLimit)
	}
}

func TestRunEmptyCommand(t *testing.T) {
	r := New(testLogger(), WithSampler(stubSampler{}))
	result := r.Run(context.Background(), ExecSpec{Dir: t.TempDir(), Limits: testLimits()})
	if result.Success || result.ErrorKind != domain.ErrKindExecutionFailure {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRunStartFailure(t *testing.T) {
	r := New(testLogger(), WithSampler(stubSampler{}))
	result := r.Run(context.Background(), ExecSpec{
		Argv:   []string{"/does/not/exist"},
		Dir:    t.TempDir(),
		Limits: testLimits(),
	})
	if result.ErrorKind != domain.ErrKindInfrastructure {
		t.Fatalf("error kind = %q, want %q", result.ErrorKind, domain.ErrKindInfrastructure)
	}
}

// stubSampler reports a quiet process group.
type stubSampler struct{}

func (stubSampler) Sample(pid int) (Sample, error) {
	return Sample{Processes: 1, MemoryBytes: 1 << 20}, nil
}

// rampSampler reports configured readings to force ceiling breaches.
type rampSampler struct {
	memory    int64
	processes int
}

func (s *rampSampler) Sample(pid int) (Sample, error) {
	sample := Sample{Processes: 1, MemoryBytes: 1 << 20}
	if s.memory > 0 {
		sample.MemoryBytes = s.memory
	}
	if s.processes > 0 {
		sample.Processes = s.processes
	}
	return sample, nil
}

func TestLineWriterBudget(t *testing.T) {
	tripped := false
	budget := newOutputBudget(10, func() { tripped = true })
	var emitted []string
	w := newLineWriter(budget, func(line string) { emitted = append(emitted, line) })

	if _, err := w.Write([]byte("12345\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("678901234567890\n")); err != nil {
		t.Fatal(err)
	}
	if !tripped {
		t.Fatal("budget should have tripped")
	}
	if got := budget.used(); got > 10 {
		t.Errorf("used = %d, want capped at 10", got)
	}
	if len(emitted) == 0 || emitted[0] != "12345" {
		t.Errorf("emitted = %v", emitted)
	}
}

func TestLineWriterFlushPartial(t *testing.T) {
	budget := newOutputBudget(1<<20, nil)
	var emitted []string
	w := newLineWriter(budget, func(line string) { emitted = append(emitted, line) })
	fmt.Fprint(w, "partial")
	w.flush()
	if len(emitted) != 1 || emitted[0] != "partial" {
		t.Errorf("emitted = %v, want [partial]", emitted)
	}
}
