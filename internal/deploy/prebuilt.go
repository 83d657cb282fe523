package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gridworks/forge/internal/domain"
	"github.com/gridworks/forge/internal/registry"
	"github.com/gridworks/forge/internal/runner"
	"github.com/gridworks/forge/internal/sandbox"
)

// PrebuiltStrategy runs already-built web applications as supervised host
// processes. The program receives its listen port via the PORT env var.
type PrebuiltStrategy struct {
	mu      sync.Mutex
	apps    map[string]*prebuiltApp
	sampler sandbox.Sampler
	grace   time.Duration
	logger  *slog.Logger
}

type prebuiltApp struct {
	dir  string
	argv []string
	env  []string
	ring *logRing
	proc *process
}

// NewPrebuiltStrategy creates the process-backed strategy. The sampler may be
// nil, in which case metrics are flagged estimated.
func NewPrebuiltStrategy(sampler sandbox.Sampler, grace time.Duration, logger *slog.Logger) *PrebuiltStrategy {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if logger != nil {
		logger = logger.With("component", "deploy.prebuilt")
	}
	return &PrebuiltStrategy{
		apps:    make(map[string]*prebuiltApp),
		sampler: sampler,
		grace:   grace,
		logger:  logger,
	}
}

func (s *PrebuiltStrategy) Kind() Kind { return KindPrebuilt }

func (s *PrebuiltStrategy) Validate(req Request) domain.ValidationResult {
	result := domain.ValidationResult{Valid: true}
	if info, err := os.Stat(req.Dir); err != nil || !info.IsDir() {
		result.Valid = false
		result.Errors = append(result.Errors, "application directory does not exist")
	}
	if len(req.Command) == 0 {
		result.Valid = false
		result.Errors = append(result.Errors, "prebuilt applications require a start command")
	}
	return result
}

func (s *PrebuiltStrategy) app(programID string) (*prebuiltApp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[programID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrInstanceNotFound, programID)
	}
	return app, nil
}

func (s *PrebuiltStrategy) Deploy(_ context.Context, req Request, inst *registry.Instance) (domain.DeploymentResult, error) {
	env := runner.MergeEnv(req.Env, map[string]string{
		"PORT": strconv.Itoa(inst.Port),
	})
	app := &prebuiltApp{
		dir:  req.Dir,
		argv: append([]string(nil), req.Command...),
		env:  env,
		ring: newLogRing(0),
	}
	proc, err := startProcess(app.dir, app.argv, app.env, app.ring, s.grace)
	if err != nil {
		return domain.DeploymentResult{}, fmt.Errorf("start application: %w", err)
	}
	app.proc = proc

	s.mu.Lock()
	s.apps[inst.ProgramID] = app
	s.mu.Unlock()

	inst.StartedAt = proc.started
	return domain.DeploymentResult{
		Success:      true,
		URL:          fmt.Sprintf("http://localhost:%d", inst.Port),
		DeploymentID: inst.DeploymentID,
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (s *PrebuiltStrategy) Start(_ context.Context, inst *registry.Instance) error {
	app, err := s.app(inst.ProgramID)
	if err != nil {
		return err
	}
	if app.proc != nil && app.proc.alive() {
		return nil
	}
	proc, err := startProcess(app.dir, app.argv, app.env, app.ring, s.grace)
	if err != nil {
		return fmt.Errorf("start application: %w", err)
	}
	app.proc = proc
	return nil
}

func (s *PrebuiltStrategy) Stop(_ context.Context, inst *registry.Instance) error {
	app, err := s.app(inst.ProgramID)
	if err != nil {
		return err
	}
	if app.proc == nil {
		return nil
	}
	return app.proc.stop()
}

func (s *PrebuiltStrategy) Health(_ context.Context, inst *registry.Instance) Health {
	health := Health{CheckedAt: time.Now().UTC()}
	app, err := s.app(inst.ProgramID)
	if err != nil {
		health.Status = "unknown"
		health.Detail = err.Error()
		return health
	}
	if app.proc == nil || !app.proc.alive() {
		health.Status = "down"
		health.Detail = "process not running"
		return health
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(inst.Port))
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		health.Status = "starting"
		health.Detail = fmt.Sprintf("port not accepting connections: %v", err)
		return health
	}
	_ = conn.Close()
	health.Healthy = true
	health.Status = "healthy"
	return health
}

func (s *PrebuiltStrategy) Logs(_ context.Context, inst *registry.Instance, lines int) ([]string, error) {
	app, err := s.app(inst.ProgramID)
	if err != nil {
		return nil, err
	}
	return app.ring.Tail(lines), nil
}

func (s *PrebuiltStrategy) Metrics(_ context.Context, inst *registry.Instance) (Metrics, error) {
	app, err := s.app(inst.ProgramID)
	if err != nil {
		return Metrics{}, err
	}
	metrics := Metrics{
		Replicas:  1,
		SampledAt: time.Now().UTC(),
	}
	if app.proc != nil && app.proc.alive() {
		metrics.Uptime = time.Since(app.proc.started)
	}
	if s.sampler == nil || app.proc == nil || !app.proc.alive() {
		metrics.Estimated = true
		return metrics, nil
	}
	sample, err := s.sampler.Sample(app.proc.pid())
	if err != nil {
		metrics.Estimated = true
		return metrics, nil
	}
	metrics.MemoryBytes = sample.MemoryBytes
	if metrics.Uptime > 0 {
		metrics.CPUPercent = sample.CPUSeconds / metrics.Uptime.Seconds() * 100
	}
	return metrics, nil
}

func (s *PrebuiltStrategy) Undeploy(ctx context.Context, inst *registry.Instance) error {
	app, err := s.app(inst.ProgramID)
	if err != nil {
		return nil // already gone
	}
	if app.proc != nil {
		if err := app.proc.stop(); err != nil && s.logger != nil {
			s.logger.Warn("stop on undeploy failed", "program_id", inst.ProgramID, "error", err)
		}
	}
	s.mu.Lock()
	delete(s.apps, inst.ProgramID)
	s.mu.Unlock()
	return nil
}

var _ Strategy = (*PrebuiltStrategy)(nil)
