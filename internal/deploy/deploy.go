package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/forge/internal/analyzer"
	"github.com/gridworks/forge/internal/domain"
	"github.com/gridworks/forge/internal/registry"
)

// Kind selects a deployment strategy.
type Kind string

const (
	KindPrebuilt  Kind = "prebuilt-app"
	KindStatic    Kind = "static-site"
	KindContainer Kind = "container"
)

// ErrUnknownKind is returned for deploy requests naming no registered strategy.
var ErrUnknownKind = errors.New("deploy: unknown deployment kind")

// Request describes one deployment of a program from a prepared directory.
type Request struct {
	ProgramID string                 `json:"program_id"`
	Kind      Kind                   `json:"kind"`
	Dir       string                 `json:"dir"`
	Port      int                    `json:"port,omitempty"`
	Env       map[string]string      `json:"env,omitempty"`
	Limits    *domain.ResourceLimits `json:"limits,omitempty"`
	Replicas  int                    `json:"replicas,omitempty"`
	Command   []string               `json:"command,omitempty"`
	IndexDoc  string                 `json:"index_document,omitempty"`
}

// Health reports one liveness probe of a deployed instance.
type Health struct {
	Healthy   bool      `json:"healthy"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Metrics is a point-in-time usage reading for a deployed instance.
// Estimated marks readings derived from static accounting rather than a live
// process or container sample.
type Metrics struct {
	CPUPercent  float64       `json:"cpu_percent"`
	MemoryBytes int64         `json:"memory_bytes"`
	Uptime      time.Duration `json:"uptime"`
	Replicas    int           `json:"replicas"`
	Requests    int64         `json:"requests,omitempty"`
	Estimated   bool          `json:"estimated"`
	SampledAt   time.Time     `json:"sampled_at"`
}

// Strategy is the uniform per-kind deployment contract. Lifecycle methods are
// invoked with the instance's lifecycle lock held by the manager.
type Strategy interface {
	Kind() Kind
	Validate(req Request) domain.ValidationResult
	Deploy(ctx context.Context, req Request, inst *registry.Instance) (domain.DeploymentResult, error)
	Start(ctx context.Context, inst *registry.Instance) error
	Stop(ctx context.Context, inst *registry.Instance) error
	Health(ctx context.Context, inst *registry.Instance) Health
	Logs(ctx context.Context, inst *registry.Instance, lines int) ([]string, error)
	Metrics(ctx context.Context, inst *registry.Instance) (Metrics, error)
	Undeploy(ctx context.Context, inst *registry.Instance) error
}

// Scaler is implemented by strategies that support replica scaling.
type Scaler interface {
	Scale(ctx context.Context, inst *registry.Instance, replicas int) error
}

// LimitUpdater is implemented by strategies that can change resource limits
// on a live instance.
type LimitUpdater interface {
	UpdateLimits(ctx context.Context, inst *registry.Instance, limits domain.ResourceLimits) error
}

// Manager fronts all strategies. It owns the interplay with the instance
// registry: duplicate detection, port allocation, and per-program lifecycle
// serialization.
type Manager struct {
	registry   *registry.Registry
	strategies map[Kind]Strategy
	analyzer   *analyzer.Analyzer
	logger     *slog.Logger
}

// NewManager creates a manager dispatching to the given strategies. The
// analyzer may be nil when structure analysis of deployed directories is not
// wanted.
func NewManager(reg *registry.Registry, projects *analyzer.Analyzer, logger *slog.Logger, strategies ...Strategy) *Manager {
	if logger != nil {
		logger = logger.With("component", "deploy")
	}
	table := make(map[Kind]Strategy, len(strategies))
	for _, strategy := range strategies {
		table[strategy.Kind()] = strategy
	}
	return &Manager{registry: reg, strategies: table, analyzer: projects, logger: logger}
}

// Validate runs the project structure analysis plus the strategy's static
// checks without deploying.
func (m *Manager) Validate(req Request) (domain.ValidationResult, error) {
	strategy, ok := m.strategies[req.Kind]
	if !ok {
		return domain.ValidationResult{}, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	return m.validate(strategy, req), nil
}

// validate merges the structure analysis into the strategy's checks. A high
// security risk grade blocks the deployment; medium surfaces as a warning.
func (m *Manager) validate(strategy Strategy, req Request) domain.ValidationResult {
	result := strategy.Validate(req)
	if m.analyzer == nil {
		return result
	}
	analysis, err := m.analyzer.Analyze(req.Dir)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	switch analysis.Security.RiskLevel {
	case domain.RiskHigh:
		result.Valid = false
		result.Errors = append(result.Errors, "security scan graded this project high risk")
	case domain.RiskMedium:
		result.Warnings = append(result.Warnings, "security scan graded this project medium risk")
	}
	return result
}

// Deploy creates a new instance for the program. A second deployment of the
// same program fails with the registry's duplicate error; callers undeploy
// first to replace.
func (m *Manager) Deploy(ctx context.Context, req Request) (domain.DeploymentResult, error) {
	strategy, ok := m.strategies[req.Kind]
	if !ok {
		return domain.DeploymentResult{}, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	if req.ProgramID == "" {
		return domain.DeploymentResult{}, fmt.Errorf("program id cannot be empty")
	}
	if validation := m.validate(strategy, req); !validation.Valid {
		return domain.DeploymentResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("validation failed: %v", validation.Errors),
			Timestamp:    time.Now().UTC(),
		}, nil
	}

	port := req.Port
	if port == 0 {
		allocated, err := m.registry.AllocatePort()
		if err != nil {
			return domain.DeploymentResult{}, fmt.Errorf("allocate port: %w", err)
		}
		port = allocated
	}

	inst := &registry.Instance{
		ProgramID:    req.ProgramID,
		DeploymentID: uuid.NewString(),
		Kind:         string(req.Kind),
		Port:         port,
		Status:       registry.StatusActive,
		Replicas:     req.Replicas,
		CreatedAt:    time.Now().UTC(),
	}
	// The lifecycle lock stays held until the strategy finishes, so a
	// concurrent stop or undeploy cannot act on a half-provisioned
	// instance.
	release, err := m.registry.RegisterAcquired(inst)
	if err != nil {
		if req.Port == 0 {
			m.registry.ReleasePort(port)
		}
		return domain.DeploymentResult{}, err
	}

	result, err := strategy.Deploy(ctx, req, inst)
	if err != nil {
		m.registry.Remove(req.ProgramID)
		release()
		if m.logger != nil {
			m.logger.Warn("deploy failed",
				"program_id", req.ProgramID,
				"kind", req.Kind,
				"error", err)
		}
		return domain.DeploymentResult{}, err
	}
	release()
	result.DeploymentID = inst.DeploymentID
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}
	if m.logger != nil {
		m.logger.Info("deployed",
			"program_id", req.ProgramID,
			"deployment_id", inst.DeploymentID,
			"kind", req.Kind,
			"port", port)
	}
	return result, nil
}

// withInstance runs fn with the instance's lifecycle lock held.
func (m *Manager) withInstance(programID string, fn func(Strategy, *registry.Instance) error) error {
	inst, release, err := m.registry.Acquire(programID)
	if err != nil {
		return err
	}
	defer release()
	strategy, ok := m.strategies[Kind(inst.Kind)]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, inst.Kind)
	}
	return fn(strategy, inst)
}

// Start brings a stopped instance back up.
func (m *Manager) Start(ctx context.Context, programID string) error {
	return m.withInstance(programID, func(s Strategy, inst *registry.Instance) error {
		if inst.Status == registry.StatusActive {
			return nil
		}
		if err := s.Start(ctx, inst); err != nil {
			inst.Status = registry.StatusFailed
			return err
		}
		inst.Status = registry.StatusActive
		inst.StartedAt = time.Now().UTC()
		return nil
	})
}

// Stop halts the instance, leaving it registered for a later Start.
func (m *Manager) Stop(ctx context.Context, programID string) error {
	return m.withInstance(programID, func(s Strategy, inst *registry.Instance) error {
		if inst.Status == registry.StatusStopped {
			return nil
		}
		if err := s.Stop(ctx, inst); err != nil {
			return err
		}
		inst.Status = registry.StatusStopped
		return nil
	})
}

// Restart stops then starts the instance under one lifecycle lock.
func (m *Manager) Restart(ctx context.Context, programID string) error {
	return m.withInstance(programID, func(s Strategy, inst *registry.Instance) error {
		if inst.Status == registry.StatusActive {
			if err := s.Stop(ctx, inst); err != nil {
				return err
			}
		}
		if err := s.Start(ctx, inst); err != nil {
			inst.Status = registry.StatusFailed
			return err
		}
		inst.Status = registry.StatusActive
		inst.StartedAt = time.Now().UTC()
		return nil
	})
}

// Health probes the instance.
func (m *Manager) Health(ctx context.Context, programID string) (Health, error) {
	var health Health
	err := m.withInstance(programID, func(s Strategy, inst *registry.Instance) error {
		health = s.Health(ctx, inst)
		return nil
	})
	return health, err
}

// Logs returns up to lines recent log lines from the instance.
func (m *Manager) Logs(ctx context.Context, programID string, lines int) ([]string, error) {
	var logs []string
	err := m.withInstance(programID, func(s Strategy, inst *registry.Instance) error {
		var logsErr error
		logs, logsErr = s.Logs(ctx, inst, lines)
		return logsErr
	})
	return logs, err
}

// Metrics samples the instance's resource usage.
func (m *Manager) Metrics(ctx context.Context, programID string) (Metrics, error) {
	var metrics Metrics
	err := m.withInstance(programID, func(s Strategy, inst *registry.Instance) error {
		var metricsErr error
		metrics, metricsErr = s.Metrics(ctx, inst)
		return metricsErr
	})
	return metrics, err
}

// Scale changes the replica count for strategies that support it.
func (m *Manager) Scale(ctx context.Context, programID string, replicas int) error {
	if replicas < 1 {
		return fmt.Errorf("replica count must be at least 1")
	}
	return m.withInstance(programID, func(s Strategy, inst *registry.Instance) error {
		scaler, ok := s.(Scaler)
		if !ok {
			return fmt.Errorf("deployment kind %q does not support scaling", inst.Kind)
		}
		if err := scaler.Scale(ctx, inst, replicas); err != nil {
			return err
		}
		inst.Replicas = replicas
		return nil
	})
}

// UpdateLimits applies new resource limits to a live instance.
func (m *Manager) UpdateLimits(ctx context.Context, programID string, limits domain.ResourceLimits) error {
	limits = limits.Normalize()
	if err := limits.Validate(); err != nil {
		return err
	}
	return m.withInstance(programID, func(s Strategy, inst *registry.Instance) error {
		updater, ok := s.(LimitUpdater)
		if !ok {
			return fmt.Errorf("deployment kind %q does not support limit updates", inst.Kind)
		}
		return updater.UpdateLimits(ctx, inst, limits)
	})
}

// Undeploy tears the instance down and frees its port. Undeploying a program
// with no instance is a no-op.
func (m *Manager) Undeploy(ctx context.Context, programID string) error {
	err := m.withInstance(programID, func(s Strategy, inst *registry.Instance) error {
		return s.Undeploy(ctx, inst)
	})
	if errors.Is(err, registry.ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m.registry.Remove(programID)
	if m.logger != nil {
		m.logger.Info("undeployed", "program_id", programID)
	}
	return nil
}

// Get returns a snapshot of one instance.
func (m *Manager) Get(programID string) (registry.Snapshot, bool) {
	return m.registry.Get(programID)
}

// List returns snapshots of all instances.
func (m *Manager) List() []registry.Snapshot {
	return m.registry.List()
}
