package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/gridworks/forge/internal/docker"
	"github.com/gridworks/forge/internal/domain"
	"github.com/gridworks/forge/internal/registry"
	"github.com/gridworks/forge/internal/runner"
)

// containerAppPort is the in-container listen port; programs receive it via
// the PORT env var and the first replica maps it to the allocated host port.
const containerAppPort = 8080

// ContainerStrategy deploys programs as Docker containers built from the
// project's Dockerfile. Replicas beyond the first run without a host port
// binding.
type ContainerStrategy struct {
	mu           sync.Mutex
	apps         map[string]*containerApp
	client       *docker.Client
	graceSeconds int
	logger       *slog.Logger
}

type containerApp struct {
	image   string
	ids     []string
	env     []string
	limits  domain.ResourceLimits
	started time.Time
	ring    *logRing
}

// NewContainerStrategy creates the Docker-backed strategy.
func NewContainerStrategy(client *docker.Client, grace time.Duration, logger *slog.Logger) *ContainerStrategy {
	if logger != nil {
		logger = logger.With("component", "deploy.container")
	}
	seconds := int(grace / time.Second)
	if seconds <= 0 {
		seconds = 5
	}
	return &ContainerStrategy{
		apps:         make(map[string]*containerApp),
		client:       client,
		graceSeconds: seconds,
		logger:       logger,
	}
}

func (s *ContainerStrategy) Kind() Kind { return KindContainer }

func (s *ContainerStrategy) Validate(req Request) domain.ValidationResult {
	result := domain.ValidationResult{Valid: true}
	if info, err := os.Stat(req.Dir); err != nil || !info.IsDir() {
		result.Valid = false
		result.Errors = append(result.Errors, "project directory does not exist")
		return result
	}
	if _, err := os.Stat(filepath.Join(req.Dir, "Dockerfile")); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, "container deployments require a Dockerfile")
	}
	return result
}

func (s *ContainerStrategy) app(programID string) (*containerApp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[programID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrInstanceNotFound, programID)
	}
	return app, nil
}

func containerName(programID string, replica int) string {
	return fmt.Sprintf("forge-%s-%d", programID, replica)
}

func (s *ContainerStrategy) Deploy(ctx context.Context, req Request, inst *registry.Instance) (domain.DeploymentResult, error) {
	image := fmt.Sprintf("forge/%s:%s", req.ProgramID, inst.DeploymentID[:8])
	app := &containerApp{
		image: image,
		ring:  newLogRing(0),
	}
	if err := s.client.BuildImage(ctx, req.Dir, image, nil, app.ring.Append); err != nil {
		return domain.DeploymentResult{}, fmt.Errorf("build image: %w", err)
	}

	limits := domain.DefaultResourceLimits()
	if req.Limits != nil {
		limits = req.Limits.Normalize()
	}
	app.limits = limits
	app.env = runner.MergeEnv(req.Env, map[string]string{
		"PORT": strconv.Itoa(containerAppPort),
	})

	replicas := req.Replicas
	if replicas < 1 {
		replicas = 1
	}
	for replica := 0; replica < replicas; replica++ {
		id, err := s.runReplica(ctx, app, req.ProgramID, replica, inst.Port)
		if err != nil {
			s.teardown(ctx, app)
			return domain.DeploymentResult{}, err
		}
		app.ids = append(app.ids, id)
	}
	app.started = time.Now().UTC()

	s.mu.Lock()
	s.apps[inst.ProgramID] = app
	s.mu.Unlock()

	inst.ImageID = image
	inst.Replicas = replicas
	inst.StartedAt = app.started
	return domain.DeploymentResult{
		Success:      true,
		URL:          fmt.Sprintf("http://localhost:%d", inst.Port),
		DeploymentID: inst.DeploymentID,
		Metadata:     map[string]any{"image": image, "replicas": replicas},
		Timestamp:    time.Now().UTC(),
		Logs:         app.ring.Tail(40),
	}, nil
}

// runReplica starts one container. Only replica zero binds the host port.
func (s *ContainerStrategy) runReplica(ctx context.Context, app *containerApp, programID string, replica, hostPort int) (string, error) {
	name := containerName(programID, replica)
	// Replace any leftover container from a previous deployment.
	if err := s.client.RemoveContainer(ctx, name); err != nil {
		return "", err
	}
	ports := nat.PortMap{}
	if replica == 0 {
		appPort := nat.Port(fmt.Sprintf("%d/tcp", containerAppPort))
		ports[appPort] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}}
	}
	info, err := s.client.RunContainer(ctx, name, app.image, nil, app.env, ports, app.limits)
	if err != nil {
		return "", fmt.Errorf("run replica %d: %w", replica, err)
	}
	return info.ID, nil
}

func (s *ContainerStrategy) teardown(ctx context.Context, app *containerApp) {
	for _, id := range app.ids {
		if err := s.client.RemoveContainer(ctx, id); err != nil && s.logger != nil {
			s.logger.Warn("container teardown failed", "container", id, "error", err)
		}
	}
}

func (s *ContainerStrategy) Start(ctx context.Context, inst *registry.Instance) error {
	app, err := s.app(inst.ProgramID)
	if err != nil {
		return err
	}
	for _, id := range app.ids {
		if err := s.client.StartContainer(ctx, id); err != nil {
			return err
		}
	}
	app.started = time.Now().UTC()
	return nil
}

func (s *ContainerStrategy) Stop(ctx context.Context, inst *registry.Instance) error {
	app, err := s.app(inst.ProgramID)
	if err != nil {
		return err
	}
	for _, id := range app.ids {
		if err := s.client.StopContainer(ctx, id, s.graceSeconds); err != nil {
			return err
		}
	}
	return nil
}

func (s *ContainerStrategy) Health(ctx context.Context, inst *registry.Instance) Health {
	health := Health{CheckedAt: time.Now().UTC()}
	app, err := s.app(inst.ProgramID)
	if err != nil {
		health.Status = "unknown"
		health.Detail = err.Error()
		return health
	}
	running := 0
	for _, id := range app.ids {
		ok, err := s.client.IsRunning(ctx, id)
		if err != nil {
			health.Status = "unknown"
			health.Detail = err.Error()
			return health
		}
		if ok {
			running++
		}
	}
	switch {
	case running == len(app.ids):
		health.Healthy = true
		health.Status = "healthy"
	case running > 0:
		health.Status = "degraded"
		health.Detail = fmt.Sprintf("%d of %d replicas running", running, len(app.ids))
	default:
		health.Status = "down"
		health.Detail = "no replicas running"
	}
	return health
}

func (s *ContainerStrategy) Logs(ctx context.Context, inst *registry.Instance, lines int) ([]string, error) {
	app, err := s.app(inst.ProgramID)
	if err != nil {
		return nil, err
	}
	if len(app.ids) == 0 {
		return app.ring.Tail(lines), nil
	}
	logs, err := s.client.ContainerLogs(ctx, app.ids[0], lines)
	if err != nil {
		// Fall back to build output when the container is gone.
		return app.ring.Tail(lines), nil
	}
	return logs, nil
}

func (s *ContainerStrategy) Metrics(ctx context.Context, inst *registry.Instance) (Metrics, error) {
	app, err := s.app(inst.ProgramID)
	if err != nil {
		return Metrics{}, err
	}
	metrics := Metrics{
		Replicas:  len(app.ids),
		SampledAt: time.Now().UTC(),
	}
	if !app.started.IsZero() {
		metrics.Uptime = time.Since(app.started)
	}
	for _, id := range app.ids {
		stats, err := s.client.Stats(ctx, id)
		if err != nil {
			continue // replica stopped between list and sample
		}
		metrics.CPUPercent += stats.CPUPercent
		metrics.MemoryBytes += stats.MemoryUsage
	}
	return metrics, nil
}

// Scale adjusts the replica count. New replicas run from the deployed image;
// removed replicas are the highest-numbered ones.
func (s *ContainerStrategy) Scale(ctx context.Context, inst *registry.Instance, replicas int) error {
	app, err := s.app(inst.ProgramID)
	if err != nil {
		return err
	}
	for len(app.ids) < replicas {
		id, err := s.runReplica(ctx, app, inst.ProgramID, len(app.ids), inst.Port)
		if err != nil {
			return err
		}
		app.ids = append(app.ids, id)
	}
	for len(app.ids) > replicas {
		last := app.ids[len(app.ids)-1]
		if err := s.client.StopContainer(ctx, last, s.graceSeconds); err != nil {
			return err
		}
		if err := s.client.RemoveContainer(ctx, last); err != nil {
			return err
		}
		app.ids = app.ids[:len(app.ids)-1]
	}
	return nil
}

// UpdateLimits applies new resource ceilings to all running replicas.
func (s *ContainerStrategy) UpdateLimits(ctx context.Context, inst *registry.Instance, limits domain.ResourceLimits) error {
	app, err := s.app(inst.ProgramID)
	if err != nil {
		return err
	}
	for _, id := range app.ids {
		if err := s.client.UpdateResources(ctx, id, limits); err != nil {
			return err
		}
	}
	app.limits = limits
	return nil
}

func (s *ContainerStrategy) Undeploy(ctx context.Context, inst *registry.Instance) error {
	app, err := s.app(inst.ProgramID)
	if err != nil {
		return nil // already gone
	}
	for _, id := range app.ids {
		if err := s.client.StopContainer(ctx, id, s.graceSeconds); err != nil && s.logger != nil {
			s.logger.Warn("stop on undeploy failed", "container", id, "error", err)
		}
		if err := s.client.RemoveContainer(ctx, id); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.apps, inst.ProgramID)
	s.mu.Unlock()
	return nil
}

var (
	_ Strategy     = (*ContainerStrategy)(nil)
	_ Scaler       = (*ContainerStrategy)(nil)
	_ LimitUpdater = (*ContainerStrategy)(nil)
)
