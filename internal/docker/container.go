package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/gridworks/forge/internal/domain"
)

// ContainerInfo captures minimal runtime details about a started container.
type ContainerInfo struct {
	ID          string
	PortBinding nat.PortMap
}

// RunContainer creates and starts a container exposing the provided port
// mappings, constrained by the given resource limits.
func (c *Client) RunContainer(ctx context.Context, name, image string, cmd []string, env []string, ports nat.PortMap, limits domain.ResourceLimits) (ContainerInfo, error) {
	if strings.TrimSpace(name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(image) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{
		Image:        image,
		Cmd:          cmd,
		Env:          env,
		ExposedPorts: map[nat.Port]struct{}{},
	}
	for p := range ports {
		config.ExposedPorts[p] = struct{}{}
	}

	hostCfg := &container.HostConfig{
		PortBindings: ports,
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: 3,
		},
		Resources: resourcesFor(limits),
	}

	r, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}

	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}

	inspect, err := c.inner.ContainerInspect(ctx, r.ID)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container inspect: %w", err)
	}
	binding := nat.PortMap{}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		binding = inspect.NetworkSettings.Ports
	}
	return ContainerInfo{ID: r.ID, PortBinding: binding}, nil
}

func resourcesFor(limits domain.ResourceLimits) container.Resources {
	res := container.Resources{}
	if limits.MaxCPUPercent > 0 {
		res.NanoCPUs = int64(limits.MaxCPUPercent) * 1e7
	}
	if limits.MaxMemoryMB > 0 {
		res.Memory = limits.MemoryBytes()
	}
	if limits.MaxProcesses > 0 {
		pids := int64(limits.MaxProcesses)
		res.PidsLimit = &pids
	}
	return res
}

// UpdateResources applies new resource limits to a running container.
func (c *Client) UpdateResources(ctx context.Context, containerID string, limits domain.ResourceLimits) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	_, err := c.inner.ContainerUpdate(ctx, containerID, container.UpdateConfig{
		Resources: resourcesFor(limits),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, containerID)
		}
		return fmt.Errorf("container update: %w", err)
	}
	return nil
}

// StopContainer stops a container, allowing it the grace period before the
// daemon kills it.
func (c *Client) StopContainer(ctx context.Context, containerID string, graceSeconds int) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	opts := container.StopOptions{}
	if graceSeconds > 0 {
		opts.Timeout = &graceSeconds
	}
	if err := c.inner.ContainerStop(ctx, containerID, opts); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// StartContainer starts a previously created, stopped container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, containerID)
		}
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// RemoveContainer removes a container if it exists, together with its
// anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// WaitForStop blocks until the container stops and returns the exit code.
func (c *Client) WaitForStop(ctx context.Context, containerID string) (int64, error) {
	if strings.TrimSpace(containerID) == "" {
		return 0, fmt.Errorf("container id cannot be empty")
	}
	statusCh, errCh := c.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			if client.IsErrNotFound(err) {
				return 0, nil
			}
			return 0, fmt.Errorf("wait for container stop: %w", err)
		case status := <-statusCh:
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// IsRunning reports whether the container exists and is in the running state.
func (c *Client) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := c.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("container inspect: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// ContainerLogs returns up to tail recent log lines from the container,
// demultiplexed from the Docker log stream.
func (c *Client) ContainerLogs(ctx context.Context, containerID string, tail int) ([]string, error) {
	if strings.TrimSpace(containerID) == "" {
		return nil, fmt.Errorf("container id cannot be empty")
	}
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	reader, err := c.inner.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, containerID)
		}
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var combined bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, &combined, reader); err != nil {
		return nil, fmt.Errorf("read container logs: %w", err)
	}
	lines := strings.Split(strings.TrimRight(combined.String(), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}
