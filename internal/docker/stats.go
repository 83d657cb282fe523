package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// ContainerStats is a one-shot resource usage sample for a container.
type ContainerStats struct {
	CPUPercent  float64
	MemoryUsage int64
	MemoryLimit int64
	PIDs        int
}

// Stats samples current resource usage for a running container.
func (c *Client) Stats(ctx context.Context, containerID string) (ContainerStats, error) {
	if strings.TrimSpace(containerID) == "" {
		return ContainerStats{}, fmt.Errorf("container id cannot be empty")
	}
	resp, err := c.inner.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerStats{}, fmt.Errorf("%w: %s", ErrNotFound, containerID)
		}
		return ContainerStats{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return ContainerStats{}, fmt.Errorf("decode container stats: %w", err)
	}

	stats := ContainerStats{
		CPUPercent:  cpuPercent(raw),
		MemoryUsage: int64(raw.MemoryStats.Usage),
		MemoryLimit: int64(raw.MemoryStats.Limit),
		PIDs:        int(raw.PidsStats.Current),
	}
	// Cache pages inflate usage; subtract them when the kernel reports them.
	if cache, ok := raw.MemoryStats.Stats["cache"]; ok && int64(cache) < stats.MemoryUsage {
		stats.MemoryUsage -= int64(cache)
	}
	return stats, nil
}

func cpuPercent(raw container.StatsResponse) float64 {
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	cpus := float64(raw.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100.0
}
