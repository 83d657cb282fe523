package domain

import "fmt"

// ResourceLimits caps what one build or execution may consume.
type ResourceLimits struct {
	MaxCPUPercent  int   `json:"max_cpu_percent"`
	MaxMemoryMB    int64 `json:"max_memory_mb"`
	MaxDiskMB      int64 `json:"max_disk_mb"`
	MaxProcesses   int   `json:"max_processes"`
	MaxOutputBytes int64 `json:"max_output_bytes"`
}

// DefaultResourceLimits returns the engine-wide ceilings applied when a
// request does not supply its own.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxCPUPercent:  80,
		MaxMemoryMB:    1024,
		MaxDiskMB:      2048,
		MaxProcesses:   10,
		MaxOutputBytes: 100 << 20,
	}
}

// Validate rejects limits with non-positive ceilings.
func (l ResourceLimits) Validate() error {
	if l.MaxCPUPercent <= 0 {
		return fmt.Errorf("max cpu percent must be positive, got %d", l.MaxCPUPercent)
	}
	if l.MaxMemoryMB <= 0 {
		return fmt.Errorf("max memory must be positive, got %dMB", l.MaxMemoryMB)
	}
	if l.MaxDiskMB <= 0 {
		return fmt.Errorf("max disk must be positive, got %dMB", l.MaxDiskMB)
	}
	if l.MaxProcesses <= 0 {
		return fmt.Errorf("max processes must be positive, got %d", l.MaxProcesses)
	}
	if l.MaxOutputBytes <= 0 {
		return fmt.Errorf("max output size must be positive, got %d bytes", l.MaxOutputBytes)
	}
	return nil
}

// Normalize fills unset ceilings from the defaults.
func (l ResourceLimits) Normalize() ResourceLimits {
	defaults := DefaultResourceLimits()
	if l.MaxCPUPercent <= 0 {
		l.MaxCPUPercent = defaults.MaxCPUPercent
	}
	if l.MaxMemoryMB <= 0 {
		l.MaxMemoryMB = defaults.MaxMemoryMB
	}
	if l.MaxDiskMB <= 0 {
		l.MaxDiskMB = defaults.MaxDiskMB
	}
	if l.MaxProcesses <= 0 {
		l.MaxProcesses = defaults.MaxProcesses
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = defaults.MaxOutputBytes
	}
	return l
}

// MemoryBytes converts the memory ceiling to bytes.
func (l ResourceLimits) MemoryBytes() int64 {
	return l.MaxMemoryMB << 20
}

// DiskBytes converts the disk ceiling to bytes.
func (l ResourceLimits) DiskBytes() int64 {
	return l.MaxDiskMB << 20
}

// ResourceUsage snapshots what a run actually consumed. All fields are
// non-negative.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	CPUSeconds  float64 `json:"cpu_seconds"`
	MemoryBytes int64   `json:"memory_bytes"`
	DiskBytes   int64   `json:"disk_bytes"`
	Processes   int     `json:"processes"`
	OutputBytes int64   `json:"output_bytes"`
}
