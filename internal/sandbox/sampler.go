package sandbox

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/prometheus/procfs"
)

// Sample is one point-in-time reading for a process group.
type Sample struct {
	CPUSeconds  float64
	MemoryBytes int64
	Processes   int
}

// Sampler reads resource usage for the process group led by pid.
type Sampler interface {
	Sample(pid int) (Sample, error)
}

type procSampler struct {
	fs procfs.FS
}

// NewProcSampler returns a /proc backed sampler. The sandbox starts every
// command as its own process group leader, so group membership identifies
// the full process tree including grandchildren.
func NewProcSampler() (Sampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &procSampler{fs: fs}, nil
}

func (s *procSampler) Sample(pid int) (Sample, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return Sample{}, fmt.Errorf("list processes: %w", err)
	}
	var sample Sample
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil {
			continue // raced with process exit
		}
		if stat.PGRP != pid {
			continue
		}
		sample.Processes++
		sample.CPUSeconds += stat.CPUTime()
		sample.MemoryBytes += int64(stat.ResidentMemory())
	}
	if sample.Processes == 0 {
		return Sample{}, fmt.Errorf("process group %d not found", pid)
	}
	return sample, nil
}

// dirSize sums regular file sizes under dir. Walk errors are ignored so a
// racing delete cannot fail a sample.
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		if info, infoErr := entry.Info(); infoErr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// listFiles returns relative paths of regular files under dir.
func listFiles(dir string) []string {
	var files []string
	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		files = append(files, rel)
		return nil
	})
	return files
}
