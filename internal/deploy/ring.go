package deploy

import "sync"

const defaultRingSize = 500

// logRing is a bounded ring buffer of instance log lines.
type logRing struct {
	mu    sync.Mutex
	lines []string
	size  int
}

func newLogRing(size int) *logRing {
	if size <= 0 {
		size = defaultRingSize
	}
	return &logRing{size: size}
}

func (r *logRing) Append(line string) {
	if line == "" {
		return
	}
	r.mu.Lock()
	if len(r.lines) < r.size {
		r.lines = append(r.lines, line)
	} else {
		r.lines = append(r.lines[1:], line)
	}
	r.mu.Unlock()
}

// Tail returns up to n most recent lines, oldest first.
func (r *logRing) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) == 0 {
		return nil
	}
	if n <= 0 || n >= len(r.lines) {
		return append([]string(nil), r.lines...)
	}
	return append([]string(nil), r.lines[len(r.lines)-n:]...)
}
