package sandbox

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
)

// outputBudget tracks cumulative captured bytes across streams and fires
// once when the ceiling is crossed.
type outputBudget struct {
	limit   int64
	total   atomic.Int64
	tripped atomic.Bool
	onTrip  func()
}

func newOutputBudget(limit int64, onTrip func()) *outputBudget {
	return &outputBudget{limit: limit, onTrip: onTrip}
}

// consume accounts n bytes and reports whether they fit the budget.
func (b *outputBudget) consume(n int) bool {
	total := b.total.Add(int64(n))
	if b.limit > 0 && total > b.limit {
		if b.tripped.CompareAndSwap(false, true) && b.onTrip != nil {
			b.onTrip()
		}
		return false
	}
	return true
}

func (b *outputBudget) used() int64 {
	total := b.total.Load()
	if b.limit > 0 && total > b.limit {
		return b.limit
	}
	return total
}

// lineWriter retains stream output and forwards complete lines to the
// optional callback as they are produced.
type lineWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	partial []byte
	emit    func(string)
	budget  *outputBudget
}

func newLineWriter(budget *outputBudget, emit func(string)) *lineWriter {
	return &lineWriter{budget: budget, emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	// Over-budget writes are dropped; the process is being killed anyway
	// and surfacing a write error would mask the real failure.
	if !w.budget.consume(len(p)) {
		return len(p), nil
	}
	w.mu.Lock()
	w.buf.Write(p)
	w.partial = append(w.partial, p...)
	var complete []string
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		complete = append(complete, strings.TrimRight(string(w.partial[:idx]), "\r"))
		w.partial = w.partial[idx+1:]
	}
	w.mu.Unlock()

	if w.emit != nil {
		for _, line := range complete {
			w.emit(line)
		}
	}
	return len(p), nil
}

// flush emits any trailing partial line.
func (w *lineWriter) flush() {
	w.mu.Lock()
	rest := string(w.partial)
	w.partial = nil
	w.mu.Unlock()
	if rest != "" && w.emit != nil {
		w.emit(rest)
	}
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
