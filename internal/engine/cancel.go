package engine

import (
	"context"
	"sync"
)

// cancelTable maps active execution ids to their cancel funcs.
type cancelTable struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newCancelTable() *cancelTable {
	return &cancelTable{cancels: make(map[string]context.CancelFunc)}
}

func (t *cancelTable) add(id string, cancel context.CancelFunc) {
	t.mu.Lock()
	t.cancels[id] = cancel
	t.mu.Unlock()
}

func (t *cancelTable) remove(id string) {
	t.mu.Lock()
	delete(t.cancels, id)
	t.mu.Unlock()
}

// cancel fires the stored cancel func and reports whether the id was active.
func (t *cancelTable) cancel(id string) bool {
	t.mu.Lock()
	cancel, ok := t.cancels[id]
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (t *cancelTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cancels)
}
