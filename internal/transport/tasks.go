package transport

import (
	"context"
	"sync"
)

// Tasks maps running requests to their cancel functions. Requests run
// on worker goroutines while cancellation comes from the engine, so the
// registry is locked.
type Tasks struct {
	mu      sync.Mutex
	next    TaskID
	running map[TaskID]context.CancelFunc
}

// NewTasks creates an empty registry.
func NewTasks() *Tasks {
	return &Tasks{running: make(map[TaskID]context.CancelFunc)}
}

// Register stores cancel and returns its identifier. Identifiers start
// at 1 so zero can mean "no task".
func (t *Tasks) Register(cancel context.CancelFunc) TaskID {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	t.running[t.next] = cancel

	return t.next
}

// Done forgets a finished task.
func (t *Tasks) Done(id TaskID) {
	t.mu.Lock()
	delete(t.running, id)
	t.mu.Unlock()
}

// CancelTask aborts a running request. It reports whether the task was
// still running.
func (t *Tasks) CancelTask(id TaskID) bool {
	t.mu.Lock()
	cancel, ok := t.running[id]
	delete(t.running, id)
	t.mu.Unlock()

	if ok {
		cancel()
	}

	return ok
}

// Running returns the number of registered tasks.
func (t *Tasks) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.running)
}
