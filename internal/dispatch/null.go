package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// NullBackend accepts every submission and, unless given a runner,
// executes nothing. It backs single-process deployments where stages are
// driven externally, and tests that need to observe what the pipeline
// would have dispatched. With a runner set it executes tasks inline,
// which makes a whole pipeline pass deterministic in one goroutine.
type NullBackend struct {
	runner Runner

	mu       sync.Mutex
	statuses map[Handle]DispatchStatus
	tasks    []Task
}

// NewNullBackend creates a no-op dispatcher. runner may be nil.
func NewNullBackend(runner Runner) *NullBackend {
	return &NullBackend{
		runner:   runner,
		statuses: make(map[Handle]DispatchStatus),
	}
}

// Submit records the task. With a runner it executes the task before
// returning, so the caller observes the full downstream effect.
func (b *NullBackend) Submit(ctx context.Context, task Task) (Handle, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	handle := Handle(task.ID)

	b.mu.Lock()
	b.tasks = append(b.tasks, task)
	b.statuses[handle] = DispatchSucceeded
	b.mu.Unlock()

	if b.runner != nil {
		if err := b.runner.Run(ctx, task); err != nil {
			b.mu.Lock()
			b.statuses[handle] = DispatchFailed
			b.mu.Unlock()
		}
	}
	return handle, nil
}

// Status reports the recorded state for a handle.
func (b *NullBackend) Status(_ context.Context, handle Handle) (DispatchStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status, ok := b.statuses[handle]; ok {
		return status, nil
	}
	return DispatchUnknown, ErrUnknownHandle
}

// Submitted returns a copy of every task accepted so far, in order.
func (b *NullBackend) Submitted() []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Task, len(b.tasks))
	copy(out, b.tasks)
	return out
}
