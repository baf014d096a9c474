package dispatch

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/config"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/logger"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/repository"
)

type syncRunner struct {
	mu    sync.Mutex
	tasks []Task
	err   error
	done  chan struct{}
}

func newSyncRunner(expect int, err error) *syncRunner {
	r := &syncRunner{err: err, done: make(chan struct{}, expect)}
	return r
}

func (r *syncRunner) Run(_ context.Context, task Task) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	r.done <- struct{}{}
	return r.err
}

func (r *syncRunner) executed() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, len(r.tasks))
	copy(out, r.tasks)
	return out
}

func newTestQueue(t *testing.T, runner Runner) *QueueBackend {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "test.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	log := logger.New(&logger.Config{Level: "error", Format: "text", Output: io.Discard, ServiceName: "test"})
	return NewQueueBackend(&config.QueueConfig{
		Workers:           2,
		PollInterval:      10 * time.Millisecond,
		VisibilityTimeout: time.Minute,
	}, repository.NewTaskRepository(db), runner, log)
}

func waitFor(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task execution")
	}
}

func TestQueueBackend_SubmitAndExecute(t *testing.T) {
	runner := newSyncRunner(1, nil)
	q := newTestQueue(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown(context.Background())

	handle, err := q.Submit(ctx, Task{Stage: "preprocess", DocumentID: "doc-1", CompanyID: "co-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, runner.done)

	executed := runner.executed()
	if len(executed) != 1 || executed[0].Stage != "preprocess" || executed[0].Attempt != 1 {
		t.Fatalf("unexpected executed tasks: %v", executed)
	}

	// Bookkeeping settles right after Run returns; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := q.Status(ctx, handle)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if status == DispatchSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want succeeded", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQueueBackend_FailedTaskIsMarked(t *testing.T) {
	runner := newSyncRunner(1, errors.New("boom"))
	q := newTestQueue(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown(context.Background())

	handle, err := q.Submit(ctx, Task{Stage: "predict", DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, runner.done)

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := q.Status(ctx, handle)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if status == DispatchFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want failed", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQueueBackend_BackoffDelaysExecution(t *testing.T) {
	runner := newSyncRunner(1, nil)
	q := newTestQueue(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown(context.Background())

	if _, err := q.Submit(ctx, Task{
		Stage:      "predict",
		DocumentID: "doc-1",
		NotBefore:  time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := runner.executed(); len(got) != 0 {
		t.Errorf("expected delayed task to stay unexecuted, got %v", got)
	}
}

func TestQueueBackend_StatusUnknownHandle(t *testing.T) {
	q := newTestQueue(t, newSyncRunner(0, nil))
	if _, err := q.Status(context.Background(), Handle("missing")); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("expected ErrUnknownHandle, got %v", err)
	}
}

func TestQueueBackend_SubmitAfterShutdown(t *testing.T) {
	q := newTestQueue(t, newSyncRunner(0, nil))
	q.Start(context.Background())
	q.Shutdown(context.Background())

	if _, err := q.Submit(context.Background(), Task{Stage: "predict"}); err == nil {
		t.Error("expected submit after shutdown to fail")
	}
}
