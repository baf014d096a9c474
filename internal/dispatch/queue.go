package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/config"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/domain"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/logger"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// QueueBackend delivers tasks through a durable multi-consumer queue in
// the relational database. A fixed pool of workers polls for claimable
// tasks; each claim takes a lease with a visibility timeout, so a worker
// that dies mid-execution leaves its task redeliverable to another worker.
// Delivery is at-least-once.
type QueueBackend struct {
	tasks      *repository.TaskRepository
	runner     Runner
	log        *logger.Logger
	workers    int
	poll       time.Duration
	visibility time.Duration

	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewQueueBackend creates a queue-backed dispatcher. Start must be called
// before any task will execute; Submit alone only persists work.
func NewQueueBackend(cfg *config.QueueConfig, tasks *repository.TaskRepository, runner Runner, log *logger.Logger) *QueueBackend {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &QueueBackend{
		tasks:      tasks,
		runner:     runner,
		log:        log,
		workers:    workers,
		poll:       poll,
		visibility: visibility,
	}
}

// Start launches the worker pool. Safe to call once; subsequent calls are
// no-ops.
func (b *QueueBackend) Start(ctx context.Context) {
	b.once.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		b.mu.Lock()
		b.cancel = cancel
		b.mu.Unlock()

		for i := 0; i < b.workers; i++ {
			b.wg.Add(1)
			go func(workerID int) {
				defer b.wg.Done()
				b.worker(ctx, fmt.Sprintf("worker-%d", workerID))
			}(i + 1)
		}
	})
}

func (b *QueueBackend) worker(ctx context.Context, workerID string) {
	b.log.WithField("worker_id", workerID).Info("Queue worker started")

	for {
		select {
		case <-ctx.Done():
			b.log.WithField("worker_id", workerID).Info("Queue worker stopped")
			return
		default:
		}

		task, err := b.tasks.Claim(ctx, workerID, b.visibility)
		if err != nil {
			if ctx.Err() == nil {
				b.log.WithField("worker_id", workerID).WithError(err).Error("Failed to claim task")
			}
			b.sleep(ctx)
			continue
		}
		if task == nil {
			b.sleep(ctx)
			continue
		}

		b.execute(ctx, workerID, task)
	}
}

func (b *QueueBackend) execute(ctx context.Context, workerID string, row *domain.DispatchTask) {
	task := Task{
		ID:         row.ID,
		Stage:      row.Stage,
		DocumentID: row.DocumentID,
		CompanyID:  row.CompanyID,
		Payload:    row.Payload,
		Attempt:    row.Attempt,
		NotBefore:  row.NotBefore,
	}

	log := b.log.WithFields(logger.Fields{
		"worker_id":            workerID,
		logger.FieldDispatchID: task.ID,
		logger.FieldDocumentID: task.DocumentID,
		logger.FieldStage:      task.Stage,
	})

	if err := b.runner.Run(ctx, task); err != nil {
		log.WithError(err).Error("Task execution failed")
		if markErr := b.tasks.MarkFailed(ctx, row.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("Failed to mark task failed")
		}
		return
	}

	if err := b.tasks.MarkSucceeded(ctx, row.ID); err != nil {
		// The work is done; a failed bookkeeping write only risks one
		// redelivery, which the stage handler's idempotency check absorbs.
		log.WithError(err).Warn("Failed to mark task succeeded")
	}
}

func (b *QueueBackend) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(b.poll):
	}
}

// Submit persists the task as a pending queue row. The row's not_before
// carries any backoff delay; workers will not claim it early.
func (b *QueueBackend) Submit(ctx context.Context, task Task) (Handle, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", errors.New("queue backend is shut down")
	}
	b.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	notBefore := task.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	attempt := task.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	row := &domain.DispatchTask{
		ID:         task.ID,
		Stage:      task.Stage,
		DocumentID: task.DocumentID,
		CompanyID:  task.CompanyID,
		Payload:    task.Payload,
		Attempt:    attempt,
		Status:     domain.TaskStatusPending,
		NotBefore:  notBefore,
	}
	if err := b.tasks.Enqueue(ctx, row); err != nil {
		return "", fmt.Errorf("failed to enqueue task for stage %s: %w", task.Stage, err)
	}

	return Handle(task.ID), nil
}

// Status reports the queue row's delivery state.
func (b *QueueBackend) Status(ctx context.Context, handle Handle) (DispatchStatus, error) {
	row, err := b.tasks.Get(ctx, string(handle))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DispatchUnknown, ErrUnknownHandle
		}
		return DispatchUnknown, err
	}
	switch row.Status {
	case domain.TaskStatusPending:
		return DispatchPending, nil
	case domain.TaskStatusLeased:
		return DispatchRunning, nil
	case domain.TaskStatusSucceeded:
		return DispatchSucceeded, nil
	case domain.TaskStatusFailed:
		return DispatchFailed, nil
	}
	return DispatchUnknown, nil
}

// Shutdown stops accepting submissions and waits for in-flight workers.
func (b *QueueBackend) Shutdown(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() { defer close(done); b.wg.Wait() }()

	select {
	case <-ctx.Done():
		b.log.Warn("Queue shutdown interrupted by context")
	case <-done:
		b.log.Info("Queue workers drained, shutdown complete")
	}
}
