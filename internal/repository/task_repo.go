package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/domain"
	"gorm.io/gorm"
)

// TaskRepository persists dispatch tasks for the queue-backed backend. The
// table behaves as a durable multi-consumer queue: workers claim tasks by
// compare-and-set leases, and a lease that expires without completion makes
// the task claimable again (at-least-once delivery).
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a new TaskRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *TaskRepository: repository instance bound to db.
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Enqueue inserts a new pending task.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - task: task record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *TaskRepository) Enqueue(ctx context.Context, task *domain.DispatchTask) error {
	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}
	if task.NotBefore.IsZero() {
		task.NotBefore = time.Now()
	}
	return r.db.WithContext(ctx).Create(task).Error
}

// Get retrieves a task by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: task ID.
// Returns:
//   - *domain.DispatchTask: task record if found.
//   - error: non-nil if lookup fails.
func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.DispatchTask, error) {
	var task domain.DispatchTask
	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// Claim leases the next available task for a worker. Candidates are
// pending tasks whose not_before has passed, plus leased tasks whose lease
// expired (their worker is presumed dead). The lease itself is a
// compare-and-set on the candidate's current state, so two workers racing
// for the same task end up with exactly one holder.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - workerID: identifier recorded on the lease.
//   - visibility: lease duration before the task is redelivered.
// Returns:
//   - *domain.DispatchTask: the claimed task, or nil if none is available.
//   - error: non-nil if the query fails.
func (r *TaskRepository) Claim(ctx context.Context, workerID string, visibility time.Duration) (*domain.DispatchTask, error) {
	now := time.Now()

	var candidates []domain.DispatchTask
	if err := r.db.WithContext(ctx).
		Where("(status = ? AND not_before <= ?) OR (status = ? AND lease_expires_at < ?)",
			domain.TaskStatusPending, now, domain.TaskStatusLeased, now).
		Order("not_before ASC").
		Limit(5).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("failed to list claimable tasks: %w", err)
	}

	for i := range candidates {
		candidate := candidates[i]
		expires := now.Add(visibility)
		res := r.db.WithContext(ctx).
			Model(&domain.DispatchTask{}).
			Where("id = ? AND status = ? AND (lease_expires_at IS NULL OR lease_expires_at < ?)",
				candidate.ID, candidate.Status, now).
			Updates(map[string]interface{}{
				"status":           domain.TaskStatusLeased,
				"leased_by":        workerID,
				"lease_expires_at": expires,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to lease task %s: %w", candidate.ID, res.Error)
		}
		if res.RowsAffected > 0 {
			candidate.Status = domain.TaskStatusLeased
			candidate.LeasedBy = workerID
			candidate.LeaseExpiresAt = &expires
			return &candidate, nil
		}
		// Another worker won the race for this candidate; try the next one
	}

	return nil, nil
}

// MarkSucceeded records task completion.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: task ID.
// Returns:
//   - error: non-nil if the update fails.
func (r *TaskRepository) MarkSucceeded(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&domain.DispatchTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.TaskStatusSucceeded,
			"lease_expires_at": nil,
		}).Error
}

// MarkFailed records task failure with the final error message.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: task ID.
//   - message: error message to record.
// Returns:
//   - error: non-nil if the update fails.
func (r *TaskRepository) MarkFailed(ctx context.Context, id string, message string) error {
	return r.db.WithContext(ctx).
		Model(&domain.DispatchTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.TaskStatusFailed,
			"last_error":       message,
			"lease_expires_at": nil,
		}).Error
}

// CountByStatus counts tasks by status.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: task status to count.
// Returns:
//   - int64: number of matching records.
//   - error: non-nil if the query fails.
func (r *TaskRepository) CountByStatus(ctx context.Context, status domain.TaskStatus) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.DispatchTask{}).Where("status = ?", status).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
