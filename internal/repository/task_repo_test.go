package repository

import (
	"context"
	"testing"
	"time"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/domain"
)

func enqueueTask(t *testing.T, repo *TaskRepository, id string, notBefore time.Time) *domain.DispatchTask {
	t.Helper()
	task := &domain.DispatchTask{
		ID:         id,
		Stage:      "predict",
		DocumentID: "doc-1",
		CompanyID:  "co-1",
		Payload:    []byte(`{}`),
		Attempt:    1,
		NotBefore:  notBefore,
	}
	if err := repo.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("failed to enqueue task: %v", err)
	}
	return task
}

func TestTaskRepository_ClaimLeasesPendingTask(t *testing.T) {
	repo := NewTaskRepository(newTestDB(t))
	ctx := context.Background()
	enqueueTask(t, repo, "task-1", time.Time{})

	claimed, err := repo.Claim(ctx, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed == nil || claimed.ID != "task-1" {
		t.Fatalf("expected to claim task-1, got %v", claimed)
	}
	if claimed.Status != domain.TaskStatusLeased {
		t.Errorf("status = %s, want leased", claimed.Status)
	}
	if claimed.LeasedBy != "worker-a" {
		t.Errorf("leased_by = %s, want worker-a", claimed.LeasedBy)
	}

	// The lease hides the task from other workers.
	other, err := repo.Claim(ctx, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other != nil {
		t.Errorf("expected no claimable task, got %v", other)
	}
}

func TestTaskRepository_ClaimHonorsNotBefore(t *testing.T) {
	repo := NewTaskRepository(newTestDB(t))
	ctx := context.Background()
	enqueueTask(t, repo, "task-1", time.Now().Add(time.Hour))

	claimed, err := repo.Claim(ctx, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed != nil {
		t.Errorf("expected backoff task to stay hidden, got %v", claimed)
	}
}

func TestTaskRepository_ExpiredLeaseIsReclaimable(t *testing.T) {
	repo := NewTaskRepository(newTestDB(t))
	ctx := context.Background()
	enqueueTask(t, repo, "task-1", time.Time{})

	if _, err := repo.Claim(ctx, "worker-a", 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	claimed, err := repo.Claim(ctx, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed == nil || claimed.LeasedBy != "worker-b" {
		t.Fatalf("expected worker-b to reclaim the expired lease, got %v", claimed)
	}
}

func TestTaskRepository_MarkSucceededAndFailed(t *testing.T) {
	repo := NewTaskRepository(newTestDB(t))
	ctx := context.Background()
	enqueueTask(t, repo, "task-1", time.Time{})
	enqueueTask(t, repo, "task-2", time.Time{})

	if err := repo.MarkSucceeded(ctx, "task-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.MarkFailed(ctx, "task-2", "collaborator exploded"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done, err := repo.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Status != domain.TaskStatusSucceeded {
		t.Errorf("status = %s, want succeeded", done.Status)
	}

	failed, err := repo.Get(ctx, "task-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failed.Status != domain.TaskStatusFailed {
		t.Errorf("status = %s, want failed", failed.Status)
	}
	if failed.LastError != "collaborator exploded" {
		t.Errorf("last_error = %q", failed.LastError)
	}

	// Finished tasks never come back.
	claimed, err := repo.Claim(ctx, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed != nil {
		t.Errorf("expected nothing claimable, got %v", claimed)
	}
}
