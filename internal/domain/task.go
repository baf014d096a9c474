package domain

import "time"

// TaskStatus represents the delivery state of a queued dispatch task.
// Values include TaskStatusPending, TaskStatusLeased, TaskStatusSucceeded,
// and TaskStatusFailed.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusLeased    TaskStatus = "leased"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// DispatchTask is one durable unit of work for the queue-backed dispatch
// backend: run the named stage for a document. Delivery is at-least-once;
// a task whose lease expires becomes claimable again by another worker.
type DispatchTask struct {
	ID             string     `gorm:"type:text;primaryKey" json:"id"`
	Stage          string     `gorm:"type:text;not null;index:idx_dispatch_tasks_stage" json:"stage"`
	DocumentID     string     `gorm:"type:text;not null;index:idx_dispatch_tasks_document" json:"document_id"`
	CompanyID      string     `gorm:"type:text;not null" json:"company_id"`
	Payload        []byte     `gorm:"type:blob" json:"payload,omitempty"`
	Attempt        int        `gorm:"default:1" json:"attempt"`
	Status         TaskStatus `gorm:"type:text;index:idx_dispatch_tasks_status;default:pending" json:"status"`
	NotBefore      time.Time  `gorm:"index" json:"not_before"`
	LeasedBy       string     `gorm:"type:text" json:"leased_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LastError      string     `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for DispatchTask.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (DispatchTask) TableName() string {
	return "dispatch_tasks"
}
