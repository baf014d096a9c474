package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/domain"
	"gorm.io/gorm"
)

// DocumentRepository handles document processing record operations. It is
// the only writer surface over the status store; every stage transition
// goes through the compare-and-set helpers below so that redelivered
// copies of the same unit of work cannot both advance the state machine.
type DocumentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new DocumentRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *DocumentRepository: repository instance bound to db.
func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a new document record in queued status.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - doc: document record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	if doc.Status == "" {
		doc.Status = domain.StatusQueued
	}
	if doc.StageOutputs == nil {
		doc.StageOutputs = domain.StageOutputs{}
	}
	if doc.ErrorHistory == nil {
		doc.ErrorHistory = domain.ErrorHistory{}
	}
	return r.db.WithContext(ctx).Create(doc).Error
}

// Get retrieves a document by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: document ID.
// Returns:
//   - *domain.Document: document record if found.
//   - error: non-nil if lookup fails.
func (r *DocumentRepository) Get(ctx context.Context, id string) (*domain.Document, error) {
	var doc domain.Document
	if err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListByStatus retrieves documents by status with pagination.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: document status to filter by; empty means all.
//   - limit: maximum number of records to return.
//   - offset: number of records to skip.
// Returns:
//   - []domain.Document: matching document records.
//   - error: non-nil if the query fails.
func (r *DocumentRepository) ListByStatus(ctx context.Context, status domain.Status, limit, offset int) ([]domain.Document, error) {
	var docs []domain.Document
	query := r.db.WithContext(ctx)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.
		Limit(limit).
		Offset(offset).
		Order("created_at DESC").
		Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// CountByStatus counts documents by status.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: document status to count.
// Returns:
//   - int64: number of matching records.
//   - error: non-nil if the query fails.
func (r *DocumentRepository) CountByStatus(ctx context.Context, status domain.Status) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Document{}).Where("status = ?", status).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ListStale retrieves documents sitting in one of the given statuses whose
// last update is older than the cutoff. Used by the reconciliation sweep to
// find documents that advanced but whose next-stage dispatch was lost.
func (r *DocumentRepository) ListStale(ctx context.Context, statuses []domain.Status, cutoff time.Time, limit int) ([]domain.Document, error) {
	var docs []domain.Document
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// TransitionStatus atomically moves a document from one of the expected
// statuses to the target status, applying any extra column updates in the
// same write. The compare-and-set runs as a single UPDATE guarded by the
// current status; when a concurrent redelivery has already advanced the
// record the WHERE clause matches nothing and the call reports false.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: document ID.
//   - from: statuses the record must currently hold.
//   - to: status to set.
//   - extra: additional column updates applied with the transition; may be nil.
// Returns:
//   - bool: true if this call performed the transition.
//   - error: non-nil if the update fails.
func (r *DocumentRepository) TransitionStatus(ctx context.Context, id string, from []domain.Status, to domain.Status, extra map[string]interface{}) (bool, error) {
	values := map[string]interface{}{"status": to}
	for k, v := range extra {
		values[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&domain.Document{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("failed to transition document %s to %s: %w", id, to, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AppendError appends one entry to the document's error history while the
// record stays in the given in-flight status. The write is a compare-and-set
// guarded by both the status and the history value that was read, so two
// concurrent appends cannot overwrite each other; the loser re-reads and
// retries. An entry whose stage and attempt are already recorded is not
// appended again, which keeps a redelivered failed attempt from being
// counted twice.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: document ID.
//   - requireStatus: in-flight status the record must still hold.
//   - entry: error history entry to append.
// Returns:
//   - bool: true if the entry is recorded (including already recorded).
//   - error: non-nil if the read or update fails.
func (r *DocumentRepository) AppendError(ctx context.Context, id string, requireStatus domain.Status, entry domain.StageError) (bool, error) {
	for {
		doc, err := r.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if doc.Status != requireStatus {
			return false, nil
		}
		for _, prev := range doc.ErrorHistory {
			if prev.Stage == entry.Stage && prev.Attempt == entry.Attempt {
				return true, nil
			}
		}
		// The history column serializes deterministically, so comparing it
		// against the value we read gives the CAS guard.
		prior, err := doc.ErrorHistory.Value()
		if err != nil {
			return false, err
		}
		history := append(doc.ErrorHistory, entry)
		res := r.db.WithContext(ctx).
			Model(&domain.Document{}).
			Where("id = ? AND status = ? AND error_history = ?", id, requireStatus, prior).
			Updates(map[string]interface{}{"error_history": history})
		if res.Error != nil {
			return false, fmt.Errorf("failed to append error for document %s: %w", id, res.Error)
		}
		if res.RowsAffected > 0 {
			return true, nil
		}
		// Lost the race to a concurrent append; re-read and try again.
	}
}

// ResetForReprocess returns a document to queued status with empty stage
// outputs, empty error history, and no quality score. Only records in a
// restartable status are reset; the guard is part of the UPDATE so a
// concurrent stage cannot race the restart.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: document ID.
//   - from: restartable statuses the record must currently hold.
// Returns:
//   - bool: true if the record was reset.
//   - error: non-nil if the update fails.
func (r *DocumentRepository) ResetForReprocess(ctx context.Context, id string, from []domain.Status) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.Document{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{
			"status":        domain.StatusQueued,
			"stage_outputs": domain.StageOutputs{},
			"error_history": domain.ErrorHistory{},
			"quality_score": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to reset document %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}
