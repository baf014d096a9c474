package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/dispatch"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/domain"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/logger"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/repository"
	"gorm.io/gorm"
)

// evaluationResult is the slice of the evaluate collaborator's output the
// runner needs to close the chain.
type evaluationResult struct {
	Decision     string  `json:"decision"`
	QualityScore float64 `json:"quality_score"`
}

// StageRunner executes dispatched stage tasks against the status store.
// It owns every status transition: entry guard, retry accounting, failure
// finalization, and advancing the document to the next stage. Delivery is
// at-least-once, so two copies of the same task may execute, but the
// guarded transitions ensure only one copy advances the record.
type StageRunner struct {
	chain   *Chain
	docs    *repository.DocumentRepository
	outputs *OutputStore
	log     *logger.Logger

	mu         sync.RWMutex
	dispatcher dispatch.Backend
}

// NewStageRunner creates a runner over the given chain and status store.
// The dispatcher is attached afterwards with SetDispatcher, since most
// backends need the runner first.
func NewStageRunner(chain *Chain, docs *repository.DocumentRepository, outputs *OutputStore, log *logger.Logger) *StageRunner {
	return &StageRunner{
		chain:   chain,
		docs:    docs,
		outputs: outputs,
		log:     log.WithFields(logger.Fields{logger.FieldComponent: "stage_runner"}),
	}
}

// SetDispatcher attaches the backend used to submit follow-up tasks.
func (r *StageRunner) SetDispatcher(b dispatch.Backend) {
	r.mu.Lock()
	r.dispatcher = b
	r.mu.Unlock()
}

func (r *StageRunner) backend() dispatch.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dispatcher
}

// Run executes one dispatched stage task. A non-nil error asks the
// dispatch substrate to redeliver; nil acknowledges the task, including
// the cases where the work turned out to be stale or a retry was
// scheduled as a new task.
func (r *StageRunner) Run(ctx context.Context, task dispatch.Task) error {
	log := r.log.WithFields(logger.Fields{
		logger.FieldDocumentID: task.DocumentID,
		logger.FieldStage:      task.Stage,
		logger.FieldAttempt:    task.Attempt,
	})

	stage, ok := r.chain.Get(task.Stage)
	if !ok {
		// Unknown stages can never succeed; redelivering would loop.
		log.Error("Dropping task for unknown stage")
		return nil
	}

	// Entry guard. Accepting the running status again lets retry tasks
	// proceed: a failed attempt leaves the document in-flight until its
	// retries are spent.
	moved, err := r.docs.TransitionStatus(ctx, task.DocumentID,
		[]domain.Status{stage.Entry, stage.Running}, stage.Running, nil)
	if err != nil {
		return err
	}
	if !moved {
		doc, gerr := r.docs.Get(ctx, task.DocumentID)
		if gerr != nil {
			if errors.Is(gerr, gorm.ErrRecordNotFound) {
				log.Warn("Dropping task for unknown document")
				return nil
			}
			return gerr
		}
		log.WithFields(logger.Fields{logger.FieldStatus: doc.Status}).
			Info("Skipping redelivered task, document already past this stage")
		return nil
	}

	doc, err := r.docs.Get(ctx, task.DocumentID)
	if err != nil {
		return err
	}

	input, err := r.stageInput(ctx, stage, doc)
	if err != nil {
		// Missing or unreadable upstream output is not the collaborator's
		// fault, but it burns an attempt all the same so a broken record
		// cannot retry forever.
		return r.onFailure(ctx, stage, task, err, log)
	}

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, stage.Timeout)
	output, runErr := stage.Run(execCtx, doc.ID, doc.CompanyID, input)
	cancel()

	if runErr != nil {
		log.WithError(runErr).WithFields(logger.Fields{
			logger.FieldDurationMs: time.Since(start).Milliseconds(),
		}).Warn("Stage attempt failed")
		return r.onFailure(ctx, stage, task, runErr, log)
	}

	return r.onSuccess(ctx, stage, task, doc, output, log)
}

func (r *StageRunner) stageInput(ctx context.Context, stage *Stage, doc *domain.Document) ([]byte, error) {
	if stage.Entry == domain.StatusQueued {
		// First stage reads the raw upload from object storage itself.
		return nil, nil
	}
	prev := ""
	for _, s := range r.chain.Stages() {
		if s.Next == stage.Name {
			prev = s.Name
			break
		}
	}
	return r.outputs.Get(ctx, doc.StageOutputs, prev)
}

// onFailure records the attempt in the error history, then either
// schedules the next attempt with backoff or finalizes the document in
// the stage's error status.
func (r *StageRunner) onFailure(ctx context.Context, stage *Stage, task dispatch.Task, cause error, log *logger.Logger) error {
	entry := domain.StageError{
		Stage:     stage.Name,
		Message:   cause.Error(),
		Timestamp: time.Now().UTC(),
		Attempt:   task.Attempt,
	}
	recorded, err := r.docs.AppendError(ctx, task.DocumentID, stage.Running, entry)
	if err != nil {
		return err
	}
	if !recorded {
		// A concurrent copy already moved the document on.
		log.Info("Skipping failure accounting, document already advanced")
		return nil
	}

	if task.Attempt < stage.MaxRetries {
		retry := dispatch.Task{
			Stage:      stage.Name,
			DocumentID: task.DocumentID,
			CompanyID:  task.CompanyID,
			Attempt:    task.Attempt + 1,
			NotBefore:  time.Now().Add(stage.Backoff),
		}
		if _, err := r.backend().Submit(ctx, retry); err != nil {
			// Redeliver the current task so the attempt is not lost.
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
		log.Info("Retry scheduled")
		return nil
	}

	moved, err := r.docs.TransitionStatus(ctx, task.DocumentID,
		[]domain.Status{stage.Running}, stage.Error, nil)
	if err != nil {
		return err
	}
	if moved {
		log.WithFields(logger.Fields{logger.FieldStatus: stage.Error}).
			Error("Stage retries exhausted")
	}
	return nil
}

// onSuccess persists the stage output, advances the document in the same
// write, and dispatches the next stage. Status advances before the next
// dispatch goes out; a dispatch lost in the gap is re-driven by the
// reconciliation sweep.
func (r *StageRunner) onSuccess(ctx context.Context, stage *Stage, task dispatch.Task, doc *domain.Document, output []byte, log *logger.Logger) error {
	envelope, err := r.outputs.Put(ctx, doc.ID, stage.Name, output)
	if err != nil {
		return r.onFailure(ctx, stage, task, err, log)
	}

	outputs := domain.StageOutputs{}
	for k, v := range doc.StageOutputs {
		outputs[k] = v
	}
	outputs[stage.Name] = envelope

	target := stage.Done
	extra := map[string]interface{}{"stage_outputs": outputs}
	if stage.Final {
		var result evaluationResult
		if err := json.Unmarshal(output, &result); err != nil {
			return r.onFailure(ctx, stage, task, fmt.Errorf("failed to decode evaluation output: %w", err), log)
		}
		switch result.Decision {
		case "approved":
			target = domain.StatusApproved
		case "manual_review":
			target = domain.StatusManualReview
		default:
			return r.onFailure(ctx, stage, task, fmt.Errorf("unrecognized evaluation decision %q", result.Decision), log)
		}
		extra["quality_score"] = result.QualityScore
	}

	moved, err := r.docs.TransitionStatus(ctx, task.DocumentID,
		[]domain.Status{stage.Running}, target, extra)
	if err != nil {
		return err
	}
	if !moved {
		log.Info("Skipping completion, a concurrent copy already advanced the document")
		return nil
	}

	log.WithFields(logger.Fields{
		logger.FieldStatus: target,
		logger.FieldSize:   len(output),
	}).Info("Stage completed")

	if stage.Next == "" {
		return nil
	}
	next := dispatch.Task{
		Stage:      stage.Next,
		DocumentID: task.DocumentID,
		CompanyID:  task.CompanyID,
		Attempt:    1,
	}
	if _, err := r.backend().Submit(ctx, next); err != nil {
		// The record already advanced; the sweep picks this up.
		log.WithError(err).Error("Failed to dispatch next stage")
	}
	return nil
}
