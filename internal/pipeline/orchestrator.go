package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/config"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/dispatch"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/domain"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/logger"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/repository"
)

var (
	// ErrNotQueued is returned when processing is requested for a document
	// that already entered the pipeline.
	ErrNotQueued = errors.New("document is not in queued status")

	// ErrNotRestartable is returned when a restart is requested while the
	// document is still in flight.
	ErrNotRestartable = errors.New("document is not in a restartable status")
)

// Orchestrator is the control surface of the pipeline: it admits queued
// documents, restarts finished ones, and runs the reconciliation sweep
// that re-drives documents whose follow-up dispatch was lost.
type Orchestrator struct {
	chain      *Chain
	docs       *repository.DocumentRepository
	dispatcher dispatch.Backend
	sweep      config.SweepConfig
	log        *logger.Logger
}

// NewOrchestrator creates an orchestrator over the chain and status store.
func NewOrchestrator(chain *Chain, docs *repository.DocumentRepository, dispatcher dispatch.Backend, sweep config.SweepConfig, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		chain:      chain,
		docs:       docs,
		dispatcher: dispatcher,
		sweep:      sweep,
		log:        log.WithFields(logger.Fields{logger.FieldComponent: "orchestrator"}),
	}
}

// Start admits a queued document into the pipeline by dispatching its
// first stage. The document must exist and still be queued; the entry
// transition itself happens in the runner, so a double Start at worst
// produces a duplicate task that the entry guard absorbs.
func (o *Orchestrator) Start(ctx context.Context, documentID string) (dispatch.Handle, error) {
	doc, err := o.docs.Get(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc.Status != domain.StatusQueued {
		return "", ErrNotQueued
	}
	return o.submitStage(ctx, o.chain.First().Name, doc.ID, doc.CompanyID, 1, time.Time{})
}

// Restart wipes a finished document back to queued and re-admits it. Only
// terminal or queued documents may restart; the reset is a guarded write,
// so racing an in-flight stage loses cleanly.
func (o *Orchestrator) Restart(ctx context.Context, documentID string) (dispatch.Handle, error) {
	doc, err := o.docs.Get(ctx, documentID)
	if err != nil {
		return "", err
	}

	restartable := []domain.Status{domain.StatusQueued, domain.StatusApproved, domain.StatusManualReview}
	for _, s := range o.chain.Stages() {
		restartable = append(restartable, s.Error)
	}

	reset, err := o.docs.ResetForReprocess(ctx, documentID, restartable)
	if err != nil {
		return "", err
	}
	if !reset {
		return "", ErrNotRestartable
	}

	o.log.WithFields(logger.Fields{
		logger.FieldDocumentID: documentID,
		logger.FieldStatus:     doc.Status,
	}).Info("Document reset for reprocessing")
	return o.submitStage(ctx, o.chain.First().Name, documentID, doc.CompanyID, 1, time.Time{})
}

func (o *Orchestrator) submitStage(ctx context.Context, stage, documentID, companyID string, attempt int, notBefore time.Time) (dispatch.Handle, error) {
	return o.dispatcher.Submit(ctx, dispatch.Task{
		Stage:      stage,
		DocumentID: documentID,
		CompanyID:  companyID,
		Attempt:    attempt,
		NotBefore:  notBefore,
	})
}

// RunSweep performs one reconciliation pass. Two kinds of documents need
// re-driving: those sitting in an intermediate done status whose next
// stage dispatch was lost, and those stuck in a running status because
// the process executing them died. Both are detected by staleness, so
// the window must comfortably exceed the longest stage timeout.
func (o *Orchestrator) RunSweep(ctx context.Context) error {
	cutoff := time.Now().Add(-o.sweep.StaleAfter)

	// Done-but-not-advanced: re-dispatch the following stage.
	for _, stage := range o.chain.Stages() {
		if stage.Next == "" || stage.Done == "" {
			continue
		}
		docs, err := o.docs.ListStale(ctx, []domain.Status{stage.Done}, cutoff, 100)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			o.log.WithFields(logger.Fields{
				logger.FieldDocumentID: doc.ID,
				logger.FieldStage:      stage.Next,
			}).Warn("Re-dispatching stalled document")
			if _, err := o.submitStage(ctx, stage.Next, doc.ID, doc.CompanyID, 1, time.Time{}); err != nil {
				o.log.WithError(err).Error("Failed to re-dispatch stalled document")
			}
		}
	}

	// Stuck in flight: resume the same stage at the attempt implied by
	// the error history, or finalize if the attempts are already spent.
	for _, stage := range o.chain.Stages() {
		docs, err := o.docs.ListStale(ctx, []domain.Status{stage.Running}, cutoff, 100)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			attempt := o.attemptFor(&doc, stage.Name)
			log := o.log.WithFields(logger.Fields{
				logger.FieldDocumentID: doc.ID,
				logger.FieldStage:      stage.Name,
				logger.FieldAttempt:    attempt,
			})
			if attempt > stage.MaxRetries {
				moved, err := o.docs.TransitionStatus(ctx, doc.ID,
					[]domain.Status{stage.Running}, stage.Error, nil)
				if err != nil {
					return err
				}
				if moved {
					log.Error("Finalizing abandoned document, retries spent")
				}
				continue
			}
			log.Warn("Resuming abandoned in-flight document")
			if _, err := o.submitStage(ctx, stage.Name, doc.ID, doc.CompanyID, attempt, time.Time{}); err != nil {
				log.WithError(err).Error("Failed to resume abandoned document")
			}
		}
	}
	return nil
}

// attemptFor derives the next attempt number for a stage from the
// recorded error history.
func (o *Orchestrator) attemptFor(doc *domain.Document, stage string) int {
	failures := 0
	for _, e := range doc.ErrorHistory {
		if e.Stage == stage {
			failures++
		}
	}
	return failures + 1
}

// StartSweeper runs the reconciliation sweep on its configured interval
// until the context is cancelled.
func (o *Orchestrator) StartSweeper(ctx context.Context) {
	if !o.sweep.Enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(o.sweep.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.RunSweep(ctx); err != nil {
					o.log.WithError(err).Error("Reconciliation sweep failed")
				}
			}
		}
	}()
}
