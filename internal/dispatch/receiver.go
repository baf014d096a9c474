package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/logger"
)

// Receiver consumes stage events published by a TopicBackend and executes
// them through a Runner. Each stage-worker process runs one Receiver,
// typically subscribed to a single stage's topic.
type Receiver struct {
	runner Runner
	port   int
	log    *logger.Logger
}

// NewReceiver wraps a runner in a CloudEvents HTTP receiver listening on
// the given port.
func NewReceiver(runner Runner, port int, log *logger.Logger) *Receiver {
	return &Receiver{runner: runner, port: port, log: log}
}

// Start blocks serving stage events until the context is cancelled. A
// handler error NACKs the event so the substrate redelivers it.
func (r *Receiver) Start(ctx context.Context) error {
	p, err := cloudevents.NewHTTP(cehttp.WithPort(r.port))
	if err != nil {
		return fmt.Errorf("failed to create cloudevents protocol: %w", err)
	}
	client, err := cloudevents.NewClient(p)
	if err != nil {
		return fmt.Errorf("failed to create cloudevents client: %w", err)
	}

	r.log.WithFields(logger.Fields{"port": r.port}).Info("Stage event receiver listening")
	return client.StartReceiver(ctx, r.handle)
}

func (r *Receiver) handle(ctx context.Context, event cloudevents.Event) cloudevents.Result {
	if !strings.HasPrefix(event.Type(), EventTypePrefix) {
		// Not ours; acknowledge so the substrate does not redeliver.
		r.log.WithFields(logger.Fields{"event_type": event.Type()}).Warn("Ignoring event with unexpected type")
		return cloudevents.NewHTTPResult(http.StatusOK, "ignored")
	}

	var task Task
	if err := json.Unmarshal(event.Data(), &task); err != nil {
		// A malformed payload never becomes valid; NACKing it would loop.
		r.log.WithError(err).WithFields(logger.Fields{"event_id": event.ID()}).Error("Dropping undecodable stage event")
		return cloudevents.NewHTTPResult(http.StatusBadRequest, "undecodable payload")
	}

	log := r.log.WithFields(logger.Fields{
		logger.FieldDispatchID: task.ID,
		logger.FieldStage:      task.Stage,
		logger.FieldDocumentID: task.DocumentID,
		logger.FieldAttempt:    task.Attempt,
	})

	if err := r.runner.Run(ctx, task); err != nil {
		log.WithError(err).Error("Stage execution failed, NACKing for redelivery")
		return cloudevents.NewHTTPResult(http.StatusInternalServerError, "stage execution failed: %s", err)
	}

	log.Info("Stage event processed")
	return cloudevents.NewHTTPResult(http.StatusOK, "ok")
}
