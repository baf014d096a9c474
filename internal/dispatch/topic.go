package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/config"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/logger"
	"github.com/google/uuid"
)

// EventTypePrefix namespaces the per-stage event types carried on the
// wire. The full type for a stage is EventTypePrefix + stage name.
const EventTypePrefix = "com.strawbay.scanner.stage."

// EventTypeForStage returns the CloudEvents type for a stage's topic.
func EventTypeForStage(stage string) string {
	return EventTypePrefix + stage
}

// TopicBackend chains stages through per-stage topics: Submit publishes a
// CloudEvent to the endpoint subscribed to the task's stage, where an
// independently scaled receiver executes it. There is no shared worker
// pool; concurrency belongs to the messaging substrate. Delivery is
// at-least-once (a NACKed event is redelivered by the substrate).
type TopicBackend struct {
	client    cloudevents.Client
	endpoints map[string]string
	source    string
	timeout   time.Duration
	log       *logger.Logger

	// Best-effort delivery states, keyed by handle. The status store is
	// the authority; this exists for the debug endpoint only.
	mu      sync.Mutex
	handles map[Handle]DispatchStatus
}

// NewTopicBackend creates a topic-chained dispatcher from the configured
// stage-to-endpoint map.
func NewTopicBackend(cfg *config.TopicConfig, log *logger.Logger) (*TopicBackend, error) {
	p, err := cloudevents.NewHTTP()
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudevents protocol: %w", err)
	}
	client, err := cloudevents.NewClient(p, cloudevents.WithTimeNow(), cloudevents.WithUUIDs())
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudevents client: %w", err)
	}

	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &TopicBackend{
		client:    client,
		endpoints: cfg.Endpoints,
		source:    cfg.Source,
		timeout:   timeout,
		log:       log,
		handles:   make(map[Handle]DispatchStatus),
	}, nil
}

// Submit publishes the task to its stage's topic endpoint. A backoff delay
// (NotBefore in the future) is honored by deferring the publish; the
// handle is reported pending until the event is accepted.
func (b *TopicBackend) Submit(ctx context.Context, task Task) (Handle, error) {
	endpoint, ok := b.endpoints[task.Stage]
	if !ok {
		return "", fmt.Errorf("no topic endpoint configured for stage %s", task.Stage)
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	handle := Handle(task.ID)
	b.setStatus(handle, DispatchPending)

	delay := time.Until(task.NotBefore)
	if delay <= 0 {
		if err := b.publish(ctx, endpoint, task); err != nil {
			b.setStatus(handle, DispatchFailed)
			return "", err
		}
		b.setStatus(handle, DispatchSucceeded)
		return handle, nil
	}

	// Deferred publish for stage retry backoff. Submit stays
	// fire-and-forget; a publish failure after the delay is only visible
	// through the handle and the reconciliation sweep.
	timer := time.AfterFunc(delay, func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := b.publish(pubCtx, endpoint, task); err != nil {
			b.log.WithFields(logger.Fields{
				logger.FieldDispatchID: task.ID,
				logger.FieldStage:      task.Stage,
				logger.FieldDocumentID: task.DocumentID,
			}).WithError(err).Error("Deferred publish failed")
			b.setStatus(handle, DispatchFailed)
			return
		}
		b.setStatus(handle, DispatchSucceeded)
	})
	_ = timer

	return handle, nil
}

func (b *TopicBackend) publish(ctx context.Context, endpoint string, task Task) error {
	event := cloudevents.NewEvent()
	event.SetID(task.ID)
	event.SetSource(b.source)
	event.SetType(EventTypeForStage(task.Stage))
	event.SetExtension("attempt", task.Attempt)
	if err := event.SetData(cloudevents.ApplicationJSON, task); err != nil {
		return fmt.Errorf("failed to encode task event: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	sendCtx = cloudevents.ContextWithTarget(sendCtx, endpoint)

	// A rejected delivery (NACK) matters as much as an undelivered one;
	// the status write has already happened by the time we publish.
	if result := b.client.Send(sendCtx, event); cloudevents.IsUndelivered(result) || !cloudevents.IsACK(result) {
		return fmt.Errorf("failed to publish stage event to %s: %w", endpoint, result)
	}
	return nil
}

func (b *TopicBackend) setStatus(handle Handle, status DispatchStatus) {
	b.mu.Lock()
	b.handles[handle] = status
	b.mu.Unlock()
}

// Status reports the publish state for a handle. Once an event is accepted
// by the receiving handler the substrate owns it; succeeded here means
// delivered and acknowledged, nothing more.
func (b *TopicBackend) Status(_ context.Context, handle Handle) (DispatchStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status, ok := b.handles[handle]; ok {
		return status, nil
	}
	return DispatchUnknown, ErrUnknownHandle
}
