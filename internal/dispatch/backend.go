package dispatch

import (
	"context"
	"errors"
	"time"
)

// Task is one unit of work for the pipeline: run the named stage for a
// document. DocumentID and CompanyID are mandatory on every envelope and
// are never inferred from chain position; a stage that cannot name its
// document cannot update the status store.
type Task struct {
	ID         string    `json:"id"`
	Stage      string    `json:"stage"`
	DocumentID string    `json:"document_id"`
	CompanyID  string    `json:"company_id"`
	Payload    []byte    `json:"payload,omitempty"`
	Attempt    int       `json:"attempt"`
	NotBefore  time.Time `json:"not_before,omitempty"`
}

// Handle is the opaque identifier returned by Submit, usable for
// best-effort status queries.
type Handle string

// DispatchStatus is the best-effort delivery state of a submitted unit of
// work. The status store remains authoritative; this is a debugging view.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchRunning   DispatchStatus = "running"
	DispatchSucceeded DispatchStatus = "succeeded"
	DispatchFailed    DispatchStatus = "failed"
	DispatchUnknown   DispatchStatus = "unknown"
)

// ErrUnknownHandle is returned by Status when the backend has no record of
// the given handle.
var ErrUnknownHandle = errors.New("unknown dispatch handle")

// Runner executes a single task. The pipeline's stage handler framework
// implements it; backends deliver tasks to whichever Runner they were
// built with.
type Runner interface {
	Run(ctx context.Context, task Task) error
}

// Backend delivers units of work to the configured execution substrate.
// Submit is fire-and-forget: it enqueues or publishes and never blocks on
// completion. The implementation is chosen once at process start from
// configuration and injected; it is never switched mid-document.
type Backend interface {
	// Submit enqueues or publishes the task and returns a handle for
	// status queries. An error means the unit of work was not durably
	// handed off and the caller must not consider the stage advanced.
	Submit(ctx context.Context, task Task) (Handle, error)

	// Status reports the delivery state for a handle. Best effort only.
	Status(ctx context.Context, handle Handle) (DispatchStatus, error)
}
