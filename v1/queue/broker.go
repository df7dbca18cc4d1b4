// Package queue provides the asynchronous job transport between the proxy
// submission path and the execution workers. Jobs are deduplicated by
// request id at enqueue time and retried with exponential backoff until a
// bounded attempt budget is exhausted.
package queue

import "context"

// Job is the unit of work enqueued for an approved proxy request. The
// request id is the deduplication key.
type Job struct {
	RequestID     string                 `json:"request_id"`
	ApplicationID string                 `json:"application_id"`
	CredentialID  string                 `json:"credential_id"`
	Operation     string                 `json:"operation"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
}

// Handler processes one delivery of a job. attempt starts at 1. A nil return
// acknowledges the job; an error leaves it pending for redelivery with
// backoff.
type Handler func(ctx context.Context, job Job, attempt int) error

// DeadLetterFunc is invoked once when a job exhausts its attempt budget,
// with the error from the final attempt.
type DeadLetterFunc func(ctx context.Context, job Job, lastErr error)

// Broker is the queue transport. RedisBroker backs production; MemoryBroker
// backs tests and single-node development.
type Broker interface {
	// Enqueue adds a job unless one with the same request id was already
	// enqueued.
	Enqueue(ctx context.Context, job Job) error
	// Start runs worker loops until ctx is cancelled.
	Start(ctx context.Context, handler Handler, deadLetter DeadLetterFunc)
}
