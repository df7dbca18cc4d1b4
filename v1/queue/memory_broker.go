package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryBroker is a channel-backed Broker for tests and single-process
// deployments. It keeps the Redis broker's semantics: request-id dedup on
// enqueue, bounded retries with backoff, dead-letter on exhaustion.
type MemoryBroker struct {
	jobs        chan Job
	maxAttempts int
	backoff     time.Duration

	mu       sync.Mutex
	enqueued map[string]struct{}

	wg sync.WaitGroup
}

// NewMemoryBroker creates a broker buffering up to queueSize jobs.
func NewMemoryBroker(queueSize, maxAttempts int, backoff time.Duration) *MemoryBroker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &MemoryBroker{
		jobs:        make(chan Job, queueSize),
		maxAttempts: maxAttempts,
		backoff:     backoff,
		enqueued:    make(map[string]struct{}),
	}
}

func (b *MemoryBroker) Enqueue(ctx context.Context, job Job) error {
	b.mu.Lock()
	if _, dup := b.enqueued[job.RequestID]; dup {
		b.mu.Unlock()
		slog.Warn("Job already enqueued, skipping", "request_id", job.RequestID)
		return nil
	}
	b.enqueued[job.RequestID] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	select {
	case b.jobs <- job:
		return nil
	case <-ctx.Done():
		b.wg.Done()
		// The job never reached the channel; release the dedup slot so a
		// retried enqueue is not silently dropped.
		b.mu.Lock()
		delete(b.enqueued, job.RequestID)
		b.mu.Unlock()
		return ctx.Err()
	}
}

func (b *MemoryBroker) Start(ctx context.Context, handler Handler, deadLetter DeadLetterFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-b.jobs:
			b.run(ctx, job, handler, deadLetter)
			b.wg.Done()
		}
	}
}

// Wait blocks until every job picked up by Start has finished. Tests use it
// to assert on post-processing state without polling.
func (b *MemoryBroker) Wait() {
	b.wg.Wait()
}

func (b *MemoryBroker) run(ctx context.Context, job Job, handler Handler, deadLetter DeadLetterFunc) {
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		lastErr = handler(ctx, job, attempt)
		if lastErr == nil {
			return
		}
		slog.Warn("Job attempt failed",
			"request_id", job.RequestID,
			"attempt", attempt,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.retryDelay(attempt)):
		}
	}
	if deadLetter != nil {
		deadLetter(ctx, job, lastErr)
	}
}

// retryDelay doubles per attempt from the configured base, matching the
// Redis broker's reclaim schedule.
func (b *MemoryBroker) retryDelay(attempt int) time.Duration {
	if b.backoff <= 0 {
		return 0
	}
	return b.backoff << (attempt - 1)
}
