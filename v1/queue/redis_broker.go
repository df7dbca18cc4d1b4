package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker on a Redis Stream with a consumer group.
// New deliveries arrive via XREADGROUP; failed deliveries stay pending and
// are reclaimed via XPENDING/XCLAIM once their idle time exceeds the
// exponential backoff for their delivery count. Jobs that exhaust the
// attempt budget go to a dead-letter stream and are acknowledged.
type RedisBroker struct {
	client       *redis.Client
	stream       string
	group        string
	consumerName string
	workerCount  int
	maxAttempts  int
	backoffBase  time.Duration
	blockTimeout time.Duration
	dedupTTL     time.Duration
}

// RedisBrokerConfig tunes the broker.
type RedisBrokerConfig struct {
	Stream       string
	Group        string
	ConsumerName string
	WorkerCount  int
	MaxAttempts  int
	BackoffBase  time.Duration
	BlockTimeout time.Duration
	DedupTTL     time.Duration
}

// NewRedisBroker creates the broker and ensures the consumer group exists.
func NewRedisBroker(client *redis.Client, cfg RedisBrokerConfig) (*RedisBroker, error) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}

	// Idempotent: BUSYGROUP means the group already exists.
	err := client.XGroupCreateMkStream(context.Background(), cfg.Stream, cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group %s: %w", cfg.Group, err)
	}

	return &RedisBroker{
		client:       client,
		stream:       cfg.Stream,
		group:        cfg.Group,
		consumerName: cfg.ConsumerName,
		workerCount:  cfg.WorkerCount,
		maxAttempts:  cfg.MaxAttempts,
		backoffBase:  cfg.BackoffBase,
		blockTimeout: cfg.BlockTimeout,
		dedupTTL:     cfg.DedupTTL,
	}, nil
}

// Enqueue adds the job to the stream unless its request id was already
// enqueued. The SETNX guard makes re-submission of an identical request id a
// no-op instead of a double execution.
func (b *RedisBroker) Enqueue(ctx context.Context, job Job) error {
	dedupKey := fmt.Sprintf("enqueued:%s", job.RequestID)
	set, err := b.client.SetNX(ctx, dedupKey, 1, b.dedupTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve job %s: %w", job.RequestID, err)
	}
	if !set {
		slog.Warn("Job already enqueued, skipping", "request_id", job.RequestID)
		return nil
	}

	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("failed to serialize job parameters: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{
			"request_id":     job.RequestID,
			"application_id": job.ApplicationID,
			"credential_id":  job.CredentialID,
			"operation":      job.Operation,
			"parameters":     string(params),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.RequestID, err)
	}
	return nil
}

// Start launches the configured number of worker loops plus one reclaim
// loop, and blocks until ctx is cancelled.
func (b *RedisBroker) Start(ctx context.Context, handler Handler, deadLetter DeadLetterFunc) {
	for i := 0; i < b.workerCount; i++ {
		consumer := fmt.Sprintf("%s-%d", b.consumerName, i)
		go b.readLoop(ctx, consumer, handler)
	}
	go b.reclaimLoop(ctx, handler, deadLetter)
	<-ctx.Done()
}

// readLoop consumes new deliveries for one consumer.
func (b *RedisBroker) readLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{b.stream, ">"},
			Count:    1,
			Block:    b.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			slog.Error("Failed to read from job stream", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.handleDelivery(ctx, msg, 1, handler)
			}
		}
	}
}

// reclaimLoop periodically scans pending deliveries across all consumers
// and reclaims those idle past their backoff, so jobs from crashed workers
// and failed attempts are retried.
func (b *RedisBroker) reclaimLoop(ctx context.Context, handler Handler, deadLetter DeadLetterFunc) {
	ticker := time.NewTicker(b.backoffBase / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reclaimOnce(ctx, handler, deadLetter)
		}
	}
}

func (b *RedisBroker) reclaimOnce(ctx context.Context, handler Handler, deadLetter DeadLetterFunc) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.stream,
		Group:  b.group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("Failed to check pending jobs", "error", err)
		}
		return
	}

	for _, p := range pending {
		attempt := int(p.RetryCount)
		if attempt < 1 {
			attempt = 1
		}

		if attempt > b.maxAttempts {
			b.deadLetterPending(ctx, p.ID, deadLetter)
			continue
		}
		if p.Idle < b.backoff(attempt) {
			continue
		}

		claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   b.stream,
			Group:    b.group,
			Consumer: b.consumerName + "-reclaim",
			MinIdle:  b.backoff(attempt),
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			slog.Error("Failed to claim pending job", "message_id", p.ID, "error", err)
			continue
		}
		for _, msg := range claimed {
			// The claim itself bumped the delivery count.
			b.handleDelivery(ctx, msg, attempt+1, handler)
		}
	}
}

// handleDelivery runs the handler for one delivery and acknowledges on
// success. On failure the message stays pending for the reclaim loop.
func (b *RedisBroker) handleDelivery(ctx context.Context, msg redis.XMessage, attempt int, handler Handler) {
	job, err := jobFromValues(msg.Values)
	if err != nil {
		// A malformed message can never succeed; drop it.
		slog.Error("Dropping malformed job message", "message_id", msg.ID, "error", err)
		b.ack(ctx, msg.ID)
		return
	}

	if err := handler(ctx, job, attempt); err != nil {
		slog.Warn("Job attempt failed, leaving pending for retry",
			"request_id", job.RequestID,
			"attempt", attempt,
			"error", err)
		return
	}
	b.ack(ctx, msg.ID)
}

// deadLetterPending moves an exhausted delivery to the dead-letter stream
// and acknowledges it.
func (b *RedisBroker) deadLetterPending(ctx context.Context, messageID string, deadLetter DeadLetterFunc) {
	claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   b.stream,
		Group:    b.group,
		Consumer: b.consumerName + "-reclaim",
		MinIdle:  0,
		Messages: []string{messageID},
	}).Result()
	if err != nil {
		slog.Error("Failed to claim exhausted job", "message_id", messageID, "error", err)
		return
	}

	for _, msg := range claimed {
		job, parseErr := jobFromValues(msg.Values)
		lastErr := fmt.Errorf("retry budget of %d attempts exhausted", b.maxAttempts)

		values := msg.Values
		values["_error"] = lastErr.Error()
		values["_failed_at"] = time.Now().UTC().Format(time.RFC3339)
		if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: b.stream + "_dlq", Values: values}).Err(); err != nil {
			slog.Error("Failed to dead-letter job", "message_id", msg.ID, "error", err)
			return
		}

		if parseErr == nil && deadLetter != nil {
			deadLetter(ctx, job, lastErr)
		}
		b.ack(ctx, msg.ID)
	}
}

func (b *RedisBroker) ack(ctx context.Context, messageID string) {
	if err := b.client.XAck(ctx, b.stream, b.group, messageID).Err(); err != nil {
		slog.Error("Failed to acknowledge job", "message_id", messageID, "error", err)
	}
}

// backoff is the exponential idle threshold before re-delivering attempt n.
func (b *RedisBroker) backoff(attempt int) time.Duration {
	d := b.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func jobFromValues(values map[string]interface{}) (Job, error) {
	job := Job{
		RequestID:     stringValue(values, "request_id"),
		ApplicationID: stringValue(values, "application_id"),
		CredentialID:  stringValue(values, "credential_id"),
		Operation:     stringValue(values, "operation"),
	}
	if job.RequestID == "" {
		return Job{}, fmt.Errorf("message has no request_id")
	}
	if raw := stringValue(values, "parameters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Parameters); err != nil {
			return Job{}, fmt.Errorf("message has malformed parameters: %w", err)
		}
	}
	return job, nil
}

func stringValue(values map[string]interface{}, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}
