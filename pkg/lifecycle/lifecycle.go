// Package lifecycle drives one task through its state machine:
//
//	PENDING -> STARTED -> {SUCCESS | FAILURE}
//
// with an internal retry loop feeding back into STARTED via the delayed
// queue. Every transition is persisted as one atomic status-store write, so
// concurrent pollers always observe a defined state. No error escapes
// Process: provider and cache failures are translated into transitions plus
// log output.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acapra/semantiq/pkg/cache"
	"github.com/acapra/semantiq/pkg/embedding"
	"github.com/acapra/semantiq/pkg/logger"
	"github.com/acapra/semantiq/pkg/metrics"
	"github.com/acapra/semantiq/pkg/model"
	"github.com/acapra/semantiq/pkg/queue"
	"github.com/acapra/semantiq/pkg/ratelimit"
	"github.com/acapra/semantiq/pkg/store"
	"github.com/acapra/semantiq/pkg/tasks"
)

var log = logger.With("lifecycle")

// Outcome is the result of processing one dequeued task, used by the worker
// loop for its own bookkeeping. OutcomeRetry means the task went back to the
// delayed queue and will surface again.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRetry   Outcome = "retry"
	OutcomeFailure Outcome = "failure"
)

// Config tunes the retry policy.
//
// MaxAttempts counts total attempts, not retries after the first: a task
// that fails transiently MaxAttempts times terminates in FAILURE with
// AttemptCount == MaxAttempts.
type Config struct {
	MaxAttempts int
	Backoff     time.Duration
	WorkerClass string
}

// DefaultConfig returns the standard retry policy: 3 attempts, 60s fixed
// backoff, one shared rate budget for all model calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     60 * time.Second,
		WorkerClass: "model-calls",
	}
}

// Runner executes task lifecycles. It is stateless between tasks; all
// authoritative state lives in Redis, which is what lets many workers run
// concurrently without coordination beyond the rate limiter.
type Runner struct {
	store    *store.StatusStore
	cache    *cache.SemanticCache
	queue    *queue.Client
	limiter  *ratelimit.Limiter
	embedder embedding.Provider
	model    model.Provider
	metrics  *metrics.Aggregator
	cfg      Config
}

// New creates a Runner. Zero config fields fall back to DefaultConfig.
func New(st *store.StatusStore, sc *cache.SemanticCache, q *queue.Client, rl *ratelimit.Limiter,
	emb embedding.Provider, mdl model.Provider, agg *metrics.Aggregator, cfg Config) *Runner {

	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.WorkerClass == "" {
		cfg.WorkerClass = def.WorkerClass
	}

	return &Runner{
		store:    st,
		cache:    sc,
		queue:    q,
		limiter:  rl,
		embedder: emb,
		model:    mdl,
		metrics:  agg,
		cfg:      cfg,
	}
}

// Process runs one attempt of a dequeued task to a transition. rawTask is
// the wire form returned by Dequeue, needed to acknowledge the queue entry.
func (r *Runner) Process(ctx context.Context, t *tasks.Task, rawTask string) Outcome {
	start := time.Now()
	t.Status = tasks.StatusStarted
	t.AttemptCount++
	t.StartedAt = &start
	r.persist(ctx, t)

	log.Info().
		Str("task_id", t.ID).
		Str("task_type", string(t.Type)).
		Int("attempt", t.AttemptCount).
		Msg("Processing task")

	if err := t.Validate(); err != nil {
		// Malformed input can never succeed, skip the retry loop
		return r.fail(ctx, t, rawTask, err)
	}

	vector, err := r.embedder.Embed(ctx, t.Text)
	if err != nil {
		return r.retryOrFail(ctx, t, rawTask, fmt.Errorf("embedding: %w", err))
	}

	if hit, ok := r.cache.Lookup(ctx, vector, t.Type); ok {
		result := &tasks.Result{
			Response:          hit.ResponseText,
			FromCache:         true,
			Similarity:        hit.Similarity,
			Model:             hit.Metadata["model"],
			ProcessingSeconds: time.Since(start).Seconds(),
		}
		return r.succeed(ctx, t, rawTask, result)
	}

	if err := r.limiter.Acquire(ctx, r.cfg.WorkerClass); err != nil {
		// Only happens on shutdown; the task stays eligible for a later run
		return r.retryOrFail(ctx, t, rawTask, fmt.Errorf("rate limiter: %w", err))
	}

	response, usage, err := r.model.Generate(ctx, t.Text, t.Type, t.Params)
	if err != nil {
		return r.retryOrFail(ctx, t, rawTask, fmt.Errorf("model: %w", err))
	}

	metadata := map[string]string{
		"model":   t.Params.Model,
		"task_id": t.ID,
	}
	if err := r.cache.Store(ctx, t.Text, vector, response, t.Type, metadata); err != nil {
		// The task already holds a valid result, a failed cache write
		// must not change its outcome
		log.Warn().Err(err).Str("task_id", t.ID).Msg("Cache write failed")
	}

	result := &tasks.Result{
		Response:          response,
		FromCache:         false,
		Model:             t.Params.Model,
		Usage:             usage,
		ProcessingSeconds: time.Since(start).Seconds(),
	}
	return r.succeed(ctx, t, rawTask, result)
}

func (r *Runner) succeed(ctx context.Context, t *tasks.Task, rawTask string, result *tasks.Result) Outcome {
	now := time.Now()
	t.Status = tasks.StatusSuccess
	t.CompletedAt = &now
	t.Result = result
	t.Error = ""
	r.persist(ctx, t)

	r.metrics.Increment(ctx, metrics.CounterCompletedTasks, 1)
	r.metrics.AddProcessingTime(ctx, result.ProcessingSeconds)

	if err := r.queue.Complete(ctx, rawTask); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to ack task")
	}

	log.Info().
		Str("task_id", t.ID).
		Bool("from_cache", result.FromCache).
		Float64("seconds", result.ProcessingSeconds).
		Msg("Task completed")
	return OutcomeSuccess
}

func (r *Runner) retryOrFail(ctx context.Context, t *tasks.Task, rawTask string, cause error) Outcome {
	if t.AttemptCount >= r.cfg.MaxAttempts {
		return r.fail(ctx, t, rawTask, fmt.Errorf("%w (after %d attempts)", cause, t.AttemptCount))
	}
	if errors.Is(cause, context.Canceled) {
		log.Warn().Str("task_id", t.ID).Msg("Attempt interrupted by shutdown, rescheduling")
	} else {
		log.Warn().Err(cause).Str("task_id", t.ID).Int("attempt", t.AttemptCount).Msg("Transient failure, scheduling retry")
	}

	// The task stays externally STARTED while it waits in the delayed
	// queue; the backoff is applied by the queue scheduler, not in-process
	if err := r.queue.RetryLater(context.WithoutCancel(ctx), *t, rawTask, r.cfg.Backoff); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to schedule retry")
		return r.fail(ctx, t, rawTask, cause)
	}
	return OutcomeRetry
}

func (r *Runner) fail(ctx context.Context, t *tasks.Task, rawTask string, cause error) Outcome {
	ctx = context.WithoutCancel(ctx)

	now := time.Now()
	t.Status = tasks.StatusFailure
	t.CompletedAt = &now
	t.Result = nil
	t.Error = cause.Error()
	r.persist(ctx, t)

	r.metrics.Increment(ctx, metrics.CounterFailedTasks, 1)

	if err := r.queue.Fail(ctx, *t, rawTask); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to move task to dead letter queue")
	}

	log.Error().Str("task_id", t.ID).Int("attempts", t.AttemptCount).Str("error", t.Error).Msg("Task failed")
	return OutcomeFailure
}

// persist writes the current task record. Store failures do not change the
// task's logical outcome; the external view may lag, which is an accepted
// best-effort limitation.
func (r *Runner) persist(ctx context.Context, t *tasks.Task) {
	if err := r.store.Save(ctx, t); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("Status write failed")
	}
}
