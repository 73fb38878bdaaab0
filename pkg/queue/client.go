// Package queue provides the Redis-backed work queue feeding the dispatch
// workers. It supports:
//   - Atomic dequeuing with BLMove into a processing queue
//   - Fixed-backoff retry scheduling via a delayed sorted set
//   - A dead letter queue for tasks that exhausted their attempts
//   - Cron-based recurring submissions
//
// The Client type is the entry point for all queue operations.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/acapra/semantiq/pkg/logger"
	"github.com/acapra/semantiq/pkg/tasks"
)

// Queue keys.
//
//   - queue:ready      list of tasks waiting for a worker
//   - queue:processing list of tasks currently held by a worker
//   - queue:delayed    sorted set of retries scheduled for the future
//   - queue:dead       list of tasks that exhausted their attempts
const (
	keyReady      = "queue:ready"
	keyProcessing = "queue:processing"
	keyDelayed    = "queue:delayed"
	keyDead       = "queue:dead"
)

var log = logger.With("queue")

// Client manages queue operations over a shared Redis connection.
// All operations are context-aware and support graceful cancellation.
type Client struct {
	rdb  *redis.Client
	cron *cron.Cron
}

// NewClient creates a queue client over an existing Redis connection.
func NewClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:  rdb,
		cron: cron.New(cron.WithSeconds()),
	}
}

// Enqueue serializes the task and pushes it to the tail of the ready queue.
func (c *Client) Enqueue(ctx context.Context, task tasks.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, keyReady, data).Err()
}

// Dequeue atomically moves one task from the ready queue into the processing
// queue and returns it along with its raw wire form. The raw form is needed
// to acknowledge the exact record later. Uses BLMove with a 1-second timeout;
// returns redis.Nil when the queue stays empty for that long.
func (c *Client) Dequeue(ctx context.Context) (*tasks.Task, string, error) {
	raw, err := c.rdb.BLMove(ctx, keyReady, keyProcessing, "LEFT", "RIGHT", time.Second).Result()
	if err != nil {
		return nil, "", err
	}

	var task tasks.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, "", err
	}
	return &task, raw, nil
}

// Complete acknowledges a finished task by removing it from the processing
// queue. Called for both successful and permanently failed outcomes once the
// terminal state has been persisted elsewhere.
func (c *Client) Complete(ctx context.Context, rawTask string) error {
	return c.rdb.LRem(ctx, keyProcessing, 1, rawTask).Err()
}

// RetryLater schedules the task for another attempt after the given delay.
// The updated task (with its incremented attempt count) is written to the
// delayed sorted set and the original record is removed from the processing
// queue in one pipeline, so the task is never lost or duplicated between the
// two structures.
func (c *Client) RetryLater(ctx context.Context, task tasks.Task, rawTask string, delay time.Duration) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	processAt := time.Now().Add(delay)
	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, keyDelayed, redis.Z{
		Score:  float64(processAt.UnixNano()),
		Member: data,
	})
	pipe.LRem(ctx, keyProcessing, 1, rawTask)
	_, err = pipe.Exec(ctx)
	return err
}

// Fail moves a permanently failed task to the dead letter queue for later
// inspection and removes it from the processing queue atomically.
func (c *Client) Fail(ctx context.Context, task tasks.Task, rawTask string) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, keyDead, data)
	pipe.LRem(ctx, keyProcessing, 1, rawTask)
	_, err = pipe.Exec(ctx)
	return err
}

// promoteScript atomically moves all due entries from the delayed sorted set
// back to the ready queue. Running it as a single Lua script prevents two
// scheduler instances from promoting the same entry twice.
var promoteScript = redis.NewScript(`
	local delayed_key = KEYS[1]
	local ready_key = KEYS[2]
	local now = tonumber(ARGV[1])

	local due = redis.call('ZRANGEBYSCORE', delayed_key, '-inf', now)
	if #due > 0 then
		redis.call('ZREMRANGEBYSCORE', delayed_key, '-inf', now)
		for _, task in ipairs(due) do
			redis.call('RPUSH', ready_key, task)
		end
	end
	return #due
`)

// StartScheduler runs the delayed-queue promoter until the context is
// cancelled, checking for due retries every 500ms.
//
// Usage:
//
//	go client.StartScheduler(ctx)
func (c *Client) StartScheduler(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := float64(time.Now().UnixNano())
			_, err := promoteScript.Run(ctx, c.rdb, []string{keyDelayed, keyReady}, now).Result()
			if err != nil && err != redis.Nil {
				log.Error().Err(err).Msg("Scheduler error")
			}
		}
	}
}

// Depths returns the current number of entries per queue.
func (c *Client) Depths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)

	for _, q := range []string{keyReady, keyProcessing, keyDead} {
		if n, err := c.rdb.LLen(ctx, q).Result(); err == nil {
			depths[q] = n
		}
	}
	if n, err := c.rdb.ZCard(ctx, keyDelayed).Result(); err == nil {
		depths[keyDelayed] = n
	}

	return depths
}

// Schedule registers a cron job that submits a copy of the template task on
// every firing. Each run gets a fresh ID and creation timestamp so that
// recurring submissions are individually trackable.
func (c *Client) Schedule(spec string, template tasks.Task) (cron.EntryID, error) {
	return c.cron.AddFunc(spec, func() {
		task := template
		task.ID = uuid.New().String()
		task.Status = tasks.StatusPending
		task.CreatedAt = time.Now()

		if err := c.Enqueue(context.Background(), task); err != nil {
			log.Error().Err(err).Str("spec", spec).Msg("Failed to enqueue scheduled task")
			return
		}
		log.Info().Str("task_type", string(task.Type)).Str("spec", spec).Msg("Scheduled task enqueued")
	})
}

// StartCronScheduler starts the cron scheduler in a background goroutine.
func (c *Client) StartCronScheduler() {
	c.cron.Start()
}

// StopCronScheduler stops the cron scheduler.
func (c *Client) StopCronScheduler() {
	c.cron.Stop()
}
