package integration_tests

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acapra/semantiq/pkg/queue"
	"github.com/acapra/semantiq/pkg/tasks"
)

// setupIntegrationRedis connects to a local Redis instance and clears the
// queue keys. Skips the test when no Redis is reachable.
func setupIntegrationRedis(t *testing.T) *queue.Client {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not reachable at localhost:6379 (%v)", err)
	}

	rdb.Del(context.Background(), "queue:ready", "queue:processing", "queue:delayed", "queue:dead")
	return queue.NewClient(rdb)
}

func TestIntegrationFlow(t *testing.T) {
	client := setupIntegrationRedis(t)
	ctx := context.Background()

	task := tasks.Task{
		ID:        "integration-test-1",
		Text:      "I love this product",
		Type:      tasks.TypeSentimentAnalysis,
		Status:    tasks.StatusPending,
		CreatedAt: time.Now(),
	}

	if err := client.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	dequeued, raw, err := client.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if dequeued.ID != task.ID {
		t.Errorf("Expected ID %s, got %s", task.ID, dequeued.ID)
	}

	if err := client.Complete(ctx, raw); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	depths := client.Depths(ctx)
	if depths["queue:ready"] != 0 {
		t.Errorf("Expected ready queue empty, got %d", depths["queue:ready"])
	}
	if depths["queue:processing"] != 0 {
		t.Errorf("Expected processing queue empty, got %d", depths["queue:processing"])
	}
}

func TestIntegrationRetryPromotion(t *testing.T) {
	client := setupIntegrationRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	task := tasks.Task{ID: "integration-retry-1", Text: "flaky", AttemptCount: 1}
	if err := client.RetryLater(ctx, task, "{}", 100*time.Millisecond); err != nil {
		t.Fatalf("RetryLater failed: %v", err)
	}

	go client.StartScheduler(ctx)

	dequeued, raw, err := client.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Expected promoted retry to be dequeueable: %v", err)
	}
	if dequeued.ID != task.ID {
		t.Errorf("Expected ID %s, got %s", task.ID, dequeued.ID)
	}
	client.Complete(context.Background(), raw)
}
