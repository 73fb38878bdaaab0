package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/acapra/semantiq/pkg/tasks"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return s, NewClient(rdb)
}

func TestEnqueueDequeue(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	task := tasks.Task{
		ID:        "test-id",
		Text:      "I love this product",
		Type:      tasks.TypeSentimentAnalysis,
		Status:    tasks.StatusPending,
		CreatedAt: time.Now(),
	}

	if err := client.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, raw, err := client.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.ID != task.ID {
		t.Errorf("Expected task ID %s, got %s", task.ID, got.ID)
	}
	if got.Type != tasks.TypeSentimentAnalysis {
		t.Errorf("Expected task type %s, got %s", tasks.TypeSentimentAnalysis, got.Type)
	}
	if raw == "" {
		t.Error("Expected non-empty raw task")
	}

	// Dequeued task must sit in the processing queue until acknowledged
	depths := client.Depths(ctx)
	if depths["queue:processing"] != 1 {
		t.Errorf("Expected processing depth 1, got %d", depths["queue:processing"])
	}
	if depths["queue:ready"] != 0 {
		t.Errorf("Expected ready depth 0, got %d", depths["queue:ready"])
	}
}

func TestComplete(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	task := tasks.Task{ID: "done-id", Text: "text", Type: tasks.TypeSummarization}
	if err := client.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	_, raw, err := client.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	if err := client.Complete(ctx, raw); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	depths := client.Depths(ctx)
	if depths["queue:processing"] != 0 {
		t.Errorf("Expected processing empty after Complete, got %d", depths["queue:processing"])
	}
}

func TestRetryLater(t *testing.T) {
	s, client := setupTestRedis(t)
	ctx := context.Background()

	task := tasks.Task{ID: "retry-id", Text: "text", AttemptCount: 1}
	rawTask := "{}"

	if err := client.RetryLater(ctx, task, rawTask, time.Minute); err != nil {
		t.Fatalf("RetryLater failed: %v", err)
	}

	if !s.Exists("queue:delayed") {
		t.Fatal("Expected queue:delayed to exist")
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	entries, _ := rdb.ZRangeWithScores(ctx, "queue:delayed", 0, -1).Result()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry in queue:delayed, got %d", len(entries))
	}
	if entries[0].Score <= float64(time.Now().UnixNano()) {
		t.Error("Expected delayed entry score to be in the future")
	}
}

func TestFail(t *testing.T) {
	s, client := setupTestRedis(t)
	ctx := context.Background()

	task := tasks.Task{ID: "dead-id", Text: "text", Status: tasks.StatusFailure, Error: "model: boom"}
	if err := client.Fail(ctx, task, "{}"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	n, _ := rdb.LLen(ctx, "queue:dead").Result()
	if n != 1 {
		t.Errorf("Expected 1 entry in dead letter queue, got %d", n)
	}
}

func TestSchedulerPromotesDueRetries(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	task := tasks.Task{ID: "delayed-id", Text: "text", AttemptCount: 1}
	if err := client.RetryLater(ctx, task, "{}", 100*time.Millisecond); err != nil {
		t.Fatalf("RetryLater failed: %v", err)
	}

	go client.StartScheduler(ctx)
	<-ctx.Done()

	depths := client.Depths(context.Background())
	if depths["queue:ready"] != 1 {
		t.Errorf("Expected due retry promoted to ready queue, got depth %d", depths["queue:ready"])
	}
	if depths["queue:delayed"] != 0 {
		t.Errorf("Expected delayed queue drained, got depth %d", depths["queue:delayed"])
	}
}

func TestSchedule(t *testing.T) {
	_, client := setupTestRedis(t)

	client.StartCronScheduler()
	defer client.StopCronScheduler()

	template := tasks.Task{Text: "daily digest input", Type: tasks.TypeSummarization}
	if _, err := client.Schedule("@every 1s", template); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	time.Sleep(2 * time.Second)

	got, _, err := client.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Expected a scheduled task in the ready queue: %v", err)
	}
	if got.ID == "" {
		t.Error("Expected scheduled task to get a fresh ID")
	}
	if got.Status != tasks.StatusPending {
		t.Errorf("Expected scheduled task to be PENDING, got %s", got.Status)
	}
}
