// Package main provides a benchmark tool measuring submission throughput
// and end-to-end drain time of the dispatch queue.
//
// Usage:
//
//	go run benchmark/main.go -tasks 10000 -workers 10
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/acapra/semantiq/pkg/queue"
	"github.com/acapra/semantiq/pkg/tasks"
)

var samples = []struct {
	text     string
	taskType tasks.Type
}{
	{"I love this product, it works exactly as advertised", tasks.TypeSentimentAnalysis},
	{"The delivery was late and the packaging was damaged", tasks.TypeSentimentAnalysis},
	{"Quarterly revenue grew 12% driven by subscription renewals while hardware sales declined", tasks.TypeSummarization},
	{"Is the museum open on public holidays?", tasks.TypeQuestionAnswering},
	{"Refund request for order #4821, item arrived broken", tasks.TypeClassification},
}

func main() {
	numTasks := flag.Int("tasks", 10000, "Number of tasks to enqueue")
	numWorkers := flag.Int("workers", 10, "Number of concurrent enqueuers")
	redisAddr := flag.String("redis", "localhost:6379", "Redis address")
	flag.Parse()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	client := queue.NewClient(rdb)
	ctx := context.Background()

	fmt.Printf("Dispatch queue benchmark\n")
	fmt.Printf("========================\n")
	fmt.Printf("Tasks to enqueue: %d\n", *numTasks)
	fmt.Printf("Concurrent enqueuers: %d\n\n", *numWorkers)

	start := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	tasksPerWorker := *numTasks / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < tasksPerWorker; j++ {
				sample := samples[j%len(samples)]
				task := tasks.Task{
					ID:        uuid.New().String(),
					Text:      sample.text,
					Type:      sample.taskType,
					Status:    tasks.StatusPending,
					CreatedAt: time.Now(),
				}
				if err := client.Enqueue(ctx, task); err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("Enqueued %d tasks in %s\n", enqueued.Load(), elapsed)
	fmt.Printf("Throughput: %.2f tasks/sec\n\n", float64(enqueued.Load())/elapsed.Seconds())

	fmt.Printf("Waiting for workers to drain the queue...\n")
	drainStart := time.Now()
	lastReport := time.Now()

	for {
		depths := client.Depths(ctx)
		remaining := depths["queue:ready"] + depths["queue:processing"]
		if remaining == 0 {
			break
		}
		if time.Since(lastReport) > 2*time.Second {
			fmt.Printf("  %d tasks remaining...\n", remaining)
			lastReport = time.Now()
		}
		time.Sleep(250 * time.Millisecond)
	}

	drainTime := time.Since(drainStart)
	fmt.Printf("Queue drained in %s\n", drainTime)
	fmt.Printf("Processing throughput: %.2f tasks/sec\n", float64(enqueued.Load())/drainTime.Seconds())
}
