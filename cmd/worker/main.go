// Package main implements the dispatch worker process. Workers pull tasks
// from the Redis queue, run them through the semantic cache and the model
// backend, and persist every lifecycle transition.
//
// Features:
//   - Concurrent task processing with graceful shutdown
//   - Semantic cache in front of the model backend (memory or Qdrant index)
//   - Rate-limited model calls, bounded retries with fixed backoff
//   - Prometheus metrics exposed on /metrics
//
// Configuration is environment based: REDIS_ADDR, WORKER_COUNT, QDRANT_ADDR
// (host:port, omit for the in-memory index), OPENAI_EMBEDDINGS_URL,
// OPENAI_COMPLETIONS_URL, OPENAI_API_KEY, CACHE_THRESHOLD, MAX_CALLS_PER_MINUTE.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/acapra/semantiq/pkg/cache"
	"github.com/acapra/semantiq/pkg/embedding"
	"github.com/acapra/semantiq/pkg/lifecycle"
	"github.com/acapra/semantiq/pkg/logger"
	"github.com/acapra/semantiq/pkg/metrics"
	"github.com/acapra/semantiq/pkg/model"
	"github.com/acapra/semantiq/pkg/queue"
	"github.com/acapra/semantiq/pkg/ratelimit"
	"github.com/acapra/semantiq/pkg/store"
)

// Prometheus metrics for this worker process. The Redis-backed aggregator
// carries the cross-process totals; these cover per-worker observability.
var (
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semantiq_processed_total",
		Help: "The total number of processed task attempts",
	}, []string{"outcome", "type"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "semantiq_task_duration_seconds",
		Help:    "Duration of task attempt processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "semantiq_queue_depth",
		Help: "Number of tasks in each queue",
	}, []string{"queue"})

	queueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "semantiq_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(name string, fallback float64) float64 {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// buildIndex selects the vector index: Qdrant when QDRANT_ADDR is set,
// in-process flat search otherwise.
func buildIndex(dimensions int) cache.VectorIndex {
	addr := os.Getenv("QDRANT_ADDR")
	if addr == "" {
		logger.Log.Info().Msg("QDRANT_ADDR not set, using in-memory vector index")
		return cache.NewMemoryIndex()
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		logger.Log.Fatal().Err(err).Str("addr", addr).Msg("Invalid QDRANT_ADDR")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logger.Log.Fatal().Err(err).Str("addr", addr).Msg("Invalid QDRANT_ADDR port")
	}

	idx, err := cache.NewQdrantIndex(host, port, envOr("QDRANT_COLLECTION", "semantiq_cache"), dimensions)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to connect to Qdrant")
	}
	logger.Log.Info().Str("addr", addr).Msg("Using Qdrant vector index")
	return idx
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: envOr("REDIS_ADDR", "127.0.0.1:6379")})
	q := queue.NewClient(rdb)
	agg := metrics.New(ctx, rdb)

	dimensions := envInt("EMBEDDING_DIMENSIONS", 1536)
	embedder := embedding.NewOpenAIProvider(
		envOr("OPENAI_EMBEDDINGS_URL", "https://api.openai.com/v1/embeddings"),
		envOr("EMBEDDING_MODEL", "text-embedding-3-small"),
		"OPENAI_API_KEY",
		dimensions,
	)
	provider := model.NewOpenAIProvider(
		envOr("OPENAI_COMPLETIONS_URL", "https://api.openai.com/v1/chat/completions"),
		"OPENAI_API_KEY",
	)

	semCache := cache.New(rdb, buildIndex(dimensions), agg, cache.Config{
		Threshold: envFloat("CACHE_THRESHOLD", cache.DefaultThreshold),
		TTL:       time.Duration(envInt("CACHE_TTL_SECONDS", 3600)) * time.Second,
	})

	limiter := ratelimit.New(envInt("MAX_CALLS_PER_MINUTE", 60), time.Minute)

	runner := lifecycle.New(
		store.New(rdb, store.DefaultTTL),
		semCache,
		q,
		limiter,
		embedder,
		provider,
		agg,
		lifecycle.Config{
			MaxAttempts: envInt("MAX_ATTEMPTS", 3),
			Backoff:     time.Duration(envInt("RETRY_BACKOFF_SECONDS", 60)) * time.Second,
		},
	)

	// Prometheus metrics server
	metricsAddr := envOr("METRICS_ADDR", ":8080")
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", metricsAddr).Msg("Metrics server listening")
		http.ListenAndServe(metricsAddr, nil)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("Shutting down worker...")
		cancel()
	}()

	go q.StartScheduler(ctx)
	go collectQueueMetrics(ctx, q)

	workerCount := envInt("WORKER_COUNT", 4)
	logger.Log.Info().Int("workers", workerCount).Msg("Worker started. Waiting for tasks...")

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerLoop(ctx, q, runner)
		}()
	}
	wg.Wait()
}

// workerLoop dequeues and processes tasks until the context is cancelled.
func workerLoop(ctx context.Context, q *queue.Client, runner *lifecycle.Runner) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, raw, err := q.Dequeue(ctx)
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Log.Error().Err(err).Msg("Dequeue failed")
			time.Sleep(time.Second)
			continue
		}

		start := time.Now()
		queueLatency.WithLabelValues(string(task.Type)).Observe(start.Sub(task.CreatedAt).Seconds())

		outcome := runner.Process(ctx, task, raw)

		taskDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())
		tasksProcessed.WithLabelValues(string(outcome), string(task.Type)).Inc()
	}
}

// collectQueueMetrics updates the queue depth gauges every 5 seconds.
func collectQueueMetrics(ctx context.Context, q *queue.Client) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, depth := range q.Depths(ctx) {
				queueDepth.WithLabelValues(name).Set(float64(depth))
			}
		}
	}
}
