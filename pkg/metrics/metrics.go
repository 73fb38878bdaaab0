// Package metrics maintains process-spanning operational counters in Redis.
// All updates go through atomic INCRBY/INCRBYFLOAT commands so that
// arbitrarily many workers can increment concurrently without lost updates.
// Updates are best-effort: a failed write is logged and never fails the
// task that triggered it.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acapra/semantiq/pkg/logger"
)

// Counter names understood by the aggregator.
const (
	CounterTotalTasks     = "total_tasks"
	CounterCompletedTasks = "completed_tasks"
	CounterFailedTasks    = "failed_tasks"
	CounterCacheHits      = "cache_hits"
	CounterCacheMisses    = "cache_misses"
)

const (
	keyPrefix          = "metrics:"
	keyProcessingTime  = keyPrefix + "processing_time_seconds"
	keySystemStartTime = keyPrefix + "start_time"
)

// Aggregator accumulates counters in Redis. It holds no in-process state,
// so every worker and server process shares one logical set of counters.
type Aggregator struct {
	rdb *redis.Client
}

// New creates an Aggregator and records the system start time if no earlier
// process has done so already.
func New(ctx context.Context, rdb *redis.Client) *Aggregator {
	a := &Aggregator{rdb: rdb}
	if err := rdb.SetNX(ctx, keySystemStartTime, time.Now().Unix(), 0).Err(); err != nil {
		logger.Log.Warn().Err(err).Msg("Failed to record system start time")
	}
	return a
}

// Increment atomically adds n to the named counter.
func (a *Aggregator) Increment(ctx context.Context, name string, n int64) {
	if err := a.rdb.IncrBy(ctx, keyPrefix+name, n).Err(); err != nil {
		logger.Log.Warn().Err(err).Str("counter", name).Msg("Metrics update failed")
	}
}

// AddProcessingTime atomically accumulates elapsed processing time.
func (a *Aggregator) AddProcessingTime(ctx context.Context, seconds float64) {
	if err := a.rdb.IncrByFloat(ctx, keyProcessingTime, seconds).Err(); err != nil {
		logger.Log.Warn().Err(err).Msg("Metrics update failed")
	}
}

// Snapshot is a point-in-time view over the counters. Derived ratios are
// computed on read and never stored.
type Snapshot struct {
	TotalTasks             int64     `json:"total_tasks"`
	CompletedTasks         int64     `json:"completed_tasks"`
	FailedTasks            int64     `json:"failed_tasks"`
	CacheHits              int64     `json:"cache_hits"`
	CacheMisses            int64     `json:"cache_misses"`
	TotalProcessingSeconds float64   `json:"total_processing_time_seconds"`
	SystemStartTime        time.Time `json:"system_start_time"`
	HitRate                float64   `json:"hit_rate"`
	AvgProcessingSeconds   float64   `json:"avg_processing_time_seconds"`
	UptimeSeconds          float64   `json:"uptime_seconds"`
}

// Snapshot reads all counters. Counters are read individually, so the set is
// not a single consistent cut, but each value is its true running total at
// read time.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	var err error
	if snap.TotalTasks, err = a.counter(ctx, CounterTotalTasks); err != nil {
		return nil, err
	}
	if snap.CompletedTasks, err = a.counter(ctx, CounterCompletedTasks); err != nil {
		return nil, err
	}
	if snap.FailedTasks, err = a.counter(ctx, CounterFailedTasks); err != nil {
		return nil, err
	}
	if snap.CacheHits, err = a.counter(ctx, CounterCacheHits); err != nil {
		return nil, err
	}
	if snap.CacheMisses, err = a.counter(ctx, CounterCacheMisses); err != nil {
		return nil, err
	}

	raw, err := a.rdb.Get(ctx, keyProcessingTime).Result()
	if err == nil {
		snap.TotalProcessingSeconds, _ = strconv.ParseFloat(raw, 64)
	} else if err != redis.Nil {
		return nil, err
	}

	startRaw, err := a.rdb.Get(ctx, keySystemStartTime).Result()
	if err == nil {
		if unix, perr := strconv.ParseInt(startRaw, 10, 64); perr == nil {
			snap.SystemStartTime = time.Unix(unix, 0)
		}
	} else if err != redis.Nil {
		return nil, err
	}

	if lookups := snap.CacheHits + snap.CacheMisses; lookups > 0 {
		snap.HitRate = float64(snap.CacheHits) / float64(lookups)
	}
	if snap.CompletedTasks > 0 {
		snap.AvgProcessingSeconds = snap.TotalProcessingSeconds / float64(snap.CompletedTasks)
	}
	if !snap.SystemStartTime.IsZero() {
		snap.UptimeSeconds = time.Since(snap.SystemStartTime).Seconds()
	}

	return snap, nil
}

func (a *Aggregator) counter(ctx context.Context, name string) (int64, error) {
	val, err := a.rdb.Get(ctx, keyPrefix+name).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}
