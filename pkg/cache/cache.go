// Package cache implements the semantic response cache. Instead of exact
// text matching, a lookup searches the vector index of the task-type bucket
// for the nearest stored query and accepts it when its similarity clears the
// configured threshold.
//
// Cache failures never fail a task: an unreachable index degrades a lookup
// to a miss and a failed store is logged and swallowed, because the task
// already holds a valid result at that point.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acapra/semantiq/pkg/logger"
	"github.com/acapra/semantiq/pkg/metrics"
	"github.com/acapra/semantiq/pkg/tasks"
)

const (
	// DefaultThreshold is the similarity cutoff below which a miss is
	// forced even when a nearest neighbor exists.
	DefaultThreshold = 0.90

	// DefaultTTL is how long a cached response stays usable.
	DefaultTTL = time.Hour
)

var log = logger.With("cache")

// Entry is one memoized (query, response) pair. Entries are immutable after
// creation; they expire via TTL or are superseded by a newer write with the
// same derived key.
type Entry struct {
	QueryText    string            `json:"query_text"`
	Embedding    []float32         `json:"embedding"`
	ResponseText string            `json:"response_text"`
	TaskType     tasks.Type        `json:"task_type"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	StoredAt     time.Time         `json:"stored_at"`
	TTLSeconds   int               `json:"ttl_seconds"`
}

// Hit is the outcome of a successful lookup.
type Hit struct {
	ResponseText string
	Similarity   float64
	Metadata     map[string]string
}

// SemanticCache wraps a VectorIndex with the hit/miss decision policy and
// keeps response records in Redis under the cache TTL. Hit/miss counters go
// through the metrics aggregator.
type SemanticCache struct {
	rdb       *redis.Client
	index     VectorIndex
	metrics   *metrics.Aggregator
	threshold float64
	ttl       time.Duration
}

// Config tunes the cache. Zero values fall back to the defaults above.
type Config struct {
	Threshold float64
	TTL       time.Duration
}

// New creates a SemanticCache over the given index and Redis connection.
func New(rdb *redis.Client, index VectorIndex, agg *metrics.Aggregator, cfg Config) *SemanticCache {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &SemanticCache{
		rdb:       rdb,
		index:     index,
		metrics:   agg,
		threshold: cfg.Threshold,
		ttl:       cfg.TTL,
	}
}

// DerivedKey is the stable identity of a cache entry: a hash over task type
// and query text, so repeated identical queries overwrite one entry instead
// of accumulating near-duplicates.
func DerivedKey(taskType tasks.Type, queryText string) string {
	sum := sha256.Sum256([]byte(string(taskType) + "\n" + queryText))
	return hex.EncodeToString(sum[:])
}

// Lookup searches the task-type bucket for the nearest stored query and
// returns its response when the similarity clears the threshold. Similarity
// is derived from cosine distance d in [0, 2] as 1 - d/2. Any index or
// record failure degrades to a miss.
func (c *SemanticCache) Lookup(ctx context.Context, vector []float32, taskType tasks.Type) (*Hit, bool) {
	matches, err := c.index.Query(ctx, string(taskType), vector, 1)
	if err != nil {
		log.Warn().Err(err).Str("task_type", string(taskType)).Msg("Vector index unavailable, treating as miss")
		c.metrics.Increment(ctx, metrics.CounterCacheMisses, 1)
		return nil, false
	}

	if len(matches) == 0 {
		c.metrics.Increment(ctx, metrics.CounterCacheMisses, 1)
		return nil, false
	}

	best := matches[0]
	similarity := 1 - best.Distance/2
	if similarity < c.threshold {
		c.metrics.Increment(ctx, metrics.CounterCacheMisses, 1)
		return nil, false
	}

	entry, err := c.loadEntry(ctx, best.Key)
	if err != nil {
		// Expired or unreadable record behind a live index point
		log.Debug().Err(err).Str("key", best.Key).Msg("Cache record unavailable, treating as miss")
		c.metrics.Increment(ctx, metrics.CounterCacheMisses, 1)
		return nil, false
	}

	c.metrics.Increment(ctx, metrics.CounterCacheHits, 1)
	log.Info().
		Str("task_type", string(taskType)).
		Float64("similarity", similarity).
		Msg("Cache hit")

	return &Hit{
		ResponseText: entry.ResponseText,
		Similarity:   similarity,
		Metadata:     entry.Metadata,
	}, true
}

// Store inserts a new entry keyed by the derived key with the configured
// TTL. Concurrent stores for the same key are last-writer-wins, which is
// acceptable because responses for the same key are equivalent. The caller
// is expected to log and ignore the returned error.
func (c *SemanticCache) Store(ctx context.Context, queryText string, vector []float32, responseText string, taskType tasks.Type, metadata map[string]string) error {
	key := DerivedKey(taskType, queryText)

	entry := Entry{
		QueryText:    queryText,
		Embedding:    vector,
		ResponseText: responseText,
		TaskType:     taskType,
		Metadata:     metadata,
		StoredAt:     time.Now(),
		TTLSeconds:   int(c.ttl.Seconds()),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := c.rdb.Set(ctx, entryKey(key), data, c.ttl).Err(); err != nil {
		return err
	}
	return c.index.Insert(ctx, string(taskType), key, vector)
}

func (c *SemanticCache) loadEntry(ctx context.Context, key string) (*Entry, error) {
	raw, err := c.rdb.Get(ctx, entryKey(key)).Result()
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func entryKey(key string) string {
	return "cache:" + key
}
