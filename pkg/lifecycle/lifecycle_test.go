package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/acapra/semantiq/pkg/cache"
	"github.com/acapra/semantiq/pkg/metrics"
	"github.com/acapra/semantiq/pkg/queue"
	"github.com/acapra/semantiq/pkg/ratelimit"
	"github.com/acapra/semantiq/pkg/store"
	"github.com/acapra/semantiq/pkg/tasks"
)

// fakeEmbedder maps known texts to fixed vectors so similarity is
// controllable from the test.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

// fakeModel counts calls and can fail a configured number of times.
type fakeModel struct {
	calls     int
	failTimes int
	response  string
}

func (f *fakeModel) Generate(_ context.Context, _ string, _ tasks.Type, _ tasks.Params) (string, tasks.Usage, error) {
	f.calls++
	if f.calls <= f.failTimes {
		return "", tasks.Usage{}, errors.New("upstream overloaded")
	}
	return f.response, tasks.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
}

type fixture struct {
	runner  *Runner
	store   *store.StatusStore
	cache   *cache.SemanticCache
	queue   *queue.Client
	metrics *metrics.Aggregator
	model   *fakeModel
}

func setupFixture(t *testing.T, embedder *fakeEmbedder, mdl *fakeModel) *fixture {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	agg := metrics.New(context.Background(), rdb)
	st := store.New(rdb, time.Hour)
	sc := cache.New(rdb, cache.NewMemoryIndex(), agg, cache.Config{Threshold: 0.9})
	q := queue.NewClient(rdb)

	runner := New(st, sc, q, ratelimit.New(1000, time.Second), embedder, mdl, agg, Config{
		MaxAttempts: 3,
		Backoff:     10 * time.Millisecond,
	})

	return &fixture{runner: runner, store: st, cache: sc, queue: q, metrics: agg, model: mdl}
}

func newTask(id, text string, taskType tasks.Type) *tasks.Task {
	return &tasks.Task{
		ID:        id,
		Text:      text,
		Type:      taskType,
		Status:    tasks.StatusPending,
		CreatedAt: time.Now(),
	}
}

func TestCacheMissSuccess(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"I love this": {1, 0, 0}}}
	fx := setupFixture(t, emb, &fakeModel{response: "positive"})
	ctx := context.Background()

	task := newTask("t1", "I love this", tasks.TypeSentimentAnalysis)
	outcome := fx.runner.Process(ctx, task, "{}")
	if outcome != OutcomeSuccess {
		t.Fatalf("Expected success, got %s", outcome)
	}

	got, err := fx.store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != tasks.StatusSuccess {
		t.Errorf("Expected SUCCESS, got %s", got.Status)
	}
	if got.Result == nil {
		t.Fatal("Expected non-nil result on SUCCESS")
	}
	if got.Result.FromCache {
		t.Error("Expected from_cache=false on first request")
	}
	if got.Result.Response != "positive" {
		t.Errorf("Expected model response, got %q", got.Result.Response)
	}
	if got.Error != "" {
		t.Errorf("Expected empty error on SUCCESS, got %q", got.Error)
	}
	if got.AttemptCount != 1 {
		t.Errorf("Expected attempt count 1, got %d", got.AttemptCount)
	}

	snap, _ := fx.metrics.Snapshot(ctx)
	if snap.CacheMisses != 1 {
		t.Errorf("Expected cache_misses=1, got %d", snap.CacheMisses)
	}
	if snap.CompletedTasks != 1 {
		t.Errorf("Expected completed_tasks=1, got %d", snap.CompletedTasks)
	}
	if snap.TotalProcessingSeconds <= 0 {
		t.Error("Expected processing time to be recorded")
	}
}

// A semantically near-duplicate request must resolve from the cache
// without calling the model provider.
func TestNearDuplicateHitSkipsModel(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"I love this":                 {1, 0, 0},
		"I really love this product":  {0.995, 0.1, 0},
		"Summarize the annual report": {0.99, 0.12, 0},
	}}
	fx := setupFixture(t, emb, &fakeModel{response: "positive"})
	ctx := context.Background()

	first := newTask("t1", "I love this", tasks.TypeSentimentAnalysis)
	if outcome := fx.runner.Process(ctx, first, "{}"); outcome != OutcomeSuccess {
		t.Fatalf("Expected first task to succeed, got %s", outcome)
	}
	if fx.model.calls != 1 {
		t.Fatalf("Expected 1 model call, got %d", fx.model.calls)
	}

	second := newTask("t2", "I really love this product", tasks.TypeSentimentAnalysis)
	if outcome := fx.runner.Process(ctx, second, "{}"); outcome != OutcomeSuccess {
		t.Fatalf("Expected second task to succeed, got %s", outcome)
	}
	if fx.model.calls != 1 {
		t.Errorf("Expected cached resolution without a model call, got %d calls", fx.model.calls)
	}

	got, err := fx.store.Get(ctx, "t2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Result == nil || !got.Result.FromCache {
		t.Error("Expected from_cache=true on the near-duplicate task")
	}
	if got.Result != nil && got.Result.Similarity < 0.9 {
		t.Errorf("Expected similarity above threshold, got %f", got.Result.Similarity)
	}

	// Same text, different task type: must miss the sentiment bucket
	third := newTask("t3", "Summarize the annual report", tasks.TypeSummarization)
	if outcome := fx.runner.Process(ctx, third, "{}"); outcome != OutcomeSuccess {
		t.Fatalf("Expected third task to succeed, got %s", outcome)
	}
	if fx.model.calls != 2 {
		t.Errorf("Expected cross-type request to call the model, got %d calls", fx.model.calls)
	}

	snap, _ := fx.metrics.Snapshot(ctx)
	if snap.CacheHits != 1 {
		t.Errorf("Expected cache_hits=1, got %d", snap.CacheHits)
	}
}

func TestRetryExhaustionFails(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{}}
	fx := setupFixture(t, emb, &fakeModel{failTimes: 10})
	ctx := context.Background()

	task := newTask("t1", "flaky input", tasks.TypeGeneralAnalysis)

	// Each Process call is one attempt; the worker would normally pick the
	// task back up from the delayed queue between attempts.
	for attempt := 1; attempt <= 2; attempt++ {
		if outcome := fx.runner.Process(ctx, task, "{}"); outcome != OutcomeRetry {
			t.Fatalf("Expected retry on attempt %d, got %s", attempt, outcome)
		}
		if got, _ := fx.store.Get(ctx, "t1"); got.Status != tasks.StatusStarted {
			t.Errorf("Expected task to stay STARTED while retrying, got %s", got.Status)
		}
	}

	if outcome := fx.runner.Process(ctx, task, "{}"); outcome != OutcomeFailure {
		t.Fatalf("Expected failure on the final attempt, got %s", outcome)
	}

	got, err := fx.store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != tasks.StatusFailure {
		t.Errorf("Expected FAILURE, got %s", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("Expected attempt count 3, got %d", got.AttemptCount)
	}
	if got.Error == "" {
		t.Error("Expected non-null error on FAILURE")
	}
	if got.Result != nil {
		t.Error("Expected nil result on FAILURE")
	}

	snap, _ := fx.metrics.Snapshot(ctx)
	if snap.FailedTasks != 1 {
		t.Errorf("Expected failed_tasks=1, got %d", snap.FailedTasks)
	}
	if snap.CompletedTasks != 0 {
		t.Errorf("Expected completed_tasks=0, got %d", snap.CompletedTasks)
	}
}

func TestTransientFailureThenRecovery(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{}}
	fx := setupFixture(t, emb, &fakeModel{failTimes: 1, response: "recovered"})
	ctx := context.Background()

	task := newTask("t1", "eventually fine", tasks.TypeClassification)

	if outcome := fx.runner.Process(ctx, task, "{}"); outcome != OutcomeRetry {
		t.Fatalf("Expected first attempt to retry, got %s", outcome)
	}
	if outcome := fx.runner.Process(ctx, task, "{}"); outcome != OutcomeSuccess {
		t.Fatalf("Expected second attempt to succeed, got %s", outcome)
	}

	got, _ := fx.store.Get(ctx, "t1")
	if got.Status != tasks.StatusSuccess {
		t.Errorf("Expected SUCCESS after recovery, got %s", got.Status)
	}
	if got.AttemptCount != 2 {
		t.Errorf("Expected attempt count 2, got %d", got.AttemptCount)
	}
}

func TestEmbeddingFailureIsTransient(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("embedding backend down")}
	fx := setupFixture(t, emb, &fakeModel{response: "unused"})
	ctx := context.Background()

	task := newTask("t1", "some text", tasks.TypeSummarization)
	if outcome := fx.runner.Process(ctx, task, "{}"); outcome != OutcomeRetry {
		t.Fatalf("Expected embedding failure to schedule a retry, got %s", outcome)
	}
	if fx.model.calls != 0 {
		t.Errorf("Expected no model call when embedding fails, got %d", fx.model.calls)
	}
}

func TestEmptyTextFailsImmediately(t *testing.T) {
	emb := &fakeEmbedder{}
	fx := setupFixture(t, emb, &fakeModel{response: "unused"})
	ctx := context.Background()

	task := newTask("t1", "", tasks.TypeSentimentAnalysis)
	if outcome := fx.runner.Process(ctx, task, "{}"); outcome != OutcomeFailure {
		t.Fatalf("Expected validation to fail the task immediately, got %s", outcome)
	}

	got, _ := fx.store.Get(ctx, "t1")
	if got.Status != tasks.StatusFailure {
		t.Errorf("Expected FAILURE, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("Expected a single attempt for a validation error, got %d", got.AttemptCount)
	}
	if fx.model.calls != 0 {
		t.Errorf("Expected no model call for invalid input, got %d", fx.model.calls)
	}
}

func TestRetryGoesToDelayedQueue(t *testing.T) {
	emb := &fakeEmbedder{}
	fx := setupFixture(t, emb, &fakeModel{failTimes: 10})
	ctx := context.Background()

	task := newTask("t1", "flaky input", tasks.TypeGeneralAnalysis)
	if outcome := fx.runner.Process(ctx, task, "{}"); outcome != OutcomeRetry {
		t.Fatalf("Expected retry, got %s", outcome)
	}

	depths := fx.queue.Depths(ctx)
	if depths["queue:delayed"] != 1 {
		t.Errorf("Expected retry scheduled in delayed queue, got depth %d", depths["queue:delayed"])
	}
}
