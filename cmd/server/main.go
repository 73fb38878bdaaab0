// Package main implements the HTTP submission and status façade.
//
// API Endpoints:
//
//	POST /submit   - accepts a text-processing request, returns the task ID
//	GET  /status   - returns the persisted task record (?id=<task-id>)
//	GET  /metrics  - returns the aggregated metrics snapshot
//	POST /schedule - registers a cron job submitting a recurring task
//	GET  /stats    - returns the current queue depths
//
// The server only creates work items and reads the lifecycle state the
// workers maintain; all processing happens in cmd/worker.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/acapra/semantiq/pkg/logger"
	"github.com/acapra/semantiq/pkg/metrics"
	"github.com/acapra/semantiq/pkg/queue"
	"github.com/acapra/semantiq/pkg/store"
	"github.com/acapra/semantiq/pkg/tasks"
)

// api bundles the dependencies the handlers need.
type api struct {
	queue   *queue.Client
	store   *store.StatusStore
	metrics *metrics.Aggregator
	apiKey  string
}

// authMiddleware enforces API key authentication when a key is configured.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requiredKey == "" {
			next(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// enableCORS adds CORS headers and answers preflight requests.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// setupRouter configures the HTTP handlers and returns the mux.
// CORS runs before auth so preflight requests don't fail authentication.
func setupRouter(a *api) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/submit", enableCORS(authMiddleware(a.handleSubmit, a.apiKey)))
	mux.HandleFunc("/status", enableCORS(authMiddleware(a.handleStatus, a.apiKey)))
	mux.HandleFunc("/metrics", enableCORS(authMiddleware(a.handleMetrics, a.apiKey)))
	mux.HandleFunc("/schedule", enableCORS(authMiddleware(a.handleSchedule, a.apiKey)))
	mux.HandleFunc("/stats", enableCORS(authMiddleware(a.handleStats, a.apiKey)))

	return mux
}

type submitRequest struct {
	Text     string       `json:"text"`
	TaskType string       `json:"task_type"`
	Params   tasks.Params `json:"params"`
}

func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	task := tasks.Task{
		ID:        uuid.New().String(),
		Text:      req.Text,
		Type:      tasks.ParseType(req.TaskType),
		Status:    tasks.StatusPending,
		CreatedAt: time.Now(),
		Params:    req.Params,
	}

	ctx := r.Context()
	if err := a.store.Save(ctx, &task); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := a.queue.Enqueue(ctx, task); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.metrics.Increment(ctx, metrics.CounterTotalTasks, 1)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"task_id": task.ID})
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("id")
	if taskID == "" {
		http.Error(w, "Missing task ID", http.StatusBadRequest)
		return
	}

	task, err := a.store.Get(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(task)
}

func (a *api) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, err := a.metrics.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

type scheduleRequest struct {
	Spec     string       `json:"spec"`
	Text     string       `json:"text"`
	TaskType string       `json:"task_type"`
	Params   tasks.Params `json:"params"`
}

func (a *api) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	template := tasks.Task{
		Text:   req.Text,
		Type:   tasks.ParseType(req.TaskType),
		Params: req.Params,
	}

	entryID, err := a.queue.Schedule(req.Spec, template)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid cron spec: %v", err), http.StatusBadRequest)
		return
	}

	fmt.Fprintf(w, "Job scheduled with EntryID: %d\n", entryID)
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	depths := a.queue.Depths(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(depths)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func main() {
	redisAddr := envOr("REDIS_ADDR", "127.0.0.1:6379")
	listenAddr := envOr("LISTEN_ADDR", ":8081")

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	q := queue.NewClient(rdb)

	q.StartCronScheduler()
	defer q.StopCronScheduler()

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	}

	a := &api{
		queue:   q,
		store:   store.New(rdb, store.DefaultTTL),
		metrics: metrics.New(context.Background(), rdb),
		apiKey:  apiKey,
	}

	logger.Log.Info().Str("addr", listenAddr).Msg("Server listening")
	if err := http.ListenAndServe(listenAddr, setupRouter(a)); err != nil {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
