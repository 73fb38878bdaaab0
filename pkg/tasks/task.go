// Package tasks defines the core data structures for text-processing work
// items. A Task is one unit of work flowing through the dispatch pipeline:
// it is created on submission, driven through its lifecycle by exactly one
// worker, and persisted as the externally visible source of truth.
package tasks

import (
	"errors"
	"time"
)

// Type categorizes a task and selects the analysis performed by the model
// backend. It also names the semantic cache bucket the task searches, so a
// cached answer for one type can never satisfy a request of another.
type Type string

const (
	TypeSentimentAnalysis Type = "sentiment_analysis"
	TypeSummarization     Type = "summarization"
	TypeClassification    Type = "classification"
	TypeQuestionAnswering Type = "question_answering"
	TypeGeneralAnalysis   Type = "general_analysis"
)

// ParseType maps a wire string to a known task type. Unrecognized values
// fall back to general analysis rather than failing the request.
func ParseType(s string) Type {
	switch Type(s) {
	case TypeSentimentAnalysis, TypeSummarization, TypeClassification, TypeQuestionAnswering, TypeGeneralAnalysis:
		return Type(s)
	default:
		return TypeGeneralAnalysis
	}
}

// Status is the externally visible lifecycle state of a task.
// Transitions are monotonic: PENDING -> STARTED -> {SUCCESS | FAILURE}.
// A retry keeps the task in STARTED until it either succeeds or exhausts
// its attempts; pollers never observe an intermediate retry state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Usage holds token accounting returned by the model backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the structured payload of a successfully completed task.
// ProcessingSeconds measures the attempt that succeeded, not the cumulative
// time across retries.
type Result struct {
	Response          string  `json:"response"`
	FromCache         bool    `json:"from_cache"`
	Similarity        float64 `json:"similarity,omitempty"`
	Model             string  `json:"model,omitempty"`
	Usage             Usage   `json:"usage"`
	ProcessingSeconds float64 `json:"processing_seconds"`
}

// Params are the generation parameters forwarded to the model backend.
type Params struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Model       string  `json:"model,omitempty"`
}

// Task represents one text-processing work item.
//
// Invariants: Result is non-nil if and only if Status is SUCCESS; Error is
// non-empty if and only if Status is FAILURE; AttemptCount never exceeds the
// configured maximum number of attempts.
type Task struct {
	ID           string     `json:"id"`
	Text         string     `json:"text"`
	Type         Type       `json:"task_type"`
	Status       Status     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Result       *Result    `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	Params       Params     `json:"params,omitempty"`
}

// ErrEmptyText indicates a submission with no input payload. It is not
// retryable; the task fails immediately.
var ErrEmptyText = errors.New("task text is empty")

// Validate checks that the task is well formed enough to process.
func (t *Task) Validate() error {
	if t.Text == "" {
		return ErrEmptyText
	}
	return nil
}
