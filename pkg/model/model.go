// Package model wraps the text-generation backend. Like embedding failures,
// generation failures are transient: the calling task is scheduled for
// another attempt rather than failed immediately.
package model

import (
	"context"

	"github.com/acapra/semantiq/pkg/tasks"
)

// Provider generates a response for the given input text and task type.
type Provider interface {
	Generate(ctx context.Context, text string, taskType tasks.Type, params tasks.Params) (string, tasks.Usage, error)
}
