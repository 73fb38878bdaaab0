// Package embedding turns text into fixed-length vectors for the semantic
// cache. Provider failures are transient from the pipeline's point of view:
// the task that triggered the call is retried, not failed outright.
package embedding

import "context"

// Provider generates an embedding vector for a piece of text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the length of the vectors this provider emits.
	Dimensions() int
}
