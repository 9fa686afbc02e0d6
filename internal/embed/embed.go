// Package embed defines the embedding capability the engine consumes.
// Providers live upstream; the engine never generates embeddings itself.
package embed

import "context"

// Embedder turns text into a fixed-dimension vector in a named space.
type Embedder interface {
	// Embed returns the vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dims returns the dimensionality of produced vectors.
	Dims() int
}
