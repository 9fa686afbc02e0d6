// Package vector provides common interfaces for vector index implementations.
package vector

import (
	"context"

	"github.com/veille-labs/courant/pkg/models"
)

// Neighbor is one KNN result.
type Neighbor struct {
	DocumentID int64
	Similarity float64 // cosine similarity in [-1, 1]
}

// Index defines the similarity-index operations the engine needs.
// Queries are scoped to an embedding space and a document time window.
type Index interface {
	// Add stores a document's embedding, keyed by (space, document).
	Add(ctx context.Context, spaceID int64, doc *models.Document) error

	// KNN returns up to k nearest neighbors of vec among documents whose
	// published timestamp falls in [windowStart, windowEnd), most similar
	// first. The querying document itself is excluded via selfID.
	KNN(ctx context.Context, spaceID int64, vec []float32, windowStart, windowEnd int64, k int, selfID int64) ([]Neighbor, error)

	// Vectors fetches stored embeddings for the given documents. Missing
	// documents are absent from the result, not an error.
	Vectors(ctx context.Context, spaceID int64, docIDs []int64) (map[int64][]float32, error)

	// Count returns the total number of stored vectors.
	Count(ctx context.Context) (int64, error)

	// Close releases resources.
	Close() error
}
