package embed

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/veille-labs/courant/pkg/similarity"
)

// Static is a deterministic term-hashing embedder. It exists for tests
// and local development where no provider is reachable; texts that share
// terms produce similar vectors.
type Static struct {
	dims int
}

// NewStatic creates a static embedder with the given dimensionality.
func NewStatic(dims int) *Static {
	return &Static{dims: dims}
}

// Embed hashes each whitespace-separated term into a bucket and
// normalizes the result to unit length.
func (s *Static) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, s.dims)
	for _, term := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(term))
		vec[int(h.Sum32())%s.dims]++
	}
	return similarity.Normalize(vec), nil
}

// Dims returns the vector dimensionality.
func (s *Static) Dims() int { return s.dims }
