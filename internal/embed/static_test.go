package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veille-labs/courant/pkg/similarity"
)

func TestStaticEmbedIsDeterministic(t *testing.T) {
	e := NewStatic(16)
	ctx := context.Background()

	a, err := e.Embed(ctx, "road closed after flooding")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "road closed after flooding")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, e.Dims())
}

func TestStaticEmbedSharedTermsAreSimilar(t *testing.T) {
	e := NewStatic(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "river level rising fast")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "river level rising slowly")
	require.NoError(t, err)
	c, err := e.Embed(ctx, "stadium concert tickets announced")
	require.NoError(t, err)

	assert.Greater(t, similarity.Cosine(a, b), similarity.Cosine(a, c))
}

func TestStaticEmbedUnitNorm(t *testing.T) {
	e := NewStatic(32)
	vec, err := e.Embed(context.Background(), "one two three four")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}
