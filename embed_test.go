package aidetect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerceptualEmbedder(t *testing.T) {
	t.Parallel()

	emb := PerceptualEmbedder{}
	img := pngBytes(t, 96, 96, 3)

	vec, err := emb.Embed(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, vec, DefaultHashSide*DefaultHashSide)
	for i, v := range vec {
		if v != 1 && v != -1 {
			t.Fatalf("vec[%d] = %v, want ±1", i, v)
		}
	}

	// Same pixels re-encoded with trailing bytes embed identically.
	again, err := emb.Embed(context.Background(), withMarker(img, "trailer"))
	require.NoError(t, err)
	assert.Equal(t, vec, again)

	idx, err := NewIndex([]CorpusEntry{{ID: "self", Vector: vec}})
	require.NoError(t, err)
	m, err := idx.Nearest(again)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.Similarity, 1e-6)
}

func TestPerceptualEmbedderCustomSide(t *testing.T) {
	t.Parallel()

	vec, err := PerceptualEmbedder{Side: 8}.Embed(context.Background(), pngBytes(t, 40, 40, 0))
	require.NoError(t, err)
	assert.Len(t, vec, 64)
}

func TestPerceptualEmbedderErrors(t *testing.T) {
	t.Parallel()

	_, err := PerceptualEmbedder{}.Embed(context.Background(), []byte("not an image"))
	require.ErrorIs(t, err, ErrInvalidImage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = PerceptualEmbedder{}.Embed(ctx, pngBytes(t, 8, 8, 0))
	require.ErrorIs(t, err, context.Canceled)
}

func TestHashToVector(t *testing.T) {
	t.Parallel()

	vec := hashToVector([]uint64{0b101}, 4)
	assert.Equal(t, Vector{1, -1, 1, -1}, vec)

	// Bits beyond the provided words are -1.
	assert.Equal(t, Vector{-1, -1}, hashToVector(nil, 2))
}
