package aidetect

import (
	"bytes"
	"context"
	"fmt"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"
)

// DefaultHashSide is the side of the DCT grid used by PerceptualEmbedder,
// giving DefaultHashSide² dimensions.
const DefaultHashSide = 16

// PerceptualEmbedder embeds images in-process as an extended perceptual hash:
// each hash bit becomes +1 or -1, so the cosine similarity of two embeddings
// is 1 - 2·hamming/bits. The corpus must have been built with the same side.
type PerceptualEmbedder struct {
	Side int // default: DefaultHashSide
}

// Embed implements Embedder.
func (p PerceptualEmbedder) Embed(ctx context.Context, data []byte) (Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	side := p.Side
	if side <= 0 {
		side = DefaultHashSide
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}

	hash, err := goimagehash.ExtPerceptionHash(img, side, side)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	return hashToVector(hash.GetHash(), side*side), nil
}

// hashToVector spreads the hash bits into a ±1 vector of length bits.
func hashToVector(words []uint64, bits int) Vector {
	vec := make(Vector, bits)
	for i := range vec {
		w := i / 64 //nolint:mnd // bits per word
		if w < len(words) && words[w]&(1<<uint(i%64)) != 0 {
			vec[i] = 1
		} else {
			vec[i] = -1
		}
	}
	return vec
}
