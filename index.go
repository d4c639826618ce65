package aidetect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// Vector is a fixed-length embedding. Treat it as immutable once produced.
type Vector []float32

// CorpusEntry is one known AI-generated reference image.
type CorpusEntry struct {
	ID     string `json:"id"`
	Vector Vector `json:"vector"`
	Label  string `json:"label"`
}

// Match is the nearest corpus entry for a query.
type Match struct {
	Similarity float64 // cosine similarity in [-1,1]
	ID         string
	Label      string
}

// Index answers nearest-neighbour cosine queries over a static corpus.
// It is immutable after construction and safe for concurrent reads.
type Index struct {
	dim     int
	entries []CorpusEntry
	norms   []float64
}

// NewIndex builds an index from entries. All vectors must share one non-zero
// dimension and have a non-zero norm. The entries are copied.
func NewIndex(entries []CorpusEntry) (*Index, error) {
	if len(entries) == 0 {
		return nil, errors.New("aidetect: empty corpus")
	}

	dim := len(entries[0].Vector)
	if dim == 0 {
		return nil, fmt.Errorf("aidetect: corpus entry %q has an empty vector", entries[0].ID)
	}

	idx := &Index{
		dim:     dim,
		entries: make([]CorpusEntry, len(entries)),
		norms:   make([]float64, len(entries)),
	}
	for i, e := range entries {
		if len(e.Vector) != dim {
			return nil, fmt.Errorf("aidetect: corpus entry %q has dimension %d, want %d", e.ID, len(e.Vector), dim)
		}
		n := norm(e.Vector)
		if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("aidetect: corpus entry %q has a degenerate vector", e.ID)
		}
		vec := make(Vector, dim)
		copy(vec, e.Vector)
		idx.entries[i] = CorpusEntry{ID: e.ID, Vector: vec, Label: e.Label}
		idx.norms[i] = n
	}
	return idx, nil
}

// LoadIndex loads the corpus through loader and builds the index.
// Any failure is reported as ErrIndexUnavailable; callers should treat it
// as fatal at startup.
func LoadIndex(ctx context.Context, loader CorpusLoader) (*Index, error) {
	if loader == nil {
		return nil, fmt.Errorf("%w: no corpus loader", ErrIndexUnavailable)
	}
	entries, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	idx, err := NewIndex(entries)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	slog.Info("aidetect: corpus loaded", "entries", idx.Len(), "dim", idx.Dim())
	return idx, nil
}

// Len returns the number of corpus entries.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.entries)
}

// Dim returns the embedding dimension.
func (idx *Index) Dim() int {
	if idx == nil {
		return 0
	}
	return idx.dim
}

// Nearest returns the corpus entry with the highest cosine similarity to
// query. Ties keep the earliest entry. A zero query has similarity 0.
func (idx *Index) Nearest(query Vector) (Match, error) {
	if idx == nil || len(idx.entries) == 0 {
		return Match{}, ErrIndexUnavailable
	}
	if len(query) != idx.dim {
		return Match{}, fmt.Errorf("%w: query dimension %d, index dimension %d", ErrEmbeddingFailed, len(query), idx.dim)
	}

	qn := norm(query)
	if qn == 0 || math.IsNaN(qn) || math.IsInf(qn, 0) {
		e := idx.entries[0]
		return Match{Similarity: 0, ID: e.ID, Label: e.Label}, nil
	}

	best := -1
	bestSim := math.Inf(-1)
	for i, e := range idx.entries {
		sim := dot(query, e.Vector) / (qn * idx.norms[i])
		if sim > bestSim {
			bestSim = sim
			best = i
		}
	}

	// Rounding can push |sim| a hair past 1.
	bestSim = math.Max(-1, math.Min(1, bestSim))
	e := idx.entries[best]
	return Match{Similarity: bestSim, ID: e.ID, Label: e.Label}, nil
}

func dot(a, b Vector) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func norm(v Vector) float64 {
	return math.Sqrt(dot(v, v))
}
