package aidetect

import (
	"fmt"
	"math"
)

// Similarity band breakpoints for the hash layer.
const (
	HashLowSimilarity  = 0.70
	HashHighSimilarity = 0.85
)

// Hash bands reported in HashEvidence.
const (
	BandNoMatch   = "no_match"
	BandUncertain = "uncertain"
	BandMatch     = "match"
)

// HashEvidence explains a hash-layer score.
type HashEvidence struct {
	BestSimilarity float64 `json:"best_similarity"`
	MatchedID      string  `json:"matched_id"`
	MatchedLabel   string  `json:"matched_label,omitempty"`
	Band           string  `json:"band"`
}

// Summary implements Evidence.
func (e HashEvidence) Summary() string {
	ref := e.MatchedID
	if e.MatchedLabel != "" {
		ref += " (" + e.MatchedLabel + ")"
	}
	switch e.Band {
	case BandMatch:
		return fmt.Sprintf("matches known AI image %s with similarity %.3f", ref, e.BestSimilarity)
	case BandUncertain:
		return fmt.Sprintf("partial similarity %.3f to known AI image %s", e.BestSimilarity, ref)
	default:
		return fmt.Sprintf("no close match in AI corpus (best similarity %.3f)", e.BestSimilarity)
	}
}

// HashScore maps the best corpus similarity to an AI-likelihood.
// It is 0 up to HashLowSimilarity, 1 from HashHighSimilarity, and linear in
// between, so it is continuous and non-decreasing.
func HashScore(similarity float64) float64 {
	switch {
	case math.IsNaN(similarity) || similarity <= HashLowSimilarity:
		return 0
	case similarity >= HashHighSimilarity:
		return 1
	default:
		return clamp01((similarity - HashLowSimilarity) / (HashHighSimilarity - HashLowSimilarity))
	}
}

func hashBand(similarity float64) string {
	switch {
	case math.IsNaN(similarity) || similarity <= HashLowSimilarity:
		return BandNoMatch
	case similarity >= HashHighSimilarity:
		return BandMatch
	default:
		return BandUncertain
	}
}

// ScoreHash turns the nearest corpus match into the hash layer result.
func ScoreHash(m Match) LayerResult {
	return LayerResult{
		Layer: LayerHash,
		Score: HashScore(m.Similarity),
		Evidence: HashEvidence{
			BestSimilarity: m.Similarity,
			MatchedID:      m.ID,
			MatchedLabel:   m.Label,
			Band:           hashBand(m.Similarity),
		},
	}
}
