package aidetect

import (
	"math"
	"time"
)

// Layer names, in the fixed order they appear in a verdict.
const (
	LayerHash      = "hash"
	LayerMetadata  = "metadata"
	LayerDetection = "detection"
)

// Evidence is the structured detail behind a layer score.
type Evidence interface {
	// Summary renders the evidence as one deterministic line of text.
	Summary() string
}

// LayerResult is one evidence source's output. Score is always the
// probability that the image is AI-generated, for every layer.
type LayerResult struct {
	Layer    string        `json:"layer"`
	Score    float64       `json:"score"`
	Evidence Evidence      `json:"evidence"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// clamp01 limits v to [0,1]. NaN maps to 0.
func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
