package aidetect

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Label is the final classification of an image.
type Label string

const (
	LabelAIGenerated    Label = "ai_generated"
	LabelHumanGenerated Label = "human_generated"
)

// DecisionThreshold is the final score at and above which an image is
// labelled ai_generated.
const DecisionThreshold = 0.5

// tieEpsilon treats layer strengths closer than this as tied.
const tieEpsilon = 1e-9

// Weights are the fixed layer weights of the aggregator. They must sum to 1.
type Weights struct {
	Hash      float64 `json:"hash"`
	Metadata  float64 `json:"metadata"`
	Detection float64 `json:"detection"`
}

// DefaultWeights favour metadata, the layer with the most direct evidence.
var DefaultWeights = Weights{Hash: 0.3, Metadata: 0.4, Detection: 0.3}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Hash + w.Metadata + w.Detection
}

// Validate checks that every weight is non-negative and that they sum to 1.
func (w Weights) Validate() error {
	if w.Hash < 0 || w.Metadata < 0 || w.Detection < 0 {
		return fmt.Errorf("aidetect: negative layer weight in %+v", w)
	}
	if math.Abs(w.Sum()-1) > 1e-9 {
		return fmt.Errorf("aidetect: layer weights sum to %v, want 1", w.Sum())
	}
	return nil
}

// FinalVerdict is the reconciled result for one image. Layers are always
// hash, metadata, detection, in that order.
type FinalVerdict struct {
	ID         string        `json:"id"`
	Filename   string        `json:"filename"`
	FinalScore float64       `json:"final_score"`
	Label      Label         `json:"label"`
	Reasoning  string        `json:"reasoning"`
	Layers     []LayerResult `json:"per_layer"`
	AnalyzedAt time.Time     `json:"analyzed_at"`
	Duration   time.Duration `json:"duration_ns"`
}

// Layer returns the result for the named layer.
func (v *FinalVerdict) Layer(name string) (LayerResult, bool) {
	for _, l := range v.Layers {
		if l.Layer == name {
			return l, true
		}
	}
	return LayerResult{}, false
}

// FinalScore combines the three layer scores. Inputs are clamped to [0,1]
// first, so the result is always in [0,1] for valid weights.
func (w Weights) FinalScore(hash, metadata, detection float64) float64 {
	return clamp01(w.Hash*clamp01(hash) + w.Metadata*clamp01(metadata) + w.Detection*clamp01(detection))
}

// LabelFor maps a final score to a label.
func LabelFor(score float64) Label {
	if score >= DecisionThreshold {
		return LabelAIGenerated
	}
	return LabelHumanGenerated
}

// Aggregate reconciles the three layer results into a final score, label and
// reasoning. It is a pure function of its inputs.
func (w Weights) Aggregate(hash, metadata, detection LayerResult) (float64, Label, string) {
	score := w.FinalScore(hash.Score, metadata.Score, detection.Score)
	label := LabelFor(score)
	return score, label, reasoning(score, label, []LayerResult{hash, metadata, detection})
}

// reasoning names the layer(s) whose score lies furthest from 0.5, with
// their evidence. Ties list every tied layer in layer order.
func reasoning(score float64, label Label, layers []LayerResult) string {
	strongest := -1.0
	for _, l := range layers {
		strongest = math.Max(strongest, math.Abs(clamp01(l.Score)-DecisionThreshold))
	}

	var parts []string
	for _, l := range layers {
		if strongest-math.Abs(clamp01(l.Score)-DecisionThreshold) > tieEpsilon {
			continue
		}
		lean := "human"
		if clamp01(l.Score) >= DecisionThreshold {
			lean = "AI"
		}
		summary := ""
		if l.Evidence != nil {
			summary = ": " + l.Evidence.Summary()
		}
		parts = append(parts, fmt.Sprintf("%s layer %.3f (leans %s)%s", l.Layer, clamp01(l.Score), lean, summary))
	}

	return fmt.Sprintf("%s with final score %.3f. Strongest evidence: %s",
		label, score, strings.Join(parts, "; "))
}
