package aidetect

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// Detection is a classification model's answer for one image.
type Detection struct {
	Model         string             `json:"model_name"`
	IsAIGenerated bool               `json:"is_ai_generated"`
	Confidence    float64            `json:"confidence"` // confidence in IsAIGenerated, [0,1]
	RawScores     map[string]float64 `json:"raw_scores,omitempty"`
}

// AILikelihood reorients the model confidence to the shared polarity:
// the probability that the image is AI-generated.
func (d Detection) AILikelihood() float64 {
	c := clamp01(d.Confidence)
	if d.IsAIGenerated {
		return c
	}
	return 1 - c
}

// DetectionEvidence explains a detection-layer score.
type DetectionEvidence struct {
	Detection
}

// Summary implements Evidence.
func (e DetectionEvidence) Summary() string {
	verdict := "real"
	if e.IsAIGenerated {
		verdict = "AI-generated"
	}
	model := e.Model
	if model == "" {
		model = "detection model"
	}
	return fmt.Sprintf("%s classifies the image as %s with confidence %.3f", model, verdict, clamp01(e.Confidence))
}

// ScoreDetection turns a model answer into the detection layer result.
func ScoreDetection(d Detection) LayerResult {
	return LayerResult{
		Layer:    LayerDetection,
		Score:    d.AILikelihood(),
		Evidence: DetectionEvidence{Detection: d},
	}
}

// ImageInput represents an image for multimodal LLM classification.
type ImageInput struct {
	URL      string // data: URI or HTTP URL
	MIMEType string // e.g. "image/jpeg"
}

// dataURL inlines image bytes for multimodal LLM requests.
func dataURL(data []byte, mimeType string) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Classifier abstracts multimodal LLM calls for image classification.
type Classifier interface {
	Classify(ctx context.Context, prompt string, images []ImageInput) (string, error)
}

// VisionPrompt is the default instruction for LLM-based AI-image detection.
const VisionPrompt = `You are a forensic image analyst. Decide whether this image was
produced by a generative AI model (diffusion, GAN, text-to-image service) or
captured by a real camera.

Answer with exactly one word followed by your confidence between 0 and 1:
- AI <confidence>: the image is AI-generated or substantially AI-edited.
- REAL <confidence>: the image is a real photograph or human-made artwork.

Examples: "AI 0.93", "REAL 0.71".

Answer:`

const defaultVisionConfidence = 0.75

// VisionDetector adapts a multimodal LLM Classifier into a Detector.
type VisionDetector struct {
	Classifier Classifier
	Prompt     string // default: VisionPrompt
	Model      string // reported in Detection.Model; default "vision-llm"
}

// Detect implements Detector. LLM errors and unparsable answers are reported
// as ErrModelUnavailable so the pipeline can retry them.
func (v *VisionDetector) Detect(ctx context.Context, data []byte) (Detection, error) {
	if v.Classifier == nil {
		return Detection{}, fmt.Errorf("%w: no classifier configured", ErrModelUnavailable)
	}
	prompt := v.Prompt
	if prompt == "" {
		prompt = VisionPrompt
	}
	model := v.Model
	if model == "" {
		model = "vision-llm"
	}

	mime := http.DetectContentType(data)
	resp, err := v.Classifier.Classify(ctx, prompt, []ImageInput{{URL: dataURL(data, mime), MIMEType: mime}})
	if err != nil {
		slog.Debug("aidetect: vision LLM error", "error", err.Error())
		return Detection{}, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	slog.Debug("aidetect: vision result", "response", resp)
	label, conf, ok := ParseVisionResponse(resp)
	if !ok {
		return Detection{}, fmt.Errorf("%w: unparsable answer %q", ErrModelUnavailable, resp)
	}
	return Detection{
		Model:         model,
		IsAIGenerated: label == "AI",
		Confidence:    conf,
		RawScores:     map[string]float64{strings.ToLower(label): conf},
	}, nil
}

// ParseVisionResponse normalizes an LLM answer to ("AI"|"REAL", confidence).
// A missing or malformed confidence falls back to 0.75. ok is false when the
// answer names neither label.
func ParseVisionResponse(resp string) (label string, confidence float64, ok bool) {
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(resp)))
	if len(fields) == 0 {
		return "", 0, false
	}
	word := strings.Trim(fields[0], ".,:;!-")
	switch {
	case word == "AI" || strings.HasPrefix(word, "AI-") || strings.HasPrefix(word, "ARTIFICIAL"):
		label = "AI"
	case strings.HasPrefix(word, "REAL") || strings.HasPrefix(word, "HUMAN"):
		label = "REAL"
	default:
		return "", 0, false
	}

	confidence = defaultVisionConfidence
	for _, f := range fields[1:] {
		f = strings.Trim(f, "()[],;:-—")
		f = strings.TrimSuffix(f, "%")
		if v, err := strconv.ParseFloat(f, 64); err == nil {
			if v > 1 && v <= 100 {
				v /= 100
			}
			confidence = clamp01(v)
			break
		}
	}
	return label, confidence, true
}
