package aidetect

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestParseVisionResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		resp      string
		wantLabel string
		wantConf  float64
		wantOK    bool
	}{
		// Exact answers.
		{name: "AI with confidence", resp: "AI 0.93", wantLabel: "AI", wantConf: 0.93, wantOK: true},
		{name: "REAL with confidence", resp: "REAL 0.71", wantLabel: "REAL", wantConf: 0.71, wantOK: true},

		// Case and punctuation variations.
		{name: "lowercase", resp: "ai 0.6", wantLabel: "AI", wantConf: 0.6, wantOK: true},
		{name: "trailing period", resp: "Real. 0.8", wantLabel: "REAL", wantConf: 0.8, wantOK: true},
		{name: "percent confidence", resp: "AI 87%", wantLabel: "AI", wantConf: 0.87, wantOK: true},
		{name: "parenthesised", resp: "REAL (0.55)", wantLabel: "REAL", wantConf: 0.55, wantOK: true},
		{name: "dash separator", resp: "AI - 0.9", wantLabel: "AI", wantConf: 0.9, wantOK: true},
		{name: "synonym artificial", resp: "ARTIFICIAL 0.7", wantLabel: "AI", wantConf: 0.7, wantOK: true},
		{name: "synonym human", resp: "Human-made 0.66", wantLabel: "REAL", wantConf: 0.66, wantOK: true},

		// Missing confidence falls back to the default.
		{name: "label only", resp: "AI", wantLabel: "AI", wantConf: defaultVisionConfidence, wantOK: true},
		{name: "label with explanation", resp: "REAL - a real photograph", wantLabel: "REAL", wantConf: defaultVisionConfidence, wantOK: true},
		{name: "surrounding whitespace", resp: "\n REAL \n", wantLabel: "REAL", wantConf: defaultVisionConfidence, wantOK: true},

		// Out-of-range confidence is clamped.
		{name: "over 100 clamps", resp: "AI 250", wantLabel: "AI", wantConf: 1, wantOK: true},

		// Empty and garbage.
		{name: "empty string", resp: ""},
		{name: "whitespace only", resp: "   "},
		{name: "refusal", resp: "I cannot classify this image"},
		{name: "unrelated word", resp: "PHOTO 0.9"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			label, conf, ok := ParseVisionResponse(tc.resp)
			if ok != tc.wantOK || label != tc.wantLabel {
				t.Fatalf("ParseVisionResponse(%q) = %q, %v, %v; want %q, %v", tc.resp, label, conf, ok, tc.wantLabel, tc.wantOK)
			}
			if ok && math.Abs(conf-tc.wantConf) > 1e-9 {
				t.Errorf("confidence = %v, want %v", conf, tc.wantConf)
			}
		})
	}
}

// mockClassifier is a test double for the Classifier interface.
type mockClassifier struct {
	response string
	err      error
	calls    int
	prompt   string
	images   []ImageInput
}

func (m *mockClassifier) Classify(_ context.Context, prompt string, images []ImageInput) (string, error) {
	m.calls++
	m.prompt = prompt
	m.images = images
	return m.response, m.err
}

func TestVisionDetectorWithMock(t *testing.T) {
	t.Parallel()

	mc := &mockClassifier{response: "AI 0.9"}
	vd := &VisionDetector{Classifier: mc}

	det, err := vd.Detect(context.Background(), pngBytes(t, 8, 8, 0))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !det.IsAIGenerated || det.Confidence != 0.9 || det.Model != "vision-llm" {
		t.Errorf("Detection = %+v", det)
	}
	if mc.calls != 1 {
		t.Errorf("Classifier.Classify called %d times, want 1", mc.calls)
	}
	if mc.prompt != VisionPrompt {
		t.Error("default prompt not used")
	}
	if len(mc.images) != 1 || mc.images[0].MIMEType != "image/png" ||
		!strings.HasPrefix(mc.images[0].URL, "data:image/png;base64,") {
		t.Errorf("images = %+v", mc.images)
	}
}

func TestVisionDetectorErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		vd   *VisionDetector
	}{
		{name: "nil classifier", vd: &VisionDetector{}},
		{name: "llm error", vd: &VisionDetector{Classifier: &mockClassifier{err: errors.New("quota exceeded")}}},
		{name: "unparsable answer", vd: &VisionDetector{Classifier: &mockClassifier{response: "maybe?"}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := tc.vd.Detect(context.Background(), []byte("img"))
			if !errors.Is(err, ErrModelUnavailable) {
				t.Errorf("Detect error = %v, want ErrModelUnavailable", err)
			}
		})
	}
}

func TestScoreDetectionPolarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		det  Detection
		want float64
	}{
		{name: "confident AI", det: Detection{IsAIGenerated: true, Confidence: 0.9}, want: 0.9},
		{name: "confident real", det: Detection{IsAIGenerated: false, Confidence: 0.9}, want: 0.1},
		{name: "coin flip", det: Detection{IsAIGenerated: true, Confidence: 0.5}, want: 0.5},
		{name: "overconfident clamps", det: Detection{IsAIGenerated: true, Confidence: 1.7}, want: 1},
		{name: "negative clamps", det: Detection{IsAIGenerated: false, Confidence: -0.2}, want: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := ScoreDetection(tc.det)
			if res.Layer != LayerDetection {
				t.Errorf("Layer = %q", res.Layer)
			}
			if math.Abs(res.Score-tc.want) > 1e-9 {
				t.Errorf("Score = %v, want %v", res.Score, tc.want)
			}
		})
	}
}

func TestDetectionEvidenceSummary(t *testing.T) {
	t.Parallel()

	got := DetectionEvidence{Detection{Model: "umm-maybe/AI-image-detector", IsAIGenerated: false, Confidence: 0.9}}.Summary()
	want := "umm-maybe/AI-image-detector classifies the image as real with confidence 0.900"
	if got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
	if got := (DetectionEvidence{Detection{IsAIGenerated: true, Confidence: 0.6}}).Summary(); !strings.HasPrefix(got, "detection model classifies the image as AI-generated") {
		t.Errorf("Summary() = %q", got)
	}
}
