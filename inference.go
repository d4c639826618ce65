package aidetect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultInferenceTimeout = 60 * time.Second
	maxInferenceResponse    = 1 << 20 // 1MB
)

// Label keywords folded into the AI / real buckets of a classifier response.
var (
	aiLabelKeys   = []string{"artificial", "fake", "generated", "synthetic", "ai"}
	realLabelKeys = []string{"human", "real", "authentic", "natural", "hum"}
)

// HTTPDetector calls an image-classification inference endpoint that accepts
// raw image bytes and answers with [{"label": ..., "score": ...}], as served by
// HuggingFace inference endpoints.
type HTTPDetector struct {
	URL        string
	Model      string       // reported in Detection.Model
	Token      string       // optional bearer token
	HTTPClient *http.Client // default: client with a 60s timeout
}

// Detect implements Detector.
func (d *HTTPDetector) Detect(ctx context.Context, data []byte) (Detection, error) {
	body, err := postImage(ctx, d.HTTPClient, d.URL, d.Token, data, ErrModelUnavailable)
	if err != nil {
		return Detection{}, err
	}

	var labels []struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(body, &labels); err != nil {
		// Some endpoints wrap the list once more: [[{...}]].
		var nested [][]struct {
			Label string  `json:"label"`
			Score float64 `json:"score"`
		}
		if err2 := json.Unmarshal(body, &nested); err2 != nil || len(nested) == 0 {
			return Detection{}, fmt.Errorf("%w: decode response: %w", ErrModelUnavailable, err)
		}
		labels = nested[0]
	}
	if len(labels) == 0 {
		return Detection{}, fmt.Errorf("%w: empty classification", ErrModelUnavailable)
	}

	raw := make(map[string]float64, len(labels))
	for _, l := range labels {
		raw[l.Label] = l.Score
	}
	det := FoldLabels(raw)
	det.Model = d.Model
	return det, nil
}

// FoldLabels sums classifier label scores into AI and real buckets and
// returns the winning side with its summed score as confidence. Ties count
// as real.
func FoldLabels(raw map[string]float64) Detection {
	var aiScore, realScore float64
	for label, score := range raw {
		lower := strings.ToLower(label)
		switch {
		case containsAny(lower, aiLabelKeys):
			aiScore += score
		case containsAny(lower, realLabelKeys):
			realScore += score
		}
	}
	isAI := aiScore > realScore
	conf := realScore
	if isAI {
		conf = aiScore
	}
	return Detection{
		IsAIGenerated: isAI,
		Confidence:    clamp01(conf),
		RawScores:     raw,
	}
}

// HTTPEmbedder calls a feature-extraction endpoint that accepts raw image
// bytes and answers with {"embedding": [...]} or a bare JSON array.
type HTTPEmbedder struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

// Embed implements Embedder.
func (e *HTTPEmbedder) Embed(ctx context.Context, data []byte) (Vector, error) {
	body, err := postImage(ctx, e.HTTPClient, e.URL, e.Token, data, ErrEmbeddingFailed)
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Embedding Vector `json:"embedding"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Embedding) > 0 {
		return wrapped.Embedding, nil
	}
	var bare Vector
	if err := json.Unmarshal(body, &bare); err != nil || len(bare) == 0 {
		return nil, fmt.Errorf("%w: response carries no embedding", ErrEmbeddingFailed)
	}
	return bare, nil
}

// postImage sends data to url and returns the response body. Transport
// failures and 5xx answers wrap unavailable; 400/415/422 wrap ErrInvalidImage.
func postImage(ctx context.Context, client *http.Client, url, token string, data []byte, unavailable error) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultInferenceTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", unavailable, err)
	}
	req.Header.Set("Content-Type", http.DetectContentType(data))
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req) //nolint:gosec // G704: endpoint URL comes from operator config
	if err != nil {
		return nil, fmt.Errorf("%w: %w", unavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInferenceResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", unavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnsupportedMediaType,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: endpoint rejected image: %s", ErrInvalidImage, strings.TrimSpace(string(body)))
	default:
		return nil, fmt.Errorf("%w: endpoint status %d", unavailable, resp.StatusCode)
	}
}

func containsAny(s string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
