// Package aidetect estimates whether an image is AI-generated by reconciling
// three weakly-correlated evidence layers (perceptual similarity to a corpus
// of known AI images, metadata authenticity, and an external detection model)
// into one weighted verdict with a human-readable justification.
package aidetect

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

const (
	// DefaultMaxBatch is the largest batch AnalyzeBatch accepts.
	DefaultMaxBatch = 50
	// DefaultImageTimeout bounds the external calls made for one image.
	DefaultImageTimeout = 30 * time.Second
	// DefaultRetries is how many times a failed embedding or detection call is retried.
	DefaultRetries = 2
	// DefaultRetryBackoff is the first retry delay; it doubles per attempt.
	DefaultRetryBackoff = 200 * time.Millisecond

	maxDefaultWorkers = 8
)

// Image is one submitted image.
type Image struct {
	Filename string
	Data     []byte
}

// Embedder computes a perceptual embedding for raw image bytes.
// Implementations return an error wrapping ErrEmbeddingFailed or ErrInvalidImage.
type Embedder interface {
	Embed(ctx context.Context, data []byte) (Vector, error)
}

// Detector runs an AI-image classification model on raw image bytes.
// Implementations return an error wrapping ErrModelUnavailable when the model
// cannot be reached.
type Detector interface {
	Detect(ctx context.Context, data []byte) (Detection, error)
}

// Extractor reads the metadata record embedded in an image.
// It never fails: missing or unparsable metadata yields an empty record.
type Extractor interface {
	Extract(data []byte) MetadataRecord
}

// CorpusLoader populates the reference corpus of known AI-generated images.
type CorpusLoader interface {
	Load(ctx context.Context) ([]CorpusEntry, error)
}

// Config holds all dependencies injected by the consumer.
type Config struct {
	Index     *Index    // required; nil makes every analysis fail with ErrIndexUnavailable
	Embedder  Embedder  // required
	Detector  Detector  // required
	Extractor Extractor // default: ExifExtractor{}

	Weights      Weights       // default: DefaultWeights
	MaxBatch     int           // default: DefaultMaxBatch (50)
	Workers      int           // default: 3/4 of NumCPU, between 1 and 8
	ImageTimeout time.Duration // default: DefaultImageTimeout (30s)
	Retries      int           // default: DefaultRetries; negative disables retries
	RetryBackoff time.Duration // default: DefaultRetryBackoff (200ms)

	// HTTPClient is used by FetchImage (nil = http.DefaultClient).
	HTTPClient *http.Client
	// StealthClient is tried first by FetchImage when set.
	StealthClient *http.Client
	// UserAgent is sent by FetchImage. Default: "Mozilla/5.0 (compatible; go-aidetect/1.0)".
	UserAgent string

	// Optional callbacks for metrics/logging.
	OnPanic   func(tag string, r any)
	OnVerdict func(VerdictEvent) // optional: audit log for every verdict
}

// VerdictEvent is emitted through Config.OnVerdict after each analyzed image.
type VerdictEvent struct {
	ID         string
	Filename   string
	Label      Label
	FinalScore float64
	Duration   time.Duration
}

// defaults fills zero-value fields with sensible defaults.
func (c *Config) defaults() {
	if c.Extractor == nil {
		c.Extractor = ExifExtractor{}
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers()
	}
	if c.ImageTimeout <= 0 {
		c.ImageTimeout = DefaultImageTimeout
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; go-aidetect/1.0)"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// defaultWorkers leaves a quarter of the CPUs free for the embedding and
// detection models the workers wait on.
func defaultWorkers() int {
	n := runtime.NumCPU() * 3 / 4 //nolint:mnd // three quarters of the CPUs
	if n < 1 {
		n = 1
	}
	if n > maxDefaultWorkers {
		n = maxDefaultWorkers
	}
	return n
}
