package aidetect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireAnalysisError(t *testing.T, err error, code ErrorCode) *AnalysisError {
	t.Helper()
	var ae *AnalysisError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, code, ae.Code, "error: %v", err)
	return ae
}

func TestAnalyzeGolden(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []VerdictEvent
	)
	emb := &fakeEmbedder{vec: Vector{1, 0}}
	det := &fakeDetector{det: Detection{Model: "fake", IsAIGenerated: false, Confidence: 0.9}}
	p := testPipeline(t, emb, det, func(c *Config) {
		c.OnVerdict = func(e VerdictEvent) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}
	})

	v, err := p.Analyze(context.Background(), Image{Filename: "cat.png", Data: pngBytes(t, 32, 32, 0)})
	require.NoError(t, err)

	assert.InDelta(t, 0.35, v.FinalScore, 1e-9)
	assert.Equal(t, LabelHumanGenerated, v.Label)
	assert.Equal(t, "cat.png", v.Filename)
	assert.NotEmpty(t, v.ID)
	assert.Contains(t, v.Reasoning, "hash layer 1.000 (leans AI)")
	assert.Contains(t, v.Reasoning, "sd-0001")

	require.Len(t, v.Layers, 3)
	assert.Equal(t, LayerHash, v.Layers[0].Layer)
	assert.Equal(t, LayerMetadata, v.Layers[1].Layer)
	assert.Equal(t, LayerDetection, v.Layers[2].Layer)
	assert.InDelta(t, 1.0, v.Layers[0].Score, 1e-9)
	assert.InDelta(t, 0.05, v.Layers[1].Score, 1e-9)
	assert.InDelta(t, 0.1, v.Layers[2].Score, 1e-9)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, v.ID, events[0].ID)
	assert.Equal(t, LabelHumanGenerated, events[0].Label)
}

func TestAnalyzeAIVerdict(t *testing.T) {
	t.Parallel()

	det := &fakeDetector{det: Detection{IsAIGenerated: true, Confidence: 0.95}}
	p := testPipeline(t, &fakeEmbedder{vec: Vector{1, 0}}, det, func(c *Config) {
		c.Extractor = extractorFunc(func([]byte) MetadataRecord { return MetadataRecord{} })
	})

	v, err := p.Analyze(context.Background(), Image{Filename: "gen.png", Data: pngBytes(t, 16, 16, 1)})
	require.NoError(t, err)
	// 0.3·1 + 0.4·0.95 + 0.3·0.95
	assert.InDelta(t, 0.965, v.FinalScore, 1e-9)
	assert.Equal(t, LabelAIGenerated, v.Label)
}

func TestAnalyzeUsesDefaultExtractor(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, &fakeEmbedder{vec: Vector{0, 1}}, &fakeDetector{det: Detection{Confidence: 0.5}}, func(c *Config) {
		c.Extractor = nil
	})
	v, err := p.Analyze(context.Background(), Image{Data: pngBytes(t, 16, 16, 2)})
	require.NoError(t, err)

	meta, ok := v.Layer(LayerMetadata)
	require.True(t, ok)
	assert.InDelta(t, 0.95, meta.Score, 1e-9, "plain PNG has no camera metadata")
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{vec: Vector{1, 0}}
	det := &fakeDetector{}
	idx := testIndex(t)

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{name: "nil index", cfg: Config{Embedder: emb, Detector: det}, wantErr: ErrIndexUnavailable},
		{name: "empty index", cfg: Config{Index: &Index{}, Embedder: emb, Detector: det}, wantErr: ErrIndexUnavailable},
		{name: "nil embedder", cfg: Config{Index: idx, Detector: det}},
		{name: "nil detector", cfg: Config{Index: idx, Embedder: emb}},
		{name: "bad weights", cfg: Config{Index: idx, Embedder: emb, Detector: det, Weights: Weights{Hash: 1, Metadata: 1}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tc.cfg)
			require.Error(t, err)
			assert.Nil(t, p)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Index: testIndex(t), Embedder: &fakeEmbedder{}, Detector: &fakeDetector{}})
	require.NoError(t, err)

	cfg := p.Config()
	assert.Equal(t, DefaultWeights, cfg.Weights)
	assert.Equal(t, DefaultMaxBatch, cfg.MaxBatch)
	assert.Equal(t, DefaultImageTimeout, cfg.ImageTimeout)
	assert.Equal(t, DefaultRetries, cfg.Retries)
	assert.GreaterOrEqual(t, cfg.Workers, 1)
	assert.LessOrEqual(t, cfg.Workers, maxDefaultWorkers)
	assert.IsType(t, ExifExtractor{}, cfg.Extractor)
	assert.NotNil(t, cfg.HTTPClient)
}

func TestAnalyzeInvalidImage(t *testing.T) {
	t.Parallel()

	for _, data := range [][]byte{nil, []byte("definitely not an image"), pngBytes(t, 8, 8, 0)[:20]} {
		emb := &fakeEmbedder{vec: Vector{1, 0}}
		det := &fakeDetector{}
		p := testPipeline(t, emb, det, nil)

		_, err := p.Analyze(context.Background(), Image{Filename: "broken.jpg", Data: data})
		ae := requireAnalysisError(t, err, CodeInvalidImage)
		assert.False(t, ae.Retryable)
		assert.Equal(t, "broken.jpg", ae.Filename)
		assert.ErrorIs(t, err, ErrInvalidImage)
		assert.Zero(t, emb.calls.Load(), "embedder must not see an undecodable image")
		assert.Zero(t, det.calls.Load())
	}
}

func TestAnalyzeRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	det := &fakeDetector{}
	det.fn = func(context.Context, []byte) (Detection, error) {
		if det.calls.Load() < 3 {
			return Detection{}, fmt.Errorf("%w: 503", ErrModelUnavailable)
		}
		return Detection{IsAIGenerated: true, Confidence: 0.8}, nil
	}
	p := testPipeline(t, &fakeEmbedder{vec: Vector{1, 0}}, det, nil)

	v, err := p.Analyze(context.Background(), Image{Data: pngBytes(t, 16, 16, 0)})
	require.NoError(t, err)
	assert.Equal(t, int32(3), det.calls.Load())
	assert.NotNil(t, v)
}

func TestAnalyzeRetriesExhausted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		emb       *fakeEmbedder
		det       *fakeDetector
		retries   int
		wantCode  ErrorCode
		wantCalls int32
	}{
		{
			name:      "model down",
			emb:       &fakeEmbedder{vec: Vector{1, 0}},
			det:       &fakeDetector{fn: func(context.Context, []byte) (Detection, error) { return Detection{}, ErrModelUnavailable }},
			wantCode:  CodeModelUnavailable,
			wantCalls: 3,
		},
		{
			name:      "retries disabled",
			emb:       &fakeEmbedder{vec: Vector{1, 0}},
			det:       &fakeDetector{fn: func(context.Context, []byte) (Detection, error) { return Detection{}, ErrModelUnavailable }},
			retries:   -1,
			wantCode:  CodeModelUnavailable,
			wantCalls: 1,
		},
		{
			name:      "unclassified detector error",
			emb:       &fakeEmbedder{vec: Vector{1, 0}},
			det:       &fakeDetector{fn: func(context.Context, []byte) (Detection, error) { return Detection{}, errors.New("connection reset") }},
			wantCode:  CodeModelUnavailable,
			wantCalls: 3,
		},
		{
			name:      "detector rejects image",
			emb:       &fakeEmbedder{vec: Vector{1, 0}},
			det:       &fakeDetector{fn: func(context.Context, []byte) (Detection, error) { return Detection{}, ErrInvalidImage }},
			wantCode:  CodeInvalidImage,
			wantCalls: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := testPipeline(t, tc.emb, tc.det, func(c *Config) { c.Retries = tc.retries })

			_, err := p.Analyze(context.Background(), Image{Data: pngBytes(t, 16, 16, 0)})
			ae := requireAnalysisError(t, err, tc.wantCode)
			assert.Equal(t, tc.wantCode == CodeModelUnavailable, ae.Retryable)
			assert.Equal(t, tc.wantCalls, tc.det.calls.Load())
		})
	}
}

func TestAnalyzeEmbeddingFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		emb  *fakeEmbedder
	}{
		{name: "embedder error", emb: &fakeEmbedder{fn: func(context.Context, []byte) (Vector, error) { return nil, errors.New("oom") }}},
		{name: "wrong dimension", emb: &fakeEmbedder{vec: Vector{1, 0, 0}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			det := &fakeDetector{}
			p := testPipeline(t, tc.emb, det, nil)

			_, err := p.Analyze(context.Background(), Image{Data: pngBytes(t, 16, 16, 0)})
			requireAnalysisError(t, err, CodeEmbeddingFailed)
			assert.Zero(t, det.calls.Load(), "no verdict from fewer than three layers")
		})
	}
}

func TestAnalyzeTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	// The detector ignores its context entirely.
	det := &fakeDetector{fn: func(context.Context, []byte) (Detection, error) {
		<-release
		return Detection{}, nil
	}}
	p := testPipeline(t, &fakeEmbedder{vec: Vector{1, 0}}, det, func(c *Config) {
		c.ImageTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	_, err := p.Analyze(context.Background(), Image{Data: pngBytes(t, 16, 16, 0)})
	ae := requireAnalysisError(t, err, CodeTimeout)
	assert.False(t, ae.Retryable)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(1), det.calls.Load(), "timeouts are not retried")
}

func TestAnalyzeCanceled(t *testing.T) {
	t.Parallel()

	t.Run("before start", func(t *testing.T) {
		t.Parallel()
		emb := &fakeEmbedder{vec: Vector{1, 0}}
		p := testPipeline(t, emb, &fakeDetector{}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.Analyze(ctx, Image{Data: pngBytes(t, 16, 16, 0)})
		requireAnalysisError(t, err, CodeCanceled)
		assert.Zero(t, emb.calls.Load())
	})

	t.Run("during detection", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		det := &fakeDetector{fn: func(ctx context.Context, _ []byte) (Detection, error) {
			cancel()
			<-ctx.Done()
			return Detection{}, ctx.Err()
		}}
		p := testPipeline(t, &fakeEmbedder{vec: Vector{1, 0}}, det, nil)

		_, err := p.Analyze(ctx, Image{Data: pngBytes(t, 16, 16, 0)})
		requireAnalysisError(t, err, CodeCanceled)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestAnalyzeConcurrentUse(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, &fakeEmbedder{vec: similarTo(0.775)}, &fakeDetector{det: Detection{IsAIGenerated: true, Confidence: 0.7}}, nil)
	img := Image{Data: pngBytes(t, 16, 16, 0)}

	var wg sync.WaitGroup
	scores := make([]float64, 16)
	for i := range scores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := p.Analyze(context.Background(), img)
			if assert.NoError(t, err) {
				scores[i] = v.FinalScore
			}
		}(i)
	}
	wg.Wait()

	// 0.3·0.5 + 0.4·0.05 + 0.3·0.7
	for _, s := range scores {
		assert.InDelta(t, 0.38, s, 1e-6)
	}
}

func TestAnalyzeRecoversPanic(t *testing.T) {
	t.Parallel()

	var tag string
	emb := &fakeEmbedder{fn: func(context.Context, []byte) (Vector, error) { panic("nil model handle") }}
	p := testPipeline(t, emb, &fakeDetector{}, func(c *Config) {
		c.OnPanic = func(tg string, _ any) { tag = tg }
	})

	_, err := p.Analyze(context.Background(), Image{Filename: "x.png", Data: pngBytes(t, 16, 16, 0)})
	ae := requireAnalysisError(t, err, CodeInternal)
	assert.Contains(t, ae.Message, "nil model handle")
	assert.Equal(t, "analyze", tag)
}
