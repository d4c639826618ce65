package aidetect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Pipeline runs the three evidence layers for images. Build it with New;
// it is safe for concurrent use and keeps no state between analyses.
type Pipeline struct {
	cfg Config
}

// New validates cfg, fills defaults and returns a ready pipeline.
// A nil Index yields ErrIndexUnavailable: the process should not serve.
func New(cfg Config) (*Pipeline, error) {
	cfg.defaults()
	if cfg.Index == nil || cfg.Index.Len() == 0 {
		return nil, ErrIndexUnavailable
	}
	if cfg.Embedder == nil {
		return nil, errors.New("aidetect: Config.Embedder is required")
	}
	if cfg.Detector == nil {
		return nil, errors.New("aidetect: Config.Detector is required")
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg}, nil
}

// Config returns the effective configuration, defaults included.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Analyze runs all three layers for img and reconciles them. Any layer
// failure fails the whole image: a verdict is never built from fewer than
// three layers. Errors are *AnalysisError values.
func (p *Pipeline) Analyze(ctx context.Context, img Image) (*FinalVerdict, error) {
	item := p.analyzeItem(ctx, 0, img, "analyze")
	if item.Err != nil {
		return nil, item.Err
	}
	return item.Verdict, nil
}

func (p *Pipeline) analyze(parent context.Context, img Image) (*FinalVerdict, error) {
	start := time.Now()
	if parent.Err() != nil {
		return nil, contextErr(parent, parent)
	}

	ctx, cancel := context.WithTimeout(parent, p.cfg.ImageTimeout)
	defer cancel()

	if _, err := ValidateImage(img.Data); err != nil {
		return nil, err
	}

	// Layer 1: similarity to known AI images.
	t := time.Now()
	vec, err := withRetry(ctx, parent, p.cfg, "embed", func(ctx context.Context) (Vector, error) {
		return p.cfg.Embedder.Embed(ctx, img.Data)
	})
	if err != nil {
		return nil, wrapLayerErr(err, ErrEmbeddingFailed)
	}
	match, err := p.cfg.Index.Nearest(vec)
	if err != nil {
		return nil, err
	}
	hash := ScoreHash(match)
	hash.Elapsed = time.Since(t)

	// Layer 2: metadata authenticity.
	t = time.Now()
	meta := ScoreMetadata(p.cfg.Extractor.Extract(img.Data))
	meta.Elapsed = time.Since(t)

	// Layer 3: external detection model.
	t = time.Now()
	det, err := withRetry(ctx, parent, p.cfg, "detect", func(ctx context.Context) (Detection, error) {
		return p.cfg.Detector.Detect(ctx, img.Data)
	})
	if err != nil {
		return nil, wrapLayerErr(err, ErrModelUnavailable)
	}
	detection := ScoreDetection(det)
	detection.Elapsed = time.Since(t)

	score, label, reason := p.cfg.Weights.Aggregate(hash, meta, detection)
	v := &FinalVerdict{
		ID:         uuid.NewString(),
		Filename:   img.Filename,
		FinalScore: score,
		Label:      label,
		Reasoning:  reason,
		Layers:     []LayerResult{hash, meta, detection},
		AnalyzedAt: start.UTC(),
		Duration:   time.Since(start),
	}

	slog.Debug("aidetect: verdict", "id", v.ID, "filename", v.Filename,
		"label", v.Label, "score", v.FinalScore,
		"hash", hash.Score, "metadata", meta.Score, "detection", detection.Score)
	if p.cfg.OnVerdict != nil {
		p.cfg.OnVerdict(VerdictEvent{
			ID:         v.ID,
			Filename:   v.Filename,
			Label:      v.Label,
			FinalScore: v.FinalScore,
			Duration:   v.Duration,
		})
	}
	return v, nil
}

// wrapLayerErr gives unclassified collaborator errors the layer's sentinel.
func wrapLayerErr(err, sentinel error) error {
	if CodeOf(err) == CodeInternal {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}

// withRetry calls fn under ctx, retrying external-dependency failures with
// exponential backoff. ctx is the per-image budget, parent the caller's
// context; they tell a timeout apart from a cancellation.
func withRetry[T any](ctx, parent context.Context, cfg Config, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	backoff := cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		v, err := callWithContext(ctx, fn)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, contextErr(ctx, parent)
		}
		if attempt >= cfg.Retries || !retryable(wrapLayerErr(err, ErrModelUnavailable)) {
			return zero, err
		}

		slog.Debug("aidetect: retrying", "op", op, "attempt", attempt+1, "backoff", backoff, "error", err.Error())
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, contextErr(ctx, parent)
		}
		backoff *= 2
	}
}

// callWithContext runs fn in its own goroutine so a collaborator that ignores
// ctx still cannot hold the caller past its deadline. A panic in fn is
// re-raised on the calling goroutine.
func callWithContext[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v        T
		err      error
		panicked bool
		panicVal any
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{panicked: true, panicVal: r}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.panicked {
			panic(r.panicVal)
		}
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// contextErr reports why ctx ended: caller cancellation or the per-image budget.
func contextErr(ctx, parent context.Context) error {
	if err := parent.Err(); errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
}
