package aidetect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchItem is the outcome for one input image. Exactly one of Verdict and
// Err is set.
type BatchItem struct {
	Index    int            `json:"index"`
	Filename string         `json:"filename"`
	Verdict  *FinalVerdict  `json:"verdict,omitempty"`
	Err      *AnalysisError `json:"error,omitempty"`
}

// BatchStats summarises a batch.
type BatchStats struct {
	Total          int `json:"total_processed"`
	AIGenerated    int `json:"ai_generated_count"`
	HumanGenerated int `json:"human_generated_count"`
	Failed         int `json:"failed_count"`
}

// BatchResult holds one item per input image, in input order.
type BatchResult struct {
	Items    []BatchItem   `json:"results"`
	Stats    BatchStats    `json:"stats"`
	Duration time.Duration `json:"duration_ns"`
}

// AnalyzeBatch analyzes every image independently on a bounded worker pool.
// Batches above Config.MaxBatch are rejected with ErrBatchTooLarge before any
// work starts. A failure on one image is recorded at its index and never
// affects the others.
//
// If ctx is cancelled mid-batch, finished items are kept, unfinished ones are
// recorded as CANCELED, and ctx.Err() is returned alongside the result.
func (p *Pipeline) AnalyzeBatch(ctx context.Context, images []Image) (*BatchResult, error) {
	if len(images) > p.cfg.MaxBatch {
		return nil, fmt.Errorf("%w: %d images, limit %d", ErrBatchTooLarge, len(images), p.cfg.MaxBatch)
	}

	start := time.Now()
	items := make([]BatchItem, len(images))

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i, img := range images {
		g.Go(func() error {
			items[i] = p.analyzeItem(ctx, i, img, "batchAnalysis")
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; outcomes live in items

	res := &BatchResult{Items: items, Duration: time.Since(start)}
	for _, it := range items {
		res.Stats.Total++
		switch {
		case it.Err != nil:
			res.Stats.Failed++
		case it.Verdict.Label == LabelAIGenerated:
			res.Stats.AIGenerated++
		default:
			res.Stats.HumanGenerated++
		}
	}

	slog.Info("aidetect: batch analyzed", "total", res.Stats.Total,
		"ai_generated", res.Stats.AIGenerated, "human_generated", res.Stats.HumanGenerated,
		"failed", res.Stats.Failed, "duration", res.Duration)

	return res, ctx.Err()
}

// analyzeItem analyzes one image and captures its outcome.
// Recovers from panics to protect the worker pool; tag is passed to OnPanic.
func (p *Pipeline) analyzeItem(ctx context.Context, i int, img Image, tag string) (item BatchItem) {
	item = BatchItem{Index: i, Filename: img.Filename}
	defer func() {
		if r := recover(); r != nil {
			if p.cfg.OnPanic != nil {
				p.cfg.OnPanic(tag, r)
			}
			item.Verdict = nil
			item.Err = &AnalysisError{
				Index:    i,
				Filename: img.Filename,
				Code:     CodeInternal,
				Message:  fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	v, err := p.analyze(ctx, img)
	if err != nil {
		item.Err = newAnalysisError(i, img.Filename, err)
		slog.Debug("aidetect: image failed", "index", i, "filename", img.Filename,
			"code", item.Err.Code, "error", err.Error())
		return item
	}
	item.Verdict = v
	return item
}
