package aidetect

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync/atomic"
	"testing"
	"time"
)

// pngBytes renders a deterministic w×h gradient. Different seeds give
// perceptually different images.
func pngBytes(t testing.TB, w, h int, seed int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x*(seed+1) + y*(7-seed%7)) % 256)
			if (x/8+y/8+seed)%2 == 0 {
				v = 255 - v
			}
			img.Set(x, y, color.RGBA{R: v, G: v / 2, B: 255 - v, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// withMarker appends a marker after the PNG trailer. Decoders ignore it, so
// fakes can key their behaviour off the image bytes.
func withMarker(data []byte, marker string) []byte {
	out := make([]byte, 0, len(data)+len(marker))
	out = append(out, data...)
	return append(out, marker...)
}

func hasMarker(data []byte, marker string) bool {
	return bytes.HasSuffix(data, []byte(marker))
}

// similarTo returns a unit 2-D vector whose cosine similarity to (1,0) is sim.
func similarTo(sim float64) Vector {
	return Vector{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func testIndex(t testing.TB) *Index {
	t.Helper()
	idx, err := NewIndex([]CorpusEntry{
		{ID: "sd-0001", Vector: Vector{1, 0}, Label: "stable-diffusion"},
		{ID: "mj-0002", Vector: Vector{-1, 0}, Label: "midjourney"},
	})
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	return idx
}

// fakeEmbedder is a test double for the Embedder interface.
type fakeEmbedder struct {
	vec   Vector
	fn    func(ctx context.Context, data []byte) (Vector, error)
	calls atomic.Int32
}

func (f *fakeEmbedder) Embed(ctx context.Context, data []byte) (Vector, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, data)
	}
	return f.vec, nil
}

// fakeDetector is a test double for the Detector interface.
type fakeDetector struct {
	det   Detection
	fn    func(ctx context.Context, data []byte) (Detection, error)
	calls atomic.Int32
}

func (f *fakeDetector) Detect(ctx context.Context, data []byte) (Detection, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, data)
	}
	return f.det, nil
}

// extractorFunc adapts a function to the Extractor interface.
type extractorFunc func([]byte) MetadataRecord

func (f extractorFunc) Extract(data []byte) MetadataRecord { return f(data) }

// authenticRecord has every capture field present and consistent.
func authenticRecord() MetadataRecord {
	ts := time.Date(2023, 5, 1, 10, 30, 0, 0, time.UTC)
	return MetadataRecord{
		CameraMake:  "Canon",
		CameraModel: "Canon EOS R5",
		Lens:        "RF24-105mm F4 L IS USM",
		Exposure:    &ExposureSettings{FNumber: 4, ExposureTime: 1.0 / 200, ISO: 100, FocalLength: 50},
		GPS:         &GPSCoordinates{Latitude: 37.5665, Longitude: 126.978},
		Timestamp:   &ts,
	}
}

// testPipeline builds a pipeline with fast retries and deterministic fakes.
func testPipeline(t testing.TB, emb Embedder, det Detector, mutate func(*Config)) *Pipeline {
	t.Helper()
	cfg := Config{
		Index:        testIndex(t),
		Embedder:     emb,
		Detector:     det,
		Extractor:    extractorFunc(func([]byte) MetadataRecord { return authenticRecord() }),
		Workers:      4,
		RetryBackoff: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}
