package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	aidetect "github.com/anatolykoptev/go-aidetect"
	"github.com/anatolykoptev/go-aidetect/corpus"
)

// Profile is the configuration of the aidetect binary. Every key can be set
// in the YAML config file or as AIDETECT_<SECTION>_<KEY>, e.g.
// AIDETECT_DETECTOR_URL.
type Profile struct {
	Addr     string `mapstructure:"addr"`
	LogLevel string `mapstructure:"log_level"`

	CorpusDSN string `mapstructure:"corpus_dsn"`

	Embedder struct {
		// URL of a feature-extraction endpoint; empty uses the perceptual hash.
		URL      string `mapstructure:"url"`
		Token    string `mapstructure:"token"`
		HashSide int    `mapstructure:"hash_side"`
	} `mapstructure:"embedder"`

	Detector struct {
		URL   string `mapstructure:"url"`
		Token string `mapstructure:"token"`
		Model string `mapstructure:"model"`
	} `mapstructure:"detector"`

	Pipeline struct {
		Workers      int           `mapstructure:"workers"`
		MaxBatch     int           `mapstructure:"max_batch"`
		ImageTimeout time.Duration `mapstructure:"image_timeout"`
		// Retries of a failed embedding or detection call; 0 disables retrying.
		Retries      int           `mapstructure:"retries"`
	} `mapstructure:"pipeline"`

	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
	// AllowPrivateURLs lets POST /api/v1/analyze/url reach internal hosts.
	AllowPrivateURLs bool `mapstructure:"allow_private_urls"`
}

// newViper returns a viper instance with defaults and the AIDETECT_ env binding.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("aidetect")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("corpus_dsn", "bolt://corpus.db")
	v.SetDefault("embedder.url", "")
	v.SetDefault("embedder.token", "")
	v.SetDefault("embedder.hash_side", aidetect.DefaultHashSide)
	v.SetDefault("detector.url", "")
	v.SetDefault("detector.token", "")
	v.SetDefault("detector.model", "")
	v.SetDefault("pipeline.workers", 0)
	v.SetDefault("pipeline.max_batch", aidetect.DefaultMaxBatch)
	v.SetDefault("pipeline.image_timeout", aidetect.DefaultImageTimeout)
	v.SetDefault("pipeline.retries", aidetect.DefaultRetries)
	v.SetDefault("max_upload_bytes", 20<<20)
	v.SetDefault("allow_private_urls", false)
	return v
}

// loadProfile reads the optional config file and unmarshals the result.
func loadProfile(v *viper.Viper, file string) (*Profile, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", file)
		}
	}
	p := &Profile{}
	if err := v.Unmarshal(p); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return p, p.validate()
}

func (p *Profile) validate() error {
	if p.CorpusDSN == "" {
		return errors.New("corpus_dsn is required")
	}
	if p.Pipeline.MaxBatch < 0 || p.Pipeline.Workers < 0 {
		return errors.New("pipeline workers and max_batch must not be negative")
	}
	return nil
}

// slogLevel parses log_level; unknown values fall back to info.
func (p *Profile) slogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(p.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (p *Profile) setupLogger() {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: p.slogLevel()})
	slog.SetDefault(slog.New(h))
}

func (p *Profile) embedder() aidetect.Embedder {
	if p.Embedder.URL != "" {
		return &aidetect.HTTPEmbedder{URL: p.Embedder.URL, Token: p.Embedder.Token}
	}
	return aidetect.PerceptualEmbedder{Side: p.Embedder.HashSide}
}

func (p *Profile) detector() (aidetect.Detector, error) {
	if p.Detector.URL == "" {
		return nil, errors.New("detector.url is required (AIDETECT_DETECTOR_URL)")
	}
	return &aidetect.HTTPDetector{URL: p.Detector.URL, Token: p.Detector.Token, Model: p.Detector.Model}, nil
}

// openCorpus opens the configured corpus store.
func (p *Profile) openCorpus(ctx context.Context) (corpus.Store, error) {
	s, err := corpus.Open(ctx, p.CorpusDSN)
	if err != nil {
		return nil, errors.Wrap(err, "open corpus")
	}
	return s, nil
}

// newPipeline loads the corpus into an index and wires the collaborators.
func (p *Profile) newPipeline(ctx context.Context) (*aidetect.Pipeline, error) {
	det, err := p.detector()
	if err != nil {
		return nil, err
	}
	store, err := p.openCorpus(ctx)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	idx, err := aidetect.LoadIndex(ctx, store)
	if err != nil {
		return nil, err
	}

	return aidetect.New(p.pipelineConfig(idx, det))
}

// pipelineConfig maps the profile onto aidetect.Config. The library treats
// zero retries as "use the default", so an explicit 0 here disables them.
func (p *Profile) pipelineConfig(idx *aidetect.Index, det aidetect.Detector) aidetect.Config {
	retries := p.Pipeline.Retries
	if retries == 0 {
		retries = -1
	}
	return aidetect.Config{
		Index:        idx,
		Embedder:     p.embedder(),
		Detector:     det,
		Workers:      p.Pipeline.Workers,
		MaxBatch:     p.Pipeline.MaxBatch,
		ImageTimeout: p.Pipeline.ImageTimeout,
		Retries:      retries,
		OnPanic: func(tag string, r any) {
			slog.Error("aidetect: recovered panic", "tag", tag, "panic", fmt.Sprint(r))
		},
		OnVerdict: func(ev aidetect.VerdictEvent) {
			slog.Info("aidetect: verdict", "id", ev.ID, "filename", ev.Filename,
				"label", ev.Label, "score", ev.FinalScore, "duration", ev.Duration)
		},
	}
}
