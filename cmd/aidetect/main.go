// Command aidetect serves and runs AI-generated image detection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	aidetect "github.com/anatolykoptev/go-aidetect"
	"github.com/anatolykoptev/go-aidetect/server"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := newViper()
	var (
		configFile string
		profile    *Profile
	)

	root := &cobra.Command{
		Use:          "aidetect",
		Short:        "Estimate whether images are AI-generated",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			p, err := loadProfile(v, configFile)
			if err != nil {
				return err
			}
			p.setupLogger()
			profile = p
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	root.PersistentFlags().String("corpus", "", "corpus DSN (bolt://, sqlite://, postgres://)")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	mustBind(v, "corpus_dsn", root.PersistentFlags().Lookup("corpus"))
	mustBind(v, "log_level", root.PersistentFlags().Lookup("log-level"))

	getProfile := func() *Profile { return profile }
	root.AddCommand(
		newServeCmd(v, getProfile),
		newAnalyzeCmd(getProfile),
		newCorpusCmd(getProfile),
	)
	return root
}

func newServeCmd(v *viper.Viper, profile func() *Profile) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := profile()
			pipeline, err := p.newPipeline(ctx)
			if err != nil {
				return err
			}
			srv := server.New(pipeline, server.Options{
				Version:          version,
				MaxUploadBytes:   p.MaxUploadBytes,
				AllowPrivateURLs: p.AllowPrivateURLs,
			})

			errc := make(chan error, 1)
			go func() { errc <- srv.Start(p.Addr) }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			slog.Info("aidetect: shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :8080)")
	mustBind(v, "addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func newAnalyzeCmd(profile func() *Profile) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <image>...",
		Short: "Analyze image files and print the verdicts as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pipeline, err := profile().newPipeline(ctx)
			if err != nil {
				return err
			}
			images, err := readImages(args)
			if err != nil {
				return err
			}
			res, err := pipeline.AnalyzeBatch(ctx, images)
			if res == nil {
				return err
			}
			if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
				return werr
			}
			if err != nil {
				return err
			}
			if res.Stats.Failed > 0 {
				return fmt.Errorf("%d of %d images could not be analyzed", res.Stats.Failed, res.Stats.Total)
			}
			return nil
		},
	}
}

func newCorpusCmd(profile func() *Profile) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corpus",
		Short: "Seed a local reference corpus for setup and tests",
	}

	var label string
	add := &cobra.Command{
		Use:   "add <image>...",
		Short: "Embed images and add them to the corpus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p := profile()
			store, err := p.openCorpus(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			images, err := readImages(args)
			if err != nil {
				return err
			}
			entries, err := embedImages(ctx, p.embedder(), images, label)
			if err != nil {
				return err
			}
			if err := store.Add(ctx, entries...); err != nil {
				return err
			}
			slog.Info("aidetect: corpus updated", "added", len(entries), "label", label)
			return nil
		},
	}
	add.Flags().StringVar(&label, "label", "", "generator label, e.g. midjourney")

	count := &cobra.Command{
		Use:   "count",
		Short: "Print the number of corpus entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := profile().openCorpus(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), len(entries))
			return err
		},
	}

	cmd.AddCommand(add, count)
	return cmd
}

// embedImages embeds every image; entry IDs are the file names without extension.
func embedImages(ctx context.Context, emb aidetect.Embedder, images []aidetect.Image, label string) ([]aidetect.CorpusEntry, error) {
	entries := make([]aidetect.CorpusEntry, 0, len(images))
	for _, img := range images {
		vec, err := emb.Embed(ctx, img.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "embed %s", img.Filename)
		}
		id := strings.TrimSuffix(img.Filename, filepath.Ext(img.Filename))
		entries = append(entries, aidetect.CorpusEntry{ID: id, Vector: vec, Label: label})
	}
	return entries, nil
}

func readImages(paths []string) ([]aidetect.Image, error) {
	images := make([]aidetect.Image, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read image %s", path)
		}
		images = append(images, aidetect.Image{Filename: filepath.Base(path), Data: data})
	}
	return images, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// mustBind lets a flag override the config key. Flags are defined right
// before binding, so a failure is a programming error.
func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
