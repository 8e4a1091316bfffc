package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"pixelmatch/internal/decode"
	diffimage "pixelmatch/internal/diff/image"
	"pixelmatch/internal/env"
	"pixelmatch/internal/pixelmatch"
	"pixelmatch/internal/storage"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

type options struct {
	threshold                float64
	includeAntiAliasedPixels bool
	diff                     string
	format                   string
	workers                  int
}

func main() {
	if err := env.Load(); err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}

	var o options
	flags := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Compares two images using the pixelmatch algorithm (https://github.com/mapbox/pixelmatch).\n\n")
		fmt.Fprintf(flags.Output(), "Usage: %s [flags] <imagePath1> <imagePath2>\n\n", os.Args[0])
		flags.PrintDefaults()
	}
	registerFlags(flags, &o)
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	if flags.NArg() != 2 {
		flags.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, o, flags.Arg(0), flags.Arg(1), os.Stdout)
	if err != nil {
		log.Fatalf("Failed to compare images: %v", err)
	}
	os.Exit(code)
}

func registerFlags(flags *flag.FlagSet, o *options) {
	threshold := env.OrDefault("THRESHOLD", pixelmatch.DefaultThreshold)
	flags.Float64Var(&o.threshold, "threshold", threshold, "The threshold between 0 and 1, smaller is more sensitive")
	flags.Float64Var(&o.threshold, "t", threshold, "Shorthand for -threshold")

	includeAntiAliasedPixels := env.OrDefault("INCLUDE_ANTI_ALIASED_PIXELS", !pixelmatch.DefaultIgnoreAntiAliasedPixels)
	flags.BoolVar(&o.includeAntiAliasedPixels, "include-anti-aliased-pixels", includeAntiAliasedPixels, "Count anti-aliased pixels as regular differences")
	flags.BoolVar(&o.includeAntiAliasedPixels, "iaa", includeAntiAliasedPixels, "Shorthand for -include-anti-aliased-pixels")

	flags.StringVar(&o.diff, "diff", env.OrDefault("DIFF", ""), "Write a diff image to this path, s3:// or http(s):// URL")
	flags.StringVar(&o.format, "format", env.OrDefault("FORMAT", "pixel"), "Diff image format (pixel or rectangle)")
	// Use GOMAXPROCS instead of runtime.NumCPU() to consider cgroup.
	flags.IntVar(&o.workers, "workers", env.OrDefault("WORKERS", runtime.GOMAXPROCS(0)), "Number of goroutines comparing rows")
}

// run compares the images at path1 and path2, prints the summary to w and returns
// the process exit code: the error percentage rounded up.
func run(ctx context.Context, o options, path1 string, path2 string, w io.Writer) (int, error) {
	if o.threshold < 0 || o.threshold > 1 {
		return 0, xerrors.Errorf("threshold must be between 0 and 1, got %v", o.threshold)
	}

	images := make([]image.Image, 2)
	eg, egCtx := errgroup.WithContext(ctx)
	for i, path := range []string{path1, path2} {
		eg.Go(func() error {
			img, err := loadImage(egCtx, path)
			if err != nil {
				return xerrors.Errorf("failed to load %s: %w", path, err)
			}
			images[i] = img
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}

	bounds := images[0].Bounds()
	area := bounds.Dx() * bounds.Dy()

	var count int
	var elapsed time.Duration
	if o.diff == "" {
		image1 := pixelmatch.FromImage(images[0])
		image2 := pixelmatch.FromImage(images[1])

		matcher := pixelmatch.NewMatcher[uint32]()
		matcher.Threshold = float32(o.threshold)
		matcher.IgnoreAntiAliasedPixels = !o.includeAntiAliasedPixels
		matcher.Workers = o.workers

		now := time.Now()
		n, err := matcher.CompareContext(ctx, image1, image2, nil)
		if err != nil {
			return 0, err
		}
		count, elapsed = n, time.Since(now)
	} else {
		differ, err := diffimage.NewDiffer(o.format, o.threshold, o.includeAntiAliasedPixels, diffimage.WithWorkers(o.workers))
		if err != nil {
			return 0, err
		}

		now := time.Now()
		result, err := differ.Calculate(ctx, images[0], images[1])
		if err != nil {
			return 0, err
		}
		count, elapsed = result.DiffCount, time.Since(now)

		var buffer bytes.Buffer
		if err := decode.EncodePNG(&buffer, result.Image); err != nil {
			return 0, err
		}
		if _, err := storage.Store(ctx, o.diff, buffer.Bytes()); err != nil {
			return 0, xerrors.Errorf("failed to save diff image: %w", err)
		}
	}

	percentage := 0.0
	if area > 0 {
		percentage = float64(count) * 100 / float64(area)
	}

	fmt.Fprintf(w, "matched in: %dms\n", elapsed.Milliseconds())
	fmt.Fprintf(w, "different pixels: %d\n", count)
	fmt.Fprintf(w, "error: %.2f%%\n", percentage)

	return int(math.Ceil(percentage)), nil
}

func loadImage(ctx context.Context, path string) (image.Image, error) {
	data, err := storage.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	img, _, err := decode.Decode(data)
	if err != nil {
		return nil, err
	}

	return img, nil
}
