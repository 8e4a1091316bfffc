package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/draw"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pixelmatch/internal/capture"
	"pixelmatch/internal/decode"
	diffimage "pixelmatch/internal/diff/image"
	"pixelmatch/internal/env"
	"pixelmatch/internal/pixelmatch"
	"pixelmatch/internal/retry"
	"pixelmatch/internal/storage"

	"github.com/playwright-community/playwright-go"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

type WorkerOutput struct {
	BaselineURL          string  `json:"baselineURL"`
	TargetURL            string  `json:"targetURL"`
	ScreenshotDiffURL    string  `json:"screenshotDiffURL"`
	ScreenshotDiffAmount float64 `json:"screenshotDiffAmount"`
	ScreenshotDiffCount  int     `json:"screenshotDiffCount"`
}

type Worker struct {
	Capturer       capture.Capturer
	Storage        storage.Storage
	Differ         diffimage.Differ
	CaptureOptions capture.CaptureOptions
	now            func() time.Time
}

type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	if err := env.Load(); err != nil {
		log.Fatalf("failed to load environment: %v", err)
	}

	var chromeDevtoolsProtocolURL string
	var screenshotDiffFormat string
	var threshold float64
	var includeAntiAliasedPixels bool
	var fullPage bool
	var storageBackend string
	var callbackURL string
	var schedule string
	var maskSelectors stringList
	var headers stringList
	flag.StringVar(&chromeDevtoolsProtocolURL, "chrome-devtools-protocol-url", env.OrDefault("CHROME_DEVTOOLS_PROTOCOL_URL", ""), "Connect to existing browser via Chrome DevTools Protocol URL (e.g., http://localhost:9222)")
	flag.StringVar(&screenshotDiffFormat, "screenshot-diff-format", env.OrDefault("SCREENSHOT_DIFF_FORMAT", "pixel"), "Diff format (pixel or rectangle)")
	flag.Float64Var(&threshold, "threshold", env.OrDefault("THRESHOLD", pixelmatch.DefaultThreshold), "Matching threshold between 0 and 1, smaller is more sensitive")
	flag.BoolVar(&includeAntiAliasedPixels, "include-anti-aliased-pixels", env.OrDefault("INCLUDE_ANTI_ALIASED_PIXELS", false), "Count anti-aliased pixels as regular differences")
	flag.BoolVar(&fullPage, "full-page", env.OrDefault("FULL_PAGE", false), "Capture the whole scrollable page instead of the viewport")
	flag.StringVar(&storageBackend, "storage-backend", env.OrDefault("STORAGE_BACKEND", "file"), "Storage backend (file, s3 or http)")
	flag.StringVar(&callbackURL, "callback-url", env.OrDefault("CALLBACK_URL", ""), "Callback URL to send results to")
	flag.StringVar(&schedule, "schedule", env.OrDefault("SCHEDULE", ""), "Cron schedule to repeat the snapshot on (e.g. \"*/30 * * * *\"), runs once when empty")
	flag.Var(&maskSelectors, "mask-selector", "CSS selector to mask before capturing, may be repeated")
	flag.Var(&headers, "header", "Extra HTTP header as Name:Value, may be repeated")

	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <baselineURL> <targetURL>\n", os.Args[0])
		os.Exit(1)
	}

	baseline := args[0]
	target := args[1]

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	captureOptions, err := newCaptureOptions(maskSelectors, headers)
	if err != nil {
		log.Fatalf("failed to parse capture options: %v", err)
	}

	config := capture.DefaultPlaywrightConfig()
	config.FullPage = fullPage
	if chromeDevtoolsProtocolURL != "" {
		config.ChromeDevtoolsProtocolURL = chromeDevtoolsProtocolURL
	} else if err := playwright.Install(&playwright.RunOptions{
		Browsers: []string{"chromium"},
	}); err != nil {
		log.Fatalf("failed to install playwright browsers: %v", err)
	}

	capturer, err := capture.NewPlaywrightCapturer(ctx, config)
	if err != nil {
		log.Fatalf("failed to initialize capturer: %v", err)
	}

	s, err := newStorage(ctx, storageBackend)
	if err != nil {
		log.Fatalf("failed to create storage backend: %v", err)
	}

	differ, err := diffimage.NewDiffer(screenshotDiffFormat, threshold, includeAntiAliasedPixels)
	if err != nil {
		log.Fatalf("failed to create differ: %v", err)
	}

	worker := &Worker{
		Capturer:       capturer,
		Storage:        s,
		Differ:         differ,
		CaptureOptions: captureOptions,
	}

	job := func(ctx context.Context) error {
		result, err := worker.processSnapshot(ctx, baseline, target)
		if err != nil {
			return xerrors.Errorf("failed to process snapshot: %w", err)
		}

		j, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return xerrors.Errorf("failed to marshal result: %w", err)
		}

		if callbackURL == "" {
			fmt.Println(string(j))
			return nil
		}
		return callback(ctx, http.DefaultTransport, callbackURL, j)
	}

	if schedule == "" {
		if err := job(ctx); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	if err := runScheduled(ctx, schedule, job); err != nil {
		log.Fatalf("failed to run schedule: %v", err)
	}
}

func newStorage(ctx context.Context, backend string) (storage.Storage, error) {
	switch backend {
	case "file":
		return storage.NewFileStorage(ctx, storage.FileConfig{
			Directory: env.OrDefault("DIRECTORY", "/tmp"),
		})
	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket: os.Getenv("S3_BUCKET"),
			Prefix: os.Getenv("S3_PREFIX"),
		})
	case "http":
		return storage.NewHTTPStorage(ctx, storage.HTTPConfig{
			BaseURL: os.Getenv("HTTP_STORAGE_BASE_URL"),
		})
	default:
		return nil, xerrors.Errorf("unknown storage backend: %s", backend)
	}
}

func newCaptureOptions(maskSelectors []string, headers []string) (capture.CaptureOptions, error) {
	options := capture.CaptureOptions{
		MaskSelectors: maskSelectors,
		Headers:       map[string]string{},
	}
	for _, header := range headers {
		name, value, ok := strings.Cut(header, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return capture.CaptureOptions{}, xerrors.Errorf("invalid header %q, expected Name:Value", header)
		}
		options.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return options, nil
}

// runScheduled runs job on every activation of the cron spec until ctx is done.
// Activations that fire while a run is still in progress are skipped.
func runScheduled(ctx context.Context, spec string, job func(context.Context) error) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		if err := job(ctx); err != nil {
			slog.ErrorContext(ctx, "scheduled snapshot failed", "error", err)
		}
	}); err != nil {
		return xerrors.Errorf("invalid schedule %q: %w", spec, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (w *Worker) processSnapshot(ctx context.Context, baseline string, target string) (*WorkerOutput, error) {
	var baselineScreenshot []byte
	var targetScreenshot []byte

	// Step 1: Capture screenshots in parallel
	{
		eg, ctx := errgroup.WithContext(ctx)

		eg.Go(func() error {
			screenshot, err := w.Capturer.Capture(ctx, baseline, w.CaptureOptions)
			if err != nil {
				return xerrors.Errorf("failed to capture baseline screenshot: %w", err)
			}
			baselineScreenshot = screenshot
			return nil
		})

		eg.Go(func() error {
			screenshot, err := w.Capturer.Capture(ctx, target, w.CaptureOptions)
			if err != nil {
				return xerrors.Errorf("failed to capture target screenshot: %w", err)
			}
			targetScreenshot = screenshot
			return nil
		})

		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	// Step 2: Generate diff image
	diffImage, diffResult, err := w.generateDiff(ctx, baselineScreenshot, targetScreenshot)
	if err != nil {
		return nil, xerrors.Errorf("failed to generate diff: %w", err)
	}

	// Step 3: Upload all images in parallel
	timestamp := w.timestamp()
	output := &WorkerOutput{
		ScreenshotDiffAmount: diffResult.DiffAmount,
		ScreenshotDiffCount:  diffResult.DiffCount,
	}
	{
		eg, ctx := errgroup.WithContext(ctx)

		upload := func(dst *string, key string, data []byte, what string) {
			eg.Go(func() error {
				url, err := w.Storage.Put(ctx, key, data)
				if err != nil {
					return xerrors.Errorf("failed to upload %s: %w", what, err)
				}
				*dst = url
				return nil
			})
		}

		upload(&output.BaselineURL, snapshotKey("capture", timestamp, baseline), baselineScreenshot, "baseline screenshot")
		upload(&output.TargetURL, snapshotKey("capture", timestamp, target), targetScreenshot, "target screenshot")
		upload(&output.ScreenshotDiffURL, snapshotKey("diff", timestamp, baseline, target), diffImage, "diff image")

		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	return output, nil
}

func (w *Worker) timestamp() string {
	now := time.Now
	if w.now != nil {
		now = w.now
	}
	return now().Format("20060102150405")
}

// snapshotKey names an object Snapshot/<kind>/<hash of urls>/<timestamp>.png.
func snapshotKey(kind string, timestamp string, urls ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(urls, "")))
	hash := fmt.Sprintf("%x", h.Sum(nil))[:16]
	return fmt.Sprintf("Snapshot/%s/%s/%s.png", kind, hash, timestamp)
}

func (w *Worker) generateDiff(ctx context.Context, baselineData []byte, targetData []byte) ([]byte, *diffimage.DiffResult, error) {
	baselineImage, _, err := decode.Decode(baselineData)
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to decode baseline image: %w", err)
	}

	targetImage, _, err := decode.Decode(targetData)
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to decode target image: %w", err)
	}

	baselineImage, targetImage = extendToUnion(baselineImage, targetImage)

	diffResult, err := w.Differ.Calculate(ctx, baselineImage, targetImage)
	if err != nil {
		return nil, nil, err
	}

	var buffer bytes.Buffer
	if err := decode.EncodePNG(&buffer, diffResult.Image); err != nil {
		return nil, nil, xerrors.Errorf("failed to encode diff image: %w", err)
	}

	return buffer.Bytes(), diffResult, nil
}

// extendToUnion places a and b on transparent canvases covering both sizes, so
// full-page captures of pages with different heights stay comparable and the
// extra area counts as changed.
func extendToUnion(a image.Image, b image.Image) (image.Image, image.Image) {
	aSize := a.Bounds().Size()
	bSize := b.Bounds().Size()
	if aSize == bSize {
		return a, b
	}

	union := image.Rect(0, 0, max(aSize.X, bSize.X), max(aSize.Y, bSize.Y))
	extend := func(src image.Image) image.Image {
		dst := image.NewRGBA(union)
		draw.Draw(dst, union, src, src.Bounds().Min, draw.Src)
		return dst
	}
	return extend(a), extend(b)
}

func callback(ctx context.Context, base http.RoundTripper, callbackURL string, data []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPatch, callbackURL, bytes.NewReader(data))
	if err != nil {
		return xerrors.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout: 10 * time.Second, // covers every attempt, retry.Transport has no per-try timeout
		Transport: &retry.Transport{
			Base:          base,
			RetryStrategy: retry.NewExponentialBackOff(10*time.Millisecond, 1*time.Second, 3, nil),
			RetryOn:       retry.NewDefaultRetryOn(),
		},
	}

	response, err := client.Do(request)
	if err != nil {
		return xerrors.Errorf("failed to send request: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return xerrors.Errorf("callback responded with %s", response.Status)
	}

	return nil
}
