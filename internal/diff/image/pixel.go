package image

import (
	"context"
	"image"
	"image/color"
	"runtime"

	"pixelmatch/internal/pixelmatch"

	"golang.org/x/xerrors"
)

var (
	addedColor       = color.RGBA{R: 255, A: 255}
	removedColor     = color.RGBA{B: 255, A: 255}
	antiAliasedColor = color.RGBA{R: 255, G: 255, A: 255}
)

// fade is the opacity of the baseline drawn under the differences.
const fade = 0.1

type PixelDiff struct {
	threshold          float64
	includeAntiAliased bool
	workers            int
}

func NewPixelDiff(threshold float64, includeAntiAliased bool, opts ...Option) *PixelDiff {
	o := newOptions(opts)
	return &PixelDiff{
		threshold,
		includeAntiAliased,
		o.workers,
	}
}

// Calculate renders the baseline as faded grayscale and paints every pixel whose
// delta exceeded the threshold: red where the target is brighter, blue where it is
// darker, yellow where the difference was ignored as anti-aliasing.
func (p *PixelDiff) Calculate(ctx context.Context, baseline image.Image, target image.Image) (*DiffResult, error) {
	baselinePixels := pixelmatch.FromImage(baseline)
	targetPixels := pixelmatch.FromImage(target)

	width, height := baselinePixels.Size()
	diff := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			diff.SetRGBA(x, y, grayPixel(baselinePixels.At(x, y)))
		}
	}

	count, err := newMatcher(p.threshold, p.includeAntiAliased, p.workers).CompareContext(ctx, baselinePixels, targetPixels, func(x int, y int, delta float32) {
		switch {
		case delta > 0:
			diff.SetRGBA(x, y, addedColor)
		case delta < 0:
			diff.SetRGBA(x, y, removedColor)
		default:
			diff.SetRGBA(x, y, antiAliasedColor)
		}
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to compare images: %w", err)
	}

	return &DiffResult{
		Image:      diff,
		DiffAmount: amount(count, width*height),
		DiffCount:  count,
	}, nil
}

func newMatcher(threshold float64, includeAntiAliased bool, workers int) *pixelmatch.Matcher[uint32] {
	m := pixelmatch.NewMatcher[uint32]()
	m.Threshold = float32(threshold)
	m.IgnoreAntiAliasedPixels = !includeAntiAliased
	m.Workers = workers
	if m.Workers <= 0 {
		// Use GOMAXPROCS instead of runtime.NumCPU() to consider cgroup.
		// https://tip.golang.org/doc/go1.25#container-aware-gomaxprocs
		m.Workers = runtime.GOMAXPROCS(0)
	}
	return m
}

func amount(count int, total int) float64 {
	if total <= 0 {
		return 0.0
	}
	return float64(count) / float64(total)
}

// grayPixel blends the luminance of a premultiplied BGRA pixel with white.
func grayPixel(raw uint32) color.RGBA {
	r := float64(raw >> 16 & 0xff)
	g := float64(raw >> 8 & 0xff)
	b := float64(raw & 0xff)
	a := float64(raw >> 24)

	// premultiplied channels composed over white
	r, g, b = r+255-a, g+255-a, b+255-a

	y := min(r*0.29889531+g*0.58662247+b*0.11448223, 255)
	v := uint8(255 + (y-255)*fade)
	return color.RGBA{R: v, G: v, B: v, A: 255}
}
