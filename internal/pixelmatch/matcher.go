package pixelmatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

const (
	DefaultThreshold               = 0.1
	DefaultIgnoreAntiAliasedPixels = true
)

// Matcher counts the pixels that differ substantially between two images of the same size.
type Matcher[T comparable] struct {
	// Threshold is the matching threshold (0 to 1); smaller is more sensitive.
	Threshold float32
	// IgnoreAntiAliasedPixels excludes differences classified as anti-aliasing from the count.
	IgnoreAntiAliasedPixels bool
	// Workers is the number of goroutines scanning row ranges. Values below 2 scan sequentially.
	Workers int
}

func NewMatcher[T comparable]() *Matcher[T] {
	return &Matcher[T]{
		Threshold:               DefaultThreshold,
		IgnoreAntiAliasedPixels: DefaultIgnoreAntiAliasedPixels,
		Workers:                 1,
	}
}

// Difference is one threshold-exceeding pixel as reported to a DifferenceFunc.
type Difference struct {
	X     int
	Y     int
	Delta float32
}

type scan[T comparable] struct {
	img1     Image[T]
	img2     Image[T]
	equal1   func(T, T) bool
	equal2   func(T, T) bool
	width    int
	height   int
	maxDelta float32
	checkAA  bool
}

// Compare returns the number of differing pixels between img1 and img2.
// onDifference may be nil; see CompareContext.
func (m *Matcher[T]) Compare(img1 Image[T], img2 Image[T], onDifference DifferenceFunc) (int, error) {
	return m.CompareContext(context.Background(), img1, img2, onDifference)
}

// CompareContext is Compare with cancellation checked between rows.
//
// onDifference is called once for every pixel whose perceptual delta exceeds the
// threshold, in row-major order, including pixels suppressed as anti-aliasing
// (those are reported with a zero delta). It is never called concurrently.
func (m *Matcher[T]) CompareContext(ctx context.Context, img1 Image[T], img2 Image[T], onDifference DifferenceFunc) (int, error) {
	width, height := img1.Size()
	width2, height2 := img2.Size()
	if width != width2 || height != height2 {
		return 0, &SizeMismatchError{
			Width1:  width,
			Height1: height,
			Width2:  width2,
			Height2: height2,
		}
	}

	ctx, span := otel.Tracer("pixelmatch").Start(ctx, "Matcher.Compare", trace.WithAttributes(
		attribute.Int("width", width),
		attribute.Int("height", height),
		attribute.Float64("threshold", float64(m.Threshold)),
	))
	defer span.End()

	s := &scan[T]{
		img1:     img1,
		img2:     img2,
		equal1:   equalFunc(img1),
		equal2:   equalFunc(img2),
		width:    width,
		height:   height,
		maxDelta: MaxDelta(m.Threshold),
		checkAA:  m.IgnoreAntiAliasedPixels,
	}

	var diff int
	var err error
	if m.Workers < 2 || height < 2 {
		diff, err = s.rows(ctx, 0, height, onDifference)
	} else {
		diff, err = s.parallel(ctx, min(m.Workers, height), onDifference)
	}
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	span.SetAttributes(attribute.Int("different_pixels", diff))
	return diff, nil
}

func (s *scan[T]) parallel(ctx context.Context, numWorkers int, onDifference DifferenceFunc) (int, error) {
	rowsPerWorker := s.height / numWorkers
	counts := make([]int, numWorkers)
	buffers := make([][]Difference, numWorkers)

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < numWorkers; i++ {
		startY := i * rowsPerWorker
		endY := startY + rowsPerWorker
		if i == numWorkers-1 {
			endY = s.height
		}

		eg.Go(func() error {
			var emit DifferenceFunc
			if onDifference != nil {
				emit = func(x int, y int, delta float32) {
					buffers[i] = append(buffers[i], Difference{X: x, Y: y, Delta: delta})
				}
			}

			n, err := s.rows(ctx, startY, endY, emit)
			if err != nil {
				return err
			}
			counts[i] = n
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return 0, err
	}

	// row ranges are contiguous and ascending, so worker order is row-major order
	diff := 0
	for i := range counts {
		diff += counts[i]
		if onDifference != nil {
			for _, d := range buffers[i] {
				onDifference(d.X, d.Y, d.Delta)
			}
		}
	}

	return diff, nil
}

func (s *scan[T]) rows(ctx context.Context, startY int, endY int, onDifference DifferenceFunc) (int, error) {
	diff := 0

	for y := startY; y < endY; y++ {
		if err := ctx.Err(); err != nil {
			return 0, xerrors.Errorf("comparison interrupted at row %d: %w", y, err)
		}

		for x := 0; x < s.width; x++ {
			raw1 := s.img1.At(x, y)
			raw2 := s.img2.At(x, y)
			if s.equal1(raw1, raw2) {
				continue
			}

			norm1 := s.img1.Normalized(raw1)
			norm2 := s.img2.Normalized(raw2)

			delta := perceptualDelta(norm1, norm2)
			if abs(delta) <= s.maxDelta {
				continue
			}

			if !s.checkAA || (!isAntiAliased(s.img1, s.equal1, norm1, x, y, s.width, s.height, s.img2, s.equal2) &&
				!isAntiAliased(s.img2, s.equal2, norm2, x, y, s.width, s.height, s.img1, s.equal1)) {
				diff++
			} else {
				delta = 0
			}

			if onDifference != nil {
				onDifference(x, y, delta)
			}
		}
	}

	return diff, nil
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
