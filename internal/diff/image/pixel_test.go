package image

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"runtime"
	"testing"

	"pixelmatch/internal/pixelmatch"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/xerrors"
)

func createTestImage(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

func TestPixelDiff_Calculate(t *testing.T) {
	pd := NewPixelDiff(0.1, false)

	t.Run("NoDifference", func(t *testing.T) {
		img1 := createTestImage(100, 100, color.White)
		img2 := createTestImage(100, 100, color.White)

		result, err := pd.Calculate(context.Background(), img1, img2)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if result.DiffAmount != 0.0 {
			t.Errorf("Expected DiffAmount to be 0.0, got %f", result.DiffAmount)
		}
		if result.DiffCount != 0 {
			t.Errorf("Expected DiffCount to be 0, got %d", result.DiffCount)
		}
		if got := result.Image.At(50, 50); got != (color.RGBA{R: 255, G: 255, B: 255, A: 255}) {
			t.Errorf("Expected faded white background, got %v", got)
		}
	})

	t.Run("CompleteDifference", func(t *testing.T) {
		img1 := createTestImage(100, 100, color.White)
		img2 := createTestImage(100, 100, color.Black)

		result, err := pd.Calculate(context.Background(), img1, img2)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if result.DiffAmount != 1.0 {
			t.Errorf("Expected DiffAmount to be 1.0, got %f", result.DiffAmount)
		}
		if result.DiffCount != 100*100 {
			t.Errorf("Expected DiffCount to be %d, got %d", 100*100, result.DiffCount)
		}
		// the target is darker than the baseline everywhere
		if got := result.Image.At(0, 0); got != removedColor {
			t.Errorf("Expected %v, got %v", removedColor, got)
		}
	})

	t.Run("PartialDifference", func(t *testing.T) {
		img1 := createTestImage(100, 100, color.White)
		img2 := createTestImage(100, 100, color.White)

		for y := 0; y < 50; y++ {
			for x := 0; x < 100; x++ {
				img2.Set(x, y, color.Black)
			}
		}

		result, err := pd.Calculate(context.Background(), img1, img2)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if result.DiffAmount != 0.5 {
			t.Errorf("Expected DiffAmount to be 0.5, got %f", result.DiffAmount)
		}
	})

	t.Run("Brighter", func(t *testing.T) {
		img1 := createTestImage(10, 10, color.Black)
		img2 := createTestImage(10, 10, color.White)

		result, err := pd.Calculate(context.Background(), img1, img2)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if got := result.Image.At(5, 5); got != addedColor {
			t.Errorf("Expected %v, got %v", addedColor, got)
		}
	})

	t.Run("SameImageInstance", func(t *testing.T) {
		img := createTestImage(100, 100, color.White)

		result, err := pd.Calculate(context.Background(), img, img)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if result.DiffAmount != 0.0 {
			t.Errorf("Expected DiffAmount to be 0.0 for same image instance, got %f", result.DiffAmount)
		}
	})

	t.Run("SizeMismatch", func(t *testing.T) {
		img1 := createTestImage(100, 100, color.White)
		img2 := createTestImage(100, 99, color.White)

		_, err := pd.Calculate(context.Background(), img1, img2)
		if !xerrors.Is(err, pixelmatch.ErrSizeMismatch) {
			t.Errorf("Expected size mismatch, got %v", err)
		}
	})

	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		img1 := createTestImage(100, 100, color.White)
		img2 := createTestImage(100, 100, color.Black)

		if _, err := pd.Calculate(ctx, img1, img2); !xerrors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})
}

func TestPixelDiff_AntiAliased(t *testing.T) {
	// black | gray | white columns, the gray column darkens in the target
	edge := func(gray uint8) *image.RGBA {
		img := createTestImage(5, 5, color.White)
		for y := 0; y < 5; y++ {
			img.Set(0, y, color.Black)
			img.Set(1, y, color.Black)
			img.Set(2, y, color.Gray{Y: gray})
		}
		return img
	}

	img1 := edge(0x80)
	img2 := edge(0x40)

	t.Run("Ignored", func(t *testing.T) {
		result, err := NewPixelDiff(0.1, false).Calculate(context.Background(), img1, img2)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if result.DiffCount != 0 {
			t.Errorf("Expected DiffCount to be 0, got %d", result.DiffCount)
		}
		if got := result.Image.At(2, 2); got != antiAliasedColor {
			t.Errorf("Expected %v, got %v", antiAliasedColor, got)
		}
	})

	t.Run("Included", func(t *testing.T) {
		result, err := NewPixelDiff(0.1, true).Calculate(context.Background(), img1, img2)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if result.DiffCount != 5 {
			t.Errorf("Expected DiffCount to be 5, got %d", result.DiffCount)
		}
		if got := result.Image.At(2, 2); got != removedColor {
			t.Errorf("Expected %v, got %v", removedColor, got)
		}
	})
}

func TestGrayPixel(t *testing.T) {
	tests := map[string]struct {
		raw  uint32
		want color.RGBA
	}{
		"White":       {0xffffffff, color.RGBA{R: 255, G: 255, B: 255, A: 255}},
		"Black":       {0xff000000, color.RGBA{R: 229, G: 229, B: 229, A: 255}},
		"Transparent": {0x00000000, color.RGBA{R: 255, G: 255, B: 255, A: 255}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, grayPixel(tt.raw)); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func BenchmarkPixelDiff_Calculate_Small(b *testing.B) {
	pd := NewPixelDiff(0.1, false)
	img1 := createTestImage(1920, 1080, color.White)
	img2 := createTestImage(1920, 1080, color.White)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = pd.Calculate(context.Background(), img1, img2)
	}
}

func BenchmarkPixelDiff_Calculate_Large(b *testing.B) {
	pd := NewPixelDiff(0.1, false)
	img1 := createTestImage(3840, 2160, color.White)
	img2 := createTestImage(3840, 2160, color.White)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = pd.Calculate(context.Background(), img1, img2)
	}
}

func TestNewDiffer(t *testing.T) {
	if d, err := NewDiffer("", 0.1, false); err != nil {
		t.Errorf("Unexpected error: %v", err)
	} else if _, ok := d.(*PixelDiff); !ok {
		t.Errorf("Expected *PixelDiff by default, got %T", d)
	}

	if d, err := NewDiffer("rectangle", 0.1, false); err != nil {
		t.Errorf("Unexpected error: %v", err)
	} else if _, ok := d.(*RectangleDiff); !ok {
		t.Errorf("Expected *RectangleDiff, got %T", d)
	}

	if _, err := NewDiffer("line", 0.1, false); err == nil {
		t.Errorf("Expected error for unknown format")
	}
	if _, err := NewDiffer("pixel", 1.5, false); err == nil {
		t.Errorf("Expected error for threshold above 1")
	}
}

func TestWithWorkers(t *testing.T) {
	tests := map[string]struct {
		opts []Option
		want int
	}{
		"Default":  {nil, runtime.GOMAXPROCS(0)},
		"Explicit": {[]Option{WithWorkers(3)}, 3},
		"Zero":     {[]Option{WithWorkers(0)}, runtime.GOMAXPROCS(0)},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			d, err := NewDiffer("pixel", 0.1, false, tt.opts...)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			p := d.(*PixelDiff)
			if diff := cmp.Diff(tt.want, newMatcher(p.threshold, p.includeAntiAliased, p.workers).Workers); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}

			d, err = NewDiffer("rectangle", 0.1, false, tt.opts...)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			r := d.(*RectangleDiff)
			if diff := cmp.Diff(tt.want, newMatcher(r.threshold, r.includeAntiAliased, r.workers).Workers); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}

	t.Run("SingleWorkerMatchesParallel", func(t *testing.T) {
		img1 := createTestImage(64, 64, color.White)
		img2 := createTestImage(64, 64, color.White)
		for y := 10; y < 40; y++ {
			img2.Set(y, y, color.Black)
		}

		serial, err := NewPixelDiff(0.1, false, WithWorkers(1)).Calculate(context.Background(), img1, img2)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		parallel, err := NewPixelDiff(0.1, false, WithWorkers(8)).Calculate(context.Background(), img1, img2)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if diff := cmp.Diff(serial.DiffCount, parallel.DiffCount); diff != "" {
			t.Errorf("(-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(serial.Image.(*image.RGBA).Pix, parallel.Image.(*image.RGBA).Pix); diff != "" {
			t.Errorf("(-want +got):\n%s", diff)
		}
	})
}
