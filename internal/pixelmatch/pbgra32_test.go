package pixelmatch

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/xerrors"
)

func TestNewRawImageData(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		pix := make([]byte, 3*16)
		d, err := NewRawImageData(3, 3, pix, 16, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		width, height := d.Size()
		if width != 3 || height != 3 {
			t.Errorf("Expected 3x3, got %dx%d", width, height)
		}
	})

	t.Run("StrideNotMultipleOfFour", func(t *testing.T) {
		if _, err := NewRawImageData(2, 2, make([]byte, 32), 10, nil); err == nil {
			t.Errorf("Expected error for stride 10")
		}
	})

	t.Run("StrideTooSmall", func(t *testing.T) {
		if _, err := NewRawImageData(4, 2, make([]byte, 32), 8, nil); err == nil {
			t.Errorf("Expected error for stride smaller than a row")
		}
	})

	t.Run("BufferTooSmall", func(t *testing.T) {
		if _, err := NewRawImageData(4, 4, make([]byte, 60), 16, nil); err == nil {
			t.Errorf("Expected error for short buffer")
		}
	})

	t.Run("LastRowWithoutPadding", func(t *testing.T) {
		if _, err := NewRawImageData(2, 2, make([]byte, 16+8), 16, nil); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	})
}

func TestRawImageData_Close(t *testing.T) {
	releases := 0
	released := xerrors.New("released")
	d, err := NewRawImageData(1, 1, make([]byte, 4), 4, func() error {
		releases++
		return released
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := d.Close(); err != released {
			t.Errorf("Expected release error, got %v", err)
		}
	}
	if releases != 1 {
		t.Errorf("Expected release to run once, ran %d times", releases)
	}
}

func TestRawImageData_Sub(t *testing.T) {
	img := rawImage(4, 3,
		0, 1, 2, 3,
		4, 5, 6, 7,
		8, 9, 10, 11,
	)

	sub := img.Sub(image.Rect(1, 1, 3, 5))
	width, height := sub.Size()
	if width != 2 || height != 2 {
		t.Fatalf("Expected 2x2, got %dx%d", width, height)
	}

	got := []uint32{sub.At(0, 0), sub.At(1, 0), sub.At(0, 1), sub.At(1, 1)}
	if diff := cmp.Diff([]uint32{5, 6, 9, 10}, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	if err := sub.Close(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	empty := img.Sub(image.Rect(10, 10, 12, 12))
	if width, height := empty.Size(); width != 0 || height != 0 {
		t.Errorf("Expected empty view, got %dx%d", width, height)
	}
}

func TestFromImage(t *testing.T) {
	fill := func(img draw.Image) {
		bounds := img.Bounds()
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				img.Set(x, y, color.NRGBA{R: uint8(x * 40), G: uint8(y * 60), B: uint8(x * y * 10), A: uint8(255 - x*30)})
			}
		}
	}

	bounds := image.Rect(2, 3, 7, 7)

	reference := func(img image.Image) *PBgra32Image {
		p := NewPBgra32Image(bounds.Dx(), bounds.Dy())
		for y := 0; y < bounds.Dy(); y++ {
			for x := 0; x < bounds.Dx(); x++ {
				c := color.RGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.RGBA)
				p.SetPBgra32(x, y, c.R, c.G, c.B, c.A)
			}
		}
		return p
	}

	for name, img := range map[string]draw.Image{
		"RGBA":    image.NewRGBA(bounds),
		"NRGBA":   image.NewNRGBA(bounds),
		"RGBA64":  image.NewRGBA64(bounds),
		"NRGBA64": image.NewNRGBA64(bounds),
	} {
		fill(img)
		t.Run(name, func(t *testing.T) {
			got := FromImage(img)
			if diff := cmp.Diff(reference(img).Pix, got.Pix); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}

	want := reference(func() image.Image {
		img := image.NewRGBA(bounds)
		fill(img)
		return img
	}())

	t.Run("Gray", func(t *testing.T) {
		gray := image.NewGray(image.Rect(0, 0, 2, 1))
		gray.SetGray(0, 0, color.Gray{Y: 0x10})
		gray.SetGray(1, 0, color.Gray{Y: 0xf0})

		got := FromImage(gray)
		if diff := cmp.Diff([]uint32{0xff101010, 0xfff0f0f0}, []uint32{got.At(0, 0), got.At(1, 0)}); diff != "" {
			t.Errorf("(-want +got):\n%s", diff)
		}
	})

	t.Run("YCbCr", func(t *testing.T) {
		ycbcr := image.NewYCbCr(image.Rect(0, 0, 4, 4), image.YCbCrSubsampleRatio444)
		for i := range ycbcr.Y {
			ycbcr.Y[i] = uint8(i * 16)
			ycbcr.Cb[i] = uint8(255 - i*16)
			ycbcr.Cr[i] = 128
		}

		got := FromImage(ycbcr)
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				i := ycbcr.YOffset(x, y)
				r, g, b := color.YCbCrToRGB(ycbcr.Y[i], ycbcr.Cb[i], ycbcr.Cr[i])
				want := uint32(0xff)<<24 | uint32(r)<<16 | uint32(g)<<8 | uint32(b)
				if raw := got.At(x, y); raw != want {
					t.Errorf("Expected %#08x at (%d, %d), got %#08x", want, x, y, raw)
				}
			}
		}
	})

	t.Run("AdapterRoundTrip", func(t *testing.T) {
		got := FromImage(want.Image())
		if got != want {
			t.Errorf("Expected the adapter to unwrap to the same image")
		}

		rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(rgba, rgba.Bounds(), want.Image(), image.Point{}, draw.Src)
		if diff := cmp.Diff(want.Pix, FromImage(rgba).Pix); diff != "" {
			t.Errorf("(-want +got):\n%s", diff)
		}
	})
}
