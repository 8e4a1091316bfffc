package decode

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/xerrors"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

func testImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 100), B: 0x40, A: 0xff})
		}
	}
	return img
}

func TestDecode(t *testing.T) {
	tests := map[string]func(w io.Writer, img image.Image) error{
		"png": EncodePNG,
		"bmp": bmp.Encode,
		"tiff": func(w io.Writer, img image.Image) error {
			return tiff.Encode(w, img, nil)
		},
		"gif": func(w io.Writer, img image.Image) error {
			return gif.Encode(w, img, nil)
		},
		"jpeg": func(w io.Writer, img image.Image) error {
			return jpeg.Encode(w, img, nil)
		},
	}
	for format, encode := range tests {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			if err := encode(&buf, testImage()); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			img, got, err := Decode(buf.Bytes())
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != format {
				t.Errorf("Expected format %q, got %q", format, got)
			}
			if diff := cmp.Diff(image.Rect(0, 0, 4, 3), img.Bounds()); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_Lossless(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodePNG(&buf, testImage()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	img, _, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := testImage()
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			if got := color.RGBAModel.Convert(img.At(x, y)); got != want.At(x, y) {
				t.Errorf("Expected %v at (%d, %d), got %v", want.At(x, y), x, y, got)
			}
		}
	}
}

func TestDecode_Invalid(t *testing.T) {
	if _, _, err := Decode([]byte("not an image")); err == nil {
		t.Errorf("Expected error for invalid data")
	}
}

func TestDecodeLimited(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodePNG(&buf, testImage()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	tests := map[string]struct {
		maxPixels int64
		wantErr   error
	}{
		"Unlimited": {maxPixels: 0},
		"AtLimit":   {maxPixels: 12},
		"OverLimit": {maxPixels: 11, wantErr: ErrTooManyPixels},
		"Negative":  {maxPixels: -1},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			img, _, err := DecodeLimited(buf.Bytes(), tt.maxPixels)
			if tt.wantErr != nil {
				if !xerrors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if diff := cmp.Diff(image.Rect(0, 0, 4, 3), img.Bounds()); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}

	t.Run("NotAnImage", func(t *testing.T) {
		if _, _, err := DecodeLimited([]byte("text"), 10); err == nil || xerrors.Is(err, ErrTooManyPixels) {
			t.Errorf("Expected a decode error, got %v", err)
		}
	})
}
