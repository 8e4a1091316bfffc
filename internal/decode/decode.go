package decode

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/xerrors"
)

// Decode reads a PNG, JPEG, GIF, BMP, TIFF or WebP image and reports its format.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", xerrors.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// ErrTooManyPixels is returned by DecodeLimited when the declared canvas exceeds the limit.
var ErrTooManyPixels = xerrors.New("image has too many pixels")

// DecodeLimited is Decode for untrusted input: the header is read first and the
// image is rejected before any pixel is allocated when width*height exceeds
// maxPixels. A maxPixels of zero or less disables the check.
func DecodeLimited(data []byte, maxPixels int64) (image.Image, string, error) {
	if maxPixels > 0 {
		config, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, "", xerrors.Errorf("failed to decode image config: %w", err)
		}
		if pixels := int64(config.Width) * int64(config.Height); pixels > maxPixels {
			return nil, "", xerrors.Errorf("%dx%d exceeds %d pixels: %w", config.Width, config.Height, maxPixels, ErrTooManyPixels)
		}
	}
	return Decode(data)
}

// EncodePNG writes img as a PNG, which is the format every diff image is produced in.
func EncodePNG(w io.Writer, img image.Image) error {
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(w, img); err != nil {
		return xerrors.Errorf("failed to encode image: %w", err)
	}
	return nil
}
