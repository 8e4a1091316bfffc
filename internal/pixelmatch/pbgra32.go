package pixelmatch

import (
	"encoding/binary"
	"image"
	"sync"

	"golang.org/x/xerrors"
)

var (
	byteScale  = float32(1) / 255
	colorScale = byteScale * byteScale
)

// NormalizePBgra32 converts a packed premultiplied BGRA pixel (blue in the lowest
// byte, alpha in the highest) to (r, g, b, 255) * alpha / 255².
func NormalizePBgra32(raw uint32) Color4 {
	a := float32(raw>>24) * colorScale
	return Color4{
		float32(raw>>16&0xff) * a,
		float32(raw>>8&0xff) * a,
		float32(raw&0xff) * a,
		255 * a,
	}
}

// RawImageData is a view over a caller-owned buffer of 32-bit pixels, stored
// row by row with Stride bytes between rows. The buffer must not change while
// a comparison reads it.
type RawImageData struct {
	Pix    []byte
	Stride int

	width   int
	height  int
	release func() error
	once    sync.Once
	err     error
}

// NewRawImageData wraps pix without copying. release, if not nil, is run by the
// first call to Close.
func NewRawImageData(width int, height int, pix []byte, stride int, release func() error) (*RawImageData, error) {
	if width < 0 || height < 0 {
		return nil, xerrors.Errorf("invalid image size %dx%d", width, height)
	}
	if stride%4 != 0 {
		return nil, xerrors.Errorf("stride must be a multiple of 4, got %d", stride)
	}
	if stride < width*4 {
		return nil, xerrors.Errorf("stride %d is too small for width %d", stride, width)
	}
	if height > 0 && width > 0 && len(pix) < (height-1)*stride+width*4 {
		return nil, xerrors.Errorf("buffer of %d bytes is too small for %dx%d with stride %d", len(pix), width, height, stride)
	}

	return &RawImageData{
		Pix:     pix,
		Stride:  stride,
		width:   width,
		height:  height,
		release: release,
	}, nil
}

func (d *RawImageData) Size() (int, int) {
	return d.width, d.height
}

func (d *RawImageData) At(x int, y int) uint32 {
	offset := y*d.Stride + x*4
	return binary.LittleEndian.Uint32(d.Pix[offset : offset+4])
}

func (d *RawImageData) set(x int, y int, b uint8, g uint8, r uint8, a uint8) {
	offset := y*d.Stride + x*4
	d.Pix[offset] = b
	d.Pix[offset+1] = g
	d.Pix[offset+2] = r
	d.Pix[offset+3] = a
}

// Sub returns a view of the part of d inside r. The view shares the buffer and
// does not own it: closing it releases nothing.
func (d *RawImageData) Sub(r image.Rectangle) *RawImageData {
	r = r.Intersect(image.Rect(0, 0, d.width, d.height))
	if r.Empty() {
		return &RawImageData{}
	}

	return &RawImageData{
		Pix:    d.Pix[r.Min.Y*d.Stride+r.Min.X*4:],
		Stride: d.Stride,
		width:  r.Dx(),
		height: r.Dy(),
	}
}

// Close runs the release hook exactly once, whatever the number of calls.
func (d *RawImageData) Close() error {
	d.once.Do(func() {
		if d.release != nil {
			d.err = d.release()
		}
	})
	return d.err
}

// PBgra32Image is an Image over 32-bit premultiplied BGRA pixels.
type PBgra32Image struct {
	*RawImageData
}

// NewPBgra32Image allocates a zeroed (transparent) width x height image.
func NewPBgra32Image(width int, height int) *PBgra32Image {
	return &PBgra32Image{
		RawImageData: &RawImageData{
			Pix:    make([]byte, width*height*4),
			Stride: width * 4,
			width:  width,
			height: height,
		},
	}
}

func (p *PBgra32Image) Normalized(raw uint32) Color4 {
	return NormalizePBgra32(raw)
}

func (p *PBgra32Image) Equal(a uint32, b uint32) bool {
	return a == b
}

// SetPBgra32 stores already premultiplied channels at (x, y).
func (p *PBgra32Image) SetPBgra32(x int, y int, r uint8, g uint8, b uint8, a uint8) {
	p.set(x, y, b, g, r, a)
}

func (p *PBgra32Image) Sub(r image.Rectangle) *PBgra32Image {
	return &PBgra32Image{RawImageData: p.RawImageData.Sub(r)}
}
