package pixelmatch

import (
	"image"
	"image/color"
	"runtime"
	"sync"
)

// FromImage copies img into a premultiplied BGRA32 image whose origin is img.Bounds().Min.
func FromImage(img image.Image) *PBgra32Image {
	if p, ok := img.(*PBgra32Adapter); ok {
		return p.PBgra32Image
	}

	bounds := img.Bounds()
	dst := NewPBgra32Image(bounds.Dx(), bounds.Dy())

	var process func(startY int, endY int)
	switch src := img.(type) {
	case *image.RGBA:
		process = func(startY int, endY int) { convertRGBA(src, dst, bounds, startY, endY) }
	case *image.NRGBA:
		process = func(startY int, endY int) { convertNRGBA(src, dst, bounds, startY, endY) }
	case *image.RGBA64:
		process = func(startY int, endY int) { convertRGBA64(src, dst, bounds, startY, endY) }
	case *image.NRGBA64:
		process = func(startY int, endY int) { convertNRGBA64(src, dst, bounds, startY, endY) }
	case *image.YCbCr:
		process = func(startY int, endY int) { convertYCbCr(src, dst, bounds, startY, endY) }
	default:
		process = func(startY int, endY int) { convertGeneric(img, dst, bounds, startY, endY) }
	}

	// Use GOMAXPROCS instead of runtime.NumCPU() to consider cgroup.
	numWorkers := runtime.GOMAXPROCS(0)
	height := bounds.Dy()
	rowsPerWorker := height / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		startY := i * rowsPerWorker
		endY := startY + rowsPerWorker
		if i == numWorkers-1 {
			endY = height
		}

		go func(startY int, endY int) {
			defer wg.Done()
			process(startY, endY)
		}(startY, endY)
	}
	wg.Wait()

	return dst
}

func convertRGBA(src *image.RGBA, dst *PBgra32Image, bounds image.Rectangle, startY int, endY int) {
	for y := startY; y < endY; y++ {
		rowStart := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
		for x := 0; x < bounds.Dx(); x++ {
			s := src.Pix[rowStart+x*4 : rowStart+x*4+4 : rowStart+x*4+4]
			dst.set(x, y, s[2], s[1], s[0], s[3])
		}
	}
}

func convertNRGBA(src *image.NRGBA, dst *PBgra32Image, bounds image.Rectangle, startY int, endY int) {
	for y := startY; y < endY; y++ {
		rowStart := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
		for x := 0; x < bounds.Dx(); x++ {
			s := src.Pix[rowStart+x*4 : rowStart+x*4+4 : rowStart+x*4+4]
			if s[3] == 0xff {
				dst.set(x, y, s[2], s[1], s[0], 0xff)
				continue
			}
			r, g, b, a := color.NRGBA{R: s[0], G: s[1], B: s[2], A: s[3]}.RGBA()
			dst.set(x, y, uint8(b>>8), uint8(g>>8), uint8(r>>8), uint8(a>>8))
		}
	}
}

func convertRGBA64(src *image.RGBA64, dst *PBgra32Image, bounds image.Rectangle, startY int, endY int) {
	for y := startY; y < endY; y++ {
		rowStart := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
		for x := 0; x < bounds.Dx(); x++ {
			// big-endian 16-bit channels: keep the high byte of each
			s := src.Pix[rowStart+x*8 : rowStart+x*8+8 : rowStart+x*8+8]
			dst.set(x, y, s[4], s[2], s[0], s[6])
		}
	}
}

func convertNRGBA64(src *image.NRGBA64, dst *PBgra32Image, bounds image.Rectangle, startY int, endY int) {
	for y := startY; y < endY; y++ {
		rowStart := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
		for x := 0; x < bounds.Dx(); x++ {
			s := src.Pix[rowStart+x*8 : rowStart+x*8+8 : rowStart+x*8+8]
			r, g, b, a := color.NRGBA64{
				R: uint16(s[0])<<8 | uint16(s[1]),
				G: uint16(s[2])<<8 | uint16(s[3]),
				B: uint16(s[4])<<8 | uint16(s[5]),
				A: uint16(s[6])<<8 | uint16(s[7]),
			}.RGBA()
			dst.set(x, y, uint8(b>>8), uint8(g>>8), uint8(r>>8), uint8(a>>8))
		}
	}
}

func convertYCbCr(src *image.YCbCr, dst *PBgra32Image, bounds image.Rectangle, startY int, endY int) {
	for y := startY; y < endY; y++ {
		for x := 0; x < bounds.Dx(); x++ {
			yOffset := src.YOffset(bounds.Min.X+x, bounds.Min.Y+y)
			cOffset := src.COffset(bounds.Min.X+x, bounds.Min.Y+y)
			r, g, b := ycbcrToRGB(src.Y[yOffset], src.Cb[cOffset], src.Cr[cOffset])
			dst.set(x, y, b, g, r, 0xff)
		}
	}
}

func convertGeneric(src image.Image, dst *PBgra32Image, bounds image.Rectangle, startY int, endY int) {
	for y := startY; y < endY; y++ {
		for x := 0; x < bounds.Dx(); x++ {
			c := color.RGBAModel.Convert(src.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.RGBA)
			dst.set(x, y, c.B, c.G, c.R, c.A)
		}
	}
}

// ycbcrToRGB follows ITU-R BT.601 with full-range JPEG (JFIF) components:
//
//	R = Y + 1.402 * (Cr - 128)
//	G = Y - 0.344136 * (Cb - 128) - 0.714136 * (Cr - 128)
//	B = Y + 1.772 * (Cb - 128)
//
// in 16.16 fixed point.
func ycbcrToRGB(y uint8, cb uint8, cr uint8) (uint8, uint8, uint8) {
	const (
		crToR = 91881  // 1.402 * 65536
		cbToG = 22554  // 0.344136 * 65536
		crToG = 46802  // 0.714136 * 65536
		cbToB = 116130 // 1.772 * 65536
	)

	yy := int32(y) * 0x10101
	cb1 := int32(cb) - 128
	cr1 := int32(cr) - 128

	return clampUint8((yy + crToR*cr1) >> 16),
		clampUint8((yy - cbToG*cb1 - crToG*cr1) >> 16),
		clampUint8((yy + cbToB*cb1) >> 16)
}

func clampUint8(v int32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
