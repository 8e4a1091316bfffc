package pixelmatch

import (
	"image"
	"image/color"
)

// PBgra32Adapter exposes a PBgra32Image as an image.Image, for drawing and encoding.
type PBgra32Adapter struct {
	*PBgra32Image
}

func (p *PBgra32Image) Image() *PBgra32Adapter {
	return &PBgra32Adapter{PBgra32Image: p}
}

func (a *PBgra32Adapter) ColorModel() color.Model {
	return color.RGBAModel
}

func (a *PBgra32Adapter) Bounds() image.Rectangle {
	width, height := a.Size()
	return image.Rect(0, 0, width, height)
}

func (a *PBgra32Adapter) At(x int, y int) color.Color {
	if !(image.Point{X: x, Y: y}).In(a.Bounds()) {
		return color.RGBA{}
	}
	raw := a.PBgra32Image.At(x, y)
	return color.RGBA{
		R: uint8(raw >> 16),
		G: uint8(raw >> 8),
		B: uint8(raw),
		A: uint8(raw >> 24),
	}
}
