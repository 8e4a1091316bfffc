package pixelmatch

// YIQ NTSC coefficients from "Measuring perceived color difference using YIQ NTSC
// transmission color space in mobile applications" by Y. Kotsarenko and F. Ramos.
// They expect channels in the 0-255 range.
var (
	rgbToY = Color4{0.29889531, 0.58662247, 0.11448223, 0}
	rgbToI = Color4{0.59597799, -0.27417610, -0.32180189, 0}
	rgbToQ = Color4{0.21147017, -0.52261711, 0.31114694, 0}
	yiqToD = Color4{0.5053, 0.299, 0.1957, 0}
)

// maxYIQDelta is the largest possible perceptual delta between two 8-bit colors.
const maxYIQDelta = 35215

// dot rounds every product to float32 so that no fused multiply-add changes the result.
func dot(a Color4, b Color4) float32 {
	return float32(a[0]*b[0]) + float32(a[1]*b[1]) + float32(a[2]*b[2]) + float32(a[3]*b[3])
}

// luminanceDelta is the brightness-only difference y1 - y2.
func luminanceDelta(c1 Color4, c2 Color4) float32 {
	return dot(c1, rgbToY) - dot(c2, rgbToY)
}

// perceptualDelta is the squared YIQ distance between c1 and c2, negative when c1
// is brighter than c2.
func perceptualDelta(c1 Color4, c2 Color4) float32 {
	y1 := dot(c1, rgbToY)
	y2 := dot(c2, rgbToY)
	yd := y1 - y2

	i := dot(c1, rgbToI) - dot(c2, rgbToI)
	q := dot(c1, rgbToQ) - dot(c2, rgbToQ)

	delta := dot(Color4{yd * yd, i * i, q * q, 0}, yiqToD)

	if y1 > y2 {
		return -delta
	}
	return delta
}

// MaxDelta returns the acceptance radius for threshold, in the same units as
// the perceptual delta of normalized colors.
func MaxDelta(threshold float32) float32 {
	// rounded step by step in float32, not folded as an exact constant
	scale := float32(maxYIQDelta)
	scale /= 255
	scale /= 255
	return scale * (threshold * threshold)
}
