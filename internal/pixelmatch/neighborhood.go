package pixelmatch

// window returns the 3x3 neighborhood of (x, y) clamped to the image, and 1 when
// the clamp cut any side of it. Border pixels count the edge as one equal neighbor.
func window(x int, y int, width int, height int) (x0 int, y0 int, x2 int, y2 int, seed int) {
	x0 = max(x-1, 0)
	y0 = max(y-1, 0)
	x2 = min(x+1, width-1)
	y2 = min(y+1, height-1)
	if x == x0 || x == x2 || y == y0 || y == y2 {
		seed = 1
	}
	return x0, y0, x2, y2, seed
}

// hasManySiblings reports whether (x1, y1) has 3 or more adjacent pixels with the
// exact same raw value, counting the image edge as one.
func hasManySiblings[T comparable](img Image[T], equal func(T, T) bool, x1 int, y1 int, width int, height int) bool {
	x0, y0, x2, y2, zeroes := window(x1, y1, width, height)

	raw := img.At(x1, y1)

	for x := x0; x <= x2; x++ {
		for y := y0; y <= y2; y++ {
			if x == x1 && y == y1 {
				continue
			}

			if equal(raw, img.At(x, y)) {
				zeroes++
			}

			if zeroes > 2 {
				return true
			}
		}
	}

	return false
}

// isAntiAliased reports whether (x1, y1) of img1, whose normalized color is color1,
// looks like an anti-aliased edge pixel: it has both a strictly darker and a strictly
// brighter neighbor, and one of those extremes sits in a flat region of both images.
// Based on "Anti-aliased Pixel and Intensity Slope Detector" by V. Vysniauskas, 2009.
func isAntiAliased[T comparable](img1 Image[T], equal1 func(T, T) bool, color1 Color4, x1 int, y1 int, width int, height int, img2 Image[T], equal2 func(T, T) bool) bool {
	x0, y0, x2, y2, zeroes := window(x1, y1, width, height)

	var minDelta float32
	var maxDelta float32
	var minX, minY, maxX, maxY int

	for x := x0; x <= x2; x++ {
		for y := y0; y <= y2; y++ {
			if x == x1 && y == y1 {
				continue
			}

			delta := luminanceDelta(color1, img1.Normalized(img1.At(x, y)))

			switch {
			case delta == 0:
				zeroes++
				if zeroes > 2 {
					return false
				}
			case delta < minDelta:
				minDelta = delta
				minX = x
				minY = y
			case delta > maxDelta:
				maxDelta = delta
				maxX = x
				maxY = y
			}
		}
	}

	if minDelta == 0 || maxDelta == 0 {
		return false
	}

	return (hasManySiblings(img1, equal1, minX, minY, width, height) && hasManySiblings(img2, equal2, minX, minY, width, height)) ||
		(hasManySiblings(img1, equal1, maxX, maxY, width, height) && hasManySiblings(img2, equal2, maxX, maxY, width, height))
}
