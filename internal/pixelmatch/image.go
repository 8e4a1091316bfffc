package pixelmatch

// Color4 is an alpha-premultiplied color. The fourth component is padding
// and does not take part in any of the YIQ coefficient vectors.
type Color4 [4]float32

// Image is a read-only rectangular grid of raw pixels.
// Coordinates are 0-based and At is only called with 0 <= x < width, 0 <= y < height.
type Image[T comparable] interface {
	Size() (width int, height int)
	At(x int, y int) T
	// Normalized converts a raw value to a premultiplied color whose channels are
	// scaled for the YIQ coefficients.
	Normalized(raw T) Color4
}

// Equaler can be implemented by an Image to replace the default == comparison
// of raw values. Implementations must agree with bitwise equality.
type Equaler[T comparable] interface {
	Equal(a T, b T) bool
}

// DifferenceFunc receives every pixel whose delta exceeded the threshold.
// delta is 0 for pixels that were suppressed as anti-aliasing.
type DifferenceFunc func(x int, y int, delta float32)

func equalFunc[T comparable](img Image[T]) func(T, T) bool {
	if e, ok := img.(Equaler[T]); ok {
		return e.Equal
	}
	return func(a T, b T) bool {
		return a == b
	}
}
