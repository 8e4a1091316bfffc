package capture

import (
	"context"
)

type CaptureOptions struct {
	// MaskSelectors are CSS selectors whose elements are painted black before the
	// screenshot, for content that legitimately changes between runs.
	MaskSelectors []string
	Headers       map[string]string
}

type Capturer interface {
	// Capture renders url and returns a PNG screenshot.
	Capture(ctx context.Context, url string, captureOptions CaptureOptions) ([]byte, error)
}
