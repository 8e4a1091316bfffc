package image

import (
	"context"
	"image"

	"golang.org/x/xerrors"
)

type DiffResult struct {
	Image image.Image
	// DiffAmount is the share of the image reported as different, from 0.0 to 1.0.
	DiffAmount float64
	// DiffCount is the number of pixels counted as different by the matcher.
	DiffCount int
}

type Differ interface {
	Calculate(ctx context.Context, baseline image.Image, target image.Image) (*DiffResult, error)
}

type options struct {
	workers int
}

type Option func(*options)

// WithWorkers sets how many goroutines compare rows. Zero or less means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewDiffer returns the Differ for format, "pixel" or "rectangle".
func NewDiffer(format string, threshold float64, includeAntiAliased bool, opts ...Option) (Differ, error) {
	if threshold < 0 || threshold > 1 {
		return nil, xerrors.Errorf("threshold must be between 0 and 1, got %v", threshold)
	}

	switch format {
	case "", "pixel":
		return NewPixelDiff(threshold, includeAntiAliased, opts...), nil
	case "rectangle":
		return NewRectangleDiff(threshold, includeAntiAliased, opts...), nil
	default:
		return nil, xerrors.Errorf("unknown diff format: %s", format)
	}
}
