package image

import (
	"context"
	"image"
	"image/color"
	"image/draw"

	"pixelmatch/internal/pixelmatch"

	"golang.org/x/xerrors"
)

type Rectangle struct {
	X      int
	Y      int
	Width  int
	Height int
}

// RectangleDiff outlines clusters of counted differences on top of the target.
type RectangleDiff struct {
	threshold          float64
	includeAntiAliased bool
	workers            int
}

func NewRectangleDiff(threshold float64, includeAntiAliased bool, opts ...Option) *RectangleDiff {
	o := newOptions(opts)
	return &RectangleDiff{
		threshold,
		includeAntiAliased,
		o.workers,
	}
}

func (r *RectangleDiff) Calculate(ctx context.Context, baseline image.Image, target image.Image) (*DiffResult, error) {
	rectangles, count, err := r.findRectangles(ctx, baseline, target)
	if err != nil {
		return nil, err
	}

	bounds := target.Bounds()
	result := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(result, result.Bounds(), target, bounds.Min, draw.Src)

	rectColor := color.RGBA{R: 255, A: 255}

	for _, rect := range rectangles {
		for thickness := 0; thickness < 3; thickness++ {
			for x := rect.X - thickness; x < rect.X+rect.Width+thickness; x++ {
				result.SetRGBA(x, rect.Y-thickness, rectColor)
				result.SetRGBA(x, rect.Y+rect.Height+thickness, rectColor)
			}

			for y := rect.Y - thickness; y < rect.Y+rect.Height+thickness; y++ {
				result.SetRGBA(rect.X-thickness, y, rectColor)
				result.SetRGBA(rect.X+rect.Width+thickness, y, rectColor)
			}
		}
	}

	totalDiffArea := 0
	for _, rect := range rectangles {
		totalDiffArea += rect.Width * rect.Height
	}

	return &DiffResult{
		Image:      result,
		DiffAmount: min(amount(totalDiffArea, bounds.Dx()*bounds.Dy()), 1.0),
		DiffCount:  count,
	}, nil
}

func (r *RectangleDiff) findRectangles(ctx context.Context, baseline image.Image, target image.Image) ([]Rectangle, int, error) {
	baselinePixels := pixelmatch.FromImage(baseline)
	targetPixels := pixelmatch.FromImage(target)

	width, height := baselinePixels.Size()
	diffMap := make([][]bool, height)
	for i := range diffMap {
		diffMap[i] = make([]bool, width)
	}

	count, err := newMatcher(r.threshold, r.includeAntiAliased, r.workers).CompareContext(ctx, baselinePixels, targetPixels, func(x int, y int, delta float32) {
		// anti-aliased pixels are reported with a zero delta and do not form boxes
		if delta != 0 {
			diffMap[y][x] = true
		}
	})
	if err != nil {
		return nil, 0, xerrors.Errorf("failed to compare images: %w", err)
	}

	visited := make([][]bool, height)
	for i := range visited {
		visited[i] = make([]bool, width)
	}

	var rectangles []Rectangle
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if diffMap[y][x] && !visited[y][x] {
				rectangles = append(rectangles, r.findBoundingBox(diffMap, visited, x, y, width, height))
			}
		}
	}

	return r.mergeRectangles(rectangles), count, nil
}

func (r *RectangleDiff) findBoundingBox(diffMap [][]bool, visited [][]bool, startX int, startY int, width int, height int) Rectangle {
	minX := startX
	minY := startY
	maxX := startX
	maxY := startY

	queue := []image.Point{{X: startX, Y: startY}}
	visited[startY][startX] = true

	for len(queue) > 0 {
		point := queue[0]
		queue = queue[1:]

		minX = min(minX, point.X)
		maxX = max(maxX, point.X)
		minY = min(minY, point.Y)
		maxY = max(maxY, point.Y)

		// Check 8 neighbors
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}

				nx := point.X + dx
				ny := point.Y + dy
				if nx >= 0 && nx < width && ny >= 0 && ny < height &&
					diffMap[ny][nx] && !visited[ny][nx] {
					visited[ny][nx] = true
					queue = append(queue, image.Point{X: nx, Y: ny})
				}
			}
		}
	}

	return Rectangle{
		X:      minX,
		Y:      minY,
		Width:  maxX - minX + 1,
		Height: maxY - minY + 1,
	}
}

func (r *RectangleDiff) mergeRectangles(rects []Rectangle) []Rectangle {
	if len(rects) <= 1 {
		return rects
	}

	merged := make([]Rectangle, 0)
	used := make([]bool, len(rects))

	for i := 0; i < len(rects); i++ {
		if used[i] {
			continue
		}

		current := rects[i]
		mergedAny := true

		for mergedAny {
			mergedAny = false
			for j := i + 1; j < len(rects); j++ {
				if used[j] {
					continue
				}

				if r.rectanglesOverlap(current, rects[j]) || r.rectanglesClose(current, rects[j], 10) {
					current = r.combineRectangles(current, rects[j])
					used[j] = true
					mergedAny = true
				}
			}
		}

		merged = append(merged, current)
	}

	return merged
}

func (r *RectangleDiff) rectanglesOverlap(r1 Rectangle, r2 Rectangle) bool {
	return !(r1.X+r1.Width <= r2.X || r2.X+r2.Width <= r1.X ||
		r1.Y+r1.Height <= r2.Y || r2.Y+r2.Height <= r1.Y)
}

func (r *RectangleDiff) rectanglesClose(r1 Rectangle, r2 Rectangle, threshold int) bool {
	return r.rectanglesOverlap(expand(r1, threshold), expand(r2, threshold))
}

func expand(rect Rectangle, by int) Rectangle {
	return Rectangle{
		X:      rect.X - by,
		Y:      rect.Y - by,
		Width:  rect.Width + 2*by,
		Height: rect.Height + 2*by,
	}
}

func (r *RectangleDiff) combineRectangles(r1 Rectangle, r2 Rectangle) Rectangle {
	minX := min(r1.X, r2.X)
	minY := min(r1.Y, r2.Y)
	maxX := max(r1.X+r1.Width, r2.X+r2.Width)
	maxY := max(r1.Y+r1.Height, r2.Y+r2.Height)

	return Rectangle{
		X:      minX,
		Y:      minY,
		Width:  maxX - minX,
		Height: maxY - minY,
	}
}
