package imaging

import (
	"image"
)

// axisZoneFraction is the share of a bar chart's height occupied by the
// axis/legend strip at the bottom; it carries no score rows and is cut
// before slicing.
const axisZoneFraction = 0.15

// ROI is one cropped region believed to contain a single competency row.
type ROI struct {
	Index int
	Rect  image.Rectangle
	Image *image.Gray
}

// rowSlicer tuning. Bands of ink shorter than minBandHeight are noise;
// gaps narrower than minGap glue adjacent bands into one row.
type rowSlicerConfig struct {
	inkThreshold   uint8   // pixel darker than this counts as ink
	minDensity     float64 // fraction of row width that must be ink
	minBandHeight  int
	minGap         int
	verticalMargin int // padding added above/below each detected band
}

func defaultRowSlicer() rowSlicerConfig {
	return rowSlicerConfig{
		inkThreshold:   128,
		minDensity:     0.02,
		minBandHeight:  8,
		minGap:         4,
		verticalMargin: 3,
	}
}

// SliceRows partitions a bar-chart image into one ROI per competency row.
// Candidate rows are contiguous horizontal bands whose ink density clears
// the threshold; the bottom axis zone is discarded first. ROIs are returned
// top-to-bottom.
func SliceRows(g *image.Gray) []ROI {
	return sliceRows(g, defaultRowSlicer())
}

func sliceRows(g *image.Gray, cfg rowSlicerConfig) []ROI {
	b := g.Bounds()
	w := b.Dx()
	usableH := int(float64(b.Dy()) * (1 - axisZoneFraction))
	if w == 0 || usableH == 0 {
		return nil
	}

	inked := make([]bool, usableH)
	for y := 0; y < usableH; y++ {
		dark := 0
		for x := 0; x < w; x++ {
			if g.GrayAt(b.Min.X+x, b.Min.Y+y).Y < cfg.inkThreshold {
				dark++
			}
		}
		inked[y] = float64(dark) >= cfg.minDensity*float64(w)
	}

	bands := mergeBands(findBands(inked, cfg.minBandHeight), cfg.minGap)

	rois := make([]ROI, 0, len(bands))
	for i, band := range bands {
		top := maxInt(0, band[0]-cfg.verticalMargin)
		bottom := band[1] + cfg.verticalMargin
		if bottom > usableH {
			bottom = usableH
		}
		rect := image.Rect(b.Min.X, b.Min.Y+top, b.Min.X+w, b.Min.Y+bottom)
		rois = append(rois, ROI{
			Index: i,
			Rect:  rect,
			Image: crop(g, rect),
		})
	}
	return rois
}

// findBands returns [start, end) ranges of consecutive inked rows.
func findBands(inked []bool, minHeight int) [][2]int {
	var bands [][2]int
	start := -1
	for y, on := range inked {
		switch {
		case on && start < 0:
			start = y
		case !on && start >= 0:
			if y-start >= minHeight {
				bands = append(bands, [2]int{start, y})
			}
			start = -1
		}
	}
	if start >= 0 && len(inked)-start >= minHeight {
		bands = append(bands, [2]int{start, len(inked)})
	}
	return bands
}

func mergeBands(bands [][2]int, minGap int) [][2]int {
	if len(bands) < 2 {
		return bands
	}
	merged := [][2]int{bands[0]}
	for _, band := range bands[1:] {
		last := &merged[len(merged)-1]
		if band[0]-last[1] < minGap {
			last[1] = band[1]
			continue
		}
		merged = append(merged, band)
	}
	return merged
}

func crop(g *image.Gray, rect image.Rectangle) *image.Gray {
	sub := g.SubImage(rect.Intersect(g.Bounds())).(*image.Gray)
	// Re-anchor at the origin so downstream encoders see a standalone image.
	out := image.NewGray(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			out.SetGray(x, y, sub.GrayAt(rect.Min.X+x, rect.Min.Y+y))
		}
	}
	return out
}
