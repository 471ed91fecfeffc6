package imaging

import (
	"image"
	"image/color"
	"testing"
)

// barChart paints a synthetic chart: dark horizontal bars on white, plus a
// dark axis strip inside the bottom 15%.
func barChart(w, h int, barRows [][2]int, withAxis bool) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i := range g.Pix {
		g.Pix[i] = 255
	}
	paint := func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			for x := 0; x < w*3/4; x++ {
				g.SetGray(x, y, color.Gray{Y: 20})
			}
		}
	}
	for _, r := range barRows {
		paint(r[0], r[1])
	}
	if withAxis {
		paint(h-10, h-2)
	}
	return g
}

func TestSliceRowsFindsEachBar(t *testing.T) {
	rows := [][2]int{{20, 40}, {60, 80}, {100, 120}}
	g := barChart(400, 200, rows, true)

	rois := SliceRows(g)
	if len(rois) != 3 {
		t.Fatalf("expected 3 ROIs, got %d", len(rois))
	}
	for i, roi := range rois {
		if roi.Index != i {
			t.Errorf("roi %d has index %d", i, roi.Index)
		}
		wantTop, wantBottom := rows[i][0], rows[i][1]
		if roi.Rect.Min.Y > wantTop || roi.Rect.Max.Y < wantBottom {
			t.Errorf("roi %d rect %v does not cover bar [%d, %d)", i, roi.Rect, wantTop, wantBottom)
		}
	}
	// Top-to-bottom order.
	for i := 1; i < len(rois); i++ {
		if rois[i].Rect.Min.Y <= rois[i-1].Rect.Min.Y {
			t.Fatalf("ROIs out of order: %v then %v", rois[i-1].Rect, rois[i].Rect)
		}
	}
}

func TestSliceRowsDiscardsAxisZone(t *testing.T) {
	// Only content is the axis strip in the bottom 15%; no rows should
	// survive.
	g := barChart(400, 200, nil, true)
	if rois := SliceRows(g); len(rois) != 0 {
		t.Fatalf("axis zone produced %d ROIs", len(rois))
	}
}

func TestSliceRowsMergesNarrowGaps(t *testing.T) {
	// Two bands 2px apart are one visual row (anti-aliasing split).
	g := barChart(400, 200, [][2]int{{30, 44}, {46, 60}}, false)
	rois := sliceRows(g, defaultRowSlicer())
	if len(rois) != 1 {
		t.Fatalf("expected merged single ROI, got %d", len(rois))
	}
}

func TestSliceRowsEmptyImage(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 0, 0))
	if rois := SliceRows(g); rois != nil {
		t.Fatalf("expected nil for empty image, got %v", rois)
	}
}
