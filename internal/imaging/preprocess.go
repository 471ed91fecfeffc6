package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	_ "image/jpeg" // register decoders for embedded raster images
	_ "image/png"

	xdraw "golang.org/x/image/draw"
)

// Preprocessor applies the deterministic normalization chain: grayscale,
// contrast stretch, small-angle deskew, resize to a canonical working width.
// It is side-effect-free; the same input bytes always yield the same output.
type Preprocessor struct {
	// CanonicalWidth is the working resolution the recognizer expects.
	CanonicalWidth int
	// MaxUpscale caps enlargement of small source images.
	MaxUpscale float64
	// DeskewRange is the half-range, in degrees, searched for skew.
	DeskewRange float64
}

// NewPreprocessor returns a preprocessor with the default tuning.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		CanonicalWidth: 1600,
		MaxUpscale:     2.0,
		DeskewRange:    3.0,
	}
}

// Run decodes and normalizes one embedded image.
func (p *Preprocessor) Run(data []byte) (*image.Gray, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	g := toGray(src)
	g = stretchContrast(g)
	if angle := p.detectSkew(g); angle != 0 {
		g = rotate(g, -angle)
	}
	return p.resize(g), nil
}

// EncodePNG serializes a processed image for the recognizer or the remote
// model payload.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func toGray(src image.Image) *image.Gray {
	b := src.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(g, g.Bounds(), src, b.Min, xdraw.Src)
	return g
}

// stretchContrast maps the 2nd..98th luminance percentiles onto the full
// 0..255 range, flattening scanner illumination drift.
func stretchContrast(g *image.Gray) *image.Gray {
	var hist [256]int
	for _, px := range g.Pix {
		hist[px]++
	}
	total := len(g.Pix)
	if total == 0 {
		return g
	}
	lo, hi := percentile(hist[:], total, 0.02), percentile(hist[:], total, 0.98)
	if hi <= lo {
		return g
	}
	out := image.NewGray(g.Bounds())
	scale := 255.0 / float64(hi-lo)
	for i, px := range g.Pix {
		v := (float64(px) - float64(lo)) * scale
		if v < 0 {
			v = 0
		} else if v > 255 {
			v = 255
		}
		out.Pix[i] = uint8(v)
	}
	return out
}

func percentile(hist []int, total int, q float64) int {
	target := int(q * float64(total))
	acc := 0
	for v, n := range hist {
		acc += n
		if acc >= target {
			return v
		}
	}
	return 255
}

// detectSkew searches DeskewRange degrees around zero for the rotation that
// maximizes the variance of the horizontal ink profile; text and table rows
// produce the sharpest profile when level.
func (p *Preprocessor) detectSkew(g *image.Gray) float64 {
	if p.DeskewRange <= 0 {
		return 0
	}
	best, bestScore := 0.0, profileVariance(g, 0)
	for a := -p.DeskewRange; a <= p.DeskewRange; a += 0.5 {
		if a == 0 {
			continue
		}
		if score := profileVariance(g, a); score > bestScore*1.05 {
			best, bestScore = a, score
		}
	}
	return best
}

func profileVariance(g *image.Gray, degrees float64) float64 {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	sin, cos := math.Sincos(degrees * math.Pi / 180)
	rows := make([]float64, h)
	// Sample a sparse grid; full resolution is unnecessary for a skew score.
	stepX, stepY := maxInt(1, w/200), maxInt(1, h/400)
	for y := 0; y < h; y += stepY {
		for x := 0; x < w; x += stepX {
			// Project the sample onto the rotated row axis.
			ry := int(float64(y)*cos - float64(x)*sin)
			if ry < 0 || ry >= h {
				continue
			}
			if g.GrayAt(b.Min.X+x, b.Min.Y+y).Y < 128 {
				rows[ry]++
			}
		}
	}
	var sum, sumSq float64
	for _, v := range rows {
		sum += v
		sumSq += v * v
	}
	n := float64(len(rows))
	mean := sum / n
	return sumSq/n - mean*mean
}

// rotate rotates around the image center by the given angle in degrees,
// filling uncovered corners with white.
func rotate(g *image.Gray, degrees float64) *image.Gray {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	sin, cos := math.Sincos(degrees * math.Pi / 180)
	cx, cy := float64(w)/2, float64(h)/2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			sx := int(dx*cos - dy*sin + cx)
			sy := int(dx*sin + dy*cos + cy)
			if sx < 0 || sx >= w || sy < 0 || sy >= h {
				out.SetGray(x, y, color.Gray{Y: 255})
				continue
			}
			out.SetGray(x, y, g.GrayAt(b.Min.X+sx, b.Min.Y+sy))
		}
	}
	return out
}

func (p *Preprocessor) resize(g *image.Gray) *image.Gray {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 || p.CanonicalWidth <= 0 {
		return g
	}
	scale := float64(p.CanonicalWidth) / float64(w)
	if scale > p.MaxUpscale {
		scale = p.MaxUpscale
	}
	if math.Abs(scale-1) < 0.01 {
		return g
	}
	nw, nh := int(float64(w)*scale), int(float64(h)*scale)
	out := image.NewGray(image.Rect(0, 0, nw, nh))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), g, b, xdraw.Src, nil)
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
