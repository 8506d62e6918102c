// Package vision holds the per-frame illumination normalisation applied before
// eye-closure classification.
package vision

import (
	"image"
	"image/color"
)

// Normalizer flattens uneven cabin lighting: the output is a weighted sum of the
// grayscale frame and the inverted, heavily blurred luminance.
type Normalizer struct {
	// Radius of the square blur kernel (kernel side = 2*Radius+1)
	Radius int
	// GrayWeight is applied to the grayscale frame, 1-GrayWeight to the inverted blur
	GrayWeight float64
}

// DefaultNormalizer uses a 99-pixel kernel and a 0.75/0.25 blend
func DefaultNormalizer() Normalizer {
	return Normalizer{Radius: 49, GrayWeight: 0.75}
}

// Normalize returns the illumination-normalised grayscale image
func (n Normalizer) Normalize(src image.Image) *image.Gray {
	gray := toGray(src)
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return out
	}

	sum := integral(gray, w, h)
	r := n.Radius
	if r < 0 {
		r = 0
	}
	gw := n.GrayWeight
	iw := 1 - gw

	for y := 0; y < h; y++ {
		y0, y1 := clamp(y-r, 0, h-1), clamp(y+r, 0, h-1)
		for x := 0; x < w; x++ {
			x0, x1 := clamp(x-r, 0, w-1), clamp(x+r, 0, w-1)
			area := uint64((x1 - x0 + 1) * (y1 - y0 + 1))
			total := sum[(y1+1)*(w+1)+x1+1] - sum[y0*(w+1)+x1+1] - sum[(y1+1)*(w+1)+x0] + sum[y0*(w+1)+x0]
			blurred := float64(total) / float64(area)

			v := gw*float64(gray.Pix[y*gray.Stride+x]) + iw*(255-blurred)
			out.Pix[y*out.Stride+x] = uint8(clamp(int(v+0.5), 0, 255))
		}
	}
	return out
}

// integral builds a (w+1)x(h+1) summed-area table of the gray image
func integral(g *image.Gray, w, h int) []uint64 {
	sum := make([]uint64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var row uint64
		for x := 0; x < w; x++ {
			row += uint64(g.Pix[y*g.Stride+x])
			sum[(y+1)*(w+1)+x+1] = sum[y*(w+1)+x+1] + row
		}
	}
	return sum
}

// toGray converts any image to an origin-anchored *image.Gray
func toGray(src image.Image) *image.Gray {
	b := src.Bounds()
	if g, ok := src.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g.SetGray(x-b.Min.X, y-b.Min.Y, color.GrayModel.Convert(src.At(x, y)).(color.Gray))
		}
	}
	return g
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
