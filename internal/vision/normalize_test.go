package vision

import (
	"image"
	"image/color"
	"testing"
)

func TestNormalizeUniformImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 200
	}

	out := DefaultNormalizer().Normalize(img)

	// 0.75*200 + 0.25*(255-200) = 163.75
	for i, v := range out.Pix {
		if v != 164 {
			t.Fatalf("Expected 164 at %d, got %d", i, v)
		}
	}
}

func TestNormalizeKeepsDimensions(t *testing.T) {
	img := image.NewRGBA(image.Rect(10, 10, 42, 28))
	out := DefaultNormalizer().Normalize(img)
	if out.Bounds().Dx() != 32 || out.Bounds().Dy() != 18 {
		t.Errorf("Expected 32x18, got %v", out.Bounds())
	}
}

func TestNormalizeZeroRadiusIsPointwise(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{A: 255})
	img.Set(1, 0, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	out := Normalizer{Radius: 0, GrayWeight: 0.75}.Normalize(img)

	// black: 0.75*0 + 0.25*255 = 63.75; white: 0.75*255 + 0 = 191.25
	if out.Pix[0] != 64 {
		t.Errorf("Expected 64 for black pixel, got %d", out.Pix[0])
	}
	if out.Pix[1] != 191 {
		t.Errorf("Expected 191 for white pixel, got %d", out.Pix[1])
	}
}

func TestNormalizeEmptyImage(t *testing.T) {
	out := DefaultNormalizer().Normalize(image.NewGray(image.Rect(0, 0, 0, 0)))
	if !out.Bounds().Empty() {
		t.Errorf("Expected empty output, got %v", out.Bounds())
	}
}
