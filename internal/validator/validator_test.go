package validator

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func uniformImage(width, height int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// checkerboard produces a sharp, high-contrast image that passes every
// soft check.
func checkerboard(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.RGBA{R: 230, G: 230, B: 230, A: 255})
			} else {
				img.Set(x, y, color.RGBA{R: 40, G: 40, B: 40, A: 255})
			}
		}
	}
	return img
}

func newTestValidator() *Validator {
	return New(5*1024*1024, 224, 224)
}

func TestValidateAcceptsSharpImage(t *testing.T) {
	v := newTestValidator()
	data := encodePNG(t, checkerboard(256, 256))

	result, err := v.Validate(data, "lesion.png", int64(len(data)))
	if err != nil {
		t.Fatalf("expected valid image, got error: %v", err)
	}
	if !result.IsValid {
		t.Fatal("expected IsValid to be true")
	}
	if result.HasWarning {
		t.Fatalf("expected no warnings, got %v", result.Warnings)
	}
	if result.Width != 256 || result.Height != 256 {
		t.Fatalf("unexpected dimensions: %dx%d", result.Width, result.Height)
	}
	if result.QualityScore < MinBlurThreshold {
		t.Fatalf("expected sharp image to score above %v, got %v", MinBlurThreshold, result.QualityScore)
	}
}

func TestValidateRejectsBlackImage(t *testing.T) {
	v := newTestValidator()
	data := encodePNG(t, uniformImage(256, 256, color.Black))

	_, err := v.Validate(data, "black.png", int64(len(data)))
	if err == nil {
		t.Fatal("expected hard failure for all-black image")
	}
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if vErr.Details["issue"] != "black_or_empty" {
		t.Fatalf("unexpected details: %v", vErr.Details)
	}
}

func TestValidateRejectsTinyBlackImage(t *testing.T) {
	v := newTestValidator()
	data := encodePNG(t, uniformImage(10, 10, color.Black))

	_, err := v.Validate(data, "tiny.png", int64(len(data)))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected hard validation failure, got %v", err)
	}
}

func TestValidateRejectsCorruptBytes(t *testing.T) {
	v := newTestValidator()
	data := []byte("definitely not an image")

	_, err := v.Validate(data, "corrupt.jpg", int64(len(data)))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if vErr.Message != "image file is corrupted or unreadable" {
		t.Fatalf("unexpected message: %s", vErr.Message)
	}
}

func TestValidateRejectsDisallowedExtension(t *testing.T) {
	v := newTestValidator()
	data := encodePNG(t, checkerboard(256, 256))

	_, err := v.Validate(data, "lesion.gif", int64(len(data)))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if vErr.Details["extension"] != "gif" {
		t.Fatalf("unexpected details: %v", vErr.Details)
	}
}

func TestValidateRejectsOversizedFile(t *testing.T) {
	v := New(1024, 224, 224)
	data := encodePNG(t, checkerboard(256, 256))

	_, err := v.Validate(data, "big.png", 2048)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestValidateWarnsOnLowResolution(t *testing.T) {
	v := newTestValidator()
	data := encodePNG(t, checkerboard(100, 100))

	result, err := v.Validate(data, "small.png", int64(len(data)))
	if err != nil {
		t.Fatalf("low resolution must be a soft warning, got error: %v", err)
	}
	if !result.HasWarning {
		t.Fatal("expected a resolution warning")
	}
}

func TestValidateWarnsOnDarkImage(t *testing.T) {
	v := newTestValidator()
	// Luminance ~20: above the black-pixel cutoff, below the brightness band.
	data := encodePNG(t, uniformImage(256, 256, color.RGBA{R: 20, G: 20, B: 20, A: 255}))

	result, err := v.Validate(data, "dark.png", int64(len(data)))
	if err != nil {
		t.Fatalf("dark-but-not-black must pass hard validation, got: %v", err)
	}
	if !containsWarning(result.Warnings, "image is too dark") {
		t.Fatalf("expected darkness warning, got %v", result.Warnings)
	}
}

func TestValidateWarnsOnFlatImage(t *testing.T) {
	v := newTestValidator()
	data := encodePNG(t, uniformImage(256, 256, color.RGBA{R: 128, G: 128, B: 128, A: 255}))

	result, err := v.Validate(data, "flat.png", int64(len(data)))
	if err != nil {
		t.Fatalf("expected soft warnings only, got error: %v", err)
	}
	if !containsWarning(result.Warnings, "image has low contrast") {
		t.Fatalf("expected low contrast warning, got %v", result.Warnings)
	}
	if result.QualityScore >= MinBlurThreshold {
		t.Fatalf("flat image should score as blurry, got %v", result.QualityScore)
	}
}

func TestValidateWarnsOnOverexposedImage(t *testing.T) {
	v := newTestValidator()
	data := encodePNG(t, uniformImage(256, 256, color.RGBA{R: 250, G: 250, B: 250, A: 255}))

	result, err := v.Validate(data, "bright.png", int64(len(data)))
	if err != nil {
		t.Fatalf("overexposure must be a soft warning, got error: %v", err)
	}
	if !containsWarning(result.Warnings, "image is overexposed") {
		t.Fatalf("expected overexposure warning, got %v", result.Warnings)
	}
}

func TestCheckFormatAcceptsAllowList(t *testing.T) {
	v := newTestValidator()
	for _, name := range []string{"a.jpg", "b.JPEG", "c.png", "d.PNG"} {
		if err := v.CheckFormat(name); err != nil {
			t.Fatalf("expected %s to be accepted: %v", name, err)
		}
	}
	for _, name := range []string{"noext", "e.bmp", "f.webp"} {
		if err := v.CheckFormat(name); err == nil {
			t.Fatalf("expected %s to be rejected", name)
		}
	}
}

func containsWarning(warnings []string, want string) bool {
	for _, w := range warnings {
		if w == want {
			return true
		}
	}
	return false
}
