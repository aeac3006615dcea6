package validator

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"
)

// Quality thresholds. The blur score is the variance of a Laplacian
// filter response over the grayscale image; higher is sharper.
const (
	MinBlurThreshold = 100.0
	MinBrightness    = 30.0
	MaxBrightness    = 225.0
	MinContrast      = 30.0

	blackPixelValue          = 10
	blackPixelRatioThreshold = 0.95
)

var allowedExtensions = []string{"jpg", "jpeg", "png"}

// ValidationError is a hard intake failure. The image must not be processed.
type ValidationError struct {
	Message string
	Details map[string]string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Result reports the outcome of content validation for a single image.
type Result struct {
	IsValid      bool
	HasWarning   bool
	Warnings     []string
	QualityScore float64
	Width        int
	Height       int
}

// WarningMessage joins all warnings into a single string.
func (r *Result) WarningMessage() string {
	return strings.Join(r.Warnings, "; ")
}

// Validator checks image usability before inference.
type Validator struct {
	MaxBytes  int64
	MinWidth  int
	MinHeight int
}

// New returns a validator with the given intake limits.
func New(maxBytes int64, minWidth, minHeight int) *Validator {
	return &Validator{MaxBytes: maxBytes, MinWidth: minWidth, MinHeight: minHeight}
}

// CheckFormat verifies the filename extension against the allow-list.
// Runs before any content inspection.
func (v *Validator) CheckFormat(filename string) error {
	ext := ""
	if idx := strings.LastIndex(filename, "."); idx >= 0 {
		ext = strings.ToLower(filename[idx+1:])
	}
	for _, allowed := range allowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return &ValidationError{
		Message: fmt.Sprintf("only %s files are allowed", strings.ToUpper(strings.Join(allowedExtensions, ", "))),
		Details: map[string]string{"extension": ext},
	}
}

// CheckSize verifies the declared byte size against the ceiling.
func (v *Validator) CheckSize(declaredSize int64) error {
	if declaredSize > v.MaxBytes {
		return &ValidationError{
			Message: fmt.Sprintf("file size exceeds %.1fMB limit", float64(v.MaxBytes)/(1024*1024)),
			Details: map[string]string{"size": fmt.Sprintf("%d", declaredSize)},
		}
	}
	return nil
}

// Validate runs format, size, and content checks on a single image.
//
// Hard failures (returned as *ValidationError): disallowed extension,
// oversized payload, undecodable bytes, mostly-black image. Soft issues
// (low resolution, blur, bad exposure, low contrast) are attached as
// warnings and do not block inference.
func (v *Validator) Validate(data []byte, filename string, declaredSize int64) (*Result, error) {
	if err := v.CheckFormat(filename); err != nil {
		return nil, err
	}
	if err := v.CheckSize(declaredSize); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &ValidationError{
			Message: "image file is corrupted or unreadable",
			Details: map[string]string{"error": err.Error()},
		}
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	gray := toGray(img)

	if blackRatio(gray) > blackPixelRatioThreshold {
		return nil, &ValidationError{
			Message: "image appears to be completely black or empty",
			Details: map[string]string{"issue": "black_or_empty"},
		}
	}

	var warnings []string
	if width < v.MinWidth || height < v.MinHeight {
		warnings = append(warnings, fmt.Sprintf("image resolution (%dx%d) is low, optimal is %dx%d", width, height, v.MinWidth, v.MinHeight))
	}

	blurScore := laplacianVariance(gray, width, height)
	if blurScore < MinBlurThreshold {
		warnings = append(warnings, fmt.Sprintf("image appears blurry (score: %.1f)", blurScore))
	}

	brightness, contrast := brightnessContrast(gray)
	if brightness < MinBrightness {
		warnings = append(warnings, "image is too dark")
	} else if brightness > MaxBrightness {
		warnings = append(warnings, "image is overexposed")
	}
	if contrast < MinContrast {
		warnings = append(warnings, "image has low contrast")
	}

	return &Result{
		IsValid:      true,
		HasWarning:   len(warnings) > 0,
		Warnings:     warnings,
		QualityScore: blurScore,
		Width:        width,
		Height:       height,
	}, nil
}

// toGray flattens the image into a row-major luminance slice (0-255).
func toGray(img image.Image) []float64 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	gray := make([]float64, width*height)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma, scaled from 16-bit channels to 0-255.
			gray[i] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
			i++
		}
	}
	return gray
}

func blackRatio(gray []float64) float64 {
	if len(gray) == 0 {
		return 1
	}
	black := 0
	for _, v := range gray {
		if v < blackPixelValue {
			black++
		}
	}
	return float64(black) / float64(len(gray))
}

// laplacianVariance convolves a 4-neighbour Laplacian kernel over the
// interior pixels and returns the variance of the response.
func laplacianVariance(gray []float64, width, height int) float64 {
	if width < 3 || height < 3 {
		return 0
	}
	n := 0
	sum, sumSq := 0.0, 0.0
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			idx := y*width + x
			lap := gray[idx-width] + gray[idx+width] + gray[idx-1] + gray[idx+1] - 4*gray[idx]
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

func brightnessContrast(gray []float64) (float64, float64) {
	if len(gray) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range gray {
		sum += v
	}
	mean := sum / float64(len(gray))

	varSum := 0.0
	for _, v := range gray {
		d := v - mean
		varSum += d * d
	}
	return mean, math.Sqrt(varSum / float64(len(gray)))
}
