package engine

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// ImageNet normalization constants, matching the training pipeline.
var (
	normMean = [3]float32{0.485, 0.456, 0.406}
	normStd  = [3]float32{0.229, 0.224, 0.225}
)

// preprocess decodes image bytes, resizes to the model input size, and
// produces a normalized NCHW float32 tensor.
func preprocess(data []byte, size int) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image for inference: %w", err)
	}

	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	plane := width * height
	input := make([]float32, 3*plane)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			input[i] = (float32(r)/65535.0 - normMean[0]) / normStd[0]
			input[plane+i] = (float32(g)/65535.0 - normMean[1]) / normStd[1]
			input[2*plane+i] = (float32(b)/65535.0 - normMean[2]) / normStd[2]
			i++
		}
	}
	return input, nil
}
