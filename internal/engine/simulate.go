package engine

import (
	"context"
	"crypto/sha1"
	"time"
)

// SimulatedVersion tags every simulated result so it can never be mistaken
// for real inference, at the data level and not just in logs.
const SimulatedVersion = "simulated"

// SimulatedEngine produces deterministic pseudo-predictions derived from a
// hash of the image bytes. It exists so the rest of the pipeline can run in
// environments without a model artifact; its results claim no diagnostic
// value.
type SimulatedEngine struct {
	classes []string
	delay   time.Duration
}

// NewSimulatedEngine builds a simulator over the given taxonomy.
func NewSimulatedEngine(classes []string) *SimulatedEngine {
	return &SimulatedEngine{classes: classes, delay: 50 * time.Millisecond}
}

// Version reports the simulated version tag.
func (e *SimulatedEngine) Version() string { return SimulatedVersion }

// Predict derives a probability vector from a SHA-1 of the image bytes.
// The same image always yields the same prediction.
func (e *SimulatedEngine) Predict(ctx context.Context, image []byte) (*Output, error) {
	start := time.Now()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.delay):
	}

	probs := e.pseudoProbs(image)
	return outputFromProbs(e.classes, probs, SimulatedVersion, true, time.Since(start).Seconds()), nil
}

// PredictMulti averages the deterministic per-image vectors, mirroring the
// real engine's aggregation.
func (e *SimulatedEngine) PredictMulti(ctx context.Context, images [][]byte) (*Output, error) {
	if len(images) == 1 {
		return e.Predict(ctx, images[0])
	}
	start := time.Now()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.delay):
	}

	vectors := make([][]float64, 0, len(images))
	for _, image := range images {
		vectors = append(vectors, e.pseudoProbs(image))
	}
	avg := averageVectors(vectors)
	return outputFromProbs(e.classes, avg, SimulatedVersion, true, time.Since(start).Seconds()), nil
}

// pseudoProbs turns hash bytes into a normalized probability vector with
// one dominant class, so gated tiers are exercised realistically.
func (e *SimulatedEngine) pseudoProbs(image []byte) []float64 {
	hash := sha1.Sum(image)

	weights := make([]float64, len(e.classes))
	sum := 0.0
	for i := range e.classes {
		weights[i] = float64(hash[i%len(hash)]) + 1
		sum += weights[i]
	}

	// Boost the hash-selected winner so confidence spans the gate tiers.
	winner := int(hash[len(hash)-1]) % len(e.classes)
	boost := sum * (float64(hash[len(hash)-2]%100) / 40.0)
	weights[winner] += boost
	sum += boost

	for i := range weights {
		weights[i] /= sum
	}
	return weights
}
