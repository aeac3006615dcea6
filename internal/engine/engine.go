// Package engine wraps the trained skin-lesion classifier behind a uniform
// prediction contract. Two implementations exist: an ONNX-backed engine for
// real inference and a deterministic simulator used when no model artifact
// is available and the deployment allows it.
package engine

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/example/skinscan/internal/config"
)

// DefaultClasses is the fixed disease taxonomy. Probability maps produced
// by any engine contain exactly this key set unless the model metadata
// declares its own class list.
var DefaultClasses = []string{
	"Acne",
	"Eczema",
	"Melanoma",
	"Psoriasis",
	"Rosacea",
	"Fungal Infection",
	"Vitiligo",
	"Warts",
}

// Output is the result of a forward pass, expressed at the engine/gate
// boundary: confidences are percentages (0-100), not raw probabilities.
type Output struct {
	Disease        string
	Confidence     float64
	Probabilities  map[string]float64
	ProcessingTime float64
	ModelVersion   string
	Simulated      bool
}

// Engine is the prediction contract consumed by the job orchestrator.
type Engine interface {
	Predict(ctx context.Context, image []byte) (*Output, error)
	PredictMulti(ctx context.Context, images [][]byte) (*Output, error)
	Version() string
}

// ModelUnavailableError indicates the classifier could not be loaded or used.
// It is an infrastructure failure, distinct from input validation errors.
type ModelUnavailableError struct {
	Reason string
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("classifier model is unavailable: %s", e.Reason)
}

// New resolves the active engine at process start. A missing or
// incompatible artifact routes to the configured policy: fail-hard keeps an
// engine that reports ModelUnavailableError on every call, simulate installs
// a clearly tagged deterministic simulator. Neither path crashes the process.
func New(modelPath, metadataPath string, policy config.EnginePolicy, logger *zap.Logger) Engine {
	eng, err := NewONNXEngine(modelPath, metadataPath, logger)
	if err == nil {
		logger.Info("classifier model loaded",
			zap.String("model_path", modelPath),
			zap.String("model_version", eng.Version()))
		return eng
	}

	logger.Error("classifier model could not be loaded",
		zap.Error(err),
		zap.String("model_path", modelPath),
		zap.String("policy", string(policy)))

	if policy == config.PolicySimulate {
		logger.Warn("falling back to simulated engine; all results will be tagged simulated")
		return NewSimulatedEngine(DefaultClasses)
	}
	return &unavailableEngine{reason: err.Error()}
}

// unavailableEngine is the fail-hard policy: every prediction surfaces the
// load failure so callers can return a service-unavailable response.
type unavailableEngine struct {
	reason string
}

func (e *unavailableEngine) Predict(ctx context.Context, image []byte) (*Output, error) {
	return nil, &ModelUnavailableError{Reason: e.reason}
}

func (e *unavailableEngine) PredictMulti(ctx context.Context, images [][]byte) (*Output, error) {
	return nil, &ModelUnavailableError{Reason: e.reason}
}

func (e *unavailableEngine) Version() string { return "unavailable" }

// softmax converts raw logits to probabilities in a numerically stable way.
func softmax(logits []float32) []float64 {
	probs := make([]float64, len(logits))
	if len(logits) == 0 {
		return probs
	}
	maxLogit := float64(logits[0])
	for _, v := range logits[1:] {
		if float64(v) > maxLogit {
			maxLogit = float64(v)
		}
	}
	sum := 0.0
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// averageVectors computes the arithmetic mean of per-class probability
// vectors. Multi-image submissions are treated as repeated independent
// views of the same lesion.
func averageVectors(vectors [][]float64) []float64 {
	if len(vectors) == 0 {
		return nil
	}
	avg := make([]float64, len(vectors[0]))
	for _, vec := range vectors {
		for i, v := range vec {
			avg[i] += v
		}
	}
	for i := range avg {
		avg[i] /= float64(len(vectors))
	}
	return avg
}

// outputFromProbs applies argmax + confidence extraction to a probability
// vector and scales everything to percentages.
func outputFromProbs(classes []string, probs []float64, version string, simulated bool, elapsedSeconds float64) *Output {
	maxIdx := 0
	for i, p := range probs {
		if p > probs[maxIdx] {
			maxIdx = i
		}
	}

	allProbs := make(map[string]float64, len(classes))
	for i, class := range classes {
		allProbs[class] = round2(probs[i] * 100)
	}

	return &Output{
		Disease:        classes[maxIdx],
		Confidence:     round2(probs[maxIdx] * 100),
		Probabilities:  allProbs,
		ProcessingTime: elapsedSeconds,
		ModelVersion:   version,
		Simulated:      simulated,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
