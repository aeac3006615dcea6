package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// Metadata describes a model artifact: tensor shapes, class taxonomy, and
// the square input size expected by preprocessing.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	Version     string   `json:"version"`
}

// ONNXEngine runs the trained classifier through onnxruntime. The session
// and its tensors are shared buffers, so forward passes and artifact swaps
// are serialized by a mutex; callers get bounded concurrency from the job
// orchestrator's worker pool, not from the engine itself.
type ONNXEngine struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	meta         Metadata
	logger       *zap.Logger
}

// NewONNXEngine loads the model artifact and its metadata.
func NewONNXEngine(modelPath, metadataPath string, logger *zap.Logger) (*ONNXEngine, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	eng := &ONNXEngine{logger: logger.Named("onnx_engine")}
	if err := eng.load(modelPath, metadataPath); err != nil {
		return nil, err
	}
	return eng, nil
}

func (e *ONNXEngine) load(modelPath, metadataPath string) error {
	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to read model metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(metaFile, &meta); err != nil {
		return fmt.Errorf("failed to parse model metadata: %w", err)
	}
	if len(meta.Classes) == 0 {
		meta.Classes = DefaultClasses
	}
	if meta.ImageSize == 0 {
		meta.ImageSize = 256
	}
	if meta.Version == "" {
		meta.Version = "2.0.0"
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}

	e.destroyLocked()
	e.session = session
	e.inputTensor = inputTensor
	e.outputTensor = outputTensor
	e.meta = meta
	return nil
}

// Swap replaces the active model artifact without a process restart.
// In-flight predictions never observe a half-swapped model: the swap holds
// the same lock as the forward pass.
func (e *ONNXEngine) Swap(modelPath, metadataPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.load(modelPath, metadataPath); err != nil {
		return err
	}
	e.logger.Info("model artifact swapped",
		zap.String("model_path", modelPath),
		zap.String("model_version", e.meta.Version))
	return nil
}

// Version reports the active model version tag.
func (e *ONNXEngine) Version() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta.Version
}

// Predict runs a single forward pass.
func (e *ONNXEngine) Predict(ctx context.Context, image []byte) (*Output, error) {
	start := time.Now()

	probs, classes, version, err := e.forward(ctx, image)
	if err != nil {
		return nil, err
	}
	return outputFromProbs(classes, probs, version, false, time.Since(start).Seconds()), nil
}

// PredictMulti preprocesses and classifies every image, then averages the
// per-class probability vectors before the usual argmax extraction. All
// forward passes complete before aggregation; there is no partial result.
func (e *ONNXEngine) PredictMulti(ctx context.Context, images [][]byte) (*Output, error) {
	if len(images) == 1 {
		return e.Predict(ctx, images[0])
	}
	start := time.Now()

	vectors := make([][]float64, 0, len(images))
	var classes []string
	var version string
	for _, image := range images {
		probs, cls, ver, err := e.forward(ctx, image)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, probs)
		classes, version = cls, ver
	}

	avg := averageVectors(vectors)
	return outputFromProbs(classes, avg, version, false, time.Since(start).Seconds()), nil
}

// forward preprocesses one image and runs the session, returning the
// softmax probability vector together with the taxonomy and version that
// were active during the pass.
func (e *ONNXEngine) forward(ctx context.Context, image []byte) ([]float64, []string, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	input, err := preprocess(image, e.meta.ImageSize)
	if err != nil {
		return nil, nil, "", err
	}

	copy(e.inputTensor.GetData(), input)
	if err := e.session.Run(); err != nil {
		return nil, nil, "", &ModelUnavailableError{Reason: fmt.Sprintf("inference failed: %v", err)}
	}

	logits := e.outputTensor.GetData()
	if len(logits) > len(e.meta.Classes) {
		logits = logits[:len(e.meta.Classes)]
	}
	return softmax(logits), e.meta.Classes, e.meta.Version, nil
}

// Close releases the session and its tensors.
func (e *ONNXEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyLocked()
	ort.DestroyEnvironment()
}

func (e *ONNXEngine) destroyLocked() {
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
		e.inputTensor = nil
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
}
