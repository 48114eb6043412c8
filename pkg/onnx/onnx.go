package onnx

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/instill-ai/mnist-backend/config"
	"github.com/instill-ai/mnist-backend/pkg/artifact"
	"github.com/instill-ai/mnist-backend/pkg/datamodel"
	"github.com/instill-ai/mnist-backend/pkg/logger"
)

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment initialises the process wide onnxruntime environment once.
func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return envErr
}

// Shutdown releases the onnxruntime environment. No predictor may be used
// afterwards.
func Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Loader builds predictors from model artifacts.
type Loader struct {
	cfg config.ONNXConfig
}

// NewLoader returns a loader using cfg for artifacts without a signature.
func NewLoader(cfg config.ONNXConfig) *Loader {
	return &Loader{cfg: cfg}
}

// IOSpec names and shapes the single input and output tensor of a model.
type IOSpec struct {
	InputName   string
	OutputName  string
	InputShape  []int64
	OutputShape []int64
}

// ioSpec prefers the MLmodel signature over the configured defaults.
func (l *Loader) ioSpec(m *artifact.MLmodel) (IOSpec, error) {
	spec := IOSpec{
		InputName:   l.cfg.InputName,
		OutputName:  l.cfg.OutputName,
		InputShape:  l.cfg.InputShape,
		OutputShape: l.cfg.OutputShape,
	}
	if m != nil {
		if len(m.Inputs) == 1 {
			if m.Inputs[0].Name != "" {
				spec.InputName = m.Inputs[0].Name
			}
			if len(m.Inputs[0].Shape) > 0 {
				spec.InputShape = m.Inputs[0].Shape
			}
		}
		if len(m.Outputs) == 1 {
			if m.Outputs[0].Name != "" {
				spec.OutputName = m.Outputs[0].Name
			}
			if len(m.Outputs[0].Shape) > 0 {
				spec.OutputShape = m.Outputs[0].Shape
			}
		}
	}

	if n := elements(spec.InputShape); n != datamodel.ImageSize*datamodel.ImageSize {
		return spec, fmt.Errorf("model input %v holds %d values, want %d", spec.InputShape, n, datamodel.ImageSize*datamodel.ImageSize)
	}
	if n := elements(spec.OutputShape); n != datamodel.NumClasses {
		return spec, fmt.Errorf("model output %v holds %d values, want %d", spec.OutputShape, n, datamodel.NumClasses)
	}
	return spec, nil
}

func elements(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// Load opens the model at path, a model file or an artifact directory.
func (l *Loader) Load(ctx context.Context, path string) (datamodel.Predictor, error) {
	logger, _ := logger.GetZapLogger(ctx)

	modelPath, m, err := artifact.ModelFile(path)
	if err != nil {
		return nil, err
	}
	spec, err := l.ioSpec(m)
	if err != nil {
		return nil, err
	}
	if err := initEnvironment(l.cfg.SharedLibraryPath); err != nil {
		return nil, err
	}

	p, err := newPredictor(modelPath, spec)
	if err != nil {
		return nil, err
	}

	logger.Info("onnx model loaded",
		zap.String("path", modelPath),
		zap.String("input", spec.InputName),
		zap.Int64s("input_shape", spec.InputShape),
		zap.String("output", spec.OutputName))
	return p, nil
}

// Predictor runs a single-image forward pass on a pre-allocated session.
type Predictor struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	closed       bool
}

func newPredictor(modelPath string, spec IOSpec) (*Predictor, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{spec.InputName}, []string{spec.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Predictor{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// PredictRaw copies tensor into the session input and returns a copy of the
// output.
func (p *Predictor) PredictRaw(tensor []float32) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("predictor is closed")
	}
	in := p.inputTensor.GetData()
	if len(tensor) != len(in) {
		return nil, fmt.Errorf("input holds %d values, want %d", len(tensor), len(in))
	}
	copy(in, tensor)

	if err := p.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := p.outputTensor.GetData()
	res := make([]float32, len(out))
	copy(res, out)
	return res, nil
}

// Close releases the session and its tensors.
func (p *Predictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	if p.session != nil {
		err = p.session.Destroy()
	}
	if p.inputTensor != nil {
		_ = p.inputTensor.Destroy()
	}
	if p.outputTensor != nil {
		_ = p.outputTensor.Destroy()
	}
	return err
}
