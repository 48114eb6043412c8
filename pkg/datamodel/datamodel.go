package datamodel

import (
	"time"
)

// NumClasses is the number of digit classes the served model predicts.
const NumClasses = 10

// ImageSize is the edge length of the square grayscale input the model expects.
const ImageSize = 28

// Predictor is the framework-independent capability of a loaded model. The
// input is a row-major ImageSize*ImageSize tensor scaled to [0,1].
type Predictor interface {
	PredictRaw(tensor []float32) ([]float32, error)
	Close() error
}

// ResolvedModel is the outcome of a successful resolution. It is never mutated
// after creation; re-resolution builds a new one.
type ResolvedModel struct {
	Predictor   Predictor
	Source      ModelSource
	Version     string
	ArtifactDir string
	ResolvedAt  time.Time
}

// PredictionRequest carries either a pixel grid of raw intensities in [0,255]
// or an encoded image. Pixels takes precedence when both are set.
type PredictionRequest struct {
	Pixels [][]float32
	Image  []byte
}

// PredictionResult is the ranked class-probability output of a forward pass.
type PredictionResult struct {
	Prediction    int       `json:"prediction"`
	Confidence    float32   `json:"confidence"`
	Probabilities []float32 `json:"probabilities"`
}

// NewPredictionResult builds a result from a probability vector. The lowest
// index wins ties.
func NewPredictionResult(probs []float32) *PredictionResult {
	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}
	out := make([]float32, len(probs))
	copy(out, probs)
	return &PredictionResult{
		Prediction:    best,
		Confidence:    out[best],
		Probabilities: out,
	}
}

// Run is a tracked training run as reported by the tracking server.
type Run struct {
	RunID        string             `json:"run_id"`
	RunName      string             `json:"run_name"`
	ExperimentID string             `json:"experiment_id"`
	Status       string             `json:"status"`
	StartTime    time.Time          `json:"start_time"`
	ArtifactURI  string             `json:"artifact_uri"`
	Metrics      map[string]float64 `json:"metrics"`
}

// Metric returns the named metric and whether it was recorded.
func (r *Run) Metric(name string) (float64, bool) {
	v, ok := r.Metrics[name]
	return v, ok
}

// Experiment is a tracked experiment.
type Experiment struct {
	ExperimentID     string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location"`
	LifecycleStage   string `json:"lifecycle_stage"`
}

// ModelVersion is a registry entry.
type ModelVersion struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	CurrentStage string `json:"current_stage"`
	Source       string `json:"source"`
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
}

// Health is the readiness report of the inference service.
type Health struct {
	Ready     bool        `json:"ready"`
	State     string      `json:"state"`
	Source    ModelSource `json:"source"`
	Version   *string     `json:"version"`
	ModelName string      `json:"model_name"`
	LastError string      `json:"last_error,omitempty"`
}

// Error is the problem body written by the HTTP handlers.
type Error struct {
	Status int32  `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}
